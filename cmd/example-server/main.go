// Command example-server shows the limiter middleware mounted directly on a
// plain net/http server, without the gateway.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"roomivo-gateway/middleware/ratelimit"
	"roomivo-gateway/middleware/ratelimit/domain"
	"roomivo-gateway/middleware/ratelimit/infra"
	"roomivo-gateway/observability"
)

func main() {
	logger, err := observability.NewLogger(os.Getenv("LOG_LEVEL"), true)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store := infra.NewMemoryStore()
	store.StartJanitor(ctx)
	stats := infra.NewMemoryStatsStore()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	h := http.Handler(mux)
	h = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{Max: 50})(h)
	h = ratelimit.Middleware(ratelimit.Options{
		Store:               store,
		Stats:               stats,
		Policy:              domain.Policy{MaxRequests: 5, Window: 10 * time.Second},
		KeyHeader:           "X-Api-Key", // empty falls back to the client IP
		TrustXForwardedFor:  true,
		AddRateLimitHeaders: true,
		Logger:              logger,
	})(h)

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("example server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	snap := stats.Snapshot()
	logger.Info("rate limit decisions",
		zap.Int64("allowed", snap.Total.Allowed),
		zap.Int64("denied", snap.Total.Denied),
		zap.Int("routes", len(snap.ByRoute)))
}
