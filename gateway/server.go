// Package gateway hosts the Roomivo functions: each configured function is a
// route that identifies the caller, applies the fixed-window limiter,
// validates the JSON body and forwards it to an upstream API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"roomivo-gateway/config"
	"roomivo-gateway/middleware/ratelimit"
	"roomivo-gateway/middleware/ratelimit/domain"
	"roomivo-gateway/middleware/ratelimit/infra"
)

// Deps are the collaborators a Server is built from. Only Config is required.
type Deps struct {
	Config *config.Config
	Logger *zap.Logger
	// Store holds the rate-limit windows. Defaults to an in-memory store.
	Store domain.WindowStore
	Stats domain.StatsStore
	// Registerer and Gatherer default to a private registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// Transport is the base round tripper for upstream calls.
	Transport http.RoundTripper
	Now       func() time.Time
}

type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     domain.WindowStore
	stats     domain.StatsStore
	transport http.RoundTripper
	now       func() time.Time
	pool      *infra.ChanPool
	metrics   *metrics
	gatherer  prometheus.Gatherer
	handler   http.Handler
}

func New(d Deps) (*Server, error) {
	if d.Config == nil {
		return nil, errors.New("gateway: nil config")
	}
	s := &Server{
		cfg:       d.Config,
		logger:    d.Logger,
		store:     d.Store,
		stats:     d.Stats,
		transport: d.Transport,
		now:       d.Now,
		gatherer:  d.Gatherer,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.transport == nil {
		s.transport = http.DefaultTransport
	}
	if s.store == nil && s.cfg.Rate.Enabled {
		s.store = infra.NewMemoryStore()
	}

	reg := d.Registerer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, s.gatherer = r, r
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}

	if s.cfg.Concurrency.Max > 0 {
		s.pool = infra.NewChanPool(s.cfg.Concurrency.Max)
	}
	var pool domain.SlotPool
	if s.pool != nil {
		pool = s.pool
	}
	m, err := newMetrics(reg, pool)
	if err != nil {
		return nil, fmt.Errorf("gateway: register metrics: %w", err)
	}
	s.metrics = m

	h, err := s.routes()
	if err != nil {
		return nil, err
	}
	s.handler = h
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(requestID, s.observe, s.recoverer, cors(s.cfg.CORS))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Function not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.cfg.Metrics.Enabled {
		r.Method(http.MethodGet, s.cfg.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	var routeErr error
	r.Route("/functions/v1", func(r chi.Router) {
		if s.pool != nil {
			r.Use(ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
				Pool:           s.pool,
				AcquireTimeout: s.cfg.Concurrency.Timeout,
				Logger:         s.logger,
			}))
		}
		for _, fn := range s.cfg.Functions {
			h, err := s.functionHandler(fn)
			if err != nil {
				routeErr = errors.Join(routeErr, err)
				continue
			}
			for _, m := range fn.Methods {
				r.Method(m, "/"+fn.Name, h)
			}
		}
	})
	if routeErr != nil {
		return nil, routeErr
	}
	return r, nil
}

// functionHandler assembles identity, rate limit, validation and proxy for
// one function.
func (s *Server) functionHandler(fn config.FunctionConfig) (http.Handler, error) {
	proxy, err := s.newProxy(fn)
	if err != nil {
		return nil, err
	}

	h := validateBody(fn)(proxy)
	if s.cfg.Rate.Enabled {
		h = ratelimit.Middleware(ratelimit.Options{
			Store:  s.store,
			Stats:  s.stats,
			Policy: fn.Policy(s.cfg.Rate.Policy()),
			KeyFn: func(r *http.Request) string {
				id, _ := IdentityFrom(r.Context())
				return fn.Name + ":" + id.String()
			},
			AddRateLimitHeaders: s.cfg.Rate.AddHeaders,
			FailClosed:          s.cfg.Rate.FailClosed,
			Route:               fn.Name,
			Logger:              s.logger,
			Now:                 s.now,
		})(h)
	}
	h = s.identify(fn)(h)
	if fn.Timeout > 0 {
		h = withTimeout(fn.Timeout)(h)
	}
	return h, nil
}

func withTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests for up to
// the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// no WriteTimeout: streamed completions are bounded by the function timeout
		IdleTimeout: 90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening",
			zap.String("addr", s.cfg.ListenAddr),
			zap.Int("functions", len(s.cfg.Functions)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("shutting down", zap.Duration("timeout", timeout))
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
