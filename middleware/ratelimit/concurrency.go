package ratelimit

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"roomivo-gateway/middleware/ratelimit/application"
	"roomivo-gateway/middleware/ratelimit/domain"
	"roomivo-gateway/middleware/ratelimit/infra"
)

type ConcurrencyOptions struct {
	// Max builds a channel pool when Pool is nil. Zero disables the limit.
	Max int
	// Pool lets callers share or observe the slots.
	Pool           domain.SlotPool
	AcquireTimeout time.Duration
	RejectStatus   int
	RejectMessage  string
	Logger         *zap.Logger
}

// ConcurrencyMiddleware holds a slot for the whole downstream call and
// rejects with 503 when none frees up in time.
func ConcurrencyMiddleware(opts ConcurrencyOptions) func(next http.Handler) http.Handler {
	if opts.Pool == nil && opts.Max <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if opts.Pool == nil {
		opts.Pool = infra.NewChanPool(opts.Max)
	}
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusServiceUnavailable
	}
	if opts.RejectMessage == "" {
		opts.RejectMessage = "Server is busy. Please try again later."
	}

	svc := application.ConcurrencyService{
		Pool:           opts.Pool,
		AcquireTimeout: opts.AcquireTimeout,
		Logger:         opts.Logger,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, ok := svc.Acquire(r.Context())
			if !ok {
				writeJSONError(w, opts.RejectStatus, opts.RejectMessage)
				return
			}
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}
