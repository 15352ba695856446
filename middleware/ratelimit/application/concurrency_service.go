package application

import (
	"context"
	"time"

	"go.uber.org/zap"

	"roomivo-gateway/middleware/ratelimit/domain"
)

// ConcurrencyService bounds how many function calls run at once.
type ConcurrencyService struct {
	Pool domain.SlotPool
	// AcquireTimeout caps the wait for a slot. <= 0 waits as long as ctx lives.
	AcquireTimeout time.Duration
	Logger         *zap.Logger
}

// Acquire takes a slot, returning its release func. ok=false means the wait
// ran out and nothing must be released. A nil Pool admits everything.
func (s ConcurrencyService) Acquire(ctx context.Context) (release func(), ok bool) {
	if s.Pool == nil {
		return func() {}, true
	}

	waitCtx := ctx
	if s.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.AcquireTimeout)
		defer cancel()
	}

	release, ok = s.Pool.Acquire(waitCtx)
	if !ok && s.Logger != nil {
		s.Logger.Warn("no concurrency slot available",
			zap.Int("in_use", s.Pool.InUse()),
			zap.Int("capacity", s.Pool.Cap()),
			zap.Duration("waited_up_to", s.AcquireTimeout),
			zap.NamedError("cause", waitCtx.Err()))
	}
	return release, ok
}
