package application

import (
	"context"
	"time"

	"go.uber.org/zap"

	"roomivo-gateway/middleware/ratelimit/domain"
)

// Service holds the application rule of the fixed-window limiter.
//
// It knows nothing about HTTP (headers/status); it only returns a Result.
type Service struct {
	Store domain.WindowStore
	// FailClosed denies requests when the store errors. The default is to
	// admit them and log.
	FailClosed bool
	Logger     *zap.Logger
	// Now defaults to time.Now. Tests replace it to drive the window.
	Now func() time.Time
}

// Check decides whether one more request for key fits the policy.
//
// A zero Policy means the default 100 requests per 60s. Check never fails:
// store errors are resolved by the FailClosed setting.
func (s Service) Check(ctx context.Context, key domain.Key, p domain.Policy) domain.Result {
	p = p.WithDefaults()
	now := s.now()

	if s.Store == nil {
		return domain.Result{Allowed: true, Remaining: p.MaxRequests, Limit: p.MaxRequests, ResetTime: now.Add(p.Window)}
	}

	entry, admitted, err := s.Store.Hit(ctx, key, p, now)
	if err != nil {
		s.logger().Warn("rate limit store failed",
			zap.String("key", string(key)),
			zap.Bool("fail_closed", s.FailClosed),
			zap.Error(err))
		if s.FailClosed {
			return domain.Result{Allowed: false, Remaining: 0, Limit: p.MaxRequests, ResetTime: now.Add(p.Window)}
		}
		return domain.Result{Allowed: true, Remaining: p.MaxRequests - 1, Limit: p.MaxRequests, ResetTime: now.Add(p.Window)}
	}

	if !admitted {
		return domain.Result{Allowed: false, Remaining: 0, Limit: p.MaxRequests, ResetTime: entry.ResetTime}
	}
	return domain.Result{
		Allowed:   true,
		Remaining: p.MaxRequests - entry.Count,
		Limit:     p.MaxRequests,
		ResetTime: entry.ResetTime,
	}
}

// Reset clears every window in the store.
func (s Service) Reset(ctx context.Context) error {
	if s.Store == nil {
		return nil
	}
	return s.Store.Reset(ctx)
}

// now is millisecond precision, without the monotonic reading, so reset times
// round-trip through Redis and ISO-8601 headers unchanged.
func (s Service) now() time.Time {
	clock := s.Now
	if clock == nil {
		clock = time.Now
	}
	return time.UnixMilli(clock().UnixMilli())
}

func (s Service) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
