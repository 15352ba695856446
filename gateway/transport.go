package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"
)

// ErrUpstreamThrottled is returned when a paced call could not get a token
// before its context ended.
var ErrUpstreamThrottled = errors.New("upstream throttled")

// PacedTransport spaces outbound calls with a token bucket so a busy function
// stays under the provider's own rate limit.
type PacedTransport struct {
	Base    http.RoundTripper
	limiter *rate.Limiter
}

func NewPacedTransport(base http.RoundTripper, rps float64, burst int) *PacedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if burst <= 0 {
		burst = 1
	}
	return &PacedTransport{Base: base, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *PacedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamThrottled, err)
	}
	return t.Base.RoundTrip(req)
}
