package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"roomivo-gateway/middleware/ratelimit/application"
	"roomivo-gateway/middleware/ratelimit/domain"
)

type KeyFunc func(r *http.Request) string

type Options struct {
	Store domain.WindowStore
	Stats domain.StatsStore
	// Policy overrides the default 100 requests per 60s.
	Policy              domain.Policy
	KeyFn               KeyFunc
	KeyHeader           string
	TrustXForwardedFor  bool
	RejectStatus        int
	RejectMessage       string
	AddRateLimitHeaders bool
	FailClosed          bool
	// Route labels stats events. Defaults to the request path.
	Route  string
	Logger *zap.Logger
	Now    func() time.Time
}

func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			// first hop is the original client
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.RejectMessage == "" {
		opts.RejectMessage = "Rate limit exceeded. Please try again later."
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	svc := application.Service{
		Store:      opts.Store,
		FailClosed: opts.FailClosed,
		Logger:     opts.Logger,
		Now:        opts.Now,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := opts.KeyFn(r)
			res := svc.Check(r.Context(), domain.Key(key), opts.Policy)

			if opts.Stats != nil {
				route := opts.Route
				if route == "" {
					route = r.URL.Path
				}
				err := opts.Stats.Record(r.Context(), domain.StatsEvent{
					Key:     domain.Key(key),
					Allowed: res.Allowed,
					Method:  r.Method,
					Path:    route,
					At:      opts.Now(),
				})
				if err != nil {
					opts.Logger.Debug("rate limit stats not recorded", zap.Error(err))
				}
			}

			if opts.AddRateLimitHeaders {
				w.Header().Set(HeaderKey, key)
			}

			if !res.Allowed {
				retryAfter := res.RetryAfter(opts.Now())
				setHeaders(w.Header(), res)
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
				opts.Logger.Info("rate limit exceeded",
					zap.String("key", key),
					zap.String("path", r.URL.Path),
					zap.Time("reset", res.ResetTime))
				writeReject(w, opts.RejectStatus, opts.RejectMessage, retryAfter)
				return
			}

			if opts.AddRateLimitHeaders {
				setHeaders(w.Header(), res)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type rejectBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after"`
}

func writeReject(w http.ResponseWriter, status int, msg string, retryAfter time.Duration) {
	writeJSON(w, status, rejectBody{Error: msg, RetryAfter: int(retryAfter.Seconds())})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
