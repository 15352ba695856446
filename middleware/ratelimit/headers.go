package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"roomivo-gateway/middleware/ratelimit/domain"
)

const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderKey       = "X-RateLimit-Key"
)

// resetLayout is ISO-8601 in UTC with millisecond precision,
// e.g. 2023-11-14T22:13:20.000Z.
const resetLayout = "2006-01-02T15:04:05.000Z07:00"

// Headers formats a result as the remaining-count and reset-time header
// values.
func Headers(res domain.Result) map[string]string {
	return map[string]string{
		HeaderRemaining: strconv.Itoa(res.Remaining),
		HeaderReset:     FormatResetTime(res.ResetTime),
	}
}

func FormatResetTime(t time.Time) string {
	return t.UTC().Format(resetLayout)
}

func setHeaders(h http.Header, res domain.Result) {
	for k, v := range Headers(res) {
		h.Set(k, v)
	}
	if res.Limit > 0 {
		h.Set(HeaderLimit, strconv.Itoa(res.Limit))
	}
}
