package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"

	"roomivo-gateway/config"
)

const UserIDHeader = "X-Roomivo-User"

func (s *Server) newProxy(fn config.FunctionConfig) (http.Handler, error) {
	target, err := url.Parse(fn.Upstream)
	if err != nil {
		return nil, fmt.Errorf("function %q: parse upstream: %w", fn.Name, err)
	}

	// expanded once so API keys come from the environment, not the file
	inject := make(map[string]string, len(fn.Headers))
	for k, v := range fn.Headers {
		inject[http.CanonicalHeaderKey(k)] = os.ExpandEnv(v)
	}

	transport := s.transport
	if fn.UpstreamRPS > 0 {
		transport = NewPacedTransport(transport, fn.UpstreamRPS, fn.UpstreamBurst)
	}

	logger := s.logger.With(zap.String("function", fn.Name))
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = target.Scheme
			pr.Out.URL.Host = target.Host
			pr.Out.URL.Path = target.Path
			pr.Out.URL.RawPath = target.RawPath
			pr.Out.URL.RawQuery = joinQuery(target.RawQuery, pr.In.URL.RawQuery)
			pr.Out.Host = target.Host
			pr.SetXForwarded()

			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
			pr.Out.Header.Del(UserIDHeader)
			for k, v := range inject {
				pr.Out.Header.Set(k, v)
			}
			if id, ok := IdentityFrom(pr.In.Context()); ok && id.Kind == config.IdentifyByUser {
				pr.Out.Header.Set(UserIDHeader, id.ID)
			}
		},
		Transport: transport,
		ModifyResponse: func(resp *http.Response) error {
			// the gateway owns CORS
			for k := range resp.Header {
				if strings.HasPrefix(k, "Access-Control-") {
					resp.Header.Del(k)
				}
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			status, msg := upstreamFailure(err)
			logger.Warn("upstream call failed",
				zap.Int("status", status),
				zap.String("upstream", target.Host),
				zap.Error(err))
			writeError(w, status, msg)
		},
	}
	if fn.Stream {
		rp.FlushInterval = -1
	}
	return rp, nil
}

func upstreamFailure(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUpstreamThrottled):
		return http.StatusServiceUnavailable, "Upstream is busy. Please try again later."
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Upstream timed out"
	default:
		return http.StatusBadGateway, "Upstream request failed"
	}
}

func joinQuery(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "&" + b
}
