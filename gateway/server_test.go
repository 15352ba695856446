package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"roomivo-gateway/config"
	"roomivo-gateway/middleware/ratelimit"
	"roomivo-gateway/middleware/ratelimit/infra"
)

const testSecret = "test-jwt-secret"

type seenRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   string
}

type upstream struct {
	*httptest.Server
	mu   sync.Mutex
	seen []seenRequest
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.seen = append(u.seen, seenRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   string(body),
		})
		u.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "https://upstream.example")
		_, _ = io.WriteString(w, `{"reply":"hello"}`)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) last(t *testing.T) seenRequest {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	require.NotEmpty(t, u.seen, "upstream was never called")
	return u.seen[len(u.seen)-1]
}

func (u *upstream) calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.seen)
}

func function(name, target string) config.FunctionConfig {
	return config.FunctionConfig{
		Name:         name,
		Upstream:     target,
		Methods:      []string{http.MethodPost},
		IdentifyBy:   config.IdentifyByIP,
		MaxBodyBytes: 1 << 10,
		Timeout:      5 * time.Second,
	}
}

func testConfig(fns ...config.FunctionConfig) *config.Config {
	return &config.Config{
		ListenAddr: ":0",
		Rate: config.RateConfig{
			Enabled:     true,
			Store:       config.StoreMemory,
			MaxRequests: 100,
			Window:      time.Minute,
			AddHeaders:  true,
		},
		Metrics:     config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Concurrency: config.ConcurrencyConfig{Max: 10},
		Auth:        config.AuthConfig{JWTSecret: testSecret},
		CORS: config.CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedHeaders: []string{"authorization", "content-type"},
		},
		Functions: fns,
	}
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...func(*Deps)) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	d := Deps{
		Config:     cfg,
		Logger:     zaptest.NewLogger(t),
		Registerer: reg,
		Gatherer:   reg,
	}
	for _, o := range opts {
		o(&d)
	}
	s, err := New(d)
	require.NoError(t, err)
	return s
}

func do(s *Server, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, target, rd)
	r.RemoteAddr = "203.0.113.7:5555"
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func token(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	raw, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return raw
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Error
}

func TestProxy_ForwardsBodyAndQuery(t *testing.T) {
	up := newUpstream(t)
	t.Setenv("TEST_LLM_KEY", "sk-test")

	fn := function("ai-chat", up.URL+"/v1/chat?model=small")
	fn.Headers = map[string]string{"authorization": "Bearer ${TEST_LLM_KEY}"}
	s := newTestServer(t, testConfig(fn))

	w := do(s, http.MethodPost, "/functions/v1/ai-chat?lang=en", `{"message":"hi"}`, map[string]string{
		"Authorization": "Bearer caller-token",
		"Content-Type":  "application/json",
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"reply":"hello"}`, w.Body.String())

	got := up.last(t)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/v1/chat", got.Path)
	assert.Equal(t, "model=small&lang=en", got.Query)
	assert.Equal(t, `{"message":"hi"}`, got.Body)
	assert.Equal(t, "Bearer sk-test", got.Header.Get("Authorization"), "caller token replaced by the upstream key")
	assert.Equal(t, "203.0.113.7", got.Header.Get("X-Forwarded-For"))
	assert.Empty(t, got.Header.Get(UserIDHeader))

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"), "upstream CORS headers are replaced")
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestRateLimit_PerFunctionPolicy(t *testing.T) {
	up := newUpstream(t)
	limited := function("send-sms", up.URL+"/sms")
	limited.MaxRequests = 2
	limited.Window = 30 * time.Second
	other := function("ai-chat", up.URL+"/chat")

	now := time.UnixMilli(1_700_000_000_000)
	s := newTestServer(t, testConfig(limited, other), func(d *Deps) {
		d.Now = func() time.Time { return now }
	})

	for i, want := range []string{"1", "0"} {
		w := do(s, http.MethodPost, "/functions/v1/send-sms", `{}`, nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, want, w.Header().Get(ratelimit.HeaderRemaining))
		assert.Equal(t, "2", w.Header().Get(ratelimit.HeaderLimit))
	}

	w := do(s, http.MethodPost, "/functions/v1/send-sms", `{}`, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get(ratelimit.HeaderRemaining))
	assert.Equal(t, "2023-11-14T22:13:50.000Z", w.Header().Get(ratelimit.HeaderReset))
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, "send-sms:ip:203.0.113.7", w.Header().Get(ratelimit.HeaderKey))
	assert.Equal(t, 2, up.calls(), "denied request never reaches upstream")

	// same caller, other function, own window with the global policy
	w = do(s, http.MethodPost, "/functions/v1/ai-chat", `{}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "99", w.Header().Get(ratelimit.HeaderRemaining))

	now = now.Add(30 * time.Second)
	w = do(s, http.MethodPost, "/functions/v1/send-sms", `{}`, nil)
	assert.Equal(t, http.StatusOK, w.Code, "window elapsed")
	assert.Equal(t, "1", w.Header().Get(ratelimit.HeaderRemaining))
}

func TestRateLimit_RecordsStats(t *testing.T) {
	up := newUpstream(t)
	fn := function("send-email", up.URL)
	fn.MaxRequests = 1
	stats := infra.NewMemoryStatsStore()
	s := newTestServer(t, testConfig(fn), func(d *Deps) { d.Stats = stats })

	do(s, http.MethodPost, "/functions/v1/send-email", `{}`, nil)
	do(s, http.MethodPost, "/functions/v1/send-email", `{}`, nil)

	assert.Equal(t, infra.Counters{Allowed: 1, Denied: 1}, stats.ByRoute()["POST send-email"])
}

func TestIdentity_UserFunctions(t *testing.T) {
	up := newUpstream(t)
	fn := function("create-payment", up.URL+"/pay")
	fn.IdentifyBy = config.IdentifyByUser
	fn.MaxRequests = 1
	s := newTestServer(t, testConfig(fn))

	t.Run("missing token", func(t *testing.T) {
		w := do(s, http.MethodPost, "/functions/v1/create-payment", `{}`, nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "Authentication required", errorMessage(t, w))
	})

	t.Run("wrong secret", func(t *testing.T) {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u1"})
		raw, err := tok.SignedString([]byte("other"))
		require.NoError(t, err)
		w := do(s, http.MethodPost, "/functions/v1/create-payment", `{}`, map[string]string{"Authorization": "Bearer " + raw})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("limited per user", func(t *testing.T) {
		alice := map[string]string{"Authorization": "Bearer " + token(t, "alice")}
		bob := map[string]string{"Authorization": "Bearer " + token(t, "bob")}

		w := do(s, http.MethodPost, "/functions/v1/create-payment", `{}`, alice)
		require.Equal(t, http.StatusOK, w.Code)
		got := up.last(t)
		assert.Equal(t, "alice", got.Header.Get(UserIDHeader))
		assert.Empty(t, got.Header.Get("Authorization"))

		w = do(s, http.MethodPost, "/functions/v1/create-payment", `{}`, alice)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)

		w = do(s, http.MethodPost, "/functions/v1/create-payment", `{}`, bob)
		assert.Equal(t, http.StatusOK, w.Code, "same IP, different user")
	})
}

func TestValidation(t *testing.T) {
	up := newUpstream(t)
	fn := function("ai-chat", up.URL)
	fn.RequiredFields = []string{"message", "context.listing_id"}
	fn.MaxBodyBytes = 64
	s := newTestServer(t, testConfig(fn))

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{"not json", `hello`, http.StatusBadRequest, "Request body must be a JSON object"},
		{"array", `[1,2]`, http.StatusBadRequest, "Request body must be a JSON object"},
		{"empty", ``, http.StatusBadRequest, "Request body must be a JSON object"},
		{"missing field", `{"message":"hi"}`, http.StatusBadRequest, "Missing required field: context.listing_id"},
		{"null field", `{"message":null,"context":{"listing_id":1}}`, http.StatusBadRequest, "Missing required field: message"},
		{"too large", `{"message":"` + strings.Repeat("x", 100) + `"}`, http.StatusRequestEntityTooLarge, "Request body too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(s, http.MethodPost, "/functions/v1/ai-chat", tt.body, nil)
			require.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantError, errorMessage(t, w))
		})
	}
	assert.Zero(t, up.calls())

	w := do(s, http.MethodPost, "/functions/v1/ai-chat", `{"message":"hi","context":{"listing_id":7}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"message":"hi","context":{"listing_id":7}}`, up.last(t).Body)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, testConfig(function("ai-chat", "http://127.0.0.1:1")))

	w := do(s, http.MethodOptions, "/functions/v1/ai-chat", "", map[string]string{
		"Origin":                        "https://app.roomivo.example",
		"Access-Control-Request-Method": "POST",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "authorization, content-type", w.Header().Get("Access-Control-Allow-Headers"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestCORS_AllowList(t *testing.T) {
	cfg := testConfig(function("ai-chat", "http://127.0.0.1:1"))
	cfg.CORS.AllowedOrigins = []string{"https://app.roomivo.example"}
	s := newTestServer(t, cfg)

	w := do(s, http.MethodOptions, "/functions/v1/ai-chat", "", map[string]string{"Origin": "https://app.roomivo.example"})
	assert.Equal(t, "https://app.roomivo.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))

	w = do(s, http.MethodOptions, "/functions/v1/ai-chat", "", map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestUpstreamFailures(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		dead := httptest.NewServer(http.NotFoundHandler())
		dead.Close()
		s := newTestServer(t, testConfig(function("send-sms", dead.URL)))

		w := do(s, http.MethodPost, "/functions/v1/send-sms", `{}`, nil)
		require.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, "Upstream request failed", errorMessage(t, w))
	})

	t.Run("paced", func(t *testing.T) {
		up := newUpstream(t)
		fn := function("ai-chat", up.URL)
		fn.UpstreamRPS = 0.001
		fn.UpstreamBurst = 1
		fn.Timeout = 200 * time.Millisecond
		s := newTestServer(t, testConfig(fn))

		w := do(s, http.MethodPost, "/functions/v1/ai-chat", `{}`, nil)
		require.Equal(t, http.StatusOK, w.Code)

		w = do(s, http.MethodPost, "/functions/v1/ai-chat", `{}`, nil)
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, 1, up.calls())
	})
}

func TestStreamingFunction(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		for _, chunk := range []string{"Hel", "lo"} {
			_, _ = io.WriteString(w, "data: "+chunk+"\n\n")
			f.Flush()
		}
	}))
	t.Cleanup(up.Close)

	fn := function("ai-chat", up.URL)
	fn.Stream = true
	s := newTestServer(t, testConfig(fn))

	w := do(s, http.MethodPost, "/functions/v1/ai-chat", `{"message":"hi"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "data: Hel\n\ndata: lo\n\n", w.Body.String())
	assert.True(t, w.Flushed)
}

func TestRoutes(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, testConfig(function("ai-chat", up.URL)))

	w := do(s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(s, http.MethodPost, "/functions/v1/unknown", `{}`, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Function not found", errorMessage(t, w))

	w = do(s, http.MethodGet, "/functions/v1/ai-chat", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	do(s, http.MethodPost, "/functions/v1/ai-chat", `{}`, map[string]string{RequestIDHeader: "req-123"})
	w = do(s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `roomivo_gateway_requests_total{code="200",method="POST",route="/functions/v1/ai-chat"} 1`)
	assert.Contains(t, body, "roomivo_gateway_inflight_slots 0")
}

func TestRequestID_Preserved(t *testing.T) {
	s := newTestServer(t, testConfig(function("ai-chat", "http://127.0.0.1:1")))
	w := do(s, http.MethodGet, "/healthz", "", map[string]string{RequestIDHeader: "req-123"})
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}
