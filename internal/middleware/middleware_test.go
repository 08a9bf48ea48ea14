package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/R3E-Network/colorwheel/internal/extauth"
	"github.com/R3E-Network/colorwheel/internal/logging"
	"github.com/R3E-Network/colorwheel/internal/metrics"
)

func TestCORSMiddleware_AllowAll(t *testing.T) {
	handler := NewCORSMiddleware([]string{"*"}).Handler(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/color/query", nil)
	req.Header.Set("Origin", "https://abc.ext-twitch.tv")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.CanonicalHeaderKey(TraceHeader), rec.Header().Get("Access-Control-Expose-Headers"))
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	reached := false
	handler := NewCORSMiddleware([]string{".ext-twitch.tv"}).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/color/cycle", nil)
	req.Header.Set("Origin", "https://abc.ext-twitch.tv")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "authorization, x-trace-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, reached, "preflight must not reach the route handler")
	assert.Equal(t, "https://abc.ext-twitch.tv", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	assert.Equal(t, "3600", rec.Header().Get("Access-Control-Max-Age"))
	assert.Contains(t, rec.Header().Values("Vary"), "Origin")
}

func TestCORSMiddleware_PreflightRejected(t *testing.T) {
	handler := NewCORSMiddleware([]string{"https://good.example"}).Handler(okHandler())

	tests := []struct {
		name    string
		origin  string
		method  string
		headers string
	}{
		{"unknown origin", "https://evil.example", "POST", ""},
		{"method not allowed", "https://good.example", "DELETE", ""},
		{"header not allowed", "https://good.example", "POST", "x-api-key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/color/cycle", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", tt.method)
			if tt.headers != "" {
				req.Header.Set("Access-Control-Request-Headers", tt.headers)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Empty(t, rec.Header().Get("Access-Control-Allow-Methods"))
		})
	}
}

func TestCORSMiddleware_ExactOriginNormalized(t *testing.T) {
	handler := NewCORSMiddleware([]string{" https://Good.Example/ "}).Handler(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/color/query", nil)
	req.Header.Set("Origin", "https://good.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://good.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddleware_PlainOptionsPassesThrough(t *testing.T) {
	handler := NewCORSMiddleware([]string{"*"}).Handler(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/color/query", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSMiddleware_UnknownOrigin(t *testing.T) {
	handler := NewCORSMiddleware([]string{"https://good.example", ".ext-twitch.tv"}).Handler(okHandler())

	for _, origin := range []string{"https://evil.example", "https://evilext-twitch.tv"} {
		req := httptest.NewRequest(http.MethodGet, "/color/query", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code, origin)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"), origin)
	}
}

func TestCORSMiddleware_NoOriginsAllowsNone(t *testing.T) {
	handler := NewCORSMiddleware([]string{" ", ""}).Handler(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/color/query", nil)
	req.Header.Set("Origin", "https://good.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiter_PerViewer(t *testing.T) {
	rl := NewRateLimiter(1, 2, logging.NewNop())
	handler := rl.Handler(okHandler())

	serve := func(userID string) int {
		req := httptest.NewRequest(http.MethodPost, "/color/cycle", nil)
		req = req.WithContext(WithClaims(req.Context(), &extauth.Claims{ChannelID: "42", OpaqueUserID: userID}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, serve("U1"))
	assert.Equal(t, http.StatusOK, serve("U1"))
	assert.Equal(t, http.StatusTooManyRequests, serve("U1"))
	assert.Equal(t, http.StatusOK, serve("U2"), "other viewers have their own budget")
	assert.Equal(t, 2, rl.Len())
}

func TestRateLimiter_FallsBackToIP(t *testing.T) {
	rl := NewRateLimiter(1, 1, logging.NewNop())
	handler := rl.Handler(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.1:6666"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRateLimiter_FractionalLimitInDetails(t *testing.T) {
	rl := NewRateLimiter(0.5, 1, logging.NewNop())
	handler := rl.Handler(okHandler())

	serve := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/color/cycle", nil)
		req = req.WithContext(WithClaims(req.Context(), &extauth.Claims{ChannelID: "42", OpaqueUserID: "U1"}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, serve().Code)
	rec := serve()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	body := decodeError(t, rec)
	assert.Equal(t, "RATE_LIMITED", body.Code)
	assert.Equal(t, 0.5, body.Details["limit"])
	assert.Equal(t, "1s", body.Details["window"])
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, logging.NewNop())
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(20 * time.Minute)
	rl.Allow("fresh")

	assert.Equal(t, 1, rl.Cleanup(10*time.Minute))
	assert.Equal(t, 1, rl.Len())
}

func TestTracingMiddleware(t *testing.T) {
	var seen string
	handler := NewTracingMiddleware(logging.NewNop()).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.GetTraceID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/color/query", nil)
	req.Header.Set(TraceHeader, "trace-abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "trace-abc", seen)
	assert.Equal(t, "trace-abc", rec.Header().Get(TraceHeader))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/color/query", nil))
	assert.NotEmpty(t, rec.Header().Get(TraceHeader))
	assert.Equal(t, seen, rec.Header().Get(TraceHeader))
}

func TestTracingMiddleware_ReplacesUnsafeTraceID(t *testing.T) {
	handler := NewTracingMiddleware(logging.NewNop(), "/health").Handler(okHandler())

	for _, bad := range []string{"id with spaces", "line\nbreak", strings.Repeat("a", 65)} {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(TraceHeader, bad)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		got := rec.Header().Get(TraceHeader)
		assert.NotEqual(t, bad, got)
		assert.True(t, validTraceID(got), "generated id %q should be valid", got)
	}
}

func TestMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	m := metrics.New(false)

	router := mux.NewRouter()
	router.Use(MetricsMiddleware("colorwheel", m))
	router.HandleFunc("/color/{op}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/color/query", nil))

	families, err := m.Registry().Gather()
	assert.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() != "colorwheel_http_requests_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["path"] == "/color/{op}" && labels["status"] == "418" {
				found = true
			}
		}
	}
	assert.True(t, found, "request should be recorded under the route template")
	count, err := testutil.GatherAndCount(m.Registry(), "colorwheel_http_requests_total")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestResponseWriter_HijackUnsupported(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	_, _, err := rw.Hijack()
	assert.Error(t, err)
}

func TestGetClaims_Absent(t *testing.T) {
	assert.Nil(t, GetClaims(context.Background()))
}
