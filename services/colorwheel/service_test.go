package colorwheel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/colorwheel/internal/color"
	"github.com/R3E-Network/colorwheel/internal/colorstore"
	"github.com/R3E-Network/colorwheel/internal/extauth"
)

var testSecret = []byte("colorwheel-test-secret")

func newTestService(t *testing.T, mutate func(*Config)) *Service {
	t.Helper()
	cfg := Config{
		Secret:         testSecret,
		ClientID:       "client-abc",
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { svc.Stop() })
	return svc
}

func signToken(t *testing.T, secret []byte, method jwt.SigningMethod, channelID, opaqueUserID string) string {
	t.Helper()
	claims := &extauth.Claims{
		ChannelID:    channelID,
		OpaqueUserID: opaqueUserID,
		Role:         extauth.RoleViewer,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(method, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	_, err := New(Config{Secret: testSecret, LimiterCleanupSchedule: "whenever"})
	assert.Error(t, err)
}

func TestCycleThenQuery_EndToEnd(t *testing.T) {
	svc := newTestService(t, nil)
	h := svc.Handler()
	token := signToken(t, testSecret, jwt.SigningMethodHS256, "42", "U1")

	rec := do(t, h, http.MethodPost, "/color/cycle", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	cycled := rec.Body.String()
	assert.Equal(t, "#9641A4", cycled)

	got := color.MustParse(cycled)
	want := colorstore.DefaultColor.Rotate(30)
	assert.InDelta(t, want.H, got.H, 0.5)
	assert.InDelta(t, colorstore.DefaultColor.S, got.S, 0.01)
	assert.InDelta(t, colorstore.DefaultColor.L, got.L, 0.01)

	rec = do(t, h, http.MethodGet, "/color/query", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, cycled, rec.Body.String())

	other := signToken(t, testSecret, jwt.SigningMethodHS256, "7", "U2")
	rec = do(t, h, http.MethodGet, "/color/query", other)
	assert.Equal(t, colorstore.DefaultColorHex, rec.Body.String(), "other channels are unaffected")
}

func TestFullCycle(t *testing.T) {
	svc := newTestService(t, nil)
	h := svc.Handler()
	token := signToken(t, testSecret, jwt.SigningMethodHS256, "42", "U1")

	var last string
	for i := 0; i < 12; i++ {
		rec := do(t, h, http.MethodPost, "/color/cycle", token)
		require.Equal(t, http.StatusOK, rec.Code)
		last = rec.Body.String()
	}
	assert.Equal(t, colorstore.DefaultColorHex, last)
}

func TestAuthFailures(t *testing.T) {
	svc := newTestService(t, nil)
	h := svc.Handler()

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"basic", "Basic abc"},
		{"not a jwt", "Bearer not-a-jwt"},
		{"wrong secret", "Bearer " + signToken(t, []byte("other"), jwt.SigningMethodHS256, "42", "U1")},
		{"hs512", "Bearer " + signToken(t, testSecret, jwt.SigningMethodHS512, "42", "U1")},
	}

	var bodies []string
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, route := range []struct{ method, path string }{
				{http.MethodPost, "/color/cycle"},
				{http.MethodGet, "/color/query"},
			} {
				req := httptest.NewRequest(route.method, route.path, nil)
				if tt.header != "" {
					req.Header.Set("Authorization", tt.header)
				}
				rec := httptest.NewRecorder()
				h.ServeHTTP(rec, req)

				assert.Equal(t, http.StatusUnauthorized, rec.Code)
				var body map[string]interface{}
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				delete(body, "trace_id")
				normalized, _ := json.Marshal(body)
				bodies = append(bodies, string(normalized))
			}
		})
	}

	for _, b := range bodies {
		assert.Equal(t, bodies[0], b, "every auth failure looks the same to the caller")
	}

	// Failed requests must not create state.
	assert.Zero(t, svc.Store().Len())
}

func TestMissingClaims(t *testing.T) {
	svc := newTestService(t, nil)
	h := svc.Handler()

	rec := do(t, h, http.MethodPost, "/color/cycle", signToken(t, testSecret, jwt.SigningMethodHS256, "", "U1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing channel_id")
	assert.Zero(t, svc.Store().Len())
}

func TestCORSPreflight(t *testing.T) {
	svc := newTestService(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/color/cycle", nil)
	req.Header.Set("Origin", "https://abc.ext-twitch.tv")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "authorization")
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Authorization", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Empty(t, rec.Body.String(), "preflight is answered before auth runs")
}

func TestHandlerPanicReturns500(t *testing.T) {
	svc := newTestService(t, nil)
	svc.router.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rec := do(t, svc.Handler(), http.MethodGet, "/boom", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))
	assert.Contains(t, rec.Body.String(), `"code":"INTERNAL"`)

	assert.Equal(t, http.StatusOK, do(t, svc.Handler(), http.MethodGet, "/health", "").Code, "service keeps serving")
}

func TestRateLimit(t *testing.T) {
	svc := newTestService(t, func(c *Config) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 2
	})
	h := svc.Handler()
	token := signToken(t, testSecret, jwt.SigningMethodHS256, "42", "U1")

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/color/cycle", token).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/color/cycle", token).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodPost, "/color/cycle", token).Code)
	assert.Equal(t, "#A44181", svc.Store().Read("42"), "limited requests do not advance")
}

func TestHealthAndMetrics(t *testing.T) {
	svc := newTestService(t, nil)
	h := svc.Handler()
	do(t, h, http.MethodPost, "/color/cycle", signToken(t, testSecret, jwt.SigningMethodHS256, "42", "U1"))

	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, ServiceID, health.Service)
	assert.Equal(t, 1, health.Channels)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "colorwheel_color_cycles_total 1")
	assert.Contains(t, body, `path="/color/cycle"`)
}

func TestStream(t *testing.T) {
	svc := newTestService(t, nil)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)

	token := signToken(t, testSecret, jwt.SigningMethodHS256, "42", "U1")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/color/stream?token=" + token

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() string {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		return string(data)
	}
	assert.Equal(t, colorstore.DefaultColorHex, read())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/color/cycle", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "#9641A4", read())
}

func TestStream_RejectsMissingToken(t *testing.T) {
	svc := newTestService(t, nil)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/color/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBroadcastRelay(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
		paths  []string
	)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(raw))
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(api.Close)

	svc := newTestService(t, func(c *Config) {
		c.Broadcast = BroadcastConfig{Enabled: true, APIBase: api.URL, Cooldown: 10 * time.Millisecond}
	})
	do(t, svc.Handler(), http.MethodPost, "/color/cycle", signToken(t, testSecret, jwt.SigningMethodHS256, "42", "U1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/extensions/message/42", paths[0])
	assert.Contains(t, bodies[0], `#9641A4`)
}

func TestStartStopIdempotent(t *testing.T) {
	svc, err := New(Config{Secret: testSecret})
	require.NoError(t, err)

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop())
	require.NoError(t, svc.Stop())

	rec := do(t, svc.Handler(), http.MethodGet, "/health", "")
	assert.Contains(t, rec.Body.String(), "stopping")
}
