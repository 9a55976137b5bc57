package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/pi-doser/internal/api/middleware"
	"github.com/dsyorkd/pi-doser/internal/config"
	"github.com/dsyorkd/pi-doser/internal/doser"
	"github.com/dsyorkd/pi-doser/internal/logger"
	"github.com/dsyorkd/pi-doser/internal/metrics"
	"github.com/dsyorkd/pi-doser/internal/storage"
	"github.com/dsyorkd/pi-doser/internal/task"
	"github.com/dsyorkd/pi-doser/internal/websocket"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testServer struct {
	*Server
	restarts atomic.Int32
}

func newTestServer(t *testing.T, edit func(cfg *config.APIConfig, deps *Dependencies)) *testServer {
	t.Helper()
	log := logger.Discard()

	ts := &testServer{}
	d := doser.New(doser.Options{
		Store:   storage.NewMemoryStore(),
		Logger:  log,
		Version: "1.2.3",
		Restart: func() { ts.restarts.Add(1) },
	})
	require.NoError(t, d.Load(nil))

	cfg := &config.APIConfig{Host: "127.0.0.1", Port: 8080}
	deps := Dependencies{Doser: d, Tasks: task.NewTracker(log)}
	if edit != nil {
		edit(cfg, &deps)
	}

	ts.Server = New(cfg, log, deps)
	return ts
}

func (ts *testServer) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.Router().ServeHTTP(w, req)
	return w
}

func TestServer_CoreRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodGet, "/", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `"Nutrient doser 1.2.3"`, w.Body.String())

	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/status", "", "").Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/full-status", "", "").Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/ready", "", "").Code)
	assert.NotEmpty(t, ts.do(http.MethodGet, "/status", "", "").Header().Get(middleware.RequestIDHeader))

	// Optional routes are off without their dependencies
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/history", "", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/metrics", "", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/system/info", "", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/ws", "", "").Code)

	// The doser has no pumps, so an unguarded debug step reaches the handler
	w = ts.do(http.MethodPost, "/debug/step", "", `{"motor_idx":0,"steps":5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_OptionalRoutes(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.APIConfig, deps *Dependencies) {
		db, err := storage.New(&storage.Config{
			Path:     filepath.Join(t.TempDir(), "history.db"),
			LogLevel: "silent",
		}, logger.Discard())
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		cfg.MetricsEnabled = true
		deps.History = db
		deps.Metrics = metrics.New()
		deps.Hub = websocket.NewHub(websocket.DefaultConfig(), logger.Discard(), nil)
	})

	w := ts.do(http.MethodGet, "/history", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"events":[],"count":0}`, w.Body.String())
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/history/totals", "", "").Code)

	// A plain GET is not an upgrade, but the route exists
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/ws", "", "").Code)

	w = ts.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "doser_http_requests_total")
	assert.Contains(t, w.Body.String(), `route="/history"`)
}

func TestServer_Guards(t *testing.T) {
	var am *middleware.AuthManager
	ts := newTestServer(t, func(cfg *config.APIConfig, deps *Dependencies) {
		var err error
		am, err = middleware.NewAuthManager(&middleware.AuthConfig{Enabled: true, Secret: testSecret}, logger.Discard())
		require.NoError(t, err)
		deps.Auth = am
	})

	operator, _, err := am.GenerateToken("grower", middleware.RoleOperator)
	require.NoError(t, err)
	admin, _, err := am.GenerateToken("owner", middleware.RoleAdmin)
	require.NoError(t, err)

	step := `{"motor_idx":0,"steps":5}`
	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodPost, "/debug/step", "", step).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodPost, "/debug/step", "not-a-token", step).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/debug/step", operator, step).Code)

	assert.Equal(t, http.StatusForbidden, ts.do(http.MethodGet, "/reboot", operator, "").Code)
	assert.Equal(t, http.StatusForbidden, ts.do(http.MethodPost, "/debug/clear-config", operator, "").Code)
	assert.Equal(t, int32(0), ts.restarts.Load())

	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/reboot", admin, "").Code)
	assert.Equal(t, int32(1), ts.restarts.Load())

	// Dosing stays open
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/status", "", "").Code)
}

func TestServer_RateLimit(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.APIConfig, deps *Dependencies) {
		deps.RateLimiter = middleware.NewRateLimiter(&middleware.RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 1,
			BurstSize:         1,
		}, logger.Discard())
	})

	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/status", "", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, ts.do(http.MethodGet, "/status", "", "").Code)

	// Probes are never throttled
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health", "", "").Code)
	}
}

func TestServer_CORS(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.APIConfig, deps *Dependencies) {
		cfg.CORSEnabled = true
	})

	req := httptest.NewRequest(http.MethodOptions, "/dispense", nil)
	req.Header.Set("Origin", "http://grow-tent.lan")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	ts.Router().ServeHTTP(w, req)

	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.True(t, w.Code < 300, "preflight status %d", w.Code)
	assert.True(t, strings.Contains(w.Header().Get("Access-Control-Allow-Methods"), http.MethodPost))
}

func init() {
	gin.SetMode(gin.TestMode)
}
