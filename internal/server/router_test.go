package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"oip/dplistener/internal/framework"
	"oip/dplistener/internal/framework/frameworktest"
	"oip/dplistener/internal/worker"
	"oip/dplistener/pkg/config"
	"oip/dplistener/pkg/logger"
)

func newTestEngine(t *testing.T) (*gin.Engine, *worker.ManagerInstance) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{Listeners: []config.ListenerConfig{{ID: "orders", Queue: "orders", Concurrency: 1, Disabled: true}}}
	cfg.ApplyDefaults()
	cfg.Listeners[0].MaxWaitTime = 10 * time.Millisecond

	log := logger.NewFromZap(zap.NewNop())
	m, err := worker.NewManagerInstance(cfg, frameworktest.NewQueue("orders"), func(context.Context, *framework.Message) error { return nil }, log)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	return SetupRoutes(NewHandler(m, log)), m
}

func do(r http.Handler, method, path string) (*httptest.ResponseRecorder, Response) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)

	var resp Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestHealth(t *testing.T) {
	r, _ := newTestEngine(t)
	w, resp := do(r, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", resp.Meta.Message)
	assert.Contains(t, w.Body.String(), `"stopped":1`)
}

func TestListenerLifecycleEndpoints(t *testing.T) {
	r, m := newTestEngine(t)

	w, _ := do(r, http.MethodPost, "/api/v1/listeners/orders/start")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"running"`)
	assert.Equal(t, "running", m.Listeners()[0].State)

	w, _ = do(r, http.MethodGet, "/api/v1/listeners")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"orders"`)

	w, _ = do(r, http.MethodPost, "/api/v1/listeners/orders/stop")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"stopped"`)
}

func TestUnknownListener(t *testing.T) {
	r, _ := newTestEngine(t)
	for _, path := range []string{"/api/v1/listeners/nope/start", "/api/v1/listeners/nope/stop"} {
		w, resp := do(r, http.MethodPost, path)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, http.StatusNotFound, resp.Meta.Code)
		assert.True(t, strings.Contains(resp.Meta.Message, "unknown listener"))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newTestEngine(t)
	w, _ := do(r, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
