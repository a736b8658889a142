package core

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SkynetNext/sockdispatch/internal/api"
	"github.com/SkynetNext/sockdispatch/internal/config"
	"github.com/SkynetNext/sockdispatch/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.TCPListenAddrs = []string{"127.0.0.1:0"}
	cfg.Metrics.ListenAddr = "127.0.0.1:0"
	cfg.Lifecycle.DrainWaitTime = 0
	return cfg
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServerEndpoints(t *testing.T) {
	d := mustDispatcher(t)
	cfg := testConfig()

	reg := prometheus.NewRegistry()
	reg.MustRegister(middleware.NewCollector(d, "sockdispatch"))

	l := NewListener(d, ListenerOptions{TCPAddrs: cfg.Server.TCPListenAddrs})
	s := NewServer(cfg, l, api.NewAdminAPI(d, nil, nil), reg)
	require.NoError(t, s.Start(context.Background()))

	base := "http://" + s.HTTPAddr().String()

	code, body := get(t, base+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	code, _ = get(t, base+"/ready")
	assert.Equal(t, http.StatusOK, code)

	code, body = get(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "sockdispatch_collection_errors_total")

	code, body = get(t, base+"/api/bindings")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, body)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.GracefulShutdown(ctx)

	_, err := http.Get(base + "/health")
	assert.Error(t, err)
	assert.Empty(t, l.TCPAddrs())
}

func TestServerReadyWhileDraining(t *testing.T) {
	d := mustDispatcher(t)
	s := NewServer(testConfig(), NewListener(d, ListenerOptions{}), nil, nil)
	h := s.Handler()

	s.draining.Store(true)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bindings", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "admin API is optional")
}

func TestServerStartFailsOnInvalidFrontend(t *testing.T) {
	d := mustDispatcher(t)
	cfg := testConfig()
	cfg.Metrics.Enabled = false

	l := NewListener(d, ListenerOptions{TCPAddrs: []string{"256.0.0.1:0"}})
	s := NewServer(cfg, l, nil, nil)
	assert.Error(t, s.Start(context.Background()))
}
