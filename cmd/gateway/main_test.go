package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpAdapter "github.com/opsdeck/realtime-backend/internal/adapters/primary/http"
	"github.com/opsdeck/realtime-backend/internal/adapters/primary/websocket"
	"github.com/opsdeck/realtime-backend/internal/config"
	"github.com/opsdeck/realtime-backend/internal/realtime"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		App: config.AppConfig{Environment: "development"},
		WebSocket: config.WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	hub := websocket.NewHub(logger)
	go hub.Run()

	wsHandler := httpAdapter.NewWebSocketHandler(hub, cfg, logger)
	healthHandler := httpAdapter.NewHealthHandler(nil, nil, hub, "test")
	statsHandler := httpAdapter.NewStatsHandler(hub)

	return newRouter(cfg, logger, nil, wsHandler, healthHandler, statsHandler)
}

func TestRouter_ServesUpgradeAtBothPaths(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t))
	defer srv.Close()

	for _, path := range []string{"/ws", "/api/v1/ws"} {
		t.Run(path, func(t *testing.T) {
			wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path

			conn, resp, err := gorilla.DefaultDialer.Dial(wsURL, nil)
			require.NoError(t, err)
			defer conn.Close()
			assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
		})
	}
}

func TestRouter_EndpointDerivedFromBaseURLConnects(t *testing.T) {
	// The client library turns a bare dashboard base URL into ws://host/ws;
	// that derived endpoint must reach this server's upgrade handler.
	srv := httptest.NewServer(newTestRouter(t))
	defer srv.Close()

	endpoint, err := realtime.Endpoint(srv.URL)
	require.NoError(t, err)

	conn, _, err := gorilla.DefaultDialer.Dial(endpoint, nil)
	require.NoError(t, err)
	conn.Close()
}

func TestRouter_HealthRoutes(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// No database and no feed wired in this harness: not ready.
	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
