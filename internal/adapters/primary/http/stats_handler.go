package http

import (
	"net/http"
	"time"

	wsAdapter "github.com/opsdeck/realtime-backend/internal/adapters/primary/websocket"
)

// StatsHandler exposes gateway counters for dashboards and monitoring.
type StatsHandler struct {
	hub       *wsAdapter.Hub
	startTime time.Time
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(hub *wsAdapter.Hub) *StatsHandler {
	return &StatsHandler{
		hub:       hub,
		startTime: time.Now(),
	}
}

// StatsResponse reports live gateway state.
type StatsResponse struct {
	ConnectedClients int    `json:"connectedClients"`
	Uptime           string `json:"uptime"`
}

// HandleStats returns the current connection counters.
func (h *StatsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, StatsResponse{
		ConnectedClients: h.hub.GetClientCount(),
		Uptime:           time.Since(h.startTime).Round(time.Second).String(),
	})
}
