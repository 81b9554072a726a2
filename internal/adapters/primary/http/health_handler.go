package http

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

// DatabasePinger verifies database connectivity. Satisfied by pgxpool.Pool.
type DatabasePinger interface {
	Ping(ctx context.Context) error
}

// FeedChecker reports whether the change feed currently holds a LISTEN
// session. A gateway whose feed is down still serves websockets, but every
// row change goes unseen, so readiness must reflect it.
type FeedChecker interface {
	Listening() bool
}

// ClientCounter reports the number of connected websocket clients.
type ClientCounter interface {
	GetClientCount() int
}

// HealthHandler answers the gateway's health endpoints. Readiness covers the
// two resources the gateway cannot work without: the database and the
// change feed's LISTEN session.
type HealthHandler struct {
	db        DatabasePinger
	feed      FeedChecker
	hub       ClientCounter
	startTime time.Time
	version   string
}

// NewHealthHandler creates a health handler over the gateway's dependencies.
func NewHealthHandler(db DatabasePinger, feed FeedChecker, hub ClientCounter, version string) *HealthHandler {
	return &HealthHandler{
		db:        db,
		feed:      feed,
		hub:       hub,
		startTime: time.Now(),
		version:   version,
	}
}

// HealthResponse is the JSON body shared by the health endpoints.
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Version   string           `json:"version,omitempty"`
	Uptime    string           `json:"uptime,omitempty"`
	Checks    map[string]Check `json:"checks,omitempty"`
}

// Check is one dependency's check result.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HandleLiveness reports that the process is up. No dependency checks: a
// gateway mid-reconnect should not be restarted.
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReadiness reports whether the gateway can do useful work: reach the
// database and hold a LISTEN session on the change channel.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks, overall := h.runChecks(ctx)

	status := http.StatusOK
	if overall != "healthy" {
		status = http.StatusServiceUnavailable
	}

	WriteJSON(w, status, HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    checks,
	})
}

// HandleHealth is the detailed view for monitoring and debugging: the
// readiness checks plus live gateway and runtime counters.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks, overall := h.runChecks(ctx)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	response := struct {
		HealthResponse
		ConnectedClients int `json:"connected_clients"`
		Goroutines       int `json:"goroutines"`
		Memory           struct {
			Alloc      uint64 `json:"alloc_bytes"`
			TotalAlloc uint64 `json:"total_alloc_bytes"`
			Sys        uint64 `json:"sys_bytes"`
			NumGC      uint32 `json:"num_gc"`
		} `json:"memory"`
	}{
		HealthResponse: HealthResponse{
			Status:    overall,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Version:   h.version,
			Uptime:    time.Since(h.startTime).Round(time.Second).String(),
			Checks:    checks,
		},
		Goroutines: runtime.NumGoroutine(),
	}
	if h.hub != nil {
		response.ConnectedClients = h.hub.GetClientCount()
	}
	response.Memory.Alloc = memStats.Alloc
	response.Memory.TotalAlloc = memStats.TotalAlloc
	response.Memory.Sys = memStats.Sys
	response.Memory.NumGC = memStats.NumGC

	status := http.StatusOK
	if overall != "healthy" {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, response)
}

func (h *HealthHandler) runChecks(ctx context.Context) (map[string]Check, string) {
	checks := map[string]Check{
		"database":    h.checkDatabase(ctx),
		"change_feed": h.checkFeed(),
	}

	overall := "healthy"
	for _, c := range checks {
		if c.Status != "healthy" {
			overall = "unhealthy"
			break
		}
	}
	return checks, overall
}

func (h *HealthHandler) checkDatabase(ctx context.Context) Check {
	if h.db == nil {
		return Check{Status: "unhealthy", Message: "database not configured"}
	}

	start := time.Now()
	err := h.db.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		return Check{
			Status:  "unhealthy",
			Message: err.Error(),
			Latency: latency.String(),
		}
	}
	return Check{Status: "healthy", Latency: latency.String()}
}

func (h *HealthHandler) checkFeed() Check {
	if h.feed == nil {
		return Check{Status: "unhealthy", Message: "change feed not configured"}
	}
	if !h.feed.Listening() {
		return Check{
			Status:  "unhealthy",
			Message: "no LISTEN session on the change channel",
		}
	}
	return Check{Status: "healthy"}
}
