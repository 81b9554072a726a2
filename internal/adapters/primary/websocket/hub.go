package websocket

import (
	"log/slog"
	"sync"

	"github.com/opsdeck/realtime-backend/internal/core/domain"
	"github.com/opsdeck/realtime-backend/internal/core/ports"
)

// Hub maintains the set of connected dashboard tabs and fans every change
// envelope out to all of them. Filtering by domain tag happens client-side;
// the hub treats all envelopes alike.
type Hub struct {
	// clients holds the active connections. A single user typically has
	// several: one per open tab.
	clients map[*Client]bool

	// broadcast carries envelopes from the change source to the fan-out loop.
	broadcast chan domain.ChangeEnvelope

	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	// mu protects the clients map
	mu sync.RWMutex

	// logger for the hub
	logger *slog.Logger
}

// Ensure Hub implements the EventBroadcaster interface.
var _ ports.EventBroadcaster = (*Hub)(nil)

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan domain.ChangeEnvelope, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		logger:     logger.With("component", "websocket_hub"),
	}
}

// Broadcast queues an envelope for fan-out to every connected client.
// This method implements the ports.EventBroadcaster interface.
func (h *Hub) Broadcast(env domain.ChangeEnvelope) error {
	select {
	case h.broadcast <- env:
		return nil
	default:
		h.logger.Warn("broadcast channel full, dropping event",
			"type", env.Type,
			"action", env.Action,
		)
		return nil
	}
}

// Run starts the hub's event loop. This MUST be run as a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.Unregister:
			h.unregisterClient(client)

		case env := <-h.broadcast:
			h.broadcastEvent(env)
		}
	}
}

// registerClient adds a client to the hub
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("client registered",
		"client_id", client.ID,
		"total_connections", total,
	)
}

// unregisterClient removes a client and closes its send channel
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	total := len(h.clients)
	h.mu.Unlock()

	client.CloseSend()

	h.logger.Info("client unregistered",
		"client_id", client.ID,
		"total_connections", total,
	)
}

// broadcastEvent sends an envelope to every connected client
func (h *Hub) broadcastEvent(env domain.ChangeEnvelope) {
	h.mu.RLock()
	// Copy the client list to avoid holding the lock while sending
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	h.logger.Debug("broadcasting event",
		"type", env.Type,
		"action", env.Action,
		"client_count", len(clients),
	)

	for _, client := range clients {
		select {
		case client.Send <- env:
			// Successfully queued
		default:
			// Client's send buffer is full, unregister them. Direct call:
			// sending on h.Unregister from the Run goroutine would deadlock.
			h.logger.Warn("client send buffer full, unregistering",
				"client_id", client.ID,
			)
			h.unregisterClient(client)
		}
	}
}

// GetClientCount returns the total number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
