package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/opsdeck/realtime-backend/internal/core/domain"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Default wait for the next pong before the connection is considered dead.
	defaultPongWait = 60 * time.Second

	// Maximum message size allowed from peer. The channel is receive-only
	// for dashboards; inbound traffic is keep-alives at most.
	maxMessageSize = 512
)

// Timings is the keep-alive schedule for one connection, normally taken
// from config.WebSocketConfig. Zero fields fall back to defaults; a zero
// PingInterval is derived from PongWait so pings always precede the
// deadline.
type Timings struct {
	PingInterval time.Duration
	PongWait     time.Duration
}

func (t Timings) withDefaults() Timings {
	if t.PongWait <= 0 {
		t.PongWait = defaultPongWait
	}
	if t.PingInterval <= 0 || t.PingInterval >= t.PongWait {
		t.PingInterval = (t.PongWait * 9) / 10
	}
	return t
}

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	Hub *Hub

	// The websocket connection.
	Conn *websocket.Conn

	// Buffered channel of outbound envelopes.
	Send chan domain.ChangeEnvelope

	// ID identifies this connection in logs.
	ID uuid.UUID

	// closeOnce ensures the Send channel is only closed once
	closeOnce sync.Once

	// timings holds the resolved keep-alive schedule
	timings Timings

	// logger for this client
	logger *slog.Logger
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, timings Timings, logger *slog.Logger) *Client {
	id := uuid.New()
	return &Client{
		Hub:     hub,
		Conn:    conn,
		Send:    make(chan domain.ChangeEnvelope, 256),
		ID:      id,
		timings: timings.withDefaults(),
		logger:  logger.With("client_id", id.String()),
	}
}

// CloseSend safely closes the Send channel exactly once
func (c *Client) CloseSend() {
	c.closeOnce.Do(func() {
		close(c.Send)
	})
}

// ReadPump pumps messages from the websocket connection to the hub.
// This method runs in its own goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timings.PongWait)); err != nil {
		c.logger.Error("failed to set read deadline", "error", err)
		return
	}

	c.Conn.SetPongHandler(func(string) error {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timings.PongWait)); err != nil {
			c.logger.Error("failed to set read deadline in pong handler", "error", err)
		}
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		c.handleIncomingMessage(message)
	}
}

// WritePump pumps envelopes from the hub to the websocket connection.
// This method runs in its own goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.timings.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline", "error", err)
				return
			}

			if !ok {
				// The hub closed the channel. Send close message.
				if err := c.Conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					c.logger.Debug("failed to send close message", "error", err)
				}
				return
			}

			if err := c.writeEnvelope(env); err != nil {
				c.logger.Error("failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline for ping", "error", err)
				return
			}

			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

// writeEnvelope writes one change envelope as a JSON text frame.
func (c *Client) writeEnvelope(env domain.ChangeEnvelope) error {
	frame, err := domain.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return c.Conn.WriteMessage(websocket.TextMessage, frame)
}

// --- Incoming Message Handling ---

// ClientMessage is the structure for messages sent by a dashboard tab. The
// channel is effectively receive-only; only keep-alives are expected.
type ClientMessage struct {
	Type string `json:"type"`
}

// handleIncomingMessage processes messages received from the client
func (c *Client) handleIncomingMessage(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Warn("failed to unmarshal client message", "error", err)
		return
	}

	switch msg.Type {
	case "PING":
		// Application-level keep-alive; protocol pings already cover this,
		// so there is nothing to do beyond resetting the read deadline,
		// which ReadMessage has done.

	default:
		c.logger.Debug("received unknown message type", "type", msg.Type)
	}
}
