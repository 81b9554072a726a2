// Package realtime implements the client side of the dashboard's live-update
// channel: a single shared WebSocket connection per process, a registry of
// subscriber callbacks, per-domain dispatchers and collection reconciliation
// helpers.
//
// The channel is a best-effort freshness signal layered on top of the
// authoritative REST fetch. Events emitted while the client is disconnected
// are lost; there is no replay buffer. Consumers that need bounded staleness
// should watch connection state and refetch after every reconnect.
package realtime

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsdeck/realtime-backend/internal/core/domain"
)

// defaultRetryDelay is the fixed wait before a reconnection attempt. No
// backoff, no retry cap.
const defaultRetryDelay = 5 * time.Second

// Status is the shared connection state visible to any number of consumers.
type Status struct {
	Connected bool
	LastError string
}

// Options configures a Manager.
type Options struct {
	// URL is the ws(s) endpoint. See Endpoint for deriving it from the
	// dashboard's own base URL.
	URL string

	// RetryDelay overrides the fixed reconnect delay. Zero means the default.
	RetryDelay time.Duration

	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer

	Logger *slog.Logger
}

// Subscription is one consumer's registered interest. Cancel is idempotent
// and safe to call from a dispatch callback.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel removes the subscription. After Cancel returns no further dispatch
// reaches the callback.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Manager owns the single live transport connection and the subscriber
// registry. All methods are safe for concurrent use.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	connecting   bool
	closed       bool // explicit teardown requested; suppresses auto-reconnect
	retryPending bool // at most one outstanding reconnect timer
	retryTimer   *time.Timer
	status       Status

	subs      map[*Subscription]func(domain.ChangeEnvelope)
	stateSubs map[*Subscription]func(Status)
}

// NewManager creates a manager. No connection is opened until the first
// Subscribe or an explicit Connect call.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:      opts,
		logger:    logger.With("component", "realtime_manager"),
		subs:      make(map[*Subscription]func(domain.ChangeEnvelope)),
		stateSubs: make(map[*Subscription]func(Status)),
	}
}

// Endpoint derives the websocket endpoint from a dashboard base URL,
// upgrading the scheme in kind: https becomes wss, http becomes ws. A bare
// host gets the conventional /ws path.
func Endpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("parse endpoint: unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

func validateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("endpoint %q: scheme must be ws or wss", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q: missing host", raw)
	}
	return nil
}

// Subscribe registers a raw envelope callback and lazily opens the shared
// connection. Callbacks from different subscriptions run in no guaranteed
// order relative to each other.
func (m *Manager) Subscribe(fn func(domain.ChangeEnvelope)) *Subscription {
	sub := &Subscription{}
	sub.cancel = func() { m.removeSub(sub) }

	m.mu.Lock()
	m.subs[sub] = fn
	m.mu.Unlock()

	m.Connect()
	return sub
}

// SubscribeState registers a connection-state listener. It fires on every
// transition; a false-to-true transition after the first connect is the
// reconnect signal consumers should use to trigger a full refetch.
func (m *Manager) SubscribeState(fn func(Status)) *Subscription {
	sub := &Subscription{}
	sub.cancel = func() { m.removeStateSub(sub) }

	m.mu.Lock()
	m.stateSubs[sub] = fn
	m.mu.Unlock()
	return sub
}

func (m *Manager) removeSub(sub *Subscription) {
	m.mu.Lock()
	delete(m.subs, sub)
	m.mu.Unlock()
}

func (m *Manager) removeStateSub(sub *Subscription) {
	m.mu.Lock()
	delete(m.stateSubs, sub)
	m.mu.Unlock()
}

// Status returns the current shared connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connect ensures a connection exists or is being established. Idempotent
// under concurrent calls: any number of consumers subscribing in the same
// instant produce exactly one dial. Failure is reported through the shared
// status, never returned, because many callers may be waiting at once.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.conn != nil || m.connecting {
		m.mu.Unlock()
		return
	}
	m.connecting = true
	m.closed = false
	m.mu.Unlock()

	go m.dial()
}

// Close tears the connection down with a normal close code. No automatic
// reconnection happens afterwards; a later Subscribe or Connect starts over.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.retryPending = false
	conn := m.conn
	m.conn = nil
	notify := m.setStatusLocked(false, "")
	m.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
		m.logger.Info("connection closed")
	}
	notify()
}

func (m *Manager) retryDelay() time.Duration {
	if m.opts.RetryDelay > 0 {
		return m.opts.RetryDelay
	}
	return defaultRetryDelay
}

func (m *Manager) dialer() *websocket.Dialer {
	if m.opts.Dialer != nil {
		return m.opts.Dialer
	}
	return websocket.DefaultDialer
}

func (m *Manager) dial() {
	if err := validateEndpoint(m.opts.URL); err != nil {
		// Unrecoverable: retrying the same endpoint cannot succeed. The
		// error stays visible in the shared status until a future Connect.
		m.mu.Lock()
		m.connecting = false
		notify := m.setStatusLocked(false, err.Error())
		m.mu.Unlock()

		m.logger.Error("invalid realtime endpoint", "url", m.opts.URL, "error", err)
		notify()
		return
	}

	conn, resp, err := m.dialer().Dial(m.opts.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	m.mu.Lock()
	m.connecting = false

	if err != nil {
		notify := m.setStatusLocked(false, err.Error())
		retry := !m.closed
		if retry {
			m.scheduleRetryLocked()
		}
		m.mu.Unlock()

		m.logger.Warn("connection failed", "url", m.opts.URL, "error", err, "will_retry", retry)
		notify()
		return
	}

	if m.closed {
		// Teardown raced the dial. Discard the fresh connection.
		m.mu.Unlock()
		_ = conn.Close()
		return
	}

	m.conn = conn
	notify := m.setStatusLocked(true, "")
	m.mu.Unlock()

	m.logger.Info("connection established", "url", m.opts.URL)
	notify()

	go m.readLoop(conn)
}

// readLoop pumps frames from one connection until it dies. Runs in its own
// goroutine per connection; a stale loop from a replaced connection exits
// without side effects.
func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(conn, err)
			return
		}

		env, derr := domain.DecodeEnvelope(frame)
		if derr != nil {
			m.logger.Warn("dropping malformed frame", "error", derr)
			continue
		}
		m.dispatch(env)
	}
}

func (m *Manager) handleDisconnect(conn *websocket.Conn, err error) {
	_ = conn.Close()

	m.mu.Lock()
	if m.conn != conn {
		// Already torn down or replaced.
		m.mu.Unlock()
		return
	}
	m.conn = nil

	clean := m.closed || websocket.IsCloseError(err, websocket.CloseNormalClosure)
	lastError := ""
	if !clean {
		lastError = err.Error()
	}
	notify := m.setStatusLocked(false, lastError)
	if !clean {
		m.scheduleRetryLocked()
	}
	m.mu.Unlock()

	if clean {
		m.logger.Info("connection closed cleanly")
	} else {
		m.logger.Warn("connection lost, reconnect scheduled",
			"error", err,
			"retry_in", m.retryDelay(),
		)
	}
	notify()
}

// scheduleRetryLocked arms the reconnect timer. Callers hold m.mu. A second
// close arriving before the pending attempt fires must not stack a second
// timer.
func (m *Manager) scheduleRetryLocked() {
	if m.retryPending || m.closed {
		return
	}
	m.retryPending = true
	m.retryTimer = time.AfterFunc(m.retryDelay(), m.retryNow)
}

func (m *Manager) retryNow() {
	m.mu.Lock()
	m.retryPending = false
	m.retryTimer = nil
	if m.closed || m.conn != nil || m.connecting {
		m.mu.Unlock()
		return
	}
	m.connecting = true
	m.mu.Unlock()

	m.logger.Info("reconnecting", "url", m.opts.URL)
	m.dial()
}

// dispatch fans one envelope out to every registered callback. The set is
// copied first so a callback may subscribe or cancel as a side effect, and
// each invocation is isolated: one misbehaving subscriber never blocks
// delivery to the rest.
func (m *Manager) dispatch(env domain.ChangeEnvelope) {
	m.mu.Lock()
	callbacks := make([]func(domain.ChangeEnvelope), 0, len(m.subs))
	for _, fn := range m.subs {
		callbacks = append(callbacks, fn)
	}
	m.mu.Unlock()

	for _, fn := range callbacks {
		m.invoke(fn, env)
	}
}

func (m *Manager) invoke(fn func(domain.ChangeEnvelope), env domain.ChangeEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("subscriber panicked during dispatch",
				"panic", r,
				"type", env.Type,
				"action", env.Action,
			)
		}
	}()
	fn(env)
}

// setStatusLocked updates the shared state and returns a function that
// notifies state listeners. Callers hold m.mu and must invoke the returned
// function after unlocking so listeners never run under the manager lock.
func (m *Manager) setStatusLocked(connected bool, lastError string) func() {
	next := Status{Connected: connected, LastError: lastError}
	if next == m.status {
		return func() {}
	}
	m.status = next

	listeners := make([]func(Status), 0, len(m.stateSubs))
	for _, fn := range m.stateSubs {
		listeners = append(listeners, fn)
	}
	return func() {
		for _, fn := range listeners {
			fn(next)
		}
	}
}
