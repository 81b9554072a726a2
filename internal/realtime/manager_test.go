package realtime_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/realtime-backend/internal/core/domain"
	"github.com/opsdeck/realtime-backend/internal/realtime"
)

const testRetryDelay = 50 * time.Millisecond

// changeServer is a minimal in-test gateway: it accepts upgrades, counts
// dials and lets tests push raw frames or kill connections.
type changeServer struct {
	t     *testing.T
	srv   *httptest.Server
	mu    sync.Mutex
	conns []*websocket.Conn
	dials atomic.Int32
}

func newChangeServer(t *testing.T) *changeServer {
	t.Helper()
	cs := &changeServer{t: t}
	upgrader := websocket.Upgrader{}

	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.dials.Add(1)
		cs.mu.Lock()
		cs.conns = append(cs.conns, conn)
		cs.mu.Unlock()

		// Drain inbound frames so close handshakes complete.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *changeServer) url() string {
	return "ws" + strings.TrimPrefix(cs.srv.URL, "http")
}

func (cs *changeServer) dialCount() int {
	return int(cs.dials.Load())
}

func (cs *changeServer) waitForDials(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return cs.dialCount() >= n },
		2*time.Second, 5*time.Millisecond)
}

func (cs *changeServer) latest() *websocket.Conn {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	require.NotEmpty(cs.t, cs.conns, "no websocket connection established")
	return cs.conns[len(cs.conns)-1]
}

func (cs *changeServer) send(frame string) {
	conn := cs.latest()
	cs.mu.Lock()
	defer cs.mu.Unlock()
	require.NoError(cs.t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// killLatest drops the newest connection without a close handshake, which
// the client observes as an unexpected close.
func (cs *changeServer) killLatest() {
	_ = cs.latest().Close()
}

func newTestManager(t *testing.T, cs *changeServer) *realtime.Manager {
	t.Helper()
	m := realtime.NewManager(realtime.Options{
		URL:        cs.url(),
		RetryDelay: testRetryDelay,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(m.Close)
	return m
}

func waitConnected(t *testing.T, m *realtime.Manager) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Status().Connected },
		2*time.Second, 5*time.Millisecond)
}

func TestManager_SingleConnectionUnderConcurrentSubscribes(t *testing.T) {
	cs := newChangeServer(t)
	m := newTestManager(t, cs)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Subscribe(func(domain.ChangeEnvelope) {})
		}()
	}
	wg.Wait()

	waitConnected(t, m)
	// Give any extra dials time to surface before counting.
	time.Sleep(3 * testRetryDelay)
	assert.Equal(t, 1, cs.dialCount())
}

func TestManager_FanOutReachesAllSubscribersDespitePanic(t *testing.T) {
	cs := newChangeServer(t)
	m := newTestManager(t, cs)

	var first, third atomic.Int32
	m.Subscribe(func(domain.ChangeEnvelope) { first.Add(1) })
	m.Subscribe(func(domain.ChangeEnvelope) { panic("subscriber bug") })
	m.Subscribe(func(domain.ChangeEnvelope) { third.Add(1) })

	waitConnected(t, m)
	cs.send(`{"type":"ticket_update","data":{"table":"tickets","action":"INSERT","record":{"id":1}}}`)

	require.Eventually(t, func() bool {
		return first.Load() == 1 && third.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The connection survives the panic.
	cs.send(`{"type":"ticket_update","data":{"table":"tickets","action":"INSERT","record":{"id":2}}}`)
	require.Eventually(t, func() bool {
		return first.Load() == 2 && third.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, cs.dialCount())
}

func TestManager_CancelledSubscriberNeverSeesDelivery(t *testing.T) {
	cs := newChangeServer(t)
	m := newTestManager(t, cs)

	var kept, cancelled atomic.Int32
	m.Subscribe(func(domain.ChangeEnvelope) { kept.Add(1) })
	sub := m.Subscribe(func(domain.ChangeEnvelope) { cancelled.Add(1) })
	sub.Cancel()
	sub.Cancel() // idempotent

	waitConnected(t, m)
	cs.send(`{"type":"break_update","data":{"table":"break_sessions","action":"INSERT","record":{"id":5}}}`)

	require.Eventually(t, func() bool { return kept.Load() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), cancelled.Load())
}

func TestManager_MalformedFramesAreDroppedWithoutClosing(t *testing.T) {
	cs := newChangeServer(t)
	m := newTestManager(t, cs)

	var got atomic.Int32
	m.Subscribe(func(domain.ChangeEnvelope) { got.Add(1) })
	waitConnected(t, m)

	cs.send(`{not json`)
	cs.send(`{"type":"","data":{"action":"INSERT","record":{}}}`)
	cs.send(`{"type":"ticket_update","data":{"table":"tickets","action":"TRUNCATE"}}`)
	cs.send(`{"type":"ticket_update","data":{"table":"tickets","action":"INSERT","record":{"id":1}}}`)

	require.Eventually(t, func() bool { return got.Load() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, cs.dialCount())
	assert.True(t, m.Status().Connected)
}

func TestManager_ReconnectsOnceAfterUncleanClose(t *testing.T) {
	cs := newChangeServer(t)
	m := newTestManager(t, cs)

	m.Subscribe(func(domain.ChangeEnvelope) {})
	waitConnected(t, m)
	require.Equal(t, 1, cs.dialCount())

	cs.killLatest()
	cs.waitForDials(t, 2)

	// Exactly one reconnect attempt: the count settles at 2.
	time.Sleep(4 * testRetryDelay)
	assert.Equal(t, 2, cs.dialCount())
	waitConnected(t, m)
}

func TestManager_CleanCloseSuppressesReconnect(t *testing.T) {
	cs := newChangeServer(t)
	m := newTestManager(t, cs)

	m.Subscribe(func(domain.ChangeEnvelope) {})
	waitConnected(t, m)

	m.Close()

	time.Sleep(4 * testRetryDelay)
	assert.Equal(t, 1, cs.dialCount())
	assert.False(t, m.Status().Connected)
}

func TestManager_StateListenersObserveTransitions(t *testing.T) {
	cs := newChangeServer(t)
	m := newTestManager(t, cs)

	var mu sync.Mutex
	var seen []bool
	m.SubscribeState(func(s realtime.Status) {
		mu.Lock()
		seen = append(seen, s.Connected)
		mu.Unlock()
	})

	m.Subscribe(func(domain.ChangeEnvelope) {})
	waitConnected(t, m)

	cs.killLatest()
	cs.waitForDials(t, 2)
	waitConnected(t, m)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// connected, lost, reconnected: the false-to-true tail is the refetch
	// signal for consumers.
	assert.Equal(t, []bool{true, false, true}, seen[:3])
}

func TestManager_DialFailureIsReportedNotThrown(t *testing.T) {
	m := realtime.NewManager(realtime.Options{
		URL:        "ws://127.0.0.1:1/ws", // nothing listens here
		RetryDelay: time.Hour,             // keep the retry out of the test window
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(m.Close)

	m.Subscribe(func(domain.ChangeEnvelope) {})

	require.Eventually(t, func() bool {
		return m.Status().LastError != ""
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, m.Status().Connected)
}

func TestManager_MalformedEndpointNeverRetries(t *testing.T) {
	m := realtime.NewManager(realtime.Options{
		URL:        "http://example.com/ws", // not a ws scheme
		RetryDelay: testRetryDelay,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(m.Close)

	m.Connect()

	require.Eventually(t, func() bool {
		return m.Status().LastError != ""
	}, 2*time.Second, 5*time.Millisecond)

	// No retry timer was armed; the error just stays put.
	time.Sleep(3 * testRetryDelay)
	assert.False(t, m.Status().Connected)
	assert.Contains(t, m.Status().LastError, "scheme")
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		name string
		base string
		want string
	}{
		{"https upgrades to wss", "https://ops.example.com", "wss://ops.example.com/ws"},
		{"http upgrades to ws", "http://localhost:8080", "ws://localhost:8080/ws"},
		{"explicit path is kept", "https://ops.example.com/api/v1/ws", "wss://ops.example.com/api/v1/ws"},
		{"ws scheme passes through", "ws://localhost:8080/ws", "ws://localhost:8080/ws"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := realtime.Endpoint(tt.base)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("rejects unsupported scheme", func(t *testing.T) {
		_, err := realtime.Endpoint("ftp://example.com")
		assert.Error(t, err)
	})
}

// End-to-end: a ticket view's collection converges on the updated row with
// no duplicates.
func TestManager_EndToEndTicketUpdate(t *testing.T) {
	cs := newChangeServer(t)
	m := newTestManager(t, cs)

	collection := realtime.NewCollection[domain.Ticket](func(tk domain.Ticket) string {
		return strconv.FormatInt(tk.ID, 10)
	})
	collection.Replace([]domain.Ticket{{ID: 42, Status: "Approved"}})

	dispatcher := realtime.NewTicketDispatcher(realtime.TicketHandlers{
		OnCreated: collection.ApplyCreated,
		OnUpdated: func(current, _ domain.Ticket) { collection.ApplyUpdated(current) },
		OnDeleted: collection.ApplyDeleted,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	dispatcher.Attach(m)

	waitConnected(t, m)
	cs.send(`{"type":"ticket_update","data":{"table":"tickets","action":"UPDATE",` +
		`"record":{"id":42,"status":"Closed"},"old_record":{"id":42,"status":"Approved"}}}`)

	require.Eventually(t, func() bool {
		tk, ok := collection.Get("42")
		return ok && tk.Status == "Closed"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, collection.Len())
}
