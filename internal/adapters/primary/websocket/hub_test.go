package websocket

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/realtime-backend/internal/core/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(quietLogger())
	go h.Run()
	return h
}

func register(t *testing.T, h *Hub, c *Client) {
	t.Helper()
	h.Register <- c
	require.Eventually(t, func() bool { return h.GetClientCount() > 0 },
		time.Second, 5*time.Millisecond)
}

func receive(t *testing.T, c *Client) domain.ChangeEnvelope {
	t.Helper()
	select {
	case env, ok := <-c.Send:
		require.True(t, ok, "send channel closed unexpectedly")
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return domain.ChangeEnvelope{}
	}
}

func TestHub_BroadcastReachesAllClients(t *testing.T) {
	h := startHub(t)
	c1 := NewClient(h, nil, Timings{}, quietLogger())
	c2 := NewClient(h, nil, Timings{}, quietLogger())
	register(t, h, c1)
	register(t, h, c2)
	require.Eventually(t, func() bool { return h.GetClientCount() == 2 },
		time.Second, 5*time.Millisecond)

	env := domain.ChangeEnvelope{
		Type:   domain.TagTicketUpdate,
		Table:  "tickets",
		Action: domain.ActionInsert,
		Record: domain.Record{"id": float64(1)},
	}
	require.NoError(t, h.Broadcast(env))

	got1 := receive(t, c1)
	got2 := receive(t, c2)
	assert.Equal(t, domain.TagTicketUpdate, got1.Type)
	assert.Equal(t, domain.TagTicketUpdate, got2.Type)
}

func TestHub_UnregisterClosesSendChannel(t *testing.T) {
	h := startHub(t)
	c := NewClient(h, nil, Timings{}, quietLogger())
	register(t, h, c)

	h.Unregister <- c

	require.Eventually(t, func() bool { return h.GetClientCount() == 0 },
		time.Second, 5*time.Millisecond)

	select {
	case _, ok := <-c.Send:
		assert.False(t, ok, "send channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("send channel was not closed")
	}
}

func TestHub_SlowClientIsEvicted(t *testing.T) {
	h := startHub(t)
	c := NewClient(h, nil, Timings{}, quietLogger())
	register(t, h, c)

	// Fill the client's buffer so the next broadcast cannot be queued.
	for i := 0; i < cap(c.Send); i++ {
		c.Send <- domain.ChangeEnvelope{Type: domain.TagBreakUpdate, Action: domain.ActionInsert}
	}
	require.NoError(t, h.Broadcast(domain.ChangeEnvelope{
		Type:   domain.TagTicketUpdate,
		Action: domain.ActionInsert,
		Record: domain.Record{"id": float64(1)},
	}))

	require.Eventually(t, func() bool { return h.GetClientCount() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestTimings_Defaults(t *testing.T) {
	t.Run("zero value falls back to defaults", func(t *testing.T) {
		got := Timings{}.withDefaults()
		assert.Equal(t, defaultPongWait, got.PongWait)
		assert.Equal(t, (defaultPongWait*9)/10, got.PingInterval)
	})

	t.Run("ping interval is derived from a configured pong wait", func(t *testing.T) {
		got := Timings{PongWait: 20 * time.Second}.withDefaults()
		assert.Equal(t, 18*time.Second, got.PingInterval)
	})

	t.Run("explicit values are kept", func(t *testing.T) {
		got := Timings{PingInterval: 5 * time.Second, PongWait: 10 * time.Second}.withDefaults()
		assert.Equal(t, 5*time.Second, got.PingInterval)
		assert.Equal(t, 10*time.Second, got.PongWait)
	})

	t.Run("ping interval past the deadline is pulled back", func(t *testing.T) {
		got := Timings{PingInterval: time.Minute, PongWait: 10 * time.Second}.withDefaults()
		assert.Equal(t, 9*time.Second, got.PingInterval)
	})
}

func TestClient_CloseSendIsIdempotent(t *testing.T) {
	h := NewHub(quietLogger())
	c := NewClient(h, nil, Timings{}, quietLogger())

	assert.NotPanics(t, func() {
		c.CloseSend()
		c.CloseSend()
	})
}
