package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/beacon/internal/event"
)

// wsHarness runs the push transport behind an httptest server so tests
// exercise a real websocket over loopback.
type wsHarness struct {
	transport *Websocket
	server    *httptest.Server
	connects  chan string
	controls  chan ControlFrame
}

func newWSHarness(t *testing.T, cfg WebsocketConfig) *wsHarness {
	t.Helper()
	h := &wsHarness{
		connects: make(chan string, 8),
		controls: make(chan ControlFrame, 8),
	}
	h.transport = NewWebsocket(cfg, Hooks{
		OnConnect: func(clientID string) { h.connects <- clientID },
		OnControl: func(_ string, frame ControlFrame) { h.controls <- frame },
	})
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := r.URL.Query().Get("client")
		_ = h.transport.HandleUpgrade(w, r, client)
	}))
	t.Cleanup(func() {
		h.transport.Close()
		h.server.Close()
	})
	return h
}

func (h *wsHarness) dial(t *testing.T, clientID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "?client=" + clientID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	select {
	case <-h.connects:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connect hook")
	}
	return conn
}

func TestWebsocket_SendDeliversEnvelope(t *testing.T) {
	h := newWSHarness(t, WebsocketConfig{})
	conn := h.dial(t, "c1")

	env := event.NewEnvelope(event.New("agent.status.changed", map[string]any{"agentId": "a1"}, "scheduler"))
	env.Sequence = 7
	require.NoError(t, h.transport.Send("c1", env))

	var got event.Envelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "agent.status.changed", got.Type)
	assert.Equal(t, uint64(7), got.Sequence)
	require.NotNil(t, got.Source)
	assert.Equal(t, "scheduler", *got.Source)
	assert.Nil(t, got.SuppressedCount)
}

func TestWebsocket_SendUnknownClient(t *testing.T) {
	h := newWSHarness(t, WebsocketConfig{})

	err := h.transport.Send("ghost", event.Envelope{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClientNotConnected)

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "ghost", sendErr.ClientID)
}

func TestWebsocket_SendFullBufferFails(t *testing.T) {
	tr := NewWebsocket(WebsocketConfig{SendBuffer: 1}, Hooks{})

	// Register a peer with no running write pump so the buffer stays full.
	tr.mu.Lock()
	tr.peers["c1"] = &wsPeer{
		clientID: "c1",
		send:     make(chan event.Envelope, 1),
		done:     make(chan struct{}),
	}
	tr.mu.Unlock()

	require.NoError(t, tr.Send("c1", event.Envelope{Sequence: 1}))
	err := tr.Send("c1", event.Envelope{Sequence: 2})
	assert.ErrorIs(t, err, ErrSendFailed)
}

func TestWebsocket_ControlFrames(t *testing.T) {
	h := newWSHarness(t, WebsocketConfig{})
	conn := h.dial(t, "c1")

	require.NoError(t, conn.WriteJSON(ControlFrame{Action: ActionSubscribe, Pattern: "agent.*"}))

	select {
	case frame := <-h.controls:
		assert.Equal(t, ActionSubscribe, frame.Action)
		assert.Equal(t, "agent.*", frame.Pattern)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for control frame")
	}
}

func TestWebsocket_Broadcast(t *testing.T) {
	h := newWSHarness(t, WebsocketConfig{})
	c1 := h.dial(t, "c1")
	c2 := h.dial(t, "c2")

	env := event.NewEnvelope(event.New("system.shutdown.pending", nil, ""))
	reached := h.transport.Broadcast(env, nil)
	assert.Equal(t, 2, reached)

	for _, conn := range []*websocket.Conn{c1, c2} {
		var got event.Envelope
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, "system.shutdown.pending", got.Type)
	}

	reached = h.transport.Broadcast(env, func(clientID string) bool { return clientID == "c1" })
	assert.Equal(t, 1, reached)
}

func TestWebsocket_Disconnect(t *testing.T) {
	h := newWSHarness(t, WebsocketConfig{})
	conn := h.dial(t, "c1")
	require.True(t, h.transport.Connected("c1"))

	require.NoError(t, h.transport.Disconnect("c1"))
	assert.False(t, h.transport.Connected("c1"))
	assert.ErrorIs(t, h.transport.Disconnect("c1"), ErrClientNotConnected)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "client read should fail after server disconnect")
}

func TestWebsocket_ReconnectReplacesChannel(t *testing.T) {
	h := newWSHarness(t, WebsocketConfig{})
	old := h.dial(t, "c1")
	fresh := h.dial(t, "c1")

	require.NoError(t, h.transport.Send("c1", event.Envelope{Type: "agent.created", Sequence: 1}))

	var got event.Envelope
	require.NoError(t, fresh.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, fresh.ReadJSON(&got))
	assert.Equal(t, uint64(1), got.Sequence)

	_ = old.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := old.ReadMessage()
	assert.Error(t, err, "replaced channel should be closed")
}
