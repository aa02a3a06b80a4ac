package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dshills/beacon/internal/event"
	"github.com/dshills/beacon/internal/observability"
)

// WebsocketConfig tunes the push transport.
type WebsocketConfig struct {
	// WriteTimeout bounds each frame write. Default 10s.
	WriteTimeout time.Duration

	// PingInterval is how often the server pings the client. Default 30s.
	PingInterval time.Duration

	// PongWait is how long to wait for any inbound traffic before the
	// read side gives up. Must exceed PingInterval. Default 45s.
	PongWait time.Duration

	// SendBuffer is the per-client outbound channel capacity. A full
	// buffer fails the Send rather than blocking. Default 64.
	SendBuffer int

	// ReadLimit caps inbound frame size in bytes. Default 4096; control
	// frames are small.
	ReadLimit int64
}

func (c WebsocketConfig) withDefaults() WebsocketConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 3 / 2
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 4096
	}
	return c
}

// wsPeer is one client's live websocket channel with its write pump.
type wsPeer struct {
	clientID string
	conn     *websocket.Conn
	send     chan event.Envelope
	done     chan struct{}
	closeOne sync.Once
}

func (p *wsPeer) close() {
	p.closeOne.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// Websocket is the push transport. Each connected client gets a read pump
// (control frames, pong handling) and a write pump (envelope writes, ping
// ticker); Send hands an envelope to the write pump without blocking.
type Websocket struct {
	mu       sync.RWMutex
	peers    map[string]*wsPeer
	upgrader websocket.Upgrader
	cfg      WebsocketConfig
	hooks    Hooks
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	wg       sync.WaitGroup
}

// WebsocketOption configures the push transport.
type WebsocketOption func(*Websocket)

// WithWebsocketLogger sets the transport's logger.
func WithWebsocketLogger(logger *slog.Logger) WebsocketOption {
	return func(t *Websocket) {
		t.logger = observability.ComponentLogger(logger, "transport.push")
	}
}

// WithWebsocketMetrics sets the transport's metrics recorder.
func WithWebsocketMetrics(m observability.MetricsRecorder) WebsocketOption {
	return func(t *Websocket) {
		t.metrics = m
	}
}

// NewWebsocket creates the push transport.
func NewWebsocket(cfg WebsocketConfig, hooks Hooks, opts ...WebsocketOption) *Websocket {
	t := &Websocket{
		peers:    make(map[string]*wsPeer),
		upgrader: websocket.Upgrader{},
		cfg:      cfg.withDefaults(),
		hooks:    hooks,
		metrics:  observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Kind reports KindPush.
func (t *Websocket) Kind() Kind { return KindPush }

// HandleUpgrade upgrades an HTTP request to a websocket and registers the
// resulting channel for the client.
func (t *Websocket) HandleUpgrade(w http.ResponseWriter, r *http.Request, clientID string) error {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	t.Connect(clientID, conn)
	return nil
}

// Connect registers a live websocket connection for the client and starts
// its pumps. An existing channel for the same client is torn down first;
// identity survives the replacement.
func (t *Websocket) Connect(clientID string, conn *websocket.Conn) {
	peer := &wsPeer{
		clientID: clientID,
		conn:     conn,
		send:     make(chan event.Envelope, t.cfg.SendBuffer),
		done:     make(chan struct{}),
	}

	t.mu.Lock()
	old := t.peers[clientID]
	t.peers[clientID] = peer
	t.mu.Unlock()

	if old != nil {
		old.close()
	}

	t.wg.Add(2)
	go t.writePump(peer)
	go t.readPump(peer)

	observability.LogInfo(t.logger, "client connected", "client", clientID)
	t.hooks.connect(clientID)
}

// Connected reports whether the client has a live channel.
func (t *Websocket) Connected(clientID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.peers[clientID]
	return ok
}

// Send hands one envelope to the client's write pump. It fails when the
// client has no channel or the outbound buffer is full; it never blocks
// and never retries.
func (t *Websocket) Send(clientID string, env event.Envelope) error {
	t.mu.RLock()
	peer, ok := t.peers[clientID]
	t.mu.RUnlock()
	if !ok {
		return &SendError{ClientID: clientID, Err: ErrClientNotConnected}
	}

	select {
	case peer.send <- env:
		return nil
	case <-peer.done:
		return &SendError{ClientID: clientID, Err: ErrClientNotConnected}
	default:
		return &SendError{ClientID: clientID, Err: ErrSendFailed}
	}
}

// Broadcast sends to every connected client passing the filter.
func (t *Websocket) Broadcast(env event.Envelope, filter FilterFunc) int {
	t.mu.RLock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		if filter == nil || filter(id) {
			ids = append(ids, id)
		}
	}
	t.mu.RUnlock()

	reached := 0
	for _, id := range ids {
		if err := t.Send(id, env); err == nil {
			reached++
		}
	}
	return reached
}

// Disconnect tears down the client's channel.
func (t *Websocket) Disconnect(clientID string) error {
	t.mu.Lock()
	peer, ok := t.peers[clientID]
	if ok {
		delete(t.peers, clientID)
	}
	t.mu.Unlock()
	if !ok {
		return ErrClientNotConnected
	}
	peer.close()
	return nil
}

// Close disconnects every client and waits for their pumps to exit.
func (t *Websocket) Close() {
	t.mu.Lock()
	peers := make([]*wsPeer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.peers = make(map[string]*wsPeer)
	t.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	t.wg.Wait()
}

// remove drops the peer from the table if it is still the registered
// channel for its client, then fires the disconnect hook.
func (t *Websocket) remove(peer *wsPeer) {
	t.mu.Lock()
	current, ok := t.peers[peer.clientID]
	if ok && current == peer {
		delete(t.peers, peer.clientID)
	}
	t.mu.Unlock()
	peer.close()
	if ok && current == peer {
		observability.LogInfo(t.logger, "client disconnected", "client", peer.clientID)
		t.hooks.disconnect(peer.clientID)
	}
}

func (t *Websocket) writePump(peer *wsPeer) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	defer t.remove(peer)

	for {
		select {
		case env := <-peer.send:
			_ = peer.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if err := peer.conn.WriteJSON(env); err != nil {
				observability.LogWarn(t.logger, "write failed",
					"client", peer.clientID, "error", err)
				return
			}
		case <-ticker.C:
			_ = peer.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if err := peer.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-peer.done:
			return
		}
	}
}

func (t *Websocket) readPump(peer *wsPeer) {
	defer t.wg.Done()
	defer t.remove(peer)

	peer.conn.SetReadLimit(t.cfg.ReadLimit)
	_ = peer.conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	peer.conn.SetPongHandler(func(string) error {
		_ = peer.conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
		t.hooks.activity(peer.clientID)
		return nil
	})

	for {
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = peer.conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
		t.hooks.activity(peer.clientID)

		var frame ControlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			observability.LogWarn(t.logger, "bad control frame",
				"client", peer.clientID, "error", err)
			continue
		}
		if frame.Action == "" {
			continue
		}
		t.hooks.control(peer.clientID, frame)
	}
}
