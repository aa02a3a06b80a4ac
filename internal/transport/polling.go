package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dshills/beacon/internal/event"
	"github.com/dshills/beacon/internal/observability"
)

// PollingConfig tunes the pull fallback transport.
type PollingConfig struct {
	// OutboxCapacity bounds each client's undrained envelope buffer.
	// On overflow the oldest envelopes are discarded and counted.
	// Default 256.
	OutboxCapacity int

	// IdleTimeout evicts a registered client that has not polled for this
	// long. Zero disables eviction.
	IdleTimeout time.Duration
}

func (c PollingConfig) withDefaults() PollingConfig {
	if c.OutboxCapacity <= 0 {
		c.OutboxCapacity = 256
	}
	return c
}

// outbox is a bounded FIFO of envelopes awaiting a poll.
type outbox struct {
	envelopes []event.Envelope
	capacity  int
	dropped   uint64
	lastPoll  time.Time
}

func (o *outbox) push(env event.Envelope) {
	if len(o.envelopes) >= o.capacity {
		drop := len(o.envelopes) - o.capacity + 1
		o.envelopes = o.envelopes[drop:]
		o.dropped += uint64(drop)
	}
	o.envelopes = append(o.envelopes, env)
}

// Polling is the pull fallback transport. The server buffers envelopes per
// client; the client drains them by calling the poll endpoint, which maps
// to Drain. A client counts as connected while it is registered, since
// delivery only needs the outbox, not a live channel.
type Polling struct {
	mu      sync.Mutex
	boxes   map[string]*outbox
	cfg     PollingConfig
	hooks   Hooks
	logger  *slog.Logger
	metrics observability.MetricsRecorder
}

// PollingOption configures the polling transport.
type PollingOption func(*Polling)

// WithPollingLogger sets the transport's logger.
func WithPollingLogger(logger *slog.Logger) PollingOption {
	return func(t *Polling) {
		t.logger = observability.ComponentLogger(logger, "transport.polling")
	}
}

// WithPollingMetrics sets the transport's metrics recorder.
func WithPollingMetrics(m observability.MetricsRecorder) PollingOption {
	return func(t *Polling) {
		t.metrics = m
	}
}

// NewPolling creates the polling transport.
func NewPolling(cfg PollingConfig, hooks Hooks, opts ...PollingOption) *Polling {
	t := &Polling{
		boxes:   make(map[string]*outbox),
		cfg:     cfg.withDefaults(),
		hooks:   hooks,
		metrics: observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Kind reports KindPolling.
func (t *Polling) Kind() Kind { return KindPolling }

// Connect registers an outbox for the client. Reconnecting an already
// registered client keeps its buffered envelopes.
func (t *Polling) Connect(clientID string) {
	t.mu.Lock()
	_, existed := t.boxes[clientID]
	if !existed {
		t.boxes[clientID] = &outbox{
			capacity: t.cfg.OutboxCapacity,
			lastPoll: time.Now(),
		}
	}
	t.mu.Unlock()

	if !existed {
		observability.LogInfo(t.logger, "client registered", "client", clientID)
		t.hooks.connect(clientID)
	}
}

// Connected reports whether the client has a registered outbox.
func (t *Polling) Connected(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.boxes[clientID]
	return ok
}

// Send buffers one envelope for the client's next poll. Overflow discards
// the oldest buffered envelope and is reported on the next Drain.
func (t *Polling) Send(clientID string, env event.Envelope) error {
	t.mu.Lock()
	box, ok := t.boxes[clientID]
	if ok {
		box.push(env)
	}
	t.mu.Unlock()
	if !ok {
		return &SendError{ClientID: clientID, Err: ErrClientNotConnected}
	}
	return nil
}

// Broadcast buffers the envelope for every registered client passing the
// filter.
func (t *Polling) Broadcast(env event.Envelope, filter FilterFunc) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	reached := 0
	for id, box := range t.boxes {
		if filter == nil || filter(id) {
			box.push(env)
			reached++
		}
	}
	return reached
}

// Drain returns and clears the client's buffered envelopes in FIFO order.
// When envelopes were discarded on overflow since the last drain, the
// first returned envelope carries the dropped count. An empty slice means
// nothing was pending.
func (t *Polling) Drain(clientID string) ([]event.Envelope, error) {
	t.mu.Lock()
	box, ok := t.boxes[clientID]
	if !ok {
		t.mu.Unlock()
		return nil, &SendError{ClientID: clientID, Err: ErrClientNotConnected}
	}
	envelopes := box.envelopes
	dropped := box.dropped
	box.envelopes = nil
	box.dropped = 0
	box.lastPoll = time.Now()
	t.mu.Unlock()

	if dropped > 0 && len(envelopes) > 0 {
		envelopes[0] = envelopes[0].WithDropped(dropped)
		t.metrics.RecordDrop(context.Background(), "polling_outbox_overflow")
	}
	t.hooks.activity(clientID)
	return envelopes, nil
}

// Pending reports how many envelopes are buffered for the client.
func (t *Polling) Pending(clientID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	box, ok := t.boxes[clientID]
	if !ok {
		return 0
	}
	return len(box.envelopes)
}

// Disconnect removes the client's outbox, discarding buffered envelopes.
func (t *Polling) Disconnect(clientID string) error {
	t.mu.Lock()
	_, ok := t.boxes[clientID]
	if ok {
		delete(t.boxes, clientID)
	}
	t.mu.Unlock()
	if !ok {
		return ErrClientNotConnected
	}
	observability.LogInfo(t.logger, "client removed", "client", clientID)
	t.hooks.disconnect(clientID)
	return nil
}

// EvictIdle removes clients that have not polled within the configured
// idle timeout and returns their IDs. A zero timeout is a no-op.
func (t *Polling) EvictIdle() []string {
	if t.cfg.IdleTimeout <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-t.cfg.IdleTimeout)

	t.mu.Lock()
	var evicted []string
	for id, box := range t.boxes {
		if box.lastPoll.Before(cutoff) {
			delete(t.boxes, id)
			evicted = append(evicted, id)
		}
	}
	t.mu.Unlock()

	for _, id := range evicted {
		observability.LogInfo(t.logger, "idle client evicted", "client", id)
		t.hooks.disconnect(id)
	}
	return evicted
}
