package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dshills/beacon/internal/event"
	"github.com/dshills/beacon/internal/observability"
	"github.com/dshills/beacon/internal/transport"
)

// ErrUnknownClient is returned for operations on a client the manager has
// never seen or that has explicitly disconnected.
var ErrUnknownClient = errors.New("unknown client")

// PushTransport is the persistent channel the manager prefers.
type PushTransport interface {
	transport.Transport
}

// PollTransport is the pull fallback. Beyond plain delivery it registers
// clients without a live channel, drains their buffered envelopes, and
// reports clients whose outbox went idle past the transport's timeout.
type PollTransport interface {
	transport.Transport
	Connect(clientID string)
	Drain(clientID string) ([]event.Envelope, error)
	EvictIdle() []string
}

// Prober attempts to restore a client's push channel. Probe returns nil
// when the channel is usable again. The default prober just checks the
// push transport; tests substitute their own.
type Prober interface {
	Probe(clientID string) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(clientID string) error

// Probe calls the function.
func (f ProberFunc) Probe(clientID string) error { return f(clientID) }

// NewConnectedProber probes by asking the push transport whether the
// client re-established its channel.
func NewConnectedProber(push PushTransport) Prober {
	return ProberFunc(func(clientID string) error {
		if push.Connected(clientID) {
			return nil
		}
		return &transport.SendError{ClientID: clientID, Err: transport.ErrClientNotConnected}
	})
}

// BatchControl lets the manager widen batch windows when connection
// quality degrades. The batch package's Batcher satisfies it.
type BatchControl interface {
	SetScale(factor float64)
}

// Config tunes the resilience manager.
type Config struct {
	// Backoff is the reconnection delay policy.
	Backoff BackoffConfig

	// MaxReconnectAttempts is how many consecutive reconnection failures
	// force fallback to polling. Default 5.
	MaxReconnectAttempts int

	// CircuitThreshold and CircuitRecovery configure the per-client
	// circuit breaker. Defaults 5 and 60s.
	CircuitThreshold int
	CircuitRecovery  time.Duration

	// QueueCapacity bounds each client's pending queue. Default 256.
	QueueCapacity int

	// HeartbeatInterval is how often client liveness is checked, and
	// MissedHeartbeats how many silent intervals mark a connected client
	// degraded. Defaults 30s and 3.
	HeartbeatInterval time.Duration
	MissedHeartbeats  int

	// UpgradeProbeInterval is how often a polling client is probed for a
	// push upgrade. Default 60s.
	UpgradeProbeInterval time.Duration

	// QualityAlpha is the EWMA weight for the quality tracker.
	QualityAlpha float64

	// WidenBelow widens batch windows by WidenFactor when the quality
	// score drops under it; FallbackBelow proactively switches a live
	// client to polling. Defaults 0.5, 0.25, and 2.0.
	WidenBelow    float64
	FallbackBelow float64
	WidenFactor   float64
}

func (c Config) withDefaults() Config {
	c.Backoff = c.Backoff.withDefaults()
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = 5
	}
	if c.CircuitRecovery <= 0 {
		c.CircuitRecovery = 60 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MissedHeartbeats <= 0 {
		c.MissedHeartbeats = 3
	}
	if c.UpgradeProbeInterval <= 0 {
		c.UpgradeProbeInterval = 60 * time.Second
	}
	if c.WidenBelow <= 0 {
		c.WidenBelow = 0.5
	}
	if c.FallbackBelow <= 0 {
		c.FallbackBelow = 0.25
	}
	if c.WidenFactor <= 1 {
		c.WidenFactor = 2.0
	}
	return c
}

// Status is a client's externally visible connection state.
type Status struct {
	ClientID      string         `json:"clientId"`
	State         string         `json:"state"`
	TransportKind transport.Kind `json:"transportKind"`
	QueueDepth    int            `json:"queueDepth"`
	DroppedCount  uint64         `json:"droppedCount"`
	Quality       float64        `json:"quality"`
}

// clientConn is the manager's per-client state. Each connection has its
// own lock so unrelated clients never serialize on each other.
type clientConn struct {
	mu             sync.Mutex
	clientID       string
	machine        *Machine
	queue          *PendingQueue
	circuit        *CircuitBreaker
	quality        *QualityTracker
	backoffAttempt int
	lastActivity   time.Time
	missedBeats    int
	widened        bool
	flushing       bool
	reconnectTimer *time.Timer
	probeTimer     *time.Timer
}

func (c *clientConn) stopTimersLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.probeTimer != nil {
		c.probeTimer.Stop()
		c.probeTimer = nil
	}
}

// Manager layers reconnection backoff, circuit breaking, bounded queuing,
// and adaptive fallback on top of the transports. It is the sole owner of
// each client's pending queue, backoff attempt counter, and circuit state.
type Manager struct {
	mu      sync.RWMutex
	conns   map[string]*clientConn
	push    PushTransport
	poll    PollTransport
	prober  Prober
	batch   BatchControl
	onEvict func(clientID string)
	cfg     Config
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithProber overrides how push-channel recovery is detected.
func WithProber(p Prober) ManagerOption {
	return func(m *Manager) { m.prober = p }
}

// WithBatchControl lets the manager adapt batch windows to connection
// quality.
func WithBatchControl(b BatchControl) ManagerOption {
	return func(m *Manager) { m.batch = b }
}

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = observability.ComponentLogger(logger, "resilience")
	}
}

// WithEvictionHook is called with each polling client retired by the
// idle sweep, after its manager state is gone. The owner uses it to drop
// the client's subscriptions.
func WithEvictionHook(fn func(clientID string)) ManagerOption {
	return func(m *Manager) { m.onEvict = fn }
}

// WithManagerMetrics sets the manager's metrics recorder.
func WithManagerMetrics(rec observability.MetricsRecorder) ManagerOption {
	return func(m *Manager) { m.metrics = rec }
}

// NewManager creates a manager over the two transports.
func NewManager(cfg Config, push PushTransport, poll PollTransport, opts ...ManagerOption) *Manager {
	m := &Manager{
		conns:   make(map[string]*clientConn),
		push:    push,
		poll:    poll,
		cfg:     cfg.withDefaults(),
		metrics: observability.NoopMetrics{},
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.prober == nil {
		m.prober = NewConnectedProber(push)
	}
	return m
}

// Start launches the heartbeat sweeper.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.heartbeatLoop()
}

// Stop halts the sweeper and cancels every client's timers.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	for _, c := range m.conns {
		c.mu.Lock()
		c.stopTimersLocked()
		c.mu.Unlock()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// HandleConnect records that a client's push channel became live. Wire it
// to the push transport's OnConnect hook. Queued envelopes are flushed in
// FIFO order before any new live event, with the first envelope carrying
// the dropped count if the queue overflowed during the outage.
func (m *Manager) HandleConnect(clientID string) {
	c := m.getOrCreate(clientID)

	c.mu.Lock()
	c.stopTimersLocked()
	c.backoffAttempt = 0
	c.missedBeats = 0
	c.lastActivity = time.Now()
	// Raised before the state turns connected so concurrent deliveries
	// queue behind the backlog instead of jumping ahead of it.
	c.flushing = true
	c.mu.Unlock()

	c.circuit.RecordSuccess()
	c.quality.Reset()
	c.machine.OnConnect()
	m.metrics.RecordStateChange(context.Background(), clientID, StateConnected.String())
	observability.LogInfo(m.logger, "client connected", "client", clientID)

	m.flushQueueToPush(c)
	m.restoreScale(c)
}

// HandleChannelLost records that a client's push channel dropped without
// an explicit disconnect. Wire it to the push transport's OnDisconnect
// hook.
func (m *Manager) HandleChannelLost(clientID string) {
	c := m.lookup(clientID)
	if c == nil {
		return
	}
	m.failConnection(c)
}

// RecordActivity refreshes a client's liveness. Wire it to the transports'
// OnActivity hooks.
func (m *Manager) RecordActivity(clientID string) {
	c := m.lookup(clientID)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.missedBeats = 0
	c.mu.Unlock()
	c.quality.Record(true)
	m.adapt(c)
}

// Deliver routes one envelope to a client according to its state: sent
// directly while connected, buffered in the polling outbox during
// fallback, and held in the pending queue during an outage. A push send
// failure moves the client to reconnecting; it is never retried inline.
func (m *Manager) Deliver(clientID string, env event.Envelope) error {
	c := m.lookup(clientID)
	if c == nil {
		return ErrUnknownClient
	}

	switch c.machine.State() {
	case StateConnected, StateDegraded:
		c.mu.Lock()
		if c.flushing {
			// A reconnect flush is still draining the outage backlog;
			// keep FIFO order by joining the queue behind it.
			c.queue.Push(env)
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		if err := m.push.Send(clientID, env); err != nil {
			c.quality.Record(false)
			c.queue.Push(env)
			m.failConnection(c)
			return nil
		}
		c.quality.Record(true)
		m.metrics.RecordDelivery(context.Background(), env.Type)
		return nil

	case StateFallbackPolling:
		if err := m.poll.Send(clientID, env); err != nil {
			c.queue.Push(env)
		}
		return nil

	case StateDisconnected:
		return ErrUnknownClient

	default: // connecting, reconnecting
		c.queue.Push(env)
		m.metrics.RecordQueueDepth(context.Background(), clientID, c.queue.Len())
		return nil
	}
}

// Broadcast delivers an envelope to every known client passing the
// filter, honoring each client's state.
func (m *Manager) Broadcast(env event.Envelope, filter transport.FilterFunc) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		if filter == nil || filter(id) {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.Deliver(id, env)
	}
}

// RegisterPolling creates or switches a client to the polling transport.
// Used when a client opens with the pull endpoint instead of push.
func (m *Manager) RegisterPolling(clientID string) {
	c := m.getOrCreate(clientID)
	st := c.machine.State()
	if st == StateFallbackPolling {
		return
	}
	m.enterFallback(c)
}

// Poll drains everything pending for a polling client. The client's
// pending queue is flushed into the polling outbox when it falls back, so
// a single drain covers both outage backlog and fresh events.
func (m *Manager) Poll(clientID string) ([]event.Envelope, error) {
	c := m.lookup(clientID)
	if c == nil {
		return nil, ErrUnknownClient
	}
	envs, err := m.poll.Drain(clientID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.missedBeats = 0
	c.mu.Unlock()
	return envs, nil
}

// Status reports a client's connection state, queue depth, and dropped
// count.
func (m *Manager) Status(clientID string) (Status, error) {
	c := m.lookup(clientID)
	if c == nil {
		return Status{}, ErrUnknownClient
	}
	st := c.machine.State()
	kind := transport.KindPush
	if st == StateFallbackPolling {
		kind = transport.KindPolling
	}
	return Status{
		ClientID:      clientID,
		State:         st.String(),
		TransportKind: kind,
		QueueDepth:    c.queue.Len(),
		DroppedCount:  c.queue.TotalDropped(),
		Quality:       c.quality.Score(),
	}, nil
}

// State returns a client's current connection state.
func (m *Manager) State(clientID string) (State, error) {
	c := m.lookup(clientID)
	if c == nil {
		return StateDisconnected, ErrUnknownClient
	}
	return c.machine.State(), nil
}

// Disconnect handles an explicit client disconnect: the terminal state,
// after which the client's identity and queue are gone.
func (m *Manager) Disconnect(clientID string) error {
	m.mu.Lock()
	c, ok := m.conns[clientID]
	if ok {
		delete(m.conns, clientID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownClient
	}

	c.machine.OnDisconnect()
	c.mu.Lock()
	c.stopTimersLocked()
	c.mu.Unlock()

	_ = m.push.Disconnect(clientID)
	_ = m.poll.Disconnect(clientID)
	m.metrics.RecordStateChange(context.Background(), clientID, StateDisconnected.String())
	observability.LogInfo(m.logger, "client disconnected", "client", clientID)
	return nil
}

// Clients returns the IDs of all known clients.
func (m *Manager) Clients() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) lookup(clientID string) *clientConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[clientID]
}

func (m *Manager) getOrCreate(clientID string) *clientConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[clientID]; ok {
		return c
	}
	c := &clientConn{
		clientID:     clientID,
		machine:      NewMachine(),
		queue:        NewPendingQueue(m.cfg.QueueCapacity),
		circuit:      NewCircuitBreaker(m.cfg.CircuitThreshold, m.cfg.CircuitRecovery),
		quality:      NewQualityTracker(m.cfg.QualityAlpha),
		lastActivity: time.Now(),
	}
	m.conns[clientID] = c
	return c
}

// failConnection moves a live client to reconnecting and schedules the
// first backoff attempt. Already-reconnecting clients keep their
// schedule.
func (m *Manager) failConnection(c *clientConn) {
	prev := c.machine.State()
	st := c.machine.OnSendFailure()
	if st != StateReconnecting || prev == StateReconnecting {
		return
	}
	m.metrics.RecordStateChange(context.Background(), c.clientID, st.String())
	observability.LogWarn(m.logger, "push channel lost, reconnecting",
		"client", c.clientID)
	m.scheduleReconnect(c)
}

func (m *Manager) scheduleReconnect(c *clientConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delay := m.cfg.Backoff.Delay(c.backoffAttempt)
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, func() {
		m.attemptReconnect(c)
	})
}

func (m *Manager) attemptReconnect(c *clientConn) {
	if c.machine.State() != StateReconnecting {
		return
	}

	if !c.circuit.Allow() {
		// Circuit open: stop trying and serve via polling until the
		// breaker's recovery window permits an upgrade probe.
		m.enterFallback(c)
		return
	}

	if err := m.prober.Probe(c.clientID); err == nil {
		m.handleReconnected(c)
		return
	}

	c.circuit.RecordFailure()
	c.quality.Record(false)
	m.metrics.RecordReconnect(context.Background(), c.clientID, false)

	c.mu.Lock()
	c.backoffAttempt++
	exhausted := c.backoffAttempt >= m.cfg.MaxReconnectAttempts
	c.mu.Unlock()

	if exhausted {
		m.enterFallback(c)
		return
	}
	m.adapt(c)
	m.scheduleReconnect(c)
}

func (m *Manager) handleReconnected(c *clientConn) {
	c.circuit.RecordSuccess()
	c.mu.Lock()
	c.stopTimersLocked()
	c.backoffAttempt = 0
	c.missedBeats = 0
	c.lastActivity = time.Now()
	c.flushing = true
	c.mu.Unlock()
	c.machine.OnConnect()
	c.quality.Reset()
	m.metrics.RecordReconnect(context.Background(), c.clientID, true)
	m.metrics.RecordStateChange(context.Background(), c.clientID, StateConnected.String())
	observability.LogInfo(m.logger, "client reconnected", "client", c.clientID)
	m.flushQueueToPush(c)
	m.restoreScale(c)
}

// flushQueueToPush delivers the outage backlog in FIFO order before any
// live event. The first envelope carries the dropped count so the client
// can detect the gap. Envelopes arriving mid-flush are queued by Deliver
// while c.flushing is raised and picked up by the next drain pass; the
// flag clears only once the queue is observed empty under the lock.
func (m *Manager) flushQueueToPush(c *clientConn) {
	for {
		c.mu.Lock()
		if c.queue.Len() == 0 {
			c.flushing = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		envs, dropped := c.queue.Drain()
		if dropped > 0 && len(envs) > 0 {
			envs[0] = envs[0].WithDropped(dropped)
			m.metrics.RecordDrop(context.Background(), "pending_queue_overflow")
		}
		for i, env := range envs {
			if err := m.push.Send(c.clientID, env); err != nil {
				// Channel died mid-flush; requeue the unsent tail so
				// nothing is lost, and start over on the next reconnect.
				for _, rest := range envs[i:] {
					c.queue.Push(rest)
				}
				c.mu.Lock()
				c.flushing = false
				c.mu.Unlock()
				m.failConnection(c)
				return
			}
			m.metrics.RecordDelivery(context.Background(), env.Type)
		}
	}
}

// enterFallback switches a client to polling: the pending backlog moves
// to the polling outbox and an upgrade probe is scheduled.
func (m *Manager) enterFallback(c *clientConn) {
	st := c.machine.OnReconnectExhausted()
	if st != StateFallbackPolling {
		return
	}
	m.metrics.RecordStateChange(context.Background(), c.clientID, st.String())
	observability.LogWarn(m.logger, "falling back to polling", "client", c.clientID)

	m.poll.Connect(c.clientID)
	envs, dropped := c.queue.Drain()
	if dropped > 0 && len(envs) > 0 {
		envs[0] = envs[0].WithDropped(dropped)
		m.metrics.RecordDrop(context.Background(), "pending_queue_overflow")
	}
	for _, env := range envs {
		_ = m.poll.Send(c.clientID, env)
	}

	c.mu.Lock()
	c.stopTimersLocked()
	c.probeTimer = time.AfterFunc(m.cfg.UpgradeProbeInterval, func() {
		m.attemptUpgrade(c)
	})
	c.mu.Unlock()
}

// attemptUpgrade periodically tries to move a polling client back to
// push. The circuit breaker gates the attempt, so an open circuit serves
// its recovery timeout before the single half-open trial happens here.
func (m *Manager) attemptUpgrade(c *clientConn) {
	if c.machine.State() != StateFallbackPolling {
		return
	}

	if !c.circuit.Allow() {
		m.rescheduleProbe(c)
		return
	}

	c.machine.OnUpgradeProbe()
	if err := m.prober.Probe(c.clientID); err != nil {
		c.circuit.RecordFailure()
		c.machine.OnReconnectExhausted()
		m.rescheduleProbe(c)
		return
	}

	// Upgrade succeeded: anything buffered for polling rides the push
	// channel instead.
	if pending, err := m.poll.Drain(c.clientID); err == nil {
		for _, env := range pending {
			c.queue.Push(env)
		}
	}
	m.handleReconnected(c)
}

func (m *Manager) rescheduleProbe(c *clientConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.probeTimer != nil {
		c.probeTimer.Stop()
	}
	c.probeTimer = time.AfterFunc(m.cfg.UpgradeProbeInterval, func() {
		m.attemptUpgrade(c)
	})
}

// adapt reacts to the client's quality score: poor quality widens batch
// windows, very poor quality proactively abandons push.
func (m *Manager) adapt(c *clientConn) {
	score := c.quality.Score()

	if m.batch != nil {
		c.mu.Lock()
		if score < m.cfg.WidenBelow && !c.widened {
			c.widened = true
			c.mu.Unlock()
			m.batch.SetScale(m.cfg.WidenFactor)
			observability.LogInfo(m.logger, "widening batch windows",
				"client", c.clientID, "quality", score)
		} else if score >= m.cfg.WidenBelow && c.widened {
			c.widened = false
			c.mu.Unlock()
			m.batch.SetScale(1)
		} else {
			c.mu.Unlock()
		}
	}

	if score < m.cfg.FallbackBelow {
		switch c.machine.State() {
		case StateConnected, StateDegraded:
			observability.LogWarn(m.logger, "quality too low, switching to polling",
				"client", c.clientID, "quality", score)
			c.machine.OnSendFailure()
			m.enterFallback(c)
		}
	}
}

// restoreScale undoes any window widening once the client is healthy.
func (m *Manager) restoreScale(c *clientConn) {
	if m.batch == nil {
		return
	}
	c.mu.Lock()
	widened := c.widened
	c.widened = false
	c.mu.Unlock()
	if widened {
		m.batch.SetScale(1)
	}
}

// heartbeatLoop sweeps all clients on the heartbeat interval. A connected
// client that shows no activity for an interval accrues a missed beat;
// crossing the threshold degrades it, and a degraded client that keeps
// missing starts reconnecting.
func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepHeartbeats()
			m.sweepIdlePolling()
		case <-m.stopCh:
			return
		}
	}
}

// sweepIdlePolling retires clients the polling transport evicted for
// idleness: a polling client that stopped draining has walked away, and
// holding its queue forever leaks. Manager state goes first, then the
// eviction hook lets the owner drop subscriptions.
func (m *Manager) sweepIdlePolling() {
	for _, id := range m.poll.EvictIdle() {
		m.mu.Lock()
		c, ok := m.conns[id]
		if ok {
			delete(m.conns, id)
		}
		m.mu.Unlock()
		if !ok {
			continue
		}

		c.machine.OnDisconnect()
		c.mu.Lock()
		c.stopTimersLocked()
		c.mu.Unlock()

		m.metrics.RecordStateChange(context.Background(), id, StateDisconnected.String())
		observability.LogInfo(m.logger, "idle polling client evicted", "client", id)
		if m.onEvict != nil {
			m.onEvict(id)
		}
	}
}

func (m *Manager) sweepHeartbeats() {
	m.mu.RLock()
	conns := make([]*clientConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		st := c.machine.State()
		if st != StateConnected && st != StateDegraded {
			continue
		}

		c.mu.Lock()
		silent := time.Since(c.lastActivity) > m.cfg.HeartbeatInterval
		if !silent {
			c.mu.Unlock()
			continue
		}
		c.missedBeats++
		crossed := c.missedBeats >= m.cfg.MissedHeartbeats
		if crossed {
			c.missedBeats = 0
		}
		c.mu.Unlock()

		c.quality.Record(false)
		if crossed {
			next := c.machine.OnHeartbeatMiss()
			m.metrics.RecordStateChange(context.Background(), c.clientID, next.String())
			observability.LogWarn(m.logger, "missed heartbeats",
				"client", c.clientID, "state", next.String())
			if next == StateReconnecting {
				m.scheduleReconnect(c)
			}
		}
		m.adapt(c)
	}
}
