package resilience

import "sync"

// State is a client connection's authoritative state.
type State int32

const (
	// StateConnecting means a connection attempt is in progress.
	StateConnecting State = iota
	// StateConnected means the push channel is live.
	StateConnected
	// StateDegraded means the channel is notionally live but heartbeats
	// are being missed.
	StateDegraded
	// StateReconnecting means the channel failed and backoff attempts
	// are scheduled.
	StateReconnecting
	// StateFallbackPolling means push was abandoned and the client
	// drains its queue by polling. A supported mode, not an error.
	StateFallbackPolling
	// StateDisconnected means the client explicitly disconnected.
	StateDisconnected
)

// String returns the state name as exposed to clients.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateFallbackPolling:
		return "fallback_polling"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Machine is the per-connection state machine. Transitions happen only
// through the named event methods, so it is testable without a network.
// Invalid transitions are ignored and leave the state unchanged.
type Machine struct {
	mu    sync.Mutex
	state State
}

// NewMachine creates a machine in the connecting state.
func NewMachine() *Machine {
	return &Machine{state: StateConnecting}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnConnect handles a successful connection or reconnection.
func (m *Machine) OnConnect() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateConnecting, StateConnected, StateDegraded,
		StateReconnecting, StateFallbackPolling, StateDisconnected:
		m.state = StateConnected
	}
	return m.state
}

// OnSendFailure handles a failed transport send.
func (m *Machine) OnSendFailure() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateConnecting, StateConnected, StateDegraded:
		m.state = StateReconnecting
	}
	return m.state
}

// OnHeartbeatMiss handles the missed-heartbeat threshold being reached.
// A connected client degrades; a degraded client starts reconnecting.
func (m *Machine) OnHeartbeatMiss() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateConnected:
		m.state = StateDegraded
	case StateDegraded:
		m.state = StateReconnecting
	}
	return m.state
}

// OnReconnectExhausted handles running out of reconnection attempts, or a
// proactive decision to stop trying. Only a reconnecting, connecting, or
// degraded client falls back.
func (m *Machine) OnReconnectExhausted() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateConnecting, StateDegraded, StateReconnecting:
		m.state = StateFallbackPolling
	}
	return m.state
}

// OnUpgradeProbe handles the periodic attempt to upgrade a polling client
// back to push.
func (m *Machine) OnUpgradeProbe() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateFallbackPolling {
		m.state = StateConnecting
	}
	return m.state
}

// OnDisconnect handles an explicit client disconnect from any state.
func (m *Machine) OnDisconnect() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDisconnected
	return m.state
}
