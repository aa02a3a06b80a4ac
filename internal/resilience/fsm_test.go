package resilience

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMachine_HappyPath(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, StateConnecting, m.State())

	assert.Equal(t, StateConnected, m.OnConnect())
}

func TestMachine_DegradeThenReconnect(t *testing.T) {
	m := NewMachine()
	m.OnConnect()

	assert.Equal(t, StateDegraded, m.OnHeartbeatMiss())
	assert.Equal(t, StateReconnecting, m.OnHeartbeatMiss())
	assert.Equal(t, StateConnected, m.OnConnect())
}

func TestMachine_SendFailureStartsReconnect(t *testing.T) {
	m := NewMachine()
	m.OnConnect()

	assert.Equal(t, StateReconnecting, m.OnSendFailure())
	// Further failures while reconnecting change nothing.
	assert.Equal(t, StateReconnecting, m.OnSendFailure())
}

func TestMachine_ExhaustionFallsBackThenUpgrades(t *testing.T) {
	m := NewMachine()
	m.OnConnect()
	m.OnSendFailure()

	assert.Equal(t, StateFallbackPolling, m.OnReconnectExhausted())

	// An upgrade probe retries the connection from scratch.
	assert.Equal(t, StateConnecting, m.OnUpgradeProbe())
	assert.Equal(t, StateConnected, m.OnConnect())
}

func TestMachine_DisconnectFromAnyState(t *testing.T) {
	for _, setup := range []func(*Machine){
		func(m *Machine) {},
		func(m *Machine) { m.OnConnect() },
		func(m *Machine) { m.OnConnect(); m.OnHeartbeatMiss() },
		func(m *Machine) { m.OnConnect(); m.OnSendFailure() },
		func(m *Machine) { m.OnConnect(); m.OnSendFailure(); m.OnReconnectExhausted() },
	} {
		m := NewMachine()
		setup(m)
		assert.Equal(t, StateDisconnected, m.OnDisconnect())
	}
}

func TestMachine_InvalidTransitionsIgnored(t *testing.T) {
	m := NewMachine()

	// Exhaustion before ever connecting is a connecting-phase failure.
	assert.Equal(t, StateFallbackPolling, m.OnReconnectExhausted())

	// Heartbeat misses mean nothing while polling.
	assert.Equal(t, StateFallbackPolling, m.OnHeartbeatMiss())

	// Send failures mean nothing while polling either.
	assert.Equal(t, StateFallbackPolling, m.OnSendFailure())
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateDegraded, "degraded"},
		{StateReconnecting, "reconnecting"},
		{StateFallbackPolling, "fallback_polling"},
		{StateDisconnected, "disconnected"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
