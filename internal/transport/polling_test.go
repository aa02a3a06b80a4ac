package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/beacon/internal/event"
)

func pollEnv(seq uint64) event.Envelope {
	return event.NewEnvelope(event.New("agent.created", nil, "").WithSequence(seq))
}

func TestPolling_DrainReturnsFIFO(t *testing.T) {
	tr := NewPolling(PollingConfig{}, Hooks{})
	tr.Connect("c1")

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, tr.Send("c1", pollEnv(seq)))
	}
	assert.Equal(t, 3, tr.Pending("c1"))

	got, err := tr.Drain("c1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, env := range got {
		assert.Equal(t, uint64(i+1), env.Sequence)
		assert.Nil(t, env.DroppedCount)
	}

	// Drained envelopes are gone.
	got, err = tr.Drain("c1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPolling_OverflowDropsOldest(t *testing.T) {
	const capacity = 10
	tr := NewPolling(PollingConfig{OutboxCapacity: capacity}, Hooks{})
	tr.Connect("c1")

	for seq := uint64(1); seq <= capacity+5; seq++ {
		require.NoError(t, tr.Send("c1", pollEnv(seq)))
	}

	got, err := tr.Drain("c1")
	require.NoError(t, err)
	require.Len(t, got, capacity)

	// The 5 oldest were dropped; the first delivered envelope reports it.
	require.NotNil(t, got[0].DroppedCount)
	assert.Equal(t, uint64(5), *got[0].DroppedCount)
	assert.Equal(t, uint64(6), got[0].Sequence)
	assert.Equal(t, uint64(capacity+5), got[capacity-1].Sequence)

	// The dropped counter resets after being reported.
	require.NoError(t, tr.Send("c1", pollEnv(100)))
	got, err = tr.Drain("c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].DroppedCount)
}

func TestPolling_UnknownClient(t *testing.T) {
	tr := NewPolling(PollingConfig{}, Hooks{})

	assert.ErrorIs(t, tr.Send("ghost", pollEnv(1)), ErrClientNotConnected)

	_, err := tr.Drain("ghost")
	assert.ErrorIs(t, err, ErrClientNotConnected)

	assert.ErrorIs(t, tr.Disconnect("ghost"), ErrClientNotConnected)
}

func TestPolling_ReconnectKeepsOutbox(t *testing.T) {
	tr := NewPolling(PollingConfig{}, Hooks{})
	tr.Connect("c1")
	require.NoError(t, tr.Send("c1", pollEnv(1)))

	tr.Connect("c1")
	assert.Equal(t, 1, tr.Pending("c1"))
}

func TestPolling_Broadcast(t *testing.T) {
	tr := NewPolling(PollingConfig{}, Hooks{})
	tr.Connect("c1")
	tr.Connect("c2")

	reached := tr.Broadcast(pollEnv(1), nil)
	assert.Equal(t, 2, reached)

	reached = tr.Broadcast(pollEnv(2), func(clientID string) bool { return clientID == "c2" })
	assert.Equal(t, 1, reached)

	assert.Equal(t, 1, tr.Pending("c1"))
	assert.Equal(t, 2, tr.Pending("c2"))
}

func TestPolling_DisconnectDiscards(t *testing.T) {
	var disconnected []string
	tr := NewPolling(PollingConfig{}, Hooks{
		OnDisconnect: func(clientID string) { disconnected = append(disconnected, clientID) },
	})
	tr.Connect("c1")
	require.NoError(t, tr.Send("c1", pollEnv(1)))

	require.NoError(t, tr.Disconnect("c1"))
	assert.False(t, tr.Connected("c1"))
	assert.Equal(t, []string{"c1"}, disconnected)
}

func TestPolling_EvictIdle(t *testing.T) {
	tr := NewPolling(PollingConfig{IdleTimeout: 10 * time.Millisecond}, Hooks{})
	tr.Connect("stale")
	tr.Connect("fresh")

	time.Sleep(20 * time.Millisecond)
	_, err := tr.Drain("fresh")
	require.NoError(t, err)

	evicted := tr.EvictIdle()
	assert.Equal(t, []string{"stale"}, evicted)
	assert.True(t, tr.Connected("fresh"))
}

func TestPolling_DrainRefreshesActivity(t *testing.T) {
	var activity []string
	tr := NewPolling(PollingConfig{}, Hooks{
		OnActivity: func(clientID string) { activity = append(activity, clientID) },
	})
	tr.Connect("c1")

	_, err := tr.Drain("c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, activity)
}
