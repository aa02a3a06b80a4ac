package resilience

import (
	"sync"

	"github.com/dshills/beacon/internal/event"
)

// PendingQueue is a bounded FIFO of envelopes awaiting delivery to a
// client that is not connected. Overflow discards the oldest entries and
// counts them so the client can detect the gap on its next delivery.
type PendingQueue struct {
	mu        sync.Mutex
	envelopes []event.Envelope
	capacity  int
	dropped   uint64
	total     uint64
}

// NewPendingQueue creates a queue with the given capacity. Non-positive
// capacities default to 256.
func NewPendingQueue(capacity int) *PendingQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &PendingQueue{capacity: capacity}
}

// Push appends an envelope, discarding the oldest entries on overflow.
func (q *PendingQueue) Push(env event.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.envelopes) >= q.capacity {
		drop := len(q.envelopes) - q.capacity + 1
		q.envelopes = q.envelopes[drop:]
		q.dropped += uint64(drop)
		q.total += uint64(drop)
	}
	q.envelopes = append(q.envelopes, env)
}

// Drain returns all queued envelopes in FIFO order along with the number
// dropped since the previous drain, and empties the queue. The caller
// reports the dropped count on the first delivered envelope.
func (q *PendingQueue) Drain() ([]event.Envelope, uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	envelopes := q.envelopes
	dropped := q.dropped
	q.envelopes = nil
	q.dropped = 0
	return envelopes, dropped
}

// Len reports how many envelopes are queued.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.envelopes)
}

// Dropped reports entries discarded since the last drain.
func (q *PendingQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// TotalDropped reports entries discarded over the queue's lifetime.
func (q *PendingQueue) TotalDropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}
