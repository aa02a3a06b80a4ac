package resilience

import (
	"sync"
	"time"
)

// CircuitState is the breaker's current disposition.
type CircuitState int32

const (
	// CircuitClosed permits reconnection attempts.
	CircuitClosed CircuitState = iota
	// CircuitOpen suppresses all attempts until the recovery timeout.
	CircuitOpen
	// CircuitHalfOpen permits exactly one trial attempt.
	CircuitHalfOpen
)

// String returns the state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker suppresses reconnection attempts after sustained failure.
// After threshold consecutive failures it opens for the recovery timeout;
// once the timeout elapses it permits a single half-open trial. Success
// closes the circuit, failure re-opens it.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	recovery  time.Duration
	now       func() time.Time

	state    CircuitState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker creates a closed breaker. Threshold defaults to 5 and
// recovery to 60s when non-positive.
func NewCircuitBreaker(threshold int, recovery time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if recovery <= 0 {
		recovery = 60 * time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		recovery:  recovery,
		now:       time.Now,
	}
}

// Allow reports whether a reconnection attempt may proceed now. An open
// circuit whose recovery timeout has elapsed transitions to half-open and
// allows one trial; further calls are refused until the trial's outcome
// is recorded.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if b.now().Sub(b.openedAt) >= b.recovery {
			b.state = CircuitHalfOpen
			return true
		}
		return false
	case CircuitHalfOpen:
		// A trial is already in flight.
		return false
	default:
		return false
	}
}

// RecordSuccess closes the circuit and resets the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.failures = 0
}

// RecordFailure counts a failed attempt. Reaching the threshold, or
// failing the half-open trial, opens the circuit.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= b.threshold {
		b.state = CircuitOpen
		b.openedAt = b.now()
	}
}

// State returns the breaker's current state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RemainingRecovery returns how long until an open circuit permits its
// half-open trial, or zero when not open.
func (b *CircuitBreaker) RemainingRecovery() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != CircuitOpen {
		return 0
	}
	remaining := b.recovery - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}
