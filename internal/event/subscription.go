package event

import (
	"sync/atomic"
	"time"

	"github.com/dshills/beacon/internal/event/topic"
)

// SubscriptionState represents the state of a subscription.
type SubscriptionState int32

const (
	// SubscriptionStateActive means the subscription is receiving events.
	SubscriptionStateActive SubscriptionState = iota

	// SubscriptionStatePaused means the subscription is temporarily not receiving events.
	SubscriptionStatePaused

	// SubscriptionStateCancelled means the subscription has been permanently cancelled.
	SubscriptionStateCancelled
)

// String returns a human-readable state name.
func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionStateActive:
		return "active"
	case SubscriptionStatePaused:
		return "paused"
	case SubscriptionStateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Subscription represents an active event subscription. Events matching
// the pattern are written to the subscription's channel by the bus; a
// handler, when configured, drains the channel on its own goroutine.
type Subscription interface {
	// ID returns the unique subscription identifier.
	ID() string

	// Pattern returns the subscribed topic pattern.
	Pattern() topic.Topic

	// CreatedAt returns when the subscription was created.
	CreatedAt() time.Time

	// State returns the current subscription state.
	State() SubscriptionState

	// IsActive returns true if the subscription can receive events.
	IsActive() bool

	// IsPaused returns true if the subscription is paused.
	IsPaused() bool

	// Pause temporarily stops event delivery to this subscription.
	// Events published while paused are skipped, not buffered.
	Pause()

	// Resume restarts event delivery after a pause.
	Resume()

	// Cancel permanently cancels the subscription.
	// After cancellation, the subscription cannot be resumed.
	Cancel()

	// Events returns the subscription's delivery channel. Consumers
	// without a handler drain it directly, selecting on Done to detect
	// cancellation. The channel is never closed.
	Events() <-chan Event

	// Done is closed when the subscription is cancelled.
	Done() <-chan struct{}

	// Dropped returns the number of events dropped because the
	// subscription's channel was full.
	Dropped() uint64
}

// SubscriptionConfig contains configuration for a subscription.
type SubscriptionConfig struct {
	// BufferSize is the subscription channel capacity.
	BufferSize int

	// Filter is an optional predicate to filter events.
	// If set, events are only delivered if Filter returns true.
	Filter FilterFunc
}

// DefaultSubscriptionConfig returns a default subscription configuration.
func DefaultSubscriptionConfig() SubscriptionConfig {
	return SubscriptionConfig{
		BufferSize: 256,
	}
}

// SubscriptionOption is a function that configures a subscription.
type SubscriptionOption func(*SubscriptionConfig)

// WithBufferSize sets the subscription channel capacity.
func WithBufferSize(n int) SubscriptionOption {
	return func(c *SubscriptionConfig) {
		if n > 0 {
			c.BufferSize = n
		}
	}
}

// WithFilter sets a filter predicate.
func WithFilter(f FilterFunc) SubscriptionOption {
	return func(c *SubscriptionConfig) {
		c.Filter = f
	}
}

// subscription is the internal implementation of Subscription.
type subscription struct {
	id        string
	pattern   topic.Topic
	handler   Handler // nil for channel consumers
	config    SubscriptionConfig
	createdAt time.Time

	ch      chan Event
	done    chan struct{}
	state   atomic.Int32
	dropped atomic.Uint64
}

// newSubscription creates a new subscription.
func newSubscription(id string, pattern topic.Topic, h Handler, opts ...SubscriptionOption) *subscription {
	config := DefaultSubscriptionConfig()
	for _, opt := range opts {
		opt(&config)
	}

	s := &subscription{
		id:        id,
		pattern:   pattern,
		handler:   h,
		config:    config,
		createdAt: time.Now(),
		ch:        make(chan Event, config.BufferSize),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(SubscriptionStateActive))
	return s
}

// ID returns the subscription ID.
func (s *subscription) ID() string {
	return s.id
}

// Pattern returns the subscribed topic pattern.
func (s *subscription) Pattern() topic.Topic {
	return s.pattern
}

// CreatedAt returns when the subscription was created.
func (s *subscription) CreatedAt() time.Time {
	return s.createdAt
}

// State returns the current subscription state.
func (s *subscription) State() SubscriptionState {
	return SubscriptionState(s.state.Load())
}

// IsActive returns true if the subscription is active.
func (s *subscription) IsActive() bool {
	return s.State() == SubscriptionStateActive
}

// IsPaused returns true if the subscription is paused.
func (s *subscription) IsPaused() bool {
	return s.State() == SubscriptionStatePaused
}

// IsCancelled returns true if the subscription is cancelled.
func (s *subscription) IsCancelled() bool {
	return s.State() == SubscriptionStateCancelled
}

// Pause temporarily stops event delivery.
func (s *subscription) Pause() {
	// Only pause if currently active
	s.state.CompareAndSwap(int32(SubscriptionStateActive), int32(SubscriptionStatePaused))
}

// Resume restarts event delivery.
func (s *subscription) Resume() {
	// Only resume if currently paused
	s.state.CompareAndSwap(int32(SubscriptionStatePaused), int32(SubscriptionStateActive))
}

// Cancel permanently cancels the subscription.
func (s *subscription) Cancel() {
	if s.state.Swap(int32(SubscriptionStateCancelled)) != int32(SubscriptionStateCancelled) {
		close(s.done)
	}
}

// Events returns the subscription's delivery channel.
func (s *subscription) Events() <-chan Event {
	return s.ch
}

// Done is closed when the subscription is cancelled.
func (s *subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped returns the number of events dropped due to a full channel.
func (s *subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// offer enqueues an event without blocking. It returns true when the
// event was accepted, false when the subscription is inactive, filtered
// the event out, or its channel is full.
func (s *subscription) offer(evt Event) (accepted, droppedFull bool) {
	if !s.IsActive() {
		return false, false
	}
	if s.config.Filter != nil && !s.config.Filter(evt) {
		return false, false
	}

	select {
	case s.ch <- evt:
		return true, false
	default:
		s.dropped.Add(1)
		return false, true
	}
}
