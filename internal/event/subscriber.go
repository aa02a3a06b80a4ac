package event

import (
	"sync"

	"github.com/dshills/beacon/internal/event/topic"
)

// Subscriber provides a simplified API for subscribing to events.
// It tracks the subscriptions it creates and removes them all on Close,
// so a component (or a remote client) that goes away takes its
// subscriptions with it.
type Subscriber struct {
	bus           Bus
	subscriptions []Subscription
	mu            sync.Mutex
	closed        bool
}

// NewSubscriber creates a new Subscriber wrapping the given bus.
func NewSubscriber(bus Bus) *Subscriber {
	return &Subscriber{
		bus:           bus,
		subscriptions: make([]Subscription, 0),
	}
}

// Subscribe creates a handler subscription for the given pattern.
// The subscription is tracked for cleanup when Close is called.
func (s *Subscriber) Subscribe(pattern topic.Topic, handler Handler, opts ...SubscriptionOption) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSubscriberClosed
	}

	sub, err := s.bus.Subscribe(pattern, handler, opts...)
	if err != nil {
		return nil, err
	}

	s.subscriptions = append(s.subscriptions, sub)
	return sub, nil
}

// SubscribeFunc creates a subscription with a function handler.
func (s *Subscriber) SubscribeFunc(pattern topic.Topic, fn HandlerFunc, opts ...SubscriptionOption) (Subscription, error) {
	return s.Subscribe(pattern, fn, opts...)
}

// SubscribeChan creates a channel-based subscription tracked by this subscriber.
func (s *Subscriber) SubscribeChan(pattern topic.Topic, opts ...SubscriptionOption) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSubscriberClosed
	}

	sub, err := s.bus.SubscribeChan(pattern, opts...)
	if err != nil {
		return nil, err
	}

	s.subscriptions = append(s.subscriptions, sub)
	return sub, nil
}

// Unsubscribe removes a specific subscription.
func (s *Subscriber) Unsubscribe(subID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, tracked := range s.subscriptions {
		if tracked.ID() == subID {
			s.subscriptions = append(s.subscriptions[:i], s.subscriptions[i+1:]...)
			break
		}
	}

	return s.bus.Unsubscribe(subID)
}

// Close cancels all subscriptions and prevents new ones.
// This should be called when the owning component is being shut down.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	for _, sub := range s.subscriptions {
		_ = s.bus.Unsubscribe(sub.ID())
	}
	s.subscriptions = nil

	return nil
}

// Count returns the number of tracked subscriptions.
func (s *Subscriber) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscriptions)
}

// IsClosed returns true if the subscriber has been closed.
func (s *Subscriber) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Bus returns the underlying bus.
func (s *Subscriber) Bus() Bus {
	return s.bus
}
