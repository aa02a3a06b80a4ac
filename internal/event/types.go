package event

import "context"

// Handler is the interface for event handlers.
type Handler interface {
	// Handle processes an event. It runs on the subscription's own
	// goroutine, never on the publisher's call path.
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// FilterFunc is a predicate for filtering events.
// Return true to allow the event, false to filter it out.
type FilterFunc func(event Event) bool

// Stats contains event bus statistics.
type Stats struct {
	// EventsPublished is the total number of events published.
	EventsPublished uint64

	// EventsDelivered is the total number of events handed to subscriptions.
	EventsDelivered uint64

	// EventsDropped is the number of events dropped because a
	// subscription's channel was full.
	EventsDropped uint64

	// HandlerErrors is the number of handlers that returned errors.
	HandlerErrors uint64

	// HandlerPanics is the number of handlers that panicked.
	HandlerPanics uint64

	// ActiveSubscriptions is the current number of active subscriptions.
	ActiveSubscriptions int
}
