package event

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dshills/beacon/internal/event/topic"
	"github.com/dshills/beacon/internal/observability"
)

// Bus is the central event bus interface. A Bus is constructed explicitly
// and passed to producers and consumers; there is no process-wide instance.
type Bus interface {
	// Publish validates the event type and payload, assigns the next
	// sequence number and fans the event out to matching subscriptions.
	// It never blocks on slow subscribers.
	Publish(ctx context.Context, eventType topic.Topic, payload any) error

	// PublishFrom is Publish with an explicit producer identifier.
	PublishFrom(ctx context.Context, eventType topic.Topic, payload any, source string) error

	// Subscribe registers a handler for events matching the pattern.
	// The handler runs on the subscription's own goroutine.
	Subscribe(pattern topic.Topic, handler Handler, opts ...SubscriptionOption) (Subscription, error)

	// SubscribeChan registers a channel-based subscription. The caller
	// drains Subscription.Events on its own schedule.
	SubscribeChan(pattern topic.Topic, opts ...SubscriptionOption) (Subscription, error)

	// Unsubscribe cancels and removes a subscription by ID.
	Unsubscribe(subID string) error

	// Schemas returns the payload schema registry. Types registered here
	// are validated at publish time.
	Schemas() *SchemaRegistry

	// Lifecycle
	Start() error
	Stop(ctx context.Context) error

	// Status
	Stats() Stats
	IsRunning() bool
}

// bus is the default Bus implementation.
type bus struct {
	registry *Registry
	schemas  *SchemaRegistry

	// publishMu serializes sequence assignment and fan-out so every
	// subscription observes events in sequence order.
	publishMu sync.Mutex
	sequence  uint64

	running atomic.Bool
	drainWG sync.WaitGroup

	logger  *slog.Logger
	metrics observability.MetricsRecorder

	// Stats
	eventsPublished atomic.Uint64
	eventsDelivered atomic.Uint64
	eventsDropped   atomic.Uint64
	handlerErrors   atomic.Uint64
	handlerPanics   atomic.Uint64
}

// BusOption configures an event Bus.
type BusOption func(*bus)

// WithLogger sets the bus logger. Handler errors and panics are logged
// through it.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *bus) {
		b.logger = observability.ComponentLogger(logger, "bus")
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) BusOption {
	return func(b *bus) {
		if m != nil {
			b.metrics = m
		}
	}
}

// NewBus creates a new event bus with the given options.
func NewBus(opts ...BusOption) Bus {
	b := &bus{
		registry: NewRegistry(),
		schemas:  NewSchemaRegistry(),
		metrics:  observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start starts the event bus.
func (b *bus) Start() error {
	if b.running.Swap(true) {
		return ErrBusAlreadyRunning
	}
	return nil
}

// Stop stops the event bus gracefully. All subscriptions are cancelled
// and their drain goroutines awaited, or until the context is cancelled.
func (b *bus) Stop(ctx context.Context) error {
	if !b.running.Swap(false) {
		return ErrBusNotRunning
	}

	for _, sub := range b.registry.All() {
		sub.Cancel()
	}
	b.registry.Clear()

	done := make(chan struct{})
	go func() {
		b.drainWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the bus is running.
func (b *bus) IsRunning() bool {
	return b.running.Load()
}

// Schemas returns the payload schema registry.
func (b *bus) Schemas() *SchemaRegistry {
	return b.schemas
}

// Publish fans an event out to all matching subscriptions.
// The call returns once the event is handed to each subscription's
// channel; handlers run independently on their own goroutines.
func (b *bus) Publish(ctx context.Context, eventType topic.Topic, payload any) error {
	return b.PublishFrom(ctx, eventType, payload, "")
}

// PublishFrom fans an event out with an explicit producer identifier.
func (b *bus) PublishFrom(ctx context.Context, eventType topic.Topic, payload any, source string) error {
	if !b.running.Load() {
		return ErrBusNotRunning
	}
	if !eventType.IsValid() || eventType.IsWildcard() {
		return ErrInvalidTopic
	}
	if err := b.schemas.Validate(eventType, payload); err != nil {
		return err
	}

	evt := New(eventType, payload, source)

	b.publishMu.Lock()
	b.sequence++
	evt.Sequence = b.sequence
	subs := b.registry.MatchActive(eventType)
	for _, sub := range subs {
		accepted, droppedFull := sub.offer(evt)
		switch {
		case accepted:
			b.eventsDelivered.Add(1)
			b.metrics.RecordDelivery(ctx, eventType.String())
		case droppedFull:
			b.eventsDropped.Add(1)
			b.metrics.RecordDrop(ctx, "subscription_buffer_full")
		}
	}
	b.publishMu.Unlock()

	b.eventsPublished.Add(1)
	b.metrics.RecordPublish(ctx, eventType.String())
	return nil
}

// Subscribe creates a new handler subscription for the given pattern.
// This method is safe to call concurrently.
func (b *bus) Subscribe(pattern topic.Topic, handler Handler, opts ...SubscriptionOption) (Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	return b.subscribe(pattern, handler, opts...)
}

// SubscribeChan creates a channel-based subscription for the given pattern.
func (b *bus) SubscribeChan(pattern topic.Topic, opts ...SubscriptionOption) (Subscription, error) {
	return b.subscribe(pattern, nil, opts...)
}

func (b *bus) subscribe(pattern topic.Topic, handler Handler, opts ...SubscriptionOption) (Subscription, error) {
	if !pattern.IsValid() {
		return nil, ErrInvalidPattern
	}

	sub := newSubscription(uuid.NewString(), pattern, handler, opts...)
	b.registry.Add(sub)

	if handler != nil {
		b.drainWG.Add(1)
		go b.drain(sub)
	}

	return sub, nil
}

// Unsubscribe cancels and removes a subscription by ID.
// This method is safe to call concurrently.
func (b *bus) Unsubscribe(subID string) error {
	sub, exists := b.registry.Get(subID)
	if !exists {
		return ErrSubscriptionNotFound
	}

	sub.Cancel()
	b.registry.Remove(subID)
	return nil
}

// Stats returns current bus statistics.
func (b *bus) Stats() Stats {
	return Stats{
		EventsPublished:     b.eventsPublished.Load(),
		EventsDelivered:     b.eventsDelivered.Load(),
		EventsDropped:       b.eventsDropped.Load(),
		HandlerErrors:       b.handlerErrors.Load(),
		HandlerPanics:       b.handlerPanics.Load(),
		ActiveSubscriptions: b.registry.CountActive(),
	}
}

// drain delivers events from the subscription channel to its handler.
// It runs until the subscription is cancelled.
func (b *bus) drain(sub *subscription) {
	defer b.drainWG.Done()

	for {
		select {
		case <-sub.done:
			return
		case evt := <-sub.ch:
			if sub.IsCancelled() {
				return
			}
			if sub.IsPaused() {
				continue
			}
			b.invoke(sub, evt)
		}
	}
}

// invoke runs the handler with panic isolation. A failing or panicking
// handler affects neither other subscriptions nor the publisher.
func (b *bus) invoke(sub *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			b.metrics.RecordHandlerError(context.Background(), evt.Type.String())
			observability.LogError(b.logger, "handler panic", &PanicError{
				SubscriptionID: sub.ID(),
				Topic:          sub.Pattern().String(),
				Value:          r,
				Stack:          string(debug.Stack()),
			}, slog.String("type", evt.Type.String()))
		}
	}()

	if err := sub.handler.Handle(context.Background(), evt); err != nil {
		b.handlerErrors.Add(1)
		b.metrics.RecordHandlerError(context.Background(), evt.Type.String())
		observability.LogError(b.logger, "handler error", &HandlerError{
			SubscriptionID: sub.ID(),
			Topic:          sub.Pattern().String(),
			Err:            err,
		}, slog.String("type", evt.Type.String()))
	}
}
