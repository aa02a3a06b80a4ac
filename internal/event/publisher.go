package event

import (
	"context"

	"github.com/dshills/beacon/internal/event/topic"
)

// Publisher provides a simplified API for publishing events.
// It wraps a Bus and stamps every event with the producer's source.
type Publisher struct {
	bus    Bus
	source string
}

// NewPublisher creates a new Publisher wrapping the given bus.
// The source parameter identifies where events originate (e.g., "scheduler", "worker").
func NewPublisher(bus Bus, source string) *Publisher {
	return &Publisher{
		bus:    bus,
		source: source,
	}
}

// Publish sends an event stamped with the publisher's source.
func (p *Publisher) Publish(ctx context.Context, eventType topic.Topic, payload any) error {
	return p.bus.PublishFrom(ctx, eventType, payload, p.source)
}

// Source returns the publisher's source identifier.
func (p *Publisher) Source() string {
	return p.source
}

// Bus returns the underlying bus.
func (p *Publisher) Bus() Bus {
	return p.bus
}
