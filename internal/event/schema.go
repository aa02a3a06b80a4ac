package event

import (
	"fmt"
	"sync"

	"github.com/dshills/beacon/internal/event/topic"
)

// Validator checks a payload for a specific event type.
type Validator func(payload any) error

// SchemaRegistry maps event types to payload validators. When a type has
// a registered validator, Publish rejects payloads that fail it; types
// without a validator accept any payload.
type SchemaRegistry struct {
	mu         sync.RWMutex
	validators map[topic.Topic]Validator
}

// NewSchemaRegistry creates an empty schema registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		validators: make(map[topic.Topic]Validator),
	}
}

// Register installs a validator for an event type, replacing any
// previous one.
func (r *SchemaRegistry) Register(eventType topic.Topic, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[eventType] = v
}

// Validate checks the payload against the validator registered for the
// event type, if any.
func (r *SchemaRegistry) Validate(eventType topic.Topic, payload any) error {
	r.mu.RLock()
	v := r.validators[eventType]
	r.mu.RUnlock()

	if v == nil {
		return nil
	}
	if err := v(payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, eventType, err)
	}
	return nil
}

// Count returns the number of registered validators.
func (r *SchemaRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.validators)
}

// RegisterShape registers a validator requiring the payload to be of type T.
func RegisterShape[T any](r *SchemaRegistry, eventType topic.Topic) {
	r.Register(eventType, func(payload any) error {
		if _, ok := payload.(T); !ok {
			var want T
			return fmt.Errorf("payload is %T, want %T", payload, want)
		}
		return nil
	})
}
