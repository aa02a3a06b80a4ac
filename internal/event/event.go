package event

import (
	"time"

	"github.com/dshills/beacon/internal/event/topic"
)

// Event represents an event flowing through the bus.
// Events are immutable once published.
type Event struct {
	// Type is the hierarchical event type (e.g., "agent.status.changed").
	Type topic.Topic

	// Payload contains the event-specific data.
	Payload any

	// Timestamp is when the event was created.
	Timestamp time.Time

	// Source identifies the producer that published the event. May be empty.
	Source string

	// Sequence is a monotonically increasing integer assigned by the bus
	// on publish. Subscribers use it for ordering and gap detection.
	Sequence uint64
}

// New creates an event with the given type and payload. The bus assigns
// Sequence when the event is published.
func New(eventType topic.Topic, payload any, source string) Event {
	return Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    source,
	}
}

// WithSequence returns a copy of the event with the sequence set.
func (e Event) WithSequence(seq uint64) Event {
	e.Sequence = seq
	return e
}

// Envelope is the transport-agnostic wire shape delivered to a client.
// SuppressedCount and DroppedCount are nil unless the batcher coalesced
// intermediate events or the client's pending queue overflowed.
//
// Sequence is the bus-assigned publish sequence for events that flowed
// through the bus. System broadcasts bypass the bus and carry Sequence
// zero; clients must treat zero as out-of-band and exclude it from
// ordering and gap detection.
type Envelope struct {
	Type            string  `json:"type"`
	Payload         any     `json:"payload"`
	Timestamp       int64   `json:"timestamp"`
	Source          *string `json:"source"`
	Sequence        uint64  `json:"sequence"`
	SuppressedCount *uint64 `json:"suppressedCount"`
	DroppedCount    *uint64 `json:"droppedCount"`
}

// NewEnvelope wraps an event for wire delivery. Timestamp is encoded as
// Unix milliseconds.
func NewEnvelope(e Event) Envelope {
	env := Envelope{
		Type:      e.Type.String(),
		Payload:   e.Payload,
		Timestamp: e.Timestamp.UnixMilli(),
		Sequence:  e.Sequence,
	}
	if e.Source != "" {
		src := e.Source
		env.Source = &src
	}
	return env
}

// WithSuppressed returns a copy of the envelope carrying a coalescing
// suppressed count. A zero count leaves the field null.
func (env Envelope) WithSuppressed(n uint64) Envelope {
	if n > 0 {
		env.SuppressedCount = &n
	}
	return env
}

// WithDropped returns a copy of the envelope carrying a queue-overflow
// dropped count. A zero count leaves the field null.
func (env Envelope) WithDropped(n uint64) Envelope {
	if n > 0 {
		env.DroppedCount = &n
	}
	return env
}
