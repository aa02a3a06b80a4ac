// Package transport delivers event envelopes to named remote clients.
//
// Two transport kinds are provided: a persistent websocket push channel
// and a polling fallback where the client periodically drains a bounded
// per-client outbox. Both implement the Transport interface. A Send
// failure is reported to the caller and never retried internally; the
// resilience package decides what happens next.
package transport

import (
	"errors"
	"fmt"

	"github.com/dshills/beacon/internal/event"
)

// Kind identifies a transport implementation.
type Kind string

const (
	// KindPush is the persistent websocket push channel.
	KindPush Kind = "push"
	// KindPolling is the periodic pull fallback.
	KindPolling Kind = "polling"
)

// Sentinel errors returned by transport operations.
var (
	// ErrClientNotConnected indicates the client has no live channel.
	ErrClientNotConnected = errors.New("client not connected")

	// ErrSendFailed indicates a single delivery attempt failed. The
	// caller decides whether to queue, retry, or fall back.
	ErrSendFailed = errors.New("send failed")
)

// SendError wraps a delivery failure with the client it concerns.
type SendError struct {
	ClientID string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.ClientID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// FilterFunc restricts a broadcast to clients it returns true for.
type FilterFunc func(clientID string) bool

// Transport delivers envelopes to named clients. Implementations are safe
// for concurrent use. How a client connects is transport-specific (the
// websocket transport registers an upgraded connection, the polling
// transport registers an outbox); everything after that point goes
// through this interface.
type Transport interface {
	// Kind identifies the transport implementation.
	Kind() Kind

	// Connected reports whether the client has a usable channel.
	Connected(clientID string) bool

	// Send attempts a single delivery to one client. Failure is returned,
	// not retried.
	Send(clientID string, env event.Envelope) error

	// Broadcast sends to every connected client passing the filter (nil
	// means all) and returns how many clients were reached.
	Broadcast(env event.Envelope, filter FilterFunc) int

	// Disconnect tears down the client's channel. The client ID remains
	// valid for a later reconnect.
	Disconnect(clientID string) error
}

// ControlFrame is the JSON message clients send over the push channel to
// manage their subscriptions.
type ControlFrame struct {
	Action  string `json:"action"` // "subscribe" or "unsubscribe"
	Pattern string `json:"pattern,omitempty"`
}

// Control frame actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Hooks are callbacks a transport invokes on connection lifecycle and
// inbound traffic. All fields are optional.
type Hooks struct {
	// OnConnect fires after a client's channel becomes usable.
	OnConnect func(clientID string)

	// OnDisconnect fires after a client's channel is torn down, whether
	// by explicit Disconnect or by transport failure.
	OnDisconnect func(clientID string)

	// OnControl fires for each inbound control frame.
	OnControl func(clientID string, frame ControlFrame)

	// OnActivity fires on any sign of life from the client (pong, control
	// frame, poll). The resilience manager uses it to refresh
	// lastActivity and feed the quality tracker.
	OnActivity func(clientID string)
}

func (h Hooks) connect(clientID string) {
	if h.OnConnect != nil {
		h.OnConnect(clientID)
	}
}

func (h Hooks) disconnect(clientID string) {
	if h.OnDisconnect != nil {
		h.OnDisconnect(clientID)
	}
}

func (h Hooks) control(clientID string, frame ControlFrame) {
	if h.OnControl != nil {
		h.OnControl(clientID, frame)
	}
}

func (h Hooks) activity(clientID string) {
	if h.OnActivity != nil {
		h.OnActivity(clientID)
	}
}
