package app

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/dshills/beacon/internal/event"
	"github.com/dshills/beacon/internal/event/topic"
	"github.com/dshills/beacon/internal/observability"
)

// keySep joins the client ID and the coalescing key inside a batcher key.
// Unit separator, so it never collides with topic or ID characters.
const keySep = "\x1f"

func clientKey(clientID, key string) string {
	return clientID + keySep + key
}

func splitClientKey(composite string) (clientID string, ok bool) {
	idx := strings.Index(composite, keySep)
	if idx < 0 {
		return "", false
	}
	return composite[:idx], true
}

// coalescingKey derives the key under which successive events replace
// each other within a window. Events about the same entity share a key:
// the type plus an identifier field when the payload carries one.
func coalescingKey(evt event.Event) string {
	key := evt.Type.String()
	payload, ok := evt.Payload.(map[string]any)
	if !ok {
		return key
	}
	for _, field := range []string{"id", "agentId", "taskId", "entityId"} {
		if id, ok := payload[field].(string); ok && id != "" {
			return key + keySep + id
		}
	}
	return key
}

// enqueueFunc receives each bus event matched for a client.
type enqueueFunc func(clientID string, evt event.Event)

// clientEntry tracks one remote client's bus subscriptions by pattern.
type clientEntry struct {
	subscriber *event.Subscriber
	patterns   map[topic.Topic]string // pattern -> subscription ID
}

// clientSet maps remote clients to bus subscriptions. Each subscribe
// control frame becomes one bus subscription whose handler feeds the
// batcher; dropping the client removes them all.
type clientSet struct {
	mu      sync.Mutex
	bus     event.Bus
	buffer  int
	enqueue enqueueFunc
	logger  *slog.Logger
	entries map[string]*clientEntry
}

func newClientSet(bus event.Bus, buffer int, enqueue enqueueFunc, logger *slog.Logger) *clientSet {
	return &clientSet{
		bus:     bus,
		buffer:  buffer,
		enqueue: enqueue,
		logger:  observability.ComponentLogger(logger, "clients"),
		entries: make(map[string]*clientEntry),
	}
}

// subscribe adds a pattern subscription for the client. Subscribing to a
// pattern the client already holds is a no-op.
func (cs *clientSet) subscribe(clientID string, pattern topic.Topic) error {
	if !pattern.IsValid() {
		return event.ErrInvalidPattern
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	entry, ok := cs.entries[clientID]
	if !ok {
		entry = &clientEntry{
			subscriber: event.NewSubscriber(cs.bus),
			patterns:   make(map[topic.Topic]string),
		}
		cs.entries[clientID] = entry
	}
	if _, exists := entry.patterns[pattern]; exists {
		return nil
	}

	id := clientID
	sub, err := entry.subscriber.SubscribeFunc(pattern,
		func(_ context.Context, evt event.Event) error {
			cs.enqueue(id, evt)
			return nil
		},
		event.WithBufferSize(cs.buffer),
	)
	if err != nil {
		return err
	}
	entry.patterns[pattern] = sub.ID()
	observability.LogDebug(cs.logger, "pattern subscribed",
		"client", clientID, "pattern", pattern.String())
	return nil
}

// unsubscribe removes one pattern subscription. Unknown patterns are
// ignored.
func (cs *clientSet) unsubscribe(clientID string, pattern topic.Topic) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entry, ok := cs.entries[clientID]
	if !ok {
		return
	}
	subID, ok := entry.patterns[pattern]
	if !ok {
		return
	}
	delete(entry.patterns, pattern)
	if err := entry.subscriber.Unsubscribe(subID); err != nil {
		observability.LogWarn(cs.logger, "unsubscribe failed",
			"client", clientID, "pattern", pattern.String(), "error", err)
	}
}

// drop removes every subscription the client holds.
func (cs *clientSet) drop(clientID string) {
	cs.mu.Lock()
	entry, ok := cs.entries[clientID]
	if ok {
		delete(cs.entries, clientID)
	}
	cs.mu.Unlock()
	if ok {
		_ = entry.subscriber.Close()
	}
}

// patternsFor reports the client's active patterns.
func (cs *clientSet) patternsFor(clientID string) []topic.Topic {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	entry, ok := cs.entries[clientID]
	if !ok {
		return nil
	}
	patterns := make([]topic.Topic, 0, len(entry.patterns))
	for p := range entry.patterns {
		patterns = append(patterns, p)
	}
	return patterns
}

// closeAll tears down every client's subscriptions.
func (cs *clientSet) closeAll() {
	cs.mu.Lock()
	entries := cs.entries
	cs.entries = make(map[string]*clientEntry)
	cs.mu.Unlock()
	for _, entry := range entries {
		_ = entry.subscriber.Close()
	}
}
