package event

import (
	"sync"

	"github.com/dshills/beacon/internal/event/topic"
)

// Registry manages subscriptions organized by topic pattern.
// It is thread-safe for concurrent access.
type Registry struct {
	mu      sync.RWMutex
	subs    map[topic.Topic][]*subscription
	byID    map[string]*subscription
	matcher *topic.Matcher
}

// NewRegistry creates a new subscription registry.
func NewRegistry() *Registry {
	return &Registry{
		subs:    make(map[topic.Topic][]*subscription),
		byID:    make(map[string]*subscription),
		matcher: topic.NewMatcher(),
	}
}

// Add adds a subscription for a topic pattern.
func (r *Registry) Add(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pattern := sub.Pattern()

	r.subs[pattern] = append(r.subs[pattern], sub)
	r.byID[sub.ID()] = sub
	r.matcher.Add(pattern)
}

// Remove removes a subscription by ID.
func (r *Registry) Remove(subID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, exists := r.byID[subID]
	if !exists {
		return false
	}

	r.removeLocked(subID, sub)
	return true
}

// removeLocked removes a subscription from both maps and cleans up the
// matcher entry when the pattern has no remaining subscriptions.
func (r *Registry) removeLocked(subID string, sub *subscription) {
	pattern := sub.Pattern()

	subs := r.subs[pattern]
	for i, s := range subs {
		if s.ID() == subID {
			r.subs[pattern] = append(subs[:i], subs[i+1:]...)
			break
		}
	}

	if len(r.subs[pattern]) == 0 {
		delete(r.subs, pattern)
		r.matcher.Remove(pattern)
	}

	delete(r.byID, subID)
}

// Get returns a subscription by ID.
func (r *Registry) Get(subID string) (*subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, exists := r.byID[subID]
	return sub, exists
}

// Match returns all subscriptions whose pattern matches the given event
// topic. Returns a copy to prevent modification during iteration.
func (r *Registry) Match(eventTopic topic.Topic) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	patterns := r.matcher.Match(eventTopic)
	if len(patterns) == 0 {
		return nil
	}

	var all []*subscription
	for _, pattern := range patterns {
		all = append(all, r.subs[pattern]...)
	}
	return all
}

// MatchActive returns all active subscriptions that match the given event
// topic. This filters out paused and cancelled subscriptions.
func (r *Registry) MatchActive(eventTopic topic.Topic) []*subscription {
	all := r.Match(eventTopic)
	if len(all) == 0 {
		return nil
	}

	result := make([]*subscription, 0, len(all))
	for _, sub := range all {
		if sub.IsActive() {
			result = append(result, sub)
		}
	}
	return result
}

// Count returns the total number of subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byID)
}

// CountActive returns the number of active subscriptions.
func (r *Registry) CountActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, sub := range r.byID {
		if sub.IsActive() {
			count++
		}
	}
	return count
}

// All returns all subscriptions.
// Returns a copy to prevent modification during iteration.
func (r *Registry) All() []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.byID) == 0 {
		return nil
	}

	result := make([]*subscription, 0, len(r.byID))
	for _, sub := range r.byID {
		result = append(result, sub)
	}
	return result
}

// Patterns returns all topic patterns with subscriptions.
func (r *Registry) Patterns() []topic.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.subs) == 0 {
		return nil
	}

	patterns := make([]topic.Topic, 0, len(r.subs))
	for p := range r.subs {
		patterns = append(patterns, p)
	}
	return patterns
}

// RemoveCancelled removes all cancelled subscriptions from the registry.
// Returns the number of subscriptions removed.
func (r *Registry) RemoveCancelled() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, sub := range r.byID {
		if sub.IsCancelled() {
			r.removeLocked(id, sub)
			removed++
		}
	}
	return removed
}

// Clear removes all subscriptions.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs = make(map[topic.Topic][]*subscription)
	r.byID = make(map[string]*subscription)
	r.matcher.Clear()
}
