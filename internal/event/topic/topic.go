package topic

import "strings"

// Topic represents a hierarchical event type using dot notation.
// Examples: "agent.status.changed", "task.created", "metrics.cpu.sampled"
type Topic string

// Wildcard constants for pattern matching.
const (
	// Wildcard matches exactly one segment. As the final segment of a
	// pattern it matches one or more remaining segments instead, so
	// "agent.*" matches both "agent.created" and "agent.status.changed".
	Wildcard = "*"

	// Separator is the character used to separate topic segments.
	Separator = "."
)

// String returns the topic as a string.
func (t Topic) String() string {
	return string(t)
}

// Segments returns the topic split by the separator.
func (t Topic) Segments() []string {
	if t == "" {
		return nil
	}
	return strings.Split(string(t), Separator)
}

// Parent returns the parent topic by removing the last segment.
// Returns an empty topic if there is no parent.
//
// Example: "agent.status.changed" -> "agent.status"
func (t Topic) Parent() Topic {
	s := string(t)
	idx := strings.LastIndex(s, Separator)
	if idx < 0 {
		return ""
	}
	return Topic(s[:idx])
}

// Child returns a child topic by appending a segment.
//
// Example: "agent".Child("created") -> "agent.created"
func (t Topic) Child(segment string) Topic {
	if t == "" {
		return Topic(segment)
	}
	return Topic(string(t) + Separator + segment)
}

// Base returns the last segment of the topic.
//
// Example: "agent.status.changed" -> "changed"
func (t Topic) Base() string {
	s := string(t)
	idx := strings.LastIndex(s, Separator)
	if idx < 0 {
		return s
	}
	return s[idx+1:]
}

// Root returns the first segment of the topic. It is used as the batch
// category key for an event type.
//
// Example: "agent.status.changed" -> "agent"
func (t Topic) Root() string {
	s := string(t)
	idx := strings.Index(s, Separator)
	if idx < 0 {
		return s
	}
	return s[:idx]
}

// IsWildcard returns true if the topic contains any wildcard segments.
func (t Topic) IsWildcard() bool {
	for _, seg := range t.Segments() {
		if seg == Wildcard {
			return true
		}
	}
	return false
}

// IsValid returns true if the topic is valid.
// A valid topic:
//   - Is not empty
//   - Does not start or end with a separator
//   - Does not contain consecutive separators
//   - Does not contain empty segments
func (t Topic) IsValid() bool {
	s := string(t)
	if s == "" {
		return false
	}
	if strings.HasPrefix(s, Separator) || strings.HasSuffix(s, Separator) {
		return false
	}
	if strings.Contains(s, Separator+Separator) {
		return false
	}
	for _, seg := range t.Segments() {
		if seg == "" {
			return false
		}
	}
	return true
}

// Matches returns true if this topic matches the given pattern.
// The pattern may contain wildcards:
//   - "*" matches exactly one segment
//   - a trailing "*" matches one or more remaining segments
//
// Matching is pure: the result depends only on the two inputs.
func (t Topic) Matches(pattern Topic) bool {
	return matchSegments(t.Segments(), pattern.Segments())
}

// matchSegments walks topic and pattern segments pairwise.
func matchSegments(topic, pattern []string) bool {
	ti := 0

	for pi := 0; pi < len(pattern); pi++ {
		// Every pattern segment consumes at least one topic segment.
		if ti >= len(topic) {
			return false
		}

		if pattern[pi] == Wildcard {
			if pi == len(pattern)-1 {
				// Trailing wildcard: one or more remaining segments.
				return true
			}
			ti++
			continue
		}

		if pattern[pi] != topic[ti] {
			return false
		}
		ti++
	}

	// Pattern consumed - topic must also be consumed.
	return ti == len(topic)
}

// Join joins multiple segments into a topic.
func Join(segments ...string) Topic {
	return Topic(strings.Join(segments, Separator))
}

// Split splits a topic string into segments.
// This is a convenience function that doesn't require creating a Topic first.
func Split(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, Separator)
}
