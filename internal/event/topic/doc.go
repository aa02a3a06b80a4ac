// Package topic provides hierarchical topic types and pattern matching for the event bus.
//
// # Topic Format
//
// Topics use dot-notation to create hierarchical namespaces:
//
//	agent.status.changed
//	task.created
//	metrics.cpu.sampled
//	logs.worker.appended
//
// # Wildcards
//
// A single wildcard segment is supported:
//
//   - "*" matches exactly one segment
//   - a trailing "*" matches one or more remaining segments
//
// Examples:
//
//	agent.*            matches agent.created and agent.status.changed (not agent)
//	*.created          matches agent.created, task.created
//	agent.*.changed    matches agent.status.changed, agent.health.changed
//
// A pattern with no wildcard must match the event type exactly.
//
// # Pattern Matching
//
// Topic.Matches is a pure function over a (pattern, topic) pair. The
// Matcher type indexes many patterns in a trie so the bus can resolve
// all patterns matching an event type in one walk.
//
// # Usage
//
//	m := topic.NewMatcher()
//	m.Add(topic.Topic("agent.*"))
//	m.Add(topic.Topic("agent.status.changed"))
//
//	matches := m.Match(topic.Topic("agent.status.changed"))
//	// matches contains both patterns
package topic
