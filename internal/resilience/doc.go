// Package resilience keeps event delivery working across unreliable
// client connections.
//
// Each remote client gets a connection record holding a state machine
// (connecting, connected, degraded, reconnecting, fallback_polling,
// disconnected), a bounded pending queue, a reconnection backoff
// schedule, a circuit breaker, and a rolling quality score. The Manager
// owns all of that state exclusively and mediates every delivery: live
// clients get direct push sends, clients in outage accumulate a bounded
// backlog that is flushed in order on reconnect, and clients that exhaust
// their reconnection budget are served by polling until an upgrade probe
// brings push back.
//
// Failure is the normal case here. A send failure never propagates to the
// publisher and is never retried inline; it demotes the connection and
// lets the backoff schedule drive recovery. Queue overflow is not an
// error either, just a counted condition the client observes as a
// droppedCount on its next delivery.
package resilience
