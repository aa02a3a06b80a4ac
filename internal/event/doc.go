// Package event implements the publish/subscribe core of the event
// distribution layer.
//
// # Overview
//
// Producers publish immutable events identified by hierarchical
// dot-delimited types. Subscriptions match event types against patterns
// (see the topic subpackage) and receive matching events over a buffered
// channel, either drained by a handler goroutine or directly by the
// consumer.
//
// # Design
//
// The bus is an explicitly constructed object; there is no package-level
// instance. Publish assigns a monotonically increasing sequence number
// and fans out to every matching subscription without blocking: each
// subscription owns a buffered channel, and a full channel drops the
// event for that subscription only, counted in Stats. Per-subscription
// delivery order always follows sequence order; no ordering holds across
// subscriptions.
//
// Handler errors and panics are isolated: they are logged and counted but
// never reach other subscribers or the publisher. Buffering for slow
// remote consumers is not the bus's job; the resilience package owns
// per-client queues.
//
// # Usage
//
//	bus := event.NewBus(event.WithLogger(logger))
//	_ = bus.Start()
//	defer bus.Stop(ctx)
//
//	sub, _ := bus.Subscribe("agent.*", event.HandlerFunc(
//		func(ctx context.Context, evt event.Event) error {
//			// handle evt
//			return nil
//		}))
//	_ = bus.Publish(ctx, "agent.status.changed", payload)
//	_ = bus.Unsubscribe(sub.ID())
package event
