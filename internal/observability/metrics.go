package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records event distribution metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records an event accepted by the bus.
	RecordPublish(ctx context.Context, eventType string)

	// RecordDelivery records an event handed to a subscription.
	RecordDelivery(ctx context.Context, eventType string)

	// RecordDrop records an event dropped before delivery.
	RecordDrop(ctx context.Context, reason string)

	// RecordHandlerError records a subscriber handler failure.
	RecordHandlerError(ctx context.Context, eventType string)

	// RecordReconnect records a reconnection attempt outcome for a client.
	RecordReconnect(ctx context.Context, clientID string, success bool)

	// RecordQueueDepth records the pending queue depth for a client.
	RecordQueueDepth(ctx context.Context, clientID string, depth int)

	// RecordStateChange records a connection state transition.
	RecordStateChange(ctx context.Context, clientID, state string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	published     metric.Int64Counter
	delivered     metric.Int64Counter
	dropped       metric.Int64Counter
	handlerErrors metric.Int64Counter
	reconnects    metric.Int64Counter
	queueDepth    metric.Int64Histogram
	stateChanges  metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics lazily initializes the default OTel metrics instance.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("beacon")

	published, err := meter.Int64Counter("beacon.events.published",
		metric.WithDescription("Number of events accepted by the bus"),
	)
	if err != nil {
		return nil, err
	}

	delivered, err := meter.Int64Counter("beacon.events.delivered",
		metric.WithDescription("Number of events handed to subscriptions"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter("beacon.events.dropped",
		metric.WithDescription("Number of events dropped before delivery"),
	)
	if err != nil {
		return nil, err
	}

	handlerErrors, err := meter.Int64Counter("beacon.handler.errors",
		metric.WithDescription("Number of subscriber handler failures"),
	)
	if err != nil {
		return nil, err
	}

	reconnects, err := meter.Int64Counter("beacon.client.reconnects",
		metric.WithDescription("Number of client reconnection attempts"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Histogram("beacon.client.queue_depth",
		metric.WithDescription("Pending queue depth per client"),
	)
	if err != nil {
		return nil, err
	}

	stateChanges, err := meter.Int64Counter("beacon.client.state_changes",
		metric.WithDescription("Number of connection state transitions"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		published:     published,
		delivered:     delivered,
		dropped:       dropped,
		handlerErrors: handlerErrors,
		reconnects:    reconnects,
		queueDepth:    queueDepth,
		stateChanges:  stateChanges,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordPublish(ctx context.Context, eventType string) {
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
}

func (m *otelMetrics) RecordDelivery(ctx context.Context, eventType string) {
	m.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
}

func (m *otelMetrics) RecordDrop(ctx context.Context, reason string) {
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *otelMetrics) RecordHandlerError(ctx context.Context, eventType string) {
	m.handlerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
}

func (m *otelMetrics) RecordReconnect(ctx context.Context, clientID string, success bool) {
	m.reconnects.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client.id", clientID),
		attribute.Bool("success", success),
	))
}

func (m *otelMetrics) RecordQueueDepth(ctx context.Context, clientID string, depth int) {
	m.queueDepth.Record(ctx, int64(depth), metric.WithAttributes(attribute.String("client.id", clientID)))
}

func (m *otelMetrics) RecordStateChange(ctx context.Context, clientID, state string) {
	m.stateChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client.id", clientID),
		attribute.String("state", state),
	))
}

// NoopMetrics is a MetricsRecorder that discards all measurements.
type NoopMetrics struct{}

func (NoopMetrics) RecordPublish(context.Context, string)           {}
func (NoopMetrics) RecordDelivery(context.Context, string)          {}
func (NoopMetrics) RecordDrop(context.Context, string)              {}
func (NoopMetrics) RecordHandlerError(context.Context, string)      {}
func (NoopMetrics) RecordReconnect(context.Context, string, bool)   {}
func (NoopMetrics) RecordQueueDepth(context.Context, string, int)   {}
func (NoopMetrics) RecordStateChange(context.Context, string, string) {}
