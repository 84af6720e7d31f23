package capbus

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// busMetrics caches the OpenTelemetry instruments for one bus. A nil
// *busMetrics is valid and records nothing, so call sites need no enabled
// checks.
type busMetrics struct {
	published       metric.Int64Counter
	publishFailed   metric.Int64Counter
	received        metric.Int64Counter
	executed        metric.Int64Counter
	executeFailed   metric.Int64Counter
	sendDuration    metric.Float64Histogram
	executeDuration metric.Float64Histogram
}

func newBusMetrics(name string) *busMetrics {
	meter := otel.Meter(name)
	m := &busMetrics{}
	m.published, _ = meter.Int64Counter("capbus.published",
		metric.WithDescription("Messages sent to the broker"))
	m.publishFailed, _ = meter.Int64Counter("capbus.publish.failed",
		metric.WithDescription("Messages whose broker send failed"))
	m.received, _ = meter.Int64Counter("capbus.received",
		metric.WithDescription("Messages persisted from the broker"))
	m.executed, _ = meter.Int64Counter("capbus.executed",
		metric.WithDescription("Messages executed by subscribers"))
	m.executeFailed, _ = meter.Int64Counter("capbus.execute.failed",
		metric.WithDescription("Subscriber executions that failed"))
	m.sendDuration, _ = meter.Float64Histogram("capbus.send.duration",
		metric.WithDescription("Broker send duration in seconds"),
		metric.WithUnit("s"))
	m.executeDuration, _ = meter.Float64Histogram("capbus.execute.duration",
		metric.WithDescription("Subscriber execution duration in seconds"),
		metric.WithUnit("s"))
	return m
}

func (m *busMetrics) recordPublished(ctx context.Context, topic string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("topic", topic))
	if err != nil {
		m.publishFailed.Add(ctx, 1, attrs)
	} else {
		m.published.Add(ctx, 1, attrs)
	}
	m.sendDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *busMetrics) recordReceived(ctx context.Context, topic, group string) {
	if m == nil {
		return
	}
	m.received.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("group", group)))
}

func (m *busMetrics) recordExecuted(ctx context.Context, topic, group string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("group", group))
	if err != nil {
		m.executeFailed.Add(ctx, 1, attrs)
	} else {
		m.executed.Add(ctx, 1, attrs)
	}
	m.executeDuration.Record(ctx, d.Seconds(), attrs)
}
