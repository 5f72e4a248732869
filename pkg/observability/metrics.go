package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/libris/circulation/pkg/domain"
)

// EngineMetrics carries the instruments for the event-sourcing engine:
// appends and loads on the event store, publishes and deliveries on the bus.
// Command-level instruments live in the command pipeline instead.
type EngineMetrics struct {
	eventsAppended  metric.Int64Counter
	appendDuration  metric.Float64Histogram
	appendConflicts metric.Int64Counter
	loadDuration    metric.Float64Histogram

	eventsPublished metric.Int64Counter
	publishDuration metric.Float64Histogram
	deliveries      metric.Int64Counter
	consumeLag      metric.Float64Histogram
}

// NewEngineMetrics creates the engine instruments on the given meter.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	m := &EngineMetrics{}
	var err error

	m.eventsAppended, err = meter.Int64Counter(
		"circulation.store.events_appended",
		metric.WithDescription("Events committed to the event store"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events_appended: %w", err)
	}

	m.appendDuration, err = meter.Float64Histogram(
		"circulation.store.append.duration",
		metric.WithDescription("Event store append duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create append.duration: %w", err)
	}

	m.appendConflicts, err = meter.Int64Counter(
		"circulation.store.append.conflicts",
		metric.WithDescription("Appends rejected on optimistic concurrency"),
	)
	if err != nil {
		return nil, fmt.Errorf("create append.conflicts: %w", err)
	}

	m.loadDuration, err = meter.Float64Histogram(
		"circulation.store.load.duration",
		metric.WithDescription("Event store load duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create load.duration: %w", err)
	}

	m.eventsPublished, err = meter.Int64Counter(
		"circulation.bus.events_published",
		metric.WithDescription("Events published to the bus"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events_published: %w", err)
	}

	m.publishDuration, err = meter.Float64Histogram(
		"circulation.bus.publish.duration",
		metric.WithDescription("Bus publish duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create publish.duration: %w", err)
	}

	m.deliveries, err = meter.Int64Counter(
		"circulation.bus.deliveries",
		metric.WithDescription("Bus deliveries handled, by queue and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create deliveries: %w", err)
	}

	m.consumeLag, err = meter.Float64Histogram(
		"circulation.bus.consume.lag",
		metric.WithDescription("Age of each delivered event, from its commit to its delivery"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create consume.lag: %w", err)
	}

	return m, nil
}

// RecordAppend records one append attempt against an aggregate's stream.
// Conflicts are counted separately from other failures since the retry
// middleware absorbs them.
func (m *EngineMetrics) RecordAppend(ctx context.Context, aggregateType string, events int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("aggregate_type", aggregateType),
		attribute.String("outcome", outcome(err)),
	)
	m.appendDuration.Record(ctx, elapsed.Seconds(), attrs)

	switch {
	case err == nil:
		m.eventsAppended.Add(ctx, int64(events),
			metric.WithAttributes(attribute.String("aggregate_type", aggregateType)))
	case errors.Is(err, domain.ErrConcurrencyConflict):
		m.appendConflicts.Add(ctx, 1,
			metric.WithAttributes(attribute.String("aggregate_type", aggregateType)))
	}
}

// RecordLoad records one load from the event store. source is "stream" for a
// single aggregate and "log" for a global-order page.
func (m *EngineMetrics) RecordLoad(ctx context.Context, source string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.loadDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome(err)),
	))
}

// RecordPublish records one publish batch.
func (m *EngineMetrics) RecordPublish(ctx context.Context, events int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.publishDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("outcome", outcome(err)),
	))
	if err == nil {
		m.eventsPublished.Add(ctx, int64(events))
	}
}

// RecordDelivery records one handled delivery on a durable queue. lag is how
// far the event's commit lies in the past, which for a projection queue is
// exactly how far that projection trails the log.
func (m *EngineMetrics) RecordDelivery(ctx context.Context, queue string, lag time.Duration, err error) {
	if m == nil {
		return
	}
	queueAttr := attribute.String("queue", queue)
	m.deliveries.Add(ctx, 1, metric.WithAttributes(
		queueAttr,
		attribute.String("outcome", outcome(err)),
	))
	if lag >= 0 {
		m.consumeLag.Record(ctx, lag.Seconds(), metric.WithAttributes(queueAttr))
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
