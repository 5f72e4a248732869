package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/messaging"
)

// InstrumentedBus decorates an event bus with spans and metrics on both
// sides: publish batches going out, and each delivery handled by the durable
// queues subscribed through it.
type InstrumentedBus struct {
	next   messaging.EventBus
	tracer trace.Tracer
	engine *EngineMetrics
}

var _ messaging.EventBus = (*InstrumentedBus)(nil)

// InstrumentBus wraps next with the stack's tracer and instruments.
func InstrumentBus(next messaging.EventBus, tel *Telemetry) *InstrumentedBus {
	return &InstrumentedBus{
		next:   next,
		tracer: tel.Tracer(scopeName),
		engine: tel.Engine,
	}
}

// Publish implements messaging.EventBus.
func (b *InstrumentedBus) Publish(ctx context.Context, events []*domain.Event) error {
	ctx, span := b.tracer.Start(ctx, "bus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.Int("event_count", len(events))),
	)
	defer span.End()

	start := domain.Now()
	err := b.next.Publish(ctx, events)
	b.engine.RecordPublish(ctx, len(events), domain.Now().Sub(start), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Subscribe implements messaging.EventBus. The handler is wrapped so every
// delivery gets a consumer span, an outcome counter and a lag sample; the
// lag of a projection's queue is that projection's distance behind the log.
func (b *InstrumentedBus) Subscribe(ctx context.Context, config messaging.SubscriptionConfig, handler messaging.Handler) (messaging.Subscription, error) {
	queue := config.Queue

	wrapped := func(ctx context.Context, event *domain.Event) error {
		ctx, span := b.tracer.Start(ctx, "bus.consume",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("queue", queue),
				attribute.String("event_type", event.EventType),
				attribute.String("aggregate_id", event.AggregateID),
				attribute.Int64("global_version", event.GlobalVersion),
			),
		)
		defer span.End()

		err := handler(ctx, event)
		b.engine.RecordDelivery(ctx, queue, domain.Now().Sub(event.Metadata.Stored), err)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}

	return b.next.Subscribe(ctx, config, wrapped)
}

// Close implements messaging.EventBus.
func (b *InstrumentedBus) Close() error {
	return b.next.Close()
}
