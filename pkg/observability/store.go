package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/store"
)

// InstrumentedStore decorates an event store with spans around appends and
// latency metrics on appends and loads. Reads used only for bookkeeping
// (versions, constraint owners) pass through untouched.
type InstrumentedStore struct {
	next   store.EventStore
	tracer trace.Tracer
	engine *EngineMetrics
}

var _ store.EventStore = (*InstrumentedStore)(nil)

// InstrumentStore wraps next with the stack's tracer and instruments.
func InstrumentStore(next store.EventStore, tel *Telemetry) *InstrumentedStore {
	return &InstrumentedStore{
		next:   next,
		tracer: tel.Tracer(scopeName),
		engine: tel.Engine,
	}
}

// AppendEvents implements store.EventStore.
func (s *InstrumentedStore) AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*domain.Event) error {
	aggregateType := ""
	if len(events) > 0 {
		aggregateType = events[0].AggregateType
	}

	ctx, span := s.tracer.Start(ctx, "store.append",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("aggregate_id", aggregateID),
			attribute.String("aggregate_type", aggregateType),
			attribute.Int64("expected_version", expectedVersion),
			attribute.Int("event_count", len(events)),
		),
	)
	defer span.End()

	start := time.Now()
	err := s.next.AppendEvents(ctx, aggregateID, expectedVersion, events)
	s.engine.RecordAppend(ctx, aggregateType, len(events), time.Since(start), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// LoadEvents implements store.EventStore.
func (s *InstrumentedStore) LoadEvents(ctx context.Context, aggregateID string, afterVersion int64) ([]*domain.Event, error) {
	start := time.Now()
	events, err := s.next.LoadEvents(ctx, aggregateID, afterVersion)
	s.engine.RecordLoad(ctx, "stream", time.Since(start), err)
	return events, err
}

// LoadAllEvents implements store.EventStore.
func (s *InstrumentedStore) LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*domain.Event, error) {
	start := time.Now()
	events, err := s.next.LoadAllEvents(ctx, fromPosition, limit)
	s.engine.RecordLoad(ctx, "log", time.Since(start), err)
	return events, err
}

// GetAggregateVersion implements store.EventStore.
func (s *InstrumentedStore) GetAggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	return s.next.GetAggregateVersion(ctx, aggregateID)
}

// FindLatestByPayloadField implements store.EventStore.
func (s *InstrumentedStore) FindLatestByPayloadField(ctx context.Context, eventType, fieldPath, value string) (string, error) {
	return s.next.FindLatestByPayloadField(ctx, eventType, fieldPath, value)
}

// GetConstraintOwner implements store.EventStore.
func (s *InstrumentedStore) GetConstraintOwner(ctx context.Context, indexName, value string) (string, error) {
	return s.next.GetConstraintOwner(ctx, indexName, value)
}

// Close implements store.EventStore.
func (s *InstrumentedStore) Close() error {
	return s.next.Close()
}
