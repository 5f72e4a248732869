package store

import (
	"context"
	"fmt"

	"github.com/libris/circulation/pkg/domain"
)

// Repository provides persistence operations for one aggregate type.
type Repository[T domain.Aggregate] interface {
	// Load rehydrates an aggregate from its event stream.
	// Returns domain.ErrAggregateNotFound when the stream is empty.
	Load(ctx context.Context, id string) (T, error)

	// Save appends an aggregate's uncommitted events to the event store and
	// clears them on success.
	Save(ctx context.Context, aggregate T) error

	// Exists reports whether an aggregate has any events.
	Exists(ctx context.Context, id string) (bool, error)
}

// BaseRepository implements Repository on top of an EventStore.
type BaseRepository[T domain.Aggregate] struct {
	eventStore EventStore
	factory    func(id string) T
}

// NewRepository creates a repository for one aggregate type.
// factory creates an empty aggregate ready to fold its history.
func NewRepository[T domain.Aggregate](eventStore EventStore, factory func(id string) T) *BaseRepository[T] {
	return &BaseRepository[T]{
		eventStore: eventStore,
		factory:    factory,
	}
}

// Load rehydrates an aggregate by folding its committed events in order.
func (r *BaseRepository[T]) Load(ctx context.Context, id string) (T, error) {
	var zero T

	events, err := r.eventStore.LoadEvents(ctx, id, 0)
	if err != nil {
		return zero, fmt.Errorf("load events for %s: %w", id, err)
	}
	if len(events) == 0 {
		return zero, domain.ErrAggregateNotFound
	}

	aggregate := r.factory(id)
	for _, event := range events {
		if err := aggregate.Apply(event); err != nil {
			return zero, fmt.Errorf("apply event %s v%d: %w", event.EventType, event.Version, err)
		}
	}

	if root, ok := any(aggregate).(interface{ LoadFromHistory([]*domain.Event) }); ok {
		root.LoadFromHistory(events)
	}

	return aggregate, nil
}

// Save appends the aggregate's uncommitted events at the version the
// aggregate was loaded at. A concurrent writer surfaces as
// domain.ErrConcurrencyConflict.
func (r *BaseRepository[T]) Save(ctx context.Context, aggregate T) error {
	uncommitted := aggregate.UncommittedEvents()
	if len(uncommitted) == 0 {
		return nil
	}

	expectedVersion := aggregate.Version() - int64(len(uncommitted))

	if err := r.eventStore.AppendEvents(ctx, aggregate.ID(), expectedVersion, uncommitted); err != nil {
		return fmt.Errorf("append events for %s: %w", aggregate.ID(), err)
	}

	aggregate.ClearUncommittedEvents()
	return nil
}

// Exists reports whether the aggregate has a non-empty stream.
func (r *BaseRepository[T]) Exists(ctx context.Context, id string) (bool, error) {
	version, err := r.eventStore.GetAggregateVersion(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get version for %s: %w", id, err)
	}
	return version > 0, nil
}
