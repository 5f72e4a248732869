// Package store defines event persistence contracts and the generic
// aggregate repository built on them.
package store

import (
	"context"
	"time"

	"github.com/libris/circulation/pkg/domain"
)

// EventStore is the append-only event log shared by all services.
type EventStore interface {
	// AppendEvents appends events to an aggregate's stream atomically.
	//
	// expectedVersion is the caller's view of the stream: 0 for a new
	// aggregate, otherwise the version of the last event it has seen. Each
	// appended event receives Version = expectedVersion+i+1, a log-wide
	// GlobalVersion and a Stored timestamp that never decreases with
	// GlobalVersion. Unique constraint claims and releases on the events are
	// validated in the same transaction.
	//
	// Returns domain.ErrConcurrencyConflict when expectedVersion doesn't
	// match the stream, domain.ErrDuplicateEvent when an (aggregate, version)
	// pair raced past the version check, and a *domain.UniqueConstraintError
	// when a claim is already held by another aggregate.
	AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*domain.Event) error

	// LoadEvents loads an aggregate's events with Version > afterVersion in
	// ascending version order. An empty result means the aggregate does not
	// exist (or afterVersion is already the head).
	LoadEvents(ctx context.Context, aggregateID string, afterVersion int64) ([]*domain.Event, error)

	// LoadAllEvents loads events across all aggregates with
	// GlobalVersion > fromPosition in global order, up to limit. Used for
	// projection rebuilds.
	LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*domain.Event, error)

	// GetAggregateVersion returns the current version of an aggregate,
	// 0 when the aggregate doesn't exist.
	GetAggregateVersion(ctx context.Context, aggregateID string) (int64, error)

	// FindLatestByPayloadField returns the aggregate ID of the most recent
	// event of eventType whose payload field at fieldPath equals value.
	// fieldPath addresses a top-level payload field (e.g. "user_id").
	// Returns "" when no event matches, or when the matching aggregate was
	// later tombstoned by a "<AggregateType>Deleted" event.
	FindLatestByPayloadField(ctx context.Context, eventType, fieldPath, value string) (string, error)

	// GetConstraintOwner returns the aggregate ID holding a unique value,
	// "" when the value is unclaimed.
	GetConstraintOwner(ctx context.Context, indexName, value string) (string, error)

	// Close releases resources held by the store.
	Close() error
}

// ProjectionCheckpoint tracks how far a projection has processed the log.
type ProjectionCheckpoint struct {
	ProjectionName string
	Position       int64
	LastEventID    string
	UpdatedAt      time.Time
}

// CheckpointStore persists projection checkpoints.
type CheckpointStore interface {
	// Save saves a checkpoint.
	Save(ctx context.Context, checkpoint *ProjectionCheckpoint) error

	// Load loads a checkpoint for a projection. Returns nil when the
	// projection has no checkpoint yet.
	Load(ctx context.Context, projectionName string) (*ProjectionCheckpoint, error)

	// Delete deletes a checkpoint (for rebuilding).
	Delete(ctx context.Context, projectionName string) error
}
