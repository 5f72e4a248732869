// Package memory provides an in-memory event store with the same semantics
// as the SQLite backend. Intended for unit tests and prototyping.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/store"
)

type constraintKey struct {
	indexName string
	value     string
}

// EventStore is a mutex-guarded in-memory store.EventStore.
type EventStore struct {
	mu          sync.RWMutex
	streams     map[string][]*domain.Event
	log         []*domain.Event
	constraints map[constraintKey]string
	lastStored  int64
	closed      bool
}

var _ store.EventStore = (*EventStore)(nil)

// New creates an empty in-memory event store.
func New() *EventStore {
	return &EventStore{
		streams:     make(map[string][]*domain.Event),
		constraints: make(map[constraintKey]string),
	}
}

// AppendEvents implements store.EventStore.
func (s *EventStore) AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrEventStoreClosed
	}

	stream := s.streams[aggregateID]
	current := int64(len(stream))
	if current != expectedVersion {
		return fmt.Errorf("aggregate %s at version %d, expected %d: %w",
			aggregateID, current, expectedVersion, domain.ErrConcurrencyConflict)
	}

	// Validate constraints before mutating anything.
	type claimOp struct{ key constraintKey }
	type releaseOp struct{ key constraintKey }
	var claims []claimOp
	var releases []releaseOp
	for _, event := range events {
		for _, constraint := range event.UniqueConstraints {
			key := constraintKey{constraint.IndexName, constraint.Value}
			switch constraint.Operation {
			case domain.ConstraintClaim:
				if owner, taken := s.constraints[key]; taken && owner != aggregateID {
					return &domain.UniqueConstraintError{
						IndexName: constraint.IndexName,
						Value:     constraint.Value,
						OwnerID:   owner,
					}
				}
				claims = append(claims, claimOp{key})
			case domain.ConstraintRelease:
				releases = append(releases, releaseOp{key})
			default:
				return fmt.Errorf("unknown constraint operation %q", constraint.Operation)
			}
		}
	}

	storedNanos := domain.Now().UnixNano()
	if storedNanos < s.lastStored {
		storedNanos = s.lastStored
	}
	s.lastStored = storedNanos
	stored := time.Unix(0, storedNanos)

	for i, event := range events {
		copied := *event
		copied.Version = expectedVersion + int64(i) + 1
		copied.GlobalVersion = int64(len(s.log)) + 1
		copied.Metadata.Stored = stored
		if copied.Metadata.CorrelationID == "" {
			copied.Metadata.CorrelationID = domain.NewID()
		}

		s.streams[aggregateID] = append(s.streams[aggregateID], &copied)
		s.log = append(s.log, &copied)

		// Reflect assignments back like the SQLite backend does.
		event.Version = copied.Version
		event.GlobalVersion = copied.GlobalVersion
		event.Metadata.Stored = copied.Metadata.Stored
		event.Metadata.CorrelationID = copied.Metadata.CorrelationID
	}

	for _, op := range claims {
		s.constraints[op.key] = aggregateID
	}
	for _, op := range releases {
		if s.constraints[op.key] == aggregateID {
			delete(s.constraints, op.key)
		}
	}

	return nil
}

// LoadEvents implements store.EventStore.
func (s *EventStore) LoadEvents(ctx context.Context, aggregateID string, afterVersion int64) ([]*domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, domain.ErrEventStoreClosed
	}

	var events []*domain.Event
	for _, event := range s.streams[aggregateID] {
		if event.Version > afterVersion {
			events = append(events, event)
		}
	}
	return events, nil
}

// LoadAllEvents implements store.EventStore.
func (s *EventStore) LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, domain.ErrEventStoreClosed
	}

	var events []*domain.Event
	for _, event := range s.log {
		if event.GlobalVersion > fromPosition {
			events = append(events, event)
			if len(events) == limit {
				break
			}
		}
	}
	return events, nil
}

// GetAggregateVersion implements store.EventStore.
func (s *EventStore) GetAggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.streams[aggregateID])), nil
}

// FindLatestByPayloadField implements store.EventStore by scanning the log
// backwards and inspecting decoded payload documents.
func (s *EventStore) FindLatestByPayloadField(ctx context.Context, eventType, fieldPath, value string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.log) - 1; i >= 0; i-- {
		event := s.log[i]
		if event.EventType != eventType {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(event.Data, &doc); err != nil {
			continue
		}
		if field, ok := doc[fieldPath].(string); ok && field == value {
			// A later "<AggregateType>Deleted" tombstone hides the match.
			for j := i + 1; j < len(s.log); j++ {
				later := s.log[j]
				if later.AggregateID == event.AggregateID &&
					later.EventType == event.AggregateType+"Deleted" {
					return "", nil
				}
			}
			return event.AggregateID, nil
		}
	}
	return "", nil
}

// GetConstraintOwner implements store.EventStore.
func (s *EventStore) GetConstraintOwner(ctx context.Context, indexName, value string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.constraints[constraintKey{indexName, value}], nil
}

// Close implements store.EventStore.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
