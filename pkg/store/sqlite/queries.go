package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/libris/circulation/pkg/domain"
)

const selectEventColumns = `
	SELECT id, aggregate_id, aggregate_type, event_type,
	       version, global_version, schema_version, timestamp, stored,
	       causation_id, correlation_id, custom, payload
	FROM events`

// LoadEvents implements store.EventStore.
func (s *EventStore) LoadEvents(ctx context.Context, aggregateID string, afterVersion int64) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		selectEventColumns+` WHERE aggregate_id = ? AND version > ? ORDER BY version ASC`,
		aggregateID, afterVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", aggregateID, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LoadAllEvents implements store.EventStore.
func (s *EventStore) LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		selectEventColumns+` WHERE global_version > ? ORDER BY global_version ASC LIMIT ?`,
		fromPosition, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load all events from %d: %w", fromPosition, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetAggregateVersion implements store.EventStore.
func (s *EventStore) GetAggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("get version for %s: %w", aggregateID, err)
	}
	return version, nil
}

var fieldPathPattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)

// FindLatestByPayloadField implements store.EventStore using json_extract on
// the payload column. The EXISTS clause hides aggregates whose matching event
// was followed by a "<AggregateType>Deleted" tombstone.
func (s *EventStore) FindLatestByPayloadField(ctx context.Context, eventType, fieldPath, value string) (string, error) {
	if !fieldPathPattern.MatchString(fieldPath) {
		return "", fmt.Errorf("invalid payload field path %q", fieldPath)
	}

	var (
		aggregateID string
		deleted     bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT e.aggregate_id,
		       EXISTS(
		           SELECT 1 FROM events d
		           WHERE d.aggregate_id = e.aggregate_id
		             AND d.event_type = e.aggregate_type || 'Deleted'
		             AND d.global_version > e.global_version
		       )
		FROM events e
		WHERE e.event_type = ? AND json_extract(e.payload, ?) = ?
		ORDER BY e.global_version DESC
		LIMIT 1`,
		eventType, "$."+fieldPath, value,
	).Scan(&aggregateID, &deleted)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find %s by %s: %w", eventType, fieldPath, err)
	}
	if deleted {
		return "", nil
	}
	return aggregateID, nil
}

// GetConstraintOwner implements store.EventStore.
func (s *EventStore) GetConstraintOwner(ctx context.Context, indexName, value string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT aggregate_id FROM unique_constraints WHERE index_name = ? AND value = ?`,
		indexName, value,
	).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get constraint owner %s: %w", indexName, err)
	}
	return owner, nil
}

func scanEvents(rows *sql.Rows) ([]*domain.Event, error) {
	var events []*domain.Event
	for rows.Next() {
		var (
			event           domain.Event
			timestampNanos  int64
			storedNanos     int64
			customJSON      string
			payload         string
		)
		if err := rows.Scan(
			&event.ID, &event.AggregateID, &event.AggregateType, &event.EventType,
			&event.Version, &event.GlobalVersion, &event.SchemaVersion,
			&timestampNanos, &storedNanos,
			&event.Metadata.CausationID, &event.Metadata.CorrelationID,
			&customJSON, &payload,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		event.Timestamp = time.Unix(0, timestampNanos)
		event.Metadata.Stored = time.Unix(0, storedNanos)
		event.Data = []byte(payload)

		if customJSON != "" && customJSON != "{}" && customJSON != "null" {
			if err := json.Unmarshal([]byte(customJSON), &event.Metadata.Custom); err != nil {
				return nil, fmt.Errorf("unmarshal custom metadata: %w", err)
			}
		}

		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
