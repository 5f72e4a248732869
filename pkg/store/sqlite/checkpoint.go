package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/libris/circulation/pkg/store"
)

// CheckpointStore persists projection checkpoints in the same database as
// the event log, so a projection write and its checkpoint can share a
// transaction.
type CheckpointStore struct {
	db *sql.DB
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)

// NewCheckpointStore creates a checkpoint store over an already-migrated
// database handle.
func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Save implements store.CheckpointStore.
func (c *CheckpointStore) Save(ctx context.Context, checkpoint *store.ProjectionCheckpoint) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO projection_checkpoints (projection_name, position, last_event_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (projection_name) DO UPDATE SET
			position = excluded.position,
			last_event_id = excluded.last_event_id,
			updated_at = excluded.updated_at`,
		checkpoint.ProjectionName, checkpoint.Position, checkpoint.LastEventID,
		checkpoint.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", checkpoint.ProjectionName, err)
	}
	return nil
}

// Load implements store.CheckpointStore.
func (c *CheckpointStore) Load(ctx context.Context, projectionName string) (*store.ProjectionCheckpoint, error) {
	var (
		checkpoint store.ProjectionCheckpoint
		updatedAt  int64
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT projection_name, position, last_event_id, updated_at
		FROM projection_checkpoints WHERE projection_name = ?`,
		projectionName,
	).Scan(&checkpoint.ProjectionName, &checkpoint.Position, &checkpoint.LastEventID, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", projectionName, err)
	}
	checkpoint.UpdatedAt = time.Unix(updatedAt, 0)
	return &checkpoint, nil
}

// Delete implements store.CheckpointStore.
func (c *CheckpointStore) Delete(ctx context.Context, projectionName string) error {
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM projection_checkpoints WHERE projection_name = ?`, projectionName,
	); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", projectionName, err)
	}
	return nil
}
