package memory

import (
	"context"
	"sync"

	"github.com/libris/circulation/pkg/store"
)

// CheckpointStore is an in-memory store.CheckpointStore.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]store.ProjectionCheckpoint
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)

// NewCheckpointStore creates an empty checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]store.ProjectionCheckpoint)}
}

// Save implements store.CheckpointStore.
func (c *CheckpointStore) Save(ctx context.Context, checkpoint *store.ProjectionCheckpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints[checkpoint.ProjectionName] = *checkpoint
	return nil
}

// Load implements store.CheckpointStore.
func (c *CheckpointStore) Load(ctx context.Context, projectionName string) (*store.ProjectionCheckpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	checkpoint, ok := c.checkpoints[projectionName]
	if !ok {
		return nil, nil
	}
	return &checkpoint, nil
}

// Delete implements store.CheckpointStore.
func (c *CheckpointStore) Delete(ctx context.Context, projectionName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checkpoints, projectionName)
	return nil
}
