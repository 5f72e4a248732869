package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/store"
	"github.com/libris/circulation/pkg/store/sqlite"
	"github.com/libris/circulation/pkg/store/storetest"
)

func newMemoryStore(t *testing.T) *sqlite.EventStore {
	t.Helper()
	s, err := sqlite.New(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	return s
}

func TestEventStoreConformanceMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.EventStore {
		return newMemoryStore(t)
	})
}

func TestEventStoreConformanceFile(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.EventStore {
		s, err := sqlite.New(sqlite.WithDSN(filepath.Join(t.TempDir(), "events.db")))
		require.NoError(t, err)
		return s
	})
}

func TestEventsSurviveReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	s, err := sqlite.New(sqlite.WithDSN(dsn))
	require.NoError(t, err)

	event := storetest.NewTestEvent("agg-1", "ThingCreated", `{"name":"durable"}`)
	require.NoError(t, s.AppendEvents(ctx, "agg-1", 0, []*domain.Event{event}))
	require.NoError(t, s.Close())

	reopened, err := sqlite.New(sqlite.WithDSN(dsn))
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.LoadEvents(ctx, "agg-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ThingCreated", events[0].EventType)
	assert.Equal(t, int64(1), events[0].GlobalVersion)
}

func TestCheckpointStore(t *testing.T) {
	s := newMemoryStore(t)
	defer s.Close()
	ctx := context.Background()

	checkpoints := sqlite.NewCheckpointStore(s.DB())

	loaded, err := checkpoints.Load(ctx, "books_view")
	require.NoError(t, err)
	assert.Nil(t, loaded, "missing checkpoint loads as nil")

	checkpoint := &store.ProjectionCheckpoint{
		ProjectionName: "books_view",
		Position:       42,
		LastEventID:    "ev-42",
		UpdatedAt:      time.Now(),
	}
	require.NoError(t, checkpoints.Save(ctx, checkpoint))

	checkpoint.Position = 43
	require.NoError(t, checkpoints.Save(ctx, checkpoint))

	loaded, err = checkpoints.Load(ctx, "books_view")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(43), loaded.Position)
	assert.Equal(t, "ev-42", loaded.LastEventID)

	require.NoError(t, checkpoints.Delete(ctx, "books_view"))
	loaded, err = checkpoints.Load(ctx, "books_view")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestFindLatestRejectsHostileFieldPath(t *testing.T) {
	s := newMemoryStore(t)
	defer s.Close()
	ctx := context.Background()

	storetest.RequireAppend(t, s, "w-1", 0,
		storetest.NewTestEvent("w-1", "WalletCreated", `{"user_id":"u-1","balance":"100"}`))

	id, err := s.FindLatestByPayloadField(ctx, "WalletCreated", "user_id", "u-1")
	require.NoError(t, err)
	assert.Equal(t, "w-1", id)

	_, err = s.FindLatestByPayloadField(ctx, "WalletCreated", "user_id') --", "u-1")
	require.Error(t, err)
}

func TestMigratorVersionAndRollback(t *testing.T) {
	s, err := sqlite.New(sqlite.WithDSN(filepath.Join(t.TempDir(), "events.db")))
	require.NoError(t, err)
	defer s.Close()

	var version int
	err = s.DB().QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 3, version, "all embedded migrations applied")
}
