package wallets_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libris/circulation/internal/events"
	"github.com/libris/circulation/internal/wallets"
	"github.com/libris/circulation/pkg/messaging"
	"github.com/libris/circulation/pkg/projection"
	"github.com/libris/circulation/pkg/store/sqlite"
)

func TestWalletsViewFollowsBalance(t *testing.T) {
	eventStore, err := sqlite.New(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { eventStore.Close() })

	db := eventStore.DB()
	require.NoError(t, wallets.Migrate(db))

	bus := messaging.NewRecordingBus()
	ctx := context.Background()

	worker := projection.NewWorker(wallets.NewProjection(), db, eventStore, bus,
		projection.WorkerConfig{AggregateType: events.AggregateWallet}, nil)
	require.NoError(t, worker.Start(ctx))
	t.Cleanup(func() { worker.Stop(ctx) })

	handlers := wallets.NewHandlers(eventStore, bus, nil)

	created, err := handlers.Create(ctx, "user-1", decimal.NewFromInt(100))
	require.NoError(t, err)

	var (
		userID, balance string
		version         int64
		deletedAt       sql.NullInt64
	)
	read := func() {
		t.Helper()
		require.NoError(t, db.QueryRow(
			`SELECT user_id, balance, version, deleted_at FROM wallets_view WHERE id = ?`,
			created.AggregateID).Scan(&userID, &balance, &version, &deletedAt))
	}

	read()
	assert.Equal(t, "user-1", userID)
	assert.Equal(t, "100", balance)
	assert.Equal(t, int64(1), version)
	assert.False(t, deletedAt.Valid)

	_, err = handlers.Credit(ctx, created.AggregateID, decimal.RequireFromString("2.5"))
	require.NoError(t, err)

	read()
	assert.Equal(t, "102.5", balance)
	assert.Equal(t, int64(2), version)

	_, err = handlers.Delete(ctx, created.AggregateID)
	require.NoError(t, err)

	read()
	assert.True(t, deletedAt.Valid, "delete keeps the document, flagged")
	assert.Equal(t, int64(3), version)
}

func TestWalletsViewIgnoresStaleReplay(t *testing.T) {
	eventStore, err := sqlite.New(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { eventStore.Close() })

	db := eventStore.DB()
	require.NoError(t, wallets.Migrate(db))

	bus := messaging.NewRecordingBus()
	ctx := context.Background()

	worker := projection.NewWorker(wallets.NewProjection(), db, eventStore, bus,
		projection.WorkerConfig{AggregateType: events.AggregateWallet}, nil)
	require.NoError(t, worker.Start(ctx))
	t.Cleanup(func() { worker.Stop(ctx) })

	handlers := wallets.NewHandlers(eventStore, bus, nil)
	created, err := handlers.Create(ctx, "user-1", decimal.NewFromInt(10))
	require.NoError(t, err)
	_, err = handlers.Credit(ctx, created.AggregateID, decimal.NewFromInt(5))
	require.NoError(t, err)

	// Redeliver the whole stream out of order; the version gate keeps the
	// newest write.
	stream, err := eventStore.LoadEvents(ctx, created.AggregateID, 0)
	require.NoError(t, err)
	for i := len(stream) - 1; i >= 0; i-- {
		require.NoError(t, bus.Publish(ctx, stream[i:i+1]))
	}

	var balance string
	var version int64
	require.NoError(t, db.QueryRow(
		`SELECT balance, version FROM wallets_view WHERE id = ?`,
		created.AggregateID).Scan(&balance, &version))
	assert.Equal(t, "15", balance)
	assert.Equal(t, int64(2), version)
}
