package books_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libris/circulation/internal/books"
	"github.com/libris/circulation/internal/events"
	"github.com/libris/circulation/pkg/messaging"
	"github.com/libris/circulation/pkg/projection"
	"github.com/libris/circulation/pkg/store/sqlite"
)

func TestBooksViewFollowsCatalogLifecycle(t *testing.T) {
	eventStore, err := sqlite.New(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { eventStore.Close() })

	db := eventStore.DB()
	require.NoError(t, books.Migrate(db))

	bus := messaging.NewRecordingBus()
	ctx := context.Background()

	worker := projection.NewWorker(books.NewProjection(), db, eventStore, bus,
		projection.WorkerConfig{AggregateType: events.AggregateBook}, nil)
	require.NoError(t, worker.Start(ctx))
	t.Cleanup(func() { worker.Stop(ctx) })

	handlers := books.NewHandlers(eventStore, bus, nil)

	created, err := handlers.Create(ctx, validCreateInput())
	require.NoError(t, err)

	var (
		title, price string
		version      int64
		deletedAt    sql.NullInt64
	)
	read := func() {
		t.Helper()
		require.NoError(t, db.QueryRow(
			`SELECT title, price, version, deleted_at FROM books_view WHERE id = ?`,
			created.AggregateID).Scan(&title, &price, &version, &deletedAt))
	}

	read()
	assert.Equal(t, "The Go Programming Language", title)
	assert.Equal(t, "34.99", price)
	assert.Equal(t, int64(1), version)
	assert.False(t, deletedAt.Valid)

	newPrice := decimal.RequireFromString("39.99")
	newTitle := "The Go Programming Language, 2nd Edition"
	_, err = handlers.Update(ctx, created.AggregateID, books.UpdateInput{Title: &newTitle, Price: &newPrice})
	require.NoError(t, err)

	read()
	assert.Equal(t, newTitle, title)
	assert.Equal(t, "39.99", price, "the sparse update carries the price; the mirror event is for other views")
	assert.Equal(t, int64(2), version, "books_view ignores BookRetailPriceUpdated")

	_, err = handlers.Delete(ctx, created.AggregateID)
	require.NoError(t, err)

	read()
	assert.True(t, deletedAt.Valid, "delete keeps the document, flagged")
	assert.Equal(t, int64(4), version)
}
