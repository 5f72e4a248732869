package reservations_test

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libris/circulation/internal/reservations"
	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/query"
	"github.com/libris/circulation/pkg/store/sqlite"
)

func newQueriesFixture(t *testing.T) (*sql.DB, *reservations.Queries) {
	t.Helper()
	eventStore, err := sqlite.New(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { eventStore.Close() })

	db := eventStore.DB()
	require.NoError(t, reservations.Migrate(db))
	return db, reservations.NewQueries(db, query.Limits{DefaultLimit: 10, MaxLimit: 100})
}

func seedReservation(t *testing.T, db *sql.DB, id, userID, bookID, status string, reservedAt int64, deleted bool) {
	t.Helper()
	var deletedAt any
	if deleted {
		deletedAt = reservedAt + 1
	}
	_, err := db.Exec(`
		INSERT INTO reservations_view (id, version, user_id, book_id, status, reserved_at, due_date,
			fee_charged, retail_price, created_at, updated_at, deleted_at)
		VALUES (?, 1, ?, ?, ?, ?, ?, '3', '30', ?, ?, ?)`,
		id, userID, bookID, status, reservedAt, reservedAt+int64(5*24*time.Hour),
		reservedAt, reservedAt, deletedAt)
	require.NoError(t, err)
}

func TestListReservationsFiltersByUserAndStatus(t *testing.T) {
	db, queries := newQueriesFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedReservation(t, db, fmt.Sprintf("res-%d", i), "user-1", fmt.Sprintf("book-%d", i),
			string(reservations.StatusReserved), int64(1000+i), false)
	}
	seedReservation(t, db, "res-returned", "user-1", "book-9", string(reservations.StatusReturned), 2000, false)
	seedReservation(t, db, "res-other", "user-2", "book-0", string(reservations.StatusReserved), 3000, false)
	seedReservation(t, db, "res-dead", "user-1", "book-8", string(reservations.StatusReserved), 4000, true)

	params := query.Parse(url.Values{
		"user_id": {"user-1"},
		"status":  {string(reservations.StatusReserved)},
		"limit":   {"2"},
	}, queries.Limits(), reservations.FilterKeys...)

	result, err := queries.List(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Pagination.Total, "deleted and foreign rows stay out")
	assert.Equal(t, 2, result.Pagination.Pages)
	assert.True(t, result.Pagination.HasNext)

	docs := result.Data.([]map[string]any)
	require.Len(t, docs, 2)
	assert.Equal(t, "res-0", docs[0]["id"], "default sort is reserved_at ascending")
	assert.Equal(t, "30", docs[0]["retail_price"])
	assert.NotContains(t, docs[0], "returned_at")
}

func TestListReservationsByBook(t *testing.T) {
	db, queries := newQueriesFixture(t)
	ctx := context.Background()

	seedReservation(t, db, "res-a", "user-1", "book-1", string(reservations.StatusReserved), 1000, false)
	seedReservation(t, db, "res-b", "user-2", "book-1", string(reservations.StatusCancelled), 2000, false)
	seedReservation(t, db, "res-c", "user-3", "book-2", string(reservations.StatusReserved), 3000, false)

	params := query.Parse(url.Values{"book_id": {"book-1"}}, queries.Limits(), reservations.FilterKeys...)
	result, err := queries.List(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Pagination.Total)
}

func TestGetReservationOmitsUnsetOutcomeFields(t *testing.T) {
	db, queries := newQueriesFixture(t)
	ctx := context.Background()

	seedReservation(t, db, "res-open", "user-1", "book-1", string(reservations.StatusCreated), 1000, false)
	_, err := db.Exec(`
		UPDATE reservations_view
		SET status = ?, payment_amount = '3', late_fee_applied = '0.6', days_late = 3, returned_at = 5000
		WHERE id = ?`, string(reservations.StatusReturned), "res-open")
	require.NoError(t, err)
	seedReservation(t, db, "res-fresh", "user-1", "book-2", string(reservations.StatusCreated), 1000, false)

	settled, err := queries.Get(ctx, "res-open", false)
	require.NoError(t, err)
	assert.Equal(t, "3", settled["payment_amount"])
	assert.Equal(t, "0.6", settled["late_fee_applied"])
	assert.Equal(t, 3, settled["days_late"])
	assert.Contains(t, settled, "returned_at")

	fresh, err := queries.Get(ctx, "res-fresh", false)
	require.NoError(t, err)
	assert.NotContains(t, fresh, "payment_amount")
	assert.NotContains(t, fresh, "payment_reason")
	assert.NotContains(t, fresh, "late_fee_applied")
	assert.NotContains(t, fresh, "returned_at")
}

func TestGetReservationHidesSoftDeleted(t *testing.T) {
	db, queries := newQueriesFixture(t)
	ctx := context.Background()

	seedReservation(t, db, "res-dead", "user-1", "book-1", string(reservations.StatusCancelled), 1000, true)

	_, err := queries.Get(ctx, "res-dead", false)
	require.Error(t, err)
	assert.Equal(t, domain.CodeReservationNotFound, domain.AsAppError(err).Code)

	doc, err := queries.Get(ctx, "res-dead", true)
	require.NoError(t, err)
	assert.Contains(t, doc, "deleted_at")

	_, err = queries.Get(ctx, "res-missing", false)
	require.Error(t, err)
	assert.Equal(t, domain.CodeReservationNotFound, domain.AsAppError(err).Code)
}
