package reservations_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libris/circulation/internal/events"
	"github.com/libris/circulation/internal/reservations"
	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/messaging"
	"github.com/libris/circulation/pkg/store"
	"github.com/libris/circulation/pkg/store/sqlite"
)

func newHandlerFixture(t *testing.T) (*sqlite.EventStore, *sql.DB, *messaging.RecordingBus, *reservations.Handlers) {
	t.Helper()
	eventStore, err := sqlite.New(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { eventStore.Close() })

	db := eventStore.DB()
	require.NoError(t, reservations.Migrate(db))

	bus := messaging.NewRecordingBus()
	handlers := reservations.NewHandlers(eventStore, bus, db, reservations.Policy{
		DueDays:       5,
		Fee:           reservationFee,
		LateFeePerDay: lateFeePerDay,
	}, nil)
	return eventStore, db, bus, handlers
}

// reserve drives a reservation to RESERVED by appending the catalog and
// payment verdicts the reactors would produce.
func reserve(t *testing.T, eventStore *sqlite.EventStore, handlers *reservations.Handlers, price decimal.Decimal) string {
	t.Helper()
	ctx := context.Background()

	created, err := handlers.Create(ctx, "user-1", "book-1")
	require.NoError(t, err)

	repo := store.NewRepository(eventStore, reservations.New)
	res, err := repo.Load(ctx, created.AggregateID)
	require.NoError(t, err)
	require.NoError(t, res.RecordBookValidation(true, "", price))
	require.NoError(t, res.RecordPaymentSuccess("wallet-1", reservationFee))
	require.NoError(t, repo.Save(ctx, res))
	return created.AggregateID
}

func TestCreateReservationRejectsDuplicatePair(t *testing.T) {
	freezeTime(t, anchor)
	_, _, bus, handlers := newHandlerFixture(t)
	ctx := context.Background()

	_, err := handlers.Create(ctx, "user-1", "book-1")
	require.NoError(t, err)
	require.Len(t, bus.PublishedOfType(events.TypeReservationCreated), 1)

	_, err = handlers.Create(ctx, "user-1", "book-1")
	require.Error(t, err)
	assert.Equal(t, domain.CodeReservationDuplicate, domain.AsAppError(err).Code)

	_, err = handlers.Create(ctx, "user-1", "book-2")
	require.NoError(t, err, "the pair is unique, not the user")
}

func TestReturnOnTime(t *testing.T) {
	freezeTime(t, anchor)
	eventStore, _, bus, handlers := newHandlerFixture(t)
	ctx := context.Background()

	id := reserve(t, eventStore, handlers, retailPrice)

	freezeTime(t, dueDate.Add(-time.Hour))
	result, err := handlers.Return(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, reservations.MessageReturned, result.Message)
	assert.Equal(t, "0.0", result.LateFeeApplied)
	assert.Zero(t, result.DaysLate)

	require.Len(t, bus.PublishedOfType(events.TypeReservationReturned), 1)
	assert.Empty(t, bus.PublishedOfType(events.TypeReservationOverdue))
}

func TestReturnLateSettlesThroughWallet(t *testing.T) {
	freezeTime(t, anchor)
	eventStore, _, bus, handlers := newHandlerFixture(t)
	ctx := context.Background()

	id := reserve(t, eventStore, handlers, retailPrice)

	freezeTime(t, dueDate.Add(73*time.Hour))
	result, err := handlers.Return(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, reservations.MessageReturned, result.Message)
	assert.Equal(t, "0.6", result.LateFeeApplied)
	assert.Equal(t, 3, result.DaysLate)

	published := bus.PublishedOfType(events.TypeReservationOverdue)
	require.Len(t, published, 1, "a late return asks the wallet to settle")
	assert.Empty(t, bus.PublishedOfType(events.TypeReservationReturned),
		"the terminal event waits for the settlement")

	_, err = handlers.Return(ctx, id)
	require.Error(t, err, "a LATE reservation is already on its way out")
	assert.Equal(t, domain.CodeReservationCannotBeReturned, domain.AsAppError(err).Code)
}

func TestReturnLateEnoughBuysTheBook(t *testing.T) {
	freezeTime(t, anchor)
	eventStore, _, _, handlers := newHandlerFixture(t)
	ctx := context.Background()

	id := reserve(t, eventStore, handlers, decimal.RequireFromString("27"))

	freezeTime(t, dueDate.Add(135*24*time.Hour))
	result, err := handlers.Return(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, reservations.MessageBrought, result.Message)
	assert.Equal(t, "27.0", result.LateFeeApplied)
	assert.Equal(t, 135, result.DaysLate)
}

func TestReturnFallsBackToPriceMirror(t *testing.T) {
	freezeTime(t, anchor)
	eventStore, db, _, handlers := newHandlerFixture(t)
	ctx := context.Background()

	// A verdict recorded without a price: without the mirror any fee would
	// reach the zero "price" and flag the book as bought.
	id := reserve(t, eventStore, handlers, decimal.Decimal{})
	_, err := db.Exec(`INSERT INTO book_prices (book_id, price, deleted, version) VALUES ('book-1', '30', 0, 1)`)
	require.NoError(t, err)

	freezeTime(t, dueDate.Add(73*time.Hour))
	result, err := handlers.Return(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, reservations.MessageReturned, result.Message)
	assert.Equal(t, "0.6", result.LateFeeApplied)
}

func TestCancelReservedReservation(t *testing.T) {
	freezeTime(t, anchor)
	eventStore, _, bus, handlers := newHandlerFixture(t)
	ctx := context.Background()

	id := reserve(t, eventStore, handlers, retailPrice)

	_, err := handlers.Cancel(ctx, id)
	require.NoError(t, err)
	require.Len(t, bus.PublishedOfType(events.TypeReservationCancelled), 1)

	_, err = handlers.Cancel(ctx, id)
	require.Error(t, err)
	assert.Equal(t, domain.CodeReservationCannotBeCancelled, domain.AsAppError(err).Code)
}

func TestReturnMissingReservation(t *testing.T) {
	_, _, _, handlers := newHandlerFixture(t)

	_, err := handlers.Return(context.Background(), "no-such-reservation")
	require.Error(t, err)
	assert.Equal(t, domain.CodeReservationNotFound, domain.AsAppError(err).Code)
}
