package reservations_test

import (
	"context"
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

func newReactorFixture(t *testing.T) (*sqlite.EventStore, *messaging.RecordingBus, *reservations.Handlers) {
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

	reactor := reservations.NewReactor(eventStore, bus, reservations.ReactorConfig{}, nil)
	require.NoError(t, reactor.Start(context.Background()))
	t.Cleanup(func() { _ = reactor.Stop(context.Background()) })

	return eventStore, bus, handlers
}

// walletSettlement fabricates the wallet service's settlement event. The
// reactor only reads the payload, so the wallet stream itself is not needed.
func walletSettlement(t *testing.T, reservationID string, daysLate int, fee string, bought bool) *domain.Event {
	t.Helper()
	data, err := domain.EncodePayload(&events.WalletLateReturnApplied{
		WalletID:      "wallet-1",
		ReservationID: reservationID,
		UserID:        "user-1",
		DaysLate:      daysLate,
		FeeApplied:    decimal.RequireFromString(fee),
		Bought:        bought,
		NewBalance:    decimal.RequireFromString("70"),
		AppliedAt:     domain.Now(),
	})
	require.NoError(t, err)

	return &domain.Event{
		ID:            domain.NewID(),
		AggregateID:   "wallet-1",
		AggregateType: events.AggregateWallet,
		EventType:     events.TypeWalletLateReturnApplied,
		Version:       3,
		SchemaVersion: domain.CurrentSchema(events.TypeWalletLateReturnApplied),
		Timestamp:     domain.Now(),
		Data:          data,
	}
}

// lateReservation reserves a book and returns it past the due date, leaving
// the reservation in LATE awaiting the wallet's settlement.
func lateReservation(t *testing.T, eventStore *sqlite.EventStore, handlers *reservations.Handlers, price decimal.Decimal, returnedAt time.Time) string {
	t.Helper()
	freezeTime(t, anchor)
	id := reserve(t, eventStore, handlers, price)

	freezeTime(t, returnedAt)
	_, err := handlers.Return(context.Background(), id)
	require.NoError(t, err)
	return id
}

func TestReactorSettlesLateReturn(t *testing.T) {
	eventStore, bus, handlers := newReactorFixture(t)
	ctx := context.Background()

	id := lateReservation(t, eventStore, handlers, retailPrice, dueDate.Add(73*time.Hour))

	settlement := walletSettlement(t, id, 3, "0.6", false)
	require.NoError(t, bus.Publish(ctx, []*domain.Event{settlement}))

	repo := store.NewRepository(eventStore, reservations.New)
	res, err := repo.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, reservations.StatusReturned, res.Status)
	assert.Equal(t, 3, res.DaysOverdue)
	assert.Equal(t, "0.6", res.LateFeeApplied.String())
	require.NotNil(t, res.ReturnedAt)

	stream, err := eventStore.LoadEvents(ctx, id, 0)
	require.NoError(t, err)
	last := stream[len(stream)-1]
	assert.Equal(t, events.TypeReservationReturned, last.EventType)
	assert.Equal(t, settlement.ID, last.Metadata.CausationID)

	require.Len(t, bus.PublishedOfType(events.TypeReservationReturned), 1)
}

func TestReactorBringsBookWhenFeeReachesPrice(t *testing.T) {
	eventStore, bus, handlers := newReactorFixture(t)
	ctx := context.Background()

	price := decimal.NewFromInt(27)
	id := lateReservation(t, eventStore, handlers, price, dueDate.Add(135*24*time.Hour))

	settlement := walletSettlement(t, id, 135, "27", true)
	require.NoError(t, bus.Publish(ctx, []*domain.Event{settlement}))

	repo := store.NewRepository(eventStore, reservations.New)
	res, err := repo.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, reservations.StatusBrought, res.Status)
	assert.Equal(t, "27", res.LateFeeApplied.String())

	require.Len(t, bus.PublishedOfType(events.TypeReservationBookBrought), 1)
	require.Empty(t, bus.PublishedOfType(events.TypeReservationReturned))
}

func TestReactorAcksRedeliveredSettlement(t *testing.T) {
	eventStore, bus, handlers := newReactorFixture(t)
	ctx := context.Background()

	id := lateReservation(t, eventStore, handlers, retailPrice, dueDate.Add(73*time.Hour))

	settlement := walletSettlement(t, id, 3, "0.6", false)
	require.NoError(t, bus.Publish(ctx, []*domain.Event{settlement}))

	streamBefore, err := eventStore.LoadEvents(ctx, id, 0)
	require.NoError(t, err)

	deliver := bus.HandlerFor(reservations.ReactorName)
	require.NotNil(t, deliver)
	require.NoError(t, deliver(ctx, settlement), "redelivery must ack, not error")

	streamAfter, err := eventStore.LoadEvents(ctx, id, 0)
	require.NoError(t, err)
	assert.Len(t, streamAfter, len(streamBefore), "redelivery must not append")

	returned := bus.PublishedOfType(events.TypeReservationReturned)
	require.Len(t, returned, 2, "stored outcome is republished for downstream consumers")
	assert.Equal(t, returned[0].ID, returned[1].ID)
}
