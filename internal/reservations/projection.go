package reservations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/libris/circulation/internal/events"
	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/projection"
)

// ViewName is the reservations projection's durable queue and checkpoint key.
const ViewName = "reservations-view"

// NewProjection builds the reservations_view registry. It also maintains the
// book_prices mirror from the catalog's events, so returns can fall back to
// a local price lookup without crossing services.
func NewProjection() *projection.Registry {
	return projection.NewRegistry(ViewName).
		On(events.TypeReservationCreated, applyReservationCreated).
		On(events.TypeReservationBookValidated, applyReservationValidated).
		On(events.TypeReservationPaymentSuccess, applyReservationPaymentSuccess).
		On(events.TypeReservationPaymentDeclined, applyReservationPaymentDeclined).
		On(events.TypeReservationReturned, applyReservationReturned).
		On(events.TypeReservationOverdue, applyReservationOverdue).
		On(events.TypeReservationBookBrought, applyReservationBrought).
		On(events.TypeReservationCancelled, applyReservationCancelled).
		On(events.TypeReservationDeleted, applyReservationDeleted).
		On(events.TypeBookCreated, applyMirrorBookCreated).
		On(events.TypeBookRetailPriceUpdated, applyMirrorPriceUpdated).
		On(events.TypeBookDeleted, applyMirrorBookDeleted).
		OnReset(resetReservationsView)
}

func applyReservationCreated(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	p, err := events.As[*events.ReservationCreated](event)
	if err != nil {
		return err
	}
	return projection.UpsertCreate(ctx, tx, "reservations_view", p.ReservationID, event.Version, projection.Cols{
		{Name: "user_id", Value: p.UserID},
		{Name: "book_id", Value: p.BookID},
		{Name: "status", Value: string(StatusCreated)},
		{Name: "reserved_at", Value: p.ReservedAt.UnixNano()},
		{Name: "due_date", Value: p.DueDate.UnixNano()},
		{Name: "fee_charged", Value: p.FeeCharged.String()},
		{Name: "created_at", Value: p.ReservedAt.UnixNano()},
		{Name: "updated_at", Value: p.ReservedAt.UnixNano()},
	})
}

func applyReservationValidated(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	p, err := events.As[*events.ReservationBookValidated](event)
	if err != nil {
		return err
	}

	status := StatusRejected
	if p.IsValid {
		status = StatusPendingPayment
	}
	cols := projection.Cols{
		{Name: "status", Value: string(status)},
		{Name: "retail_price", Value: p.RetailPrice.String()},
		{Name: "updated_at", Value: p.ValidatedAt.UnixNano()},
	}
	if p.Reason != "" {
		cols = append(cols, projection.Col{Name: "payment_reason", Value: p.Reason})
	}
	return projection.GatedUpdate(ctx, tx, "reservations_view", p.ReservationID, event.Version, cols)
}

func applyReservationPaymentSuccess(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	p, err := events.As[*events.ReservationPaymentSuccess](event)
	if err != nil {
		return err
	}
	return projection.GatedUpdate(ctx, tx, "reservations_view", p.ReservationID, event.Version, projection.Cols{
		{Name: "status", Value: string(StatusReserved)},
		{Name: "payment_amount", Value: p.Amount.String()},
		{Name: "updated_at", Value: p.PaidAt.UnixNano()},
	})
}

func applyReservationPaymentDeclined(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	p, err := events.As[*events.ReservationPaymentDeclined](event)
	if err != nil {
		return err
	}
	return projection.GatedUpdate(ctx, tx, "reservations_view", p.ReservationID, event.Version, projection.Cols{
		{Name: "status", Value: string(StatusRejected)},
		{Name: "payment_reason", Value: p.Reason},
		{Name: "updated_at", Value: p.DeclinedAt.UnixNano()},
	})
}

func applyReservationReturned(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	p, err := events.As[*events.ReservationReturned](event)
	if err != nil {
		return err
	}
	return projection.GatedUpdate(ctx, tx, "reservations_view", p.ReservationID, event.Version, projection.Cols{
		{Name: "status", Value: string(StatusReturned)},
		{Name: "days_late", Value: p.DaysLate},
		{Name: "late_fee_applied", Value: p.FeeApplied.String()},
		{Name: "returned_at", Value: p.ReturnedAt.UnixNano()},
		{Name: "updated_at", Value: p.ReturnedAt.UnixNano()},
	})
}

func applyReservationOverdue(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	p, err := events.As[*events.ReservationOverdue](event)
	if err != nil {
		return err
	}
	return projection.GatedUpdate(ctx, tx, "reservations_view", p.ReservationID, event.Version, projection.Cols{
		{Name: "status", Value: string(StatusLate)},
		{Name: "days_late", Value: p.DaysLate},
		{Name: "updated_at", Value: p.ObservedAt.UnixNano()},
	})
}

func applyReservationBrought(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	p, err := events.As[*events.ReservationBookBrought](event)
	if err != nil {
		return err
	}
	return projection.GatedUpdate(ctx, tx, "reservations_view", p.ReservationID, event.Version, projection.Cols{
		{Name: "status", Value: string(StatusBrought)},
		{Name: "late_fee_applied", Value: p.FeeApplied.String()},
		{Name: "returned_at", Value: p.BroughtAt.UnixNano()},
		{Name: "updated_at", Value: p.BroughtAt.UnixNano()},
	})
}

func applyReservationCancelled(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	p, err := events.As[*events.ReservationCancelled](event)
	if err != nil {
		return err
	}
	return projection.GatedUpdate(ctx, tx, "reservations_view", p.ReservationID, event.Version, projection.Cols{
		{Name: "status", Value: string(StatusCancelled)},
		{Name: "updated_at", Value: p.CancelledAt.UnixNano()},
	})
}

func applyReservationDeleted(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	p, err := events.As[*events.ReservationDeleted](event)
	if err != nil {
		return err
	}
	return projection.SoftDelete(ctx, tx, "reservations_view", p.ReservationID, event.Version, p.DeletedAt)
}

// The book_prices mirror keys on book_id, so the generic id-keyed helpers
// don't apply; the statements are inlined.

func applyMirrorBookCreated(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	p, err := events.As[*events.BookCreated](event)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO book_prices (book_id, price, deleted, version)
		VALUES (?, ?, 0, ?)
		ON CONFLICT (book_id) DO UPDATE SET
			price = excluded.price,
			deleted = 0,
			version = excluded.version
		WHERE excluded.version > book_prices.version`,
		p.BookID, p.Price.String(), event.Version,
	); err != nil {
		return fmt.Errorf("mirror book %s: %w", p.BookID, err)
	}
	return nil
}

func applyMirrorPriceUpdated(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	p, err := events.As[*events.BookRetailPriceUpdated](event)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE book_prices SET price = ?, version = ?
		WHERE book_id = ? AND version < ?`,
		p.NewPrice.String(), event.Version, p.BookID, event.Version,
	); err != nil {
		return fmt.Errorf("mirror price %s: %w", p.BookID, err)
	}
	return nil
}

func applyMirrorBookDeleted(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	p, err := events.As[*events.BookDeleted](event)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE book_prices SET deleted = 1, version = ?
		WHERE book_id = ? AND version < ?`,
		event.Version, p.BookID, event.Version,
	); err != nil {
		return fmt.Errorf("mirror delete %s: %w", p.BookID, err)
	}
	return nil
}

func resetReservationsView(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM reservations_view`); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM book_prices`)
	return err
}
