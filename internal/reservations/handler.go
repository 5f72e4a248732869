package reservations

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/libris/circulation/pkg/command"
	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/messaging"
	"github.com/libris/circulation/pkg/store"
)

const publishAttempts = 3

// Synchronous response messages of the return command.
const (
	MessageReturned = "Reservation marked as returned."
	MessageBrought  = "Book considered brought due to high late fees."
)

// Policy carries the lending rules the handlers apply.
type Policy struct {
	// DueDays is added to the reservation time to compute the due date.
	DueDays int

	// Fee is the flat reservation fee collected up front.
	Fee decimal.Decimal

	// LateFeePerDay accrues per day past the due date, capped at the book's
	// retail price.
	LateFeePerDay decimal.Decimal
}

// Handlers executes reservation commands.
type Handlers struct {
	repo     *store.BaseRepository[*Reservation]
	events   store.EventStore
	bus      messaging.EventBus
	db       *sql.DB
	policy   Policy
	pipeline *command.Pipeline
	logger   *slog.Logger
}

// NewHandlers wires the reservation command side. db serves the book-price
// mirror used as a retail price fallback on returns.
func NewHandlers(eventStore store.EventStore, bus messaging.EventBus, db *sql.DB, policy Policy, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "reservations")

	return &Handlers{
		repo:   store.NewRepository(eventStore, New),
		events: eventStore,
		bus:    bus,
		db:     db,
		policy: policy,
		pipeline: command.NewPipeline(
			command.Recovery(logger),
			command.Logging(logger),
			command.Tracing("reservations"),
			command.Metrics("reservations"),
			command.Retry(3, logger),
		),
		logger: logger,
	}
}

// Create opens a reservation. The catalog verdict and the fee collection
// arrive asynchronously; the caller observes them through the read model.
func (h *Handlers) Create(ctx context.Context, userID, bookID string) (command.Result, error) {
	op := &command.Operation{
		Name:          "reservations.create",
		CorrelationID: command.CorrelationFromContext(ctx),
	}
	commandID := domain.NewID()

	return command.Run(ctx, h.pipeline, op, func(ctx context.Context) (command.Result, error) {
		reservation := New(domain.NewID())
		reservation.SetCommandContext(commandID, op.CorrelationID)
		if err := reservation.Create(userID, bookID, h.policy.Fee, h.policy.DueDays); err != nil {
			return command.Result{}, err
		}
		return h.save(ctx, reservation)
	})
}

// ReturnResult is the synchronous response contract of the return command.
type ReturnResult struct {
	Message        string `json:"message"`
	LateFeeApplied string `json:"late_fee_applied"`
	DaysLate       int    `json:"days_late"`
}

// Return hands the book back. On-time returns close the reservation here;
// late ones settle through the wallet, but the response already names the
// outcome.
func (h *Handlers) Return(ctx context.Context, id string) (ReturnResult, error) {
	op := &command.Operation{
		Name:          "reservations.return",
		AggregateID:   id,
		CorrelationID: command.CorrelationFromContext(ctx),
	}
	commandID := domain.NewID()

	return command.Run(ctx, h.pipeline, op, func(ctx context.Context) (ReturnResult, error) {
		reservation, err := h.load(ctx, id)
		if err != nil {
			return ReturnResult{}, err
		}
		reservation.SetCommandContext(commandID, op.CorrelationID)

		// Verdicts recorded without a price would turn every late fee into a
		// purchase; prefer the catalog mirror then.
		if reservation.RetailPrice.IsZero() {
			if price, ok := h.mirrorPrice(ctx, reservation.BookID); ok {
				reservation.RetailPrice = price
			}
		}

		outcome, err := reservation.Return(h.policy.LateFeePerDay)
		if err != nil {
			return ReturnResult{}, err
		}
		if _, err := h.save(ctx, reservation); err != nil {
			return ReturnResult{}, err
		}

		message := MessageReturned
		if outcome.Bought {
			message = MessageBrought
		}
		return ReturnResult{
			Message:        message,
			LateFeeApplied: outcome.FeeApplied.StringFixed(1),
			DaysLate:       outcome.DaysLate,
		}, nil
	})
}

// Cancel closes a reservation before the book is handed over.
func (h *Handlers) Cancel(ctx context.Context, id string) (command.Result, error) {
	op := &command.Operation{
		Name:          "reservations.cancel",
		AggregateID:   id,
		CorrelationID: command.CorrelationFromContext(ctx),
	}
	commandID := domain.NewID()

	return command.Run(ctx, h.pipeline, op, func(ctx context.Context) (command.Result, error) {
		reservation, err := h.load(ctx, id)
		if err != nil {
			return command.Result{}, err
		}
		reservation.SetCommandContext(commandID, op.CorrelationID)
		if err := reservation.Cancel(); err != nil {
			return command.Result{}, err
		}
		return h.save(ctx, reservation)
	})
}

// Delete soft-deletes a reservation.
func (h *Handlers) Delete(ctx context.Context, id string) (command.Result, error) {
	op := &command.Operation{
		Name:          "reservations.delete",
		AggregateID:   id,
		CorrelationID: command.CorrelationFromContext(ctx),
	}
	commandID := domain.NewID()

	return command.Run(ctx, h.pipeline, op, func(ctx context.Context) (command.Result, error) {
		reservation, err := h.load(ctx, id)
		if err != nil {
			return command.Result{}, err
		}
		reservation.SetCommandContext(commandID, op.CorrelationID)
		if err := reservation.Delete(); err != nil {
			return command.Result{}, err
		}
		return h.save(ctx, reservation)
	})
}

func (h *Handlers) load(ctx context.Context, id string) (*Reservation, error) {
	reservation, err := h.repo.Load(ctx, id)
	if errors.Is(err, domain.ErrAggregateNotFound) {
		return nil, domain.NewAppErrorf(domain.CodeReservationNotFound, "reservation %s not found", id)
	}
	if err != nil {
		return nil, domain.WrapInfra(domain.CodeEventLookupFailed, "load reservation "+id, err)
	}
	return reservation, nil
}

func (h *Handlers) save(ctx context.Context, reservation *Reservation) (command.Result, error) {
	uncommitted := reservation.UncommittedEvents()
	if err := h.repo.Save(ctx, reservation); err != nil {
		var constraint *domain.UniqueConstraintError
		if errors.As(err, &constraint) && constraint.IndexName == UserBookIndex {
			return command.Result{}, domain.NewAppError(domain.CodeReservationDuplicate,
				"an active reservation for this user and book already exists")
		}
		return command.Result{}, domain.WrapInfra(domain.CodeEventSaveFailed,
			"save reservation "+reservation.ID(), err)
	}

	messaging.PublishWithRetry(ctx, h.bus, uncommitted, publishAttempts, h.logger)
	return command.Result{AggregateID: reservation.ID(), Version: reservation.Version()}, nil
}

// mirrorPrice reads the catalog price mirror kept by the projection.
func (h *Handlers) mirrorPrice(ctx context.Context, bookID string) (decimal.Decimal, bool) {
	var text string
	err := h.db.QueryRowContext(ctx,
		`SELECT price FROM book_prices WHERE book_id = ? AND deleted = 0`, bookID,
	).Scan(&text)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			h.logger.WarnContext(ctx, "book price mirror lookup failed",
				slog.String("book_id", bookID), slog.String("error", err.Error()))
		}
		return decimal.Decimal{}, false
	}
	price, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return price, true
}
