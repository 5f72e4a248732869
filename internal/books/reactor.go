package books

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/libris/circulation/internal/events"
	"github.com/libris/circulation/internal/reservations"
	"github.com/libris/circulation/pkg/command"
	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/messaging"
	"github.com/libris/circulation/pkg/store"
)

// ReactorName is the durable consumer group of the validation reactor.
const ReactorName = "books-reactor"

// Book validation verdict reasons.
const (
	ReasonBookNotFound = "book not found"
	ReasonBookDeleted  = "book is deleted"
)

// ReactorConfig tunes the reactor's durable consumer.
type ReactorConfig struct {
	MaxDeliver int
	AckWait    time.Duration
	Prefetch   int
}

// Reactor validates new reservations against the catalog: it consumes
// ReservationCreated and appends the verdict to the reservation's stream.
// It implements runner.Service.
type Reactor struct {
	books        *store.BaseRepository[*Book]
	reservations *store.BaseRepository[*reservations.Reservation]
	events       store.EventStore
	bus          messaging.EventBus
	db           *sql.DB
	config       ReactorConfig
	pipeline     *command.Pipeline
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sub    messaging.Subscription
}

// NewReactor wires the validation reactor. db is the database holding
// books_view.
func NewReactor(eventStore store.EventStore, bus messaging.EventBus, db *sql.DB, config ReactorConfig, logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("reactor", ReactorName)

	return &Reactor{
		books:        store.NewRepository(eventStore, New),
		reservations: store.NewRepository(eventStore, reservations.New),
		events:       eventStore,
		bus:          bus,
		db:           db,
		config:       config,
		pipeline: command.NewPipeline(
			command.Recovery(logger),
			command.Logging(logger),
			command.Tracing("books"),
			command.Metrics("books"),
			command.Retry(3, logger),
		),
		logger: logger,
	}
}

// Name implements runner.Service.
func (r *Reactor) Name() string {
	return ReactorName
}

// Start implements runner.Service. Deliveries are bound to the reactor's own
// lifetime, not to the startup context, which the runner cancels as soon as
// Start returns.
func (r *Reactor) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(context.Background())

	sub, err := r.bus.Subscribe(r.ctx, messaging.SubscriptionConfig{
		Queue:         ReactorName,
		AggregateType: events.AggregateReservation,
		EventTypes:    []string{events.TypeReservationCreated},
		MaxDeliver:    r.config.MaxDeliver,
		AckWait:       r.config.AckWait,
		Prefetch:      r.config.Prefetch,
	}, r.handle)
	if err != nil {
		r.cancel()
		return fmt.Errorf("subscribe %s: %w", ReactorName, err)
	}
	r.sub = sub
	return nil
}

// Stop implements runner.Service.
func (r *Reactor) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			return err
		}
		r.sub = nil
	}
	return nil
}

// HealthCheck implements runner.HealthChecker.
func (r *Reactor) HealthCheck(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// handle appends the catalog's verdict to the reservation stream. The
// consumed event's ID becomes the command ID, so a redelivered trigger
// produces byte-identical decision events and the publish dedup absorbs them.
// A domain error means an earlier delivery already decided; then the stored
// decision is republished and the trigger acked.
func (r *Reactor) handle(ctx context.Context, event *domain.Event) error {
	created, err := events.As[*events.ReservationCreated](event)
	if err != nil {
		return err
	}

	op := &command.Operation{
		Name:          "books.validate_reservation",
		AggregateID:   created.ReservationID,
		CorrelationID: event.Metadata.CorrelationID,
	}

	_, err = command.Run(ctx, r.pipeline, op, func(ctx context.Context) (command.Result, error) {
		verdict, err := r.verdict(ctx, created.BookID)
		if err != nil {
			return command.Result{}, err
		}

		reservation, err := r.reservations.Load(ctx, created.ReservationID)
		if err != nil {
			return command.Result{}, err
		}
		reservation.SetCommandContext(event.ID, op.CorrelationID)
		if err := reservation.RecordBookValidation(verdict.valid, verdict.reason, verdict.retailPrice); err != nil {
			return command.Result{}, err
		}

		uncommitted := reservation.UncommittedEvents()
		if err := r.reservations.Save(ctx, reservation); err != nil {
			return command.Result{}, err
		}
		messaging.PublishWithRetry(ctx, r.bus, uncommitted, publishAttempts, r.logger)
		return command.Result{AggregateID: reservation.ID(), Version: reservation.Version()}, nil
	})
	if err == nil {
		return nil
	}

	if domain.AsAppError(err).Kind() == domain.KindDomain {
		if err := messaging.RepublishByCausation(ctx, r.bus, r.events, created.ReservationID, event.ID); err != nil {
			return err
		}
		r.logger.InfoContext(ctx, "reservation already validated",
			"reservation_id", created.ReservationID,
			"book_id", created.BookID,
			"error", err)
		return nil
	}
	return err
}

type bookVerdict struct {
	valid       bool
	reason      string
	retailPrice decimal.Decimal
}

// verdict looks the book up in books_view. A missing row falls through to the
// aggregate: the view trails the log, and a reservation can race the
// projection of a freshly catalogued book.
func (r *Reactor) verdict(ctx context.Context, bookID string) (bookVerdict, error) {
	var price string
	var deletedAt sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT price, deleted_at FROM books_view WHERE id = ?`, bookID,
	).Scan(&price, &deletedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return r.verdictFromStore(ctx, bookID)
	case err != nil:
		return bookVerdict{}, domain.WrapInfra(domain.CodeDatabaseError, "look up book "+bookID, err)
	case deletedAt.Valid:
		return bookVerdict{reason: ReasonBookDeleted}, nil
	}

	retail, err := decimal.NewFromString(price)
	if err != nil {
		return bookVerdict{}, fmt.Errorf("parse price of book %s: %w", bookID, err)
	}
	return bookVerdict{valid: true, retailPrice: retail}, nil
}

func (r *Reactor) verdictFromStore(ctx context.Context, bookID string) (bookVerdict, error) {
	book, err := r.books.Load(ctx, bookID)
	if errors.Is(err, domain.ErrAggregateNotFound) {
		return bookVerdict{reason: ReasonBookNotFound}, nil
	}
	if err != nil {
		return bookVerdict{}, err
	}
	if book.DeletedAt != nil {
		return bookVerdict{reason: ReasonBookDeleted}, nil
	}
	return bookVerdict{valid: true, retailPrice: book.Price}, nil
}
