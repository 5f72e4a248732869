package wallets

import (
	"context"
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

// ReactorName is the durable consumer group of the fee and settlement
// reactor.
const ReactorName = "wallets-reactor"

// ReasonNoWallet declines a reservation whose user has no live wallet.
const ReasonNoWallet = "no wallet for user"

// ReactorConfig tunes the reactor's durable consumer.
type ReactorConfig struct {
	MaxDeliver int
	AckWait    time.Duration
	Prefetch   int
}

// Reactor runs the money legs of the reservation flow. It consumes
// ReservationBookValidated to collect the up-front fee, appending the debit
// to the wallet stream and the verdict to the reservation stream, and
// ReservationOverdue to settle late returns, appending the capped fee to the
// wallet stream for the reservations side to fold. It implements
// runner.Service.
type Reactor struct {
	wallets      *store.BaseRepository[*Wallet]
	reservations *store.BaseRepository[*reservations.Reservation]
	events       store.EventStore
	bus          messaging.EventBus
	config       ReactorConfig
	pipeline     *command.Pipeline
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sub    messaging.Subscription
}

// NewReactor wires the fee and settlement reactor.
func NewReactor(eventStore store.EventStore, bus messaging.EventBus, config ReactorConfig, logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("reactor", ReactorName)

	return &Reactor{
		wallets:      store.NewRepository(eventStore, New),
		reservations: store.NewRepository(eventStore, reservations.New),
		events:       eventStore,
		bus:          bus,
		config:       config,
		pipeline: command.NewPipeline(
			command.Recovery(logger),
			command.Logging(logger),
			command.Tracing("wallets"),
			command.Metrics("wallets"),
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
		EventTypes: []string{
			events.TypeReservationBookValidated,
			events.TypeReservationOverdue,
		},
		MaxDeliver: r.config.MaxDeliver,
		AckWait:    r.config.AckWait,
		Prefetch:   r.config.Prefetch,
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

func (r *Reactor) handle(ctx context.Context, event *domain.Event) error {
	switch event.EventType {
	case events.TypeReservationBookValidated:
		return r.collectFee(ctx, event)
	case events.TypeReservationOverdue:
		return r.settleLateReturn(ctx, event)
	}
	return nil
}

// collectFee debits the reservation fee after a positive catalog verdict and
// mirrors the outcome onto the reservation stream. The consumed event's ID
// becomes the command ID, so a redelivered trigger produces byte-identical
// decision events and the publish dedup absorbs them. The wallet append and
// the reservation append are separate transactions: a crash between them is
// healed on redelivery, which observes the wallet's recorded verdict and
// resumes at the reservation step.
func (r *Reactor) collectFee(ctx context.Context, event *domain.Event) error {
	verdict, err := events.As[*events.ReservationBookValidated](event)
	if err != nil {
		return err
	}
	if !verdict.IsValid {
		// The rejection is already folded into the reservation stream.
		return nil
	}

	op := &command.Operation{
		Name:          "wallets.collect_fee",
		AggregateID:   verdict.ReservationID,
		CorrelationID: event.Metadata.CorrelationID,
	}

	_, err = command.Run(ctx, r.pipeline, op, func(ctx context.Context) (command.Result, error) {
		reservation, err := r.reservations.Load(ctx, verdict.ReservationID)
		if err != nil {
			return command.Result{}, err
		}

		walletID, err := r.findWallet(ctx, reservation.UserID)
		if err != nil {
			return command.Result{}, err
		}

		outcome := PaymentOutcome{Reason: ReasonNoWallet}
		if walletID != "" {
			outcome, err = r.debit(ctx, walletID, verdict.ReservationID, reservation.FeeCharged, event)
			if err != nil {
				return command.Result{}, err
			}
		}

		reservation.SetCommandContext(event.ID, op.CorrelationID)
		if outcome.Success {
			err = reservation.RecordPaymentSuccess(walletID, outcome.Amount)
		} else {
			err = reservation.RecordPaymentDeclined(outcome.Reason)
		}
		if err != nil {
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
		if err := messaging.RepublishByCausation(ctx, r.bus, r.events, verdict.ReservationID, event.ID); err != nil {
			return err
		}
		r.logger.InfoContext(ctx, "reservation fee already decided",
			"reservation_id", verdict.ReservationID,
			"error", err)
		return nil
	}
	return domain.WrapInfra(domain.CodePaymentProcessing,
		"collect fee for reservation "+verdict.ReservationID, err)
}

// debit records the wallet's verdict on one reservation fee. When an earlier
// delivery already decided, the stored verdict is republished and reused.
func (r *Reactor) debit(ctx context.Context, walletID, reservationID string, fee decimal.Decimal, event *domain.Event) (PaymentOutcome, error) {
	wallet, err := r.wallets.Load(ctx, walletID)
	if err != nil {
		return PaymentOutcome{}, err
	}

	if recorded, done := wallet.PaymentFor(reservationID); done {
		if err := messaging.RepublishByCausation(ctx, r.bus, r.events, walletID, event.ID); err != nil {
			return PaymentOutcome{}, err
		}
		return recorded, nil
	}

	wallet.SetCommandContext(event.ID, event.Metadata.CorrelationID)
	outcome, err := wallet.PayReservationFee(reservationID, fee)
	if err != nil {
		return PaymentOutcome{}, err
	}

	uncommitted := wallet.UncommittedEvents()
	if err := r.wallets.Save(ctx, wallet); err != nil {
		return PaymentOutcome{}, err
	}
	messaging.PublishWithRetry(ctx, r.bus, uncommitted, publishAttempts, r.logger)
	return outcome, nil
}

// settleLateReturn debits the accrued late fee, capped at the book's retail
// price, even when it overdraws the wallet. The reservations side folds the
// resulting WalletLateReturnApplied into the terminal state.
func (r *Reactor) settleLateReturn(ctx context.Context, event *domain.Event) error {
	overdue, err := events.As[*events.ReservationOverdue](event)
	if err != nil {
		return err
	}

	op := &command.Operation{
		Name:          "wallets.settle_late_return",
		AggregateID:   overdue.ReservationID,
		CorrelationID: event.Metadata.CorrelationID,
	}

	_, err = command.Run(ctx, r.pipeline, op, func(ctx context.Context) (command.Result, error) {
		walletID, err := r.findWallet(ctx, overdue.UserID)
		if err != nil {
			return command.Result{}, err
		}
		if walletID == "" {
			// A reservation only goes LATE after its fee was paid, so the
			// wallet should exist; let redelivery and the dead letter queue
			// surface whatever happened to it.
			return command.Result{}, fmt.Errorf("no wallet for user %s settling reservation %s",
				overdue.UserID, overdue.ReservationID)
		}

		wallet, err := r.wallets.Load(ctx, walletID)
		if err != nil {
			return command.Result{}, err
		}

		if _, done := wallet.LateReturnFor(overdue.ReservationID); done {
			if err := messaging.RepublishByCausation(ctx, r.bus, r.events, walletID, event.ID); err != nil {
				return command.Result{}, err
			}
			return command.Result{AggregateID: walletID, Version: wallet.Version()}, nil
		}

		// The per-day rate is derived from the accrued fee so the wallet
		// debits exactly what the return response reported, regardless of
		// configuration drift between services.
		feePerDay := overdue.FeeCharged.Div(decimal.NewFromInt(int64(overdue.DaysLate)))

		wallet.SetCommandContext(event.ID, op.CorrelationID)
		if _, err := wallet.ApplyLateReturn(overdue.ReservationID, overdue.UserID,
			overdue.DaysLate, overdue.RetailPrice, feePerDay); err != nil {
			return command.Result{}, err
		}

		uncommitted := wallet.UncommittedEvents()
		if err := r.wallets.Save(ctx, wallet); err != nil {
			return command.Result{}, err
		}
		messaging.PublishWithRetry(ctx, r.bus, uncommitted, publishAttempts, r.logger)
		return command.Result{AggregateID: walletID, Version: wallet.Version()}, nil
	})
	if err == nil {
		return nil
	}

	if domain.AsAppError(err).Kind() == domain.KindDomain {
		r.logger.InfoContext(ctx, "late return already settled",
			"reservation_id", overdue.ReservationID,
			"error", err)
		return nil
	}
	return domain.WrapInfra(domain.CodePaymentProcessing,
		"settle late return of reservation "+overdue.ReservationID, err)
}

// findWallet resolves the user's live wallet through the event log rather
// than the read model: fee decisions must not depend on projection lag.
// Deleted wallets are skipped.
func (r *Reactor) findWallet(ctx context.Context, userID string) (string, error) {
	walletID, err := r.events.FindLatestByPayloadField(ctx, events.TypeWalletCreated, "user_id", userID)
	if err != nil {
		return "", fmt.Errorf("find wallet of user %s: %w", userID, err)
	}
	return walletID, nil
}
