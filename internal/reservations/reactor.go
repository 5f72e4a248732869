package reservations

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/libris/circulation/internal/events"
	"github.com/libris/circulation/pkg/command"
	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/messaging"
	"github.com/libris/circulation/pkg/store"
)

// ReactorName is the durable consumer group of the settlement reactor.
const ReactorName = "reservations-reactor"

// ReactorConfig tunes the reactor's durable consumer.
type ReactorConfig struct {
	MaxDeliver int
	AckWait    time.Duration
	Prefetch   int
}

// Reactor closes late reservations: it consumes the wallet's settlement and
// folds it into the terminal state, BROUGHT when the fee reached the retail
// price, RETURNED otherwise. Validation and payment verdicts need no reactor
// here because the other services append them straight onto the reservation
// stream. It implements runner.Service.
type Reactor struct {
	reservations *store.BaseRepository[*Reservation]
	events       store.EventStore
	bus          messaging.EventBus
	config       ReactorConfig
	pipeline     *command.Pipeline
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sub    messaging.Subscription
}

// NewReactor wires the settlement reactor.
func NewReactor(eventStore store.EventStore, bus messaging.EventBus, config ReactorConfig, logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("reactor", ReactorName)

	return &Reactor{
		reservations: store.NewRepository(eventStore, New),
		events:       eventStore,
		bus:          bus,
		config:       config,
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
		AggregateType: events.AggregateWallet,
		EventTypes:    []string{events.TypeWalletLateReturnApplied},
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

// handle folds one settlement into the reservation. The consumed event's ID
// becomes the command ID, so redeliveries produce identical events; a domain
// error means an earlier delivery already closed the reservation, and the
// stored outcome is republished instead.
func (r *Reactor) handle(ctx context.Context, event *domain.Event) error {
	settled, err := events.As[*events.WalletLateReturnApplied](event)
	if err != nil {
		return err
	}

	op := &command.Operation{
		Name:          "reservations.settle_return",
		AggregateID:   settled.ReservationID,
		CorrelationID: event.Metadata.CorrelationID,
	}

	_, err = command.Run(ctx, r.pipeline, op, func(ctx context.Context) (command.Result, error) {
		reservation, err := r.reservations.Load(ctx, settled.ReservationID)
		if err != nil {
			return command.Result{}, err
		}
		reservation.SetCommandContext(event.ID, op.CorrelationID)
		if err := reservation.RecordSettlement(settled.DaysLate, settled.FeeApplied, settled.Bought); err != nil {
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
		if err := messaging.RepublishByCausation(ctx, r.bus, r.events, settled.ReservationID, event.ID); err != nil {
			return err
		}
		r.logger.InfoContext(ctx, "late return already settled",
			"reservation_id", settled.ReservationID,
			"wallet_id", settled.WalletID,
			"error", err)
		return nil
	}
	return err
}
