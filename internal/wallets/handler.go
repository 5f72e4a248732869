package wallets

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/libris/circulation/internal/events"
	"github.com/libris/circulation/pkg/command"
	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/messaging"
	"github.com/libris/circulation/pkg/store"
)

const publishAttempts = 3

// Handlers executes wallet commands.
type Handlers struct {
	repo     *store.BaseRepository[*Wallet]
	events   store.EventStore
	bus      messaging.EventBus
	pipeline *command.Pipeline
	logger   *slog.Logger
}

// NewHandlers wires the wallet command side.
func NewHandlers(eventStore store.EventStore, bus messaging.EventBus, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "wallets")

	return &Handlers{
		repo:   store.NewRepository(eventStore, New),
		events: eventStore,
		bus:    bus,
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

// Create opens a wallet. The user lookup gives a friendly conflict before
// the append; the unique constraint settles races transactionally.
func (h *Handlers) Create(ctx context.Context, userID string, initialBalance decimal.Decimal) (command.Result, error) {
	op := &command.Operation{
		Name:          "wallets.create",
		CorrelationID: command.CorrelationFromContext(ctx),
	}
	commandID := domain.NewID()

	return command.Run(ctx, h.pipeline, op, func(ctx context.Context) (command.Result, error) {
		existing, err := h.events.FindLatestByPayloadField(ctx, events.TypeWalletCreated, "user_id", userID)
		if err != nil {
			return command.Result{}, domain.WrapInfra(domain.CodeEventLookupFailed,
				"find wallet of user "+userID, err)
		}
		if existing != "" {
			return command.Result{}, domain.NewAppErrorf(domain.CodeWalletAlreadyExists,
				"user %s already has a wallet", userID).WithDetail("wallet_id", existing)
		}

		wallet := New(domain.NewID())
		wallet.SetCommandContext(commandID, op.CorrelationID)
		if err := wallet.Create(userID, initialBalance); err != nil {
			return command.Result{}, err
		}
		return h.save(ctx, wallet)
	})
}

// Credit adds funds to a wallet.
func (h *Handlers) Credit(ctx context.Context, id string, amount decimal.Decimal) (command.Result, error) {
	op := &command.Operation{
		Name:          "wallets.credit",
		AggregateID:   id,
		CorrelationID: command.CorrelationFromContext(ctx),
	}
	commandID := domain.NewID()

	return command.Run(ctx, h.pipeline, op, func(ctx context.Context) (command.Result, error) {
		wallet, err := h.load(ctx, id)
		if err != nil {
			return command.Result{}, err
		}
		wallet.SetCommandContext(commandID, op.CorrelationID)
		if err := wallet.Credit(amount); err != nil {
			return command.Result{}, err
		}
		return h.save(ctx, wallet)
	})
}

// Debit removes funds from a wallet. The reservation-fee and late-fee debits
// run through the reactor; this is the operator-facing adjustment and never
// overdraws.
func (h *Handlers) Debit(ctx context.Context, id string, amount decimal.Decimal) (command.Result, error) {
	op := &command.Operation{
		Name:          "wallets.debit",
		AggregateID:   id,
		CorrelationID: command.CorrelationFromContext(ctx),
	}
	commandID := domain.NewID()

	return command.Run(ctx, h.pipeline, op, func(ctx context.Context) (command.Result, error) {
		wallet, err := h.load(ctx, id)
		if err != nil {
			return command.Result{}, err
		}
		wallet.SetCommandContext(commandID, op.CorrelationID)
		if err := wallet.Debit(amount); err != nil {
			return command.Result{}, err
		}
		return h.save(ctx, wallet)
	})
}

// Delete closes a wallet and frees the user's slot.
func (h *Handlers) Delete(ctx context.Context, id string) (command.Result, error) {
	op := &command.Operation{
		Name:          "wallets.delete",
		AggregateID:   id,
		CorrelationID: command.CorrelationFromContext(ctx),
	}
	commandID := domain.NewID()

	return command.Run(ctx, h.pipeline, op, func(ctx context.Context) (command.Result, error) {
		wallet, err := h.load(ctx, id)
		if err != nil {
			return command.Result{}, err
		}
		wallet.SetCommandContext(commandID, op.CorrelationID)
		if err := wallet.Delete(); err != nil {
			return command.Result{}, err
		}
		return h.save(ctx, wallet)
	})
}

func (h *Handlers) load(ctx context.Context, id string) (*Wallet, error) {
	wallet, err := h.repo.Load(ctx, id)
	if errors.Is(err, domain.ErrAggregateNotFound) {
		return nil, domain.NewAppErrorf(domain.CodeWalletNotFound, "wallet %s not found", id)
	}
	if err != nil {
		return nil, domain.WrapInfra(domain.CodeEventLookupFailed, "load wallet "+id, err)
	}
	return wallet, nil
}

// save appends the uncommitted events and publishes them. The append is the
// source of truth; the publish is push-only and retried best-effort.
func (h *Handlers) save(ctx context.Context, wallet *Wallet) (command.Result, error) {
	uncommitted := wallet.UncommittedEvents()
	if err := h.repo.Save(ctx, wallet); err != nil {
		var constraint *domain.UniqueConstraintError
		if errors.As(err, &constraint) && constraint.IndexName == UserIndex {
			return command.Result{}, domain.NewAppErrorf(domain.CodeWalletAlreadyExists,
				"user %s already has a wallet", constraint.Value)
		}
		return command.Result{}, domain.WrapInfra(domain.CodeEventSaveFailed,
			"save wallet "+wallet.ID(), err)
	}

	messaging.PublishWithRetry(ctx, h.bus, uncommitted, publishAttempts, h.logger)
	return command.Result{AggregateID: wallet.ID(), Version: wallet.Version()}, nil
}
