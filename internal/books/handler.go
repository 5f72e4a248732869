package books

import (
	"context"
	"errors"
	"log/slog"

	"github.com/libris/circulation/internal/events"
	"github.com/libris/circulation/pkg/command"
	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/messaging"
	"github.com/libris/circulation/pkg/store"
)

const publishAttempts = 3

// Handlers executes book commands: rehydrate, decide, append, publish.
type Handlers struct {
	repo     *store.BaseRepository[*Book]
	events   store.EventStore
	bus      messaging.EventBus
	pipeline *command.Pipeline
	logger   *slog.Logger
}

// NewHandlers wires the book command side.
func NewHandlers(eventStore store.EventStore, bus messaging.EventBus, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "books")

	return &Handlers{
		repo:   store.NewRepository(eventStore, New),
		events: eventStore,
		bus:    bus,
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

// Create catalogues a new book. The ISBN lookup gives a friendly conflict
// before the append; the unique constraint settles races transactionally.
func (h *Handlers) Create(ctx context.Context, in CreateInput) (command.Result, error) {
	op := &command.Operation{
		Name:          "books.create",
		CorrelationID: command.CorrelationFromContext(ctx),
	}
	commandID := domain.NewID()

	return command.Run(ctx, h.pipeline, op, func(ctx context.Context) (command.Result, error) {
		existing, err := h.events.FindLatestByPayloadField(ctx, events.TypeBookCreated, "isbn", in.ISBN)
		if err != nil {
			return command.Result{}, domain.WrapInfra(domain.CodeEventLookupFailed,
				"find book by ISBN "+in.ISBN, err)
		}
		if existing != "" {
			return command.Result{}, domain.NewAppErrorf(domain.CodeBookAlreadyExists,
				"a book with ISBN %s already exists", in.ISBN).WithDetail("book_id", existing)
		}

		book := New(domain.NewID())
		book.SetCommandContext(commandID, op.CorrelationID)
		if err := book.Create(in); err != nil {
			return command.Result{}, err
		}
		return h.save(ctx, book)
	})
}

// Update applies a sparse change set to a book.
func (h *Handlers) Update(ctx context.Context, id string, in UpdateInput) (command.Result, error) {
	op := &command.Operation{
		Name:          "books.update",
		AggregateID:   id,
		CorrelationID: command.CorrelationFromContext(ctx),
	}
	commandID := domain.NewID()

	return command.Run(ctx, h.pipeline, op, func(ctx context.Context) (command.Result, error) {
		book, err := h.load(ctx, id)
		if err != nil {
			return command.Result{}, err
		}
		book.SetCommandContext(commandID, op.CorrelationID)
		if err := book.Update(in); err != nil {
			return command.Result{}, err
		}
		return h.save(ctx, book)
	})
}

// Delete removes a book from the catalog.
func (h *Handlers) Delete(ctx context.Context, id string) (command.Result, error) {
	op := &command.Operation{
		Name:          "books.delete",
		AggregateID:   id,
		CorrelationID: command.CorrelationFromContext(ctx),
	}
	commandID := domain.NewID()

	return command.Run(ctx, h.pipeline, op, func(ctx context.Context) (command.Result, error) {
		book, err := h.load(ctx, id)
		if err != nil {
			return command.Result{}, err
		}
		book.SetCommandContext(commandID, op.CorrelationID)
		if err := book.Delete(); err != nil {
			return command.Result{}, err
		}
		return h.save(ctx, book)
	})
}

func (h *Handlers) load(ctx context.Context, id string) (*Book, error) {
	book, err := h.repo.Load(ctx, id)
	if errors.Is(err, domain.ErrAggregateNotFound) {
		return nil, domain.NewAppErrorf(domain.CodeBookNotFound, "book %s not found", id)
	}
	if err != nil {
		return nil, domain.WrapInfra(domain.CodeEventLookupFailed, "load book "+id, err)
	}
	return book, nil
}

// save appends the uncommitted events and publishes them. The append is the
// source of truth; the publish is push-only and retried best-effort.
func (h *Handlers) save(ctx context.Context, book *Book) (command.Result, error) {
	uncommitted := book.UncommittedEvents()
	if err := h.repo.Save(ctx, book); err != nil {
		var constraint *domain.UniqueConstraintError
		if errors.As(err, &constraint) && constraint.IndexName == ISBNIndex {
			return command.Result{}, domain.NewAppErrorf(domain.CodeBookAlreadyExists,
				"a book with ISBN %s already exists", constraint.Value)
		}
		return command.Result{}, domain.WrapInfra(domain.CodeEventSaveFailed,
			"save book "+book.ID(), err)
	}

	messaging.PublishWithRetry(ctx, h.bus, uncommitted, publishAttempts, h.logger)
	return command.Result{AggregateID: book.ID(), Version: book.Version()}, nil
}
