package reservations

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/libris/circulation/internal/config"
	"github.com/libris/circulation/pkg/messaging"
	"github.com/libris/circulation/pkg/projection"
	"github.com/libris/circulation/pkg/query"
	"github.com/libris/circulation/pkg/runner"
	"github.com/libris/circulation/pkg/store"
	"github.com/libris/circulation/pkg/store/sqlite/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Service bundles the lending service's moving parts for a binary to run.
type Service struct {
	Handlers *Handlers
	Queries  *Queries
	Worker   *projection.Worker
	Reactor  *Reactor
}

// Assemble wires the lending service onto the shared store, view database and
// bus, applying the read-model schema first.
func Assemble(cfg config.Config, eventStore store.EventStore, db *sql.DB, bus messaging.EventBus, logger *slog.Logger) (*Service, error) {
	if err := Migrate(db); err != nil {
		return nil, err
	}

	policy := Policy{
		DueDays:       cfg.ReservationDueDays,
		Fee:           cfg.ReservationFee,
		LateFeePerDay: cfg.LateFeePerDay,
	}

	// AggregateType stays open: besides reservation events the view consumes
	// the catalog's price events for the book_prices mirror.
	worker := projection.NewWorker(NewProjection(), db, eventStore, bus, projection.WorkerConfig{
		MaxDeliver: cfg.ConsumerMaxDeliver,
		AckWait:    cfg.ConsumerAckWait,
		Prefetch:   cfg.ConsumerPrefetch,
	}, logger)

	reactor := NewReactor(eventStore, bus, ReactorConfig{
		MaxDeliver: cfg.ConsumerMaxDeliver,
		AckWait:    cfg.ConsumerAckWait,
		Prefetch:   cfg.ConsumerPrefetch,
	}, logger)

	return &Service{
		Handlers: NewHandlers(eventStore, bus, db, policy, logger),
		Queries: NewQueries(db, query.Limits{
			DefaultLimit: cfg.PaginationDefaultLimit,
			MaxLimit:     cfg.PaginationMaxLimit,
		}),
		Worker:  worker,
		Reactor: reactor,
	}, nil
}

// Runnables returns the service's long-running parts in start order.
func (s *Service) Runnables() []runner.Service {
	return []runner.Service{s.Worker, s.Reactor}
}

// Migrate applies the lending read-model schema.
func Migrate(db *sql.DB) error {
	m := migrate.New(db, "reservations_schema_migrations")
	if err := m.LoadFS(migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("load reservations migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		return fmt.Errorf("migrate reservations views: %w", err)
	}
	return nil
}
