package wallets

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/libris/circulation/internal/config"
	"github.com/libris/circulation/internal/events"
	"github.com/libris/circulation/pkg/messaging"
	"github.com/libris/circulation/pkg/projection"
	"github.com/libris/circulation/pkg/query"
	"github.com/libris/circulation/pkg/runner"
	"github.com/libris/circulation/pkg/store"
	"github.com/libris/circulation/pkg/store/sqlite/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Service bundles the payment service's moving parts for a binary to run.
type Service struct {
	Handlers *Handlers
	Queries  *Queries
	Worker   *projection.Worker
	Reactor  *Reactor
}

// Assemble wires the payment service onto the shared store, view database and
// bus, applying the read-model schema first.
func Assemble(cfg config.Config, eventStore store.EventStore, db *sql.DB, bus messaging.EventBus, logger *slog.Logger) (*Service, error) {
	if err := Migrate(db); err != nil {
		return nil, err
	}

	worker := projection.NewWorker(NewProjection(), db, eventStore, bus, projection.WorkerConfig{
		AggregateType: events.AggregateWallet,
		MaxDeliver:    cfg.ConsumerMaxDeliver,
		AckWait:       cfg.ConsumerAckWait,
		Prefetch:      cfg.ConsumerPrefetch,
	}, logger)

	reactor := NewReactor(eventStore, bus, ReactorConfig{
		MaxDeliver: cfg.ConsumerMaxDeliver,
		AckWait:    cfg.ConsumerAckWait,
		Prefetch:   cfg.ConsumerPrefetch,
	}, logger)

	return &Service{
		Handlers: NewHandlers(eventStore, bus, logger),
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

// Migrate applies the payment read-model schema.
func Migrate(db *sql.DB) error {
	m := migrate.New(db, "wallets_schema_migrations")
	if err := m.LoadFS(migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("load wallets migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		return fmt.Errorf("migrate wallets views: %w", err)
	}
	return nil
}
