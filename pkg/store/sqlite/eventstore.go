// Package sqlite implements the event store on SQLite via the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/store"
	"github.com/libris/circulation/pkg/store/sqlite/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// EventStore is a SQLite-backed store.EventStore.
type EventStore struct {
	db  *sql.DB
	dsn string

	maxOpenConns int
	walMode      bool
	autoMigrate  bool
	busyTimeout  time.Duration
}

var _ store.EventStore = (*EventStore)(nil)

// Option configures the event store.
type Option func(*EventStore)

// WithDSN sets the database file path.
func WithDSN(dsn string) Option {
	return func(s *EventStore) { s.dsn = dsn }
}

// WithMemoryDatabase uses an in-memory database. Connections are capped at
// one because each in-memory connection would otherwise see its own database.
func WithMemoryDatabase() Option {
	return func(s *EventStore) {
		s.dsn = ":memory:"
		s.maxOpenConns = 1
	}
}

// WithMaxOpenConns caps the connection pool. The default of one serializes
// write transactions in-process, which SQLite requires anyway.
func WithMaxOpenConns(n int) Option {
	return func(s *EventStore) { s.maxOpenConns = n }
}

// WithWALMode toggles write-ahead logging. Enabled by default.
func WithWALMode(enabled bool) Option {
	return func(s *EventStore) { s.walMode = enabled }
}

// WithAutoMigrate toggles running embedded migrations at open. Enabled by default.
func WithAutoMigrate(enabled bool) Option {
	return func(s *EventStore) { s.autoMigrate = enabled }
}

// WithBusyTimeout sets how long a blocked writer waits before failing.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *EventStore) { s.busyTimeout = d }
}

// New opens (and by default migrates) a SQLite event store.
func New(opts ...Option) (*EventStore, error) {
	s := &EventStore{
		dsn:          "events.db",
		maxOpenConns: 1,
		walMode:      true,
		autoMigrate:  true,
		busyTimeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", s.dsn, err)
	}
	db.SetMaxOpenConns(s.maxOpenConns)
	db.SetMaxIdleConns(s.maxOpenConns)
	s.db = db

	if err := s.configure(); err != nil {
		db.Close()
		return nil, err
	}

	if s.autoMigrate {
		if err := s.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *EventStore) configure() error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.busyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
	}
	if s.walMode && s.dsn != ":memory:" {
		pragmas = append(pragmas,
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
		)
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// Migrate applies pending schema migrations.
func (s *EventStore) Migrate() error {
	m := migrate.New(s.db, "schema_migrations")
	if err := m.LoadFS(migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// DB exposes the underlying handle so projections can share the database
// file and transaction semantics.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *EventStore) Close() error {
	return s.db.Close()
}

// AppendEvents implements store.EventStore. The version check, event
// inserts, constraint changes, global sequencing and the stored timestamp
// all commit in one transaction.
func (s *EventStore) AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var current int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&current); err != nil {
		return fmt.Errorf("read stream head: %w", err)
	}
	if current != expectedVersion {
		return fmt.Errorf("aggregate %s at version %d, expected %d: %w",
			aggregateID, current, expectedVersion, domain.ErrConcurrencyConflict)
	}

	// Stored timestamps never decrease along the global sequence.
	var lastStored int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(stored), 0) FROM events`,
	).Scan(&lastStored); err != nil {
		return fmt.Errorf("read stored watermark: %w", err)
	}
	storedNanos := domain.Now().UnixNano()
	if storedNanos < lastStored {
		storedNanos = lastStored
	}
	stored := time.Unix(0, storedNanos)

	for i, event := range events {
		event.Version = expectedVersion + int64(i) + 1
		event.Metadata.Stored = stored
		if event.Metadata.CorrelationID == "" {
			event.Metadata.CorrelationID = domain.NewID()
		}

		if err := s.applyConstraints(ctx, tx, event, aggregateID); err != nil {
			return err
		}

		custom, err := json.Marshal(event.Metadata.Custom)
		if err != nil {
			return fmt.Errorf("marshal custom metadata: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (
				id, aggregate_id, aggregate_type, event_type,
				version, schema_version, timestamp, stored,
				causation_id, correlation_id, custom, payload
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			event.ID, event.AggregateID, event.AggregateType, event.EventType,
			event.Version, event.SchemaVersion, event.Timestamp.UnixNano(), storedNanos,
			event.Metadata.CausationID, event.Metadata.CorrelationID,
			string(custom), string(event.Data),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("aggregate %s version %d: %w",
					aggregateID, event.Version, domain.ErrDuplicateEvent)
			}
			return fmt.Errorf("insert event: %w", err)
		}

		globalVersion, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read global version: %w", err)
		}
		event.GlobalVersion = globalVersion
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// applyConstraints validates and applies an event's unique constraint
// operations inside the append transaction.
func (s *EventStore) applyConstraints(ctx context.Context, tx *sql.Tx, event *domain.Event, aggregateID string) error {
	for _, constraint := range event.UniqueConstraints {
		switch constraint.Operation {
		case domain.ConstraintClaim:
			var owner string
			err := tx.QueryRowContext(ctx,
				`SELECT aggregate_id FROM unique_constraints WHERE index_name = ? AND value = ?`,
				constraint.IndexName, constraint.Value,
			).Scan(&owner)
			switch {
			case err == sql.ErrNoRows:
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO unique_constraints (index_name, value, aggregate_id, claimed_at)
					 VALUES (?, ?, ?, ?)`,
					constraint.IndexName, constraint.Value, aggregateID, domain.Now().Unix(),
				); err != nil {
					return fmt.Errorf("claim %s=%q: %w", constraint.IndexName, constraint.Value, err)
				}
			case err != nil:
				return fmt.Errorf("check constraint %s: %w", constraint.IndexName, err)
			case owner != aggregateID:
				return &domain.UniqueConstraintError{
					IndexName: constraint.IndexName,
					Value:     constraint.Value,
					OwnerID:   owner,
				}
			}
			// Re-claim by the same aggregate is a no-op.

		case domain.ConstraintRelease:
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM unique_constraints WHERE index_name = ? AND value = ? AND aggregate_id = ?`,
				constraint.IndexName, constraint.Value, aggregateID,
			); err != nil {
				return fmt.Errorf("release %s=%q: %w", constraint.IndexName, constraint.Value, err)
			}

		default:
			return fmt.Errorf("unknown constraint operation %q", constraint.Operation)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
