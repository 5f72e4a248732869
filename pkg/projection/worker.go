package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/messaging"
	"github.com/libris/circulation/pkg/store"
)

// WorkerConfig tunes one projection worker's consumer.
type WorkerConfig struct {
	// AggregateType narrows the bus subscription ("" = all aggregates).
	AggregateType string

	// MaxDeliver, AckWait and Prefetch override the bus defaults when > 0.
	MaxDeliver int
	AckWait    time.Duration
	Prefetch   int

	// RebuildBatchSize is the page size used when replaying the log.
	// Defaults to 1000.
	RebuildBatchSize int
}

// Worker runs one projection: it tails the bus through a durable queue named
// after the registry and applies each event plus the checkpoint in a single
// transaction. It implements runner.Service.
type Worker struct {
	registry *Registry
	db       *sql.DB
	events   store.EventStore
	bus      messaging.EventBus
	config   WorkerConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sub    messaging.Subscription
}

// NewWorker wires a registry to its database and bus.
func NewWorker(registry *Registry, db *sql.DB, events store.EventStore, bus messaging.EventBus, config WorkerConfig, logger *slog.Logger) *Worker {
	if config.RebuildBatchSize <= 0 {
		config.RebuildBatchSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		registry: registry,
		db:       db,
		events:   events,
		bus:      bus,
		config:   config,
		logger:   logger.With("projection", registry.Name()),
	}
}

// Name implements runner.Service.
func (w *Worker) Name() string {
	return w.registry.Name()
}

// Start implements runner.Service. Deliveries are bound to the worker's own
// lifetime, not to the startup context, which the runner cancels as soon as
// Start returns.
func (w *Worker) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(context.Background())

	sub, err := w.bus.Subscribe(w.ctx, messaging.SubscriptionConfig{
		Queue:         w.registry.Name(),
		AggregateType: w.config.AggregateType,
		EventTypes:    w.registry.EventTypes(),
		MaxDeliver:    w.config.MaxDeliver,
		AckWait:       w.config.AckWait,
		Prefetch:      w.config.Prefetch,
	}, w.deliver)
	if err != nil {
		w.cancel()
		return fmt.Errorf("subscribe projection %s: %w", w.registry.Name(), err)
	}
	w.sub = sub
	return nil
}

// Stop implements runner.Service.
func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.sub != nil {
		if err := w.sub.Unsubscribe(); err != nil {
			return err
		}
		w.sub = nil
	}
	return nil
}

// HealthCheck implements runner.HealthChecker.
func (w *Worker) HealthCheck(ctx context.Context) error {
	return w.db.PingContext(ctx)
}

// deliver is the bus handler. Domain errors are logged and acked: the event
// is a committed fact, and redelivering it cannot change a business rule.
// Everything else nacks for redelivery and eventually the dead-letter queue.
func (w *Worker) deliver(ctx context.Context, event *domain.Event) error {
	err := w.apply(ctx, event)
	if err == nil {
		return nil
	}

	if domain.AsAppError(err).Kind() == domain.KindDomain {
		w.logger.Error("projection dropped event on domain error",
			"event_id", event.ID,
			"event_type", event.EventType,
			"aggregate_id", event.AggregateID,
			"error", err)
		return nil
	}
	return err
}

// apply runs the handler and the checkpoint write in one transaction.
func (w *Worker) apply(ctx context.Context, event *domain.Event) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin projection tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := w.registry.Dispatch(ctx, tx, event); err != nil {
		return err
	}
	if err := saveCheckpoint(ctx, tx, w.registry.Name(), event.GlobalVersion, event.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit projection tx: %w", err)
	}
	return nil
}

// Rebuild resets the read model and replays the whole log in global order.
// The caller must not run the worker concurrently with a rebuild.
func (w *Worker) Rebuild(ctx context.Context) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	if err := w.registry.Reset(ctx, tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("reset projection %s: %w", w.registry.Name(), err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM projection_checkpoints WHERE projection_name = ?`,
		w.registry.Name(),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("delete checkpoint %s: %w", w.registry.Name(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset tx: %w", err)
	}

	position := int64(0)
	for {
		events, err := w.events.LoadAllEvents(ctx, position, w.config.RebuildBatchSize)
		if err != nil {
			return fmt.Errorf("load events from %d: %w", position, err)
		}
		if len(events) == 0 {
			return nil
		}

		tx, err := w.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rebuild tx: %w", err)
		}
		for _, event := range events {
			if _, err := w.registry.Dispatch(ctx, tx, event); err != nil {
				if domain.AsAppError(err).Kind() == domain.KindDomain {
					w.logger.Error("rebuild dropped event on domain error",
						"event_id", event.ID, "event_type", event.EventType, "error", err)
					continue
				}
				tx.Rollback()
				return fmt.Errorf("rebuild %s at %d: %w", w.registry.Name(), event.GlobalVersion, err)
			}
		}

		last := events[len(events)-1]
		if err := saveCheckpoint(ctx, tx, w.registry.Name(), last.GlobalVersion, last.ID); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rebuild tx: %w", err)
		}

		position = last.GlobalVersion
		if len(events) < w.config.RebuildBatchSize {
			return nil
		}
	}
}

// saveCheckpoint advances the projection checkpoint. The position gate keeps
// a redelivered old event from moving the checkpoint backwards.
func saveCheckpoint(ctx context.Context, ex Execer, name string, position int64, eventID string) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projection_checkpoints (projection_name, position, last_event_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (projection_name) DO UPDATE SET
			position = excluded.position,
			last_event_id = excluded.last_event_id,
			updated_at = excluded.updated_at
		WHERE excluded.position > projection_checkpoints.position`,
		name, position, eventID, domain.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	return nil
}
