package projection_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/messaging"
	"github.com/libris/circulation/pkg/projection"
	"github.com/libris/circulation/pkg/store/sqlite"
)

// thingEvent is the minimal payload the test projection consumes.
type thingEvent struct {
	ThingID string `json:"thing_id"`
	Name    string `json:"name"`
}

func newFixture(t *testing.T) (*sqlite.EventStore, *sql.DB, *messaging.RecordingBus) {
	t.Helper()
	eventStore, err := sqlite.New(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { eventStore.Close() })

	db := eventStore.DB()
	_, err = db.Exec(`
		CREATE TABLE things_view (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			version    INTEGER NOT NULL,
			deleted_at INTEGER,
			updated_at INTEGER
		)`)
	require.NoError(t, err)

	return eventStore, db, messaging.NewRecordingBus()
}

func thingsRegistry(db *sql.DB) *projection.Registry {
	return projection.NewRegistry("things-view").
		On("ThingCreated", func(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
			var payload thingEvent
			if err := json.Unmarshal(event.Data, &payload); err != nil {
				return err
			}
			return projection.UpsertCreate(ctx, tx, "things_view", payload.ThingID, event.Version,
				projection.Cols{{Name: "name", Value: payload.Name}})
		}).
		On("ThingRenamed", func(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
			var payload thingEvent
			if err := json.Unmarshal(event.Data, &payload); err != nil {
				return err
			}
			return projection.GatedUpdate(ctx, tx, "things_view", payload.ThingID, event.Version,
				projection.Cols{{Name: "name", Value: payload.Name}})
		}).
		On("ThingDeleted", func(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
			var payload thingEvent
			if err := json.Unmarshal(event.Data, &payload); err != nil {
				return err
			}
			return projection.SoftDelete(ctx, tx, "things_view", payload.ThingID, event.Version, event.Timestamp)
		}).
		OnReset(func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM things_view`)
			return err
		})
}

func thingDomainEvent(aggregateID, eventType, name string) *domain.Event {
	data, _ := json.Marshal(thingEvent{ThingID: aggregateID, Name: name})
	return &domain.Event{
		ID:            domain.NewID(),
		AggregateID:   aggregateID,
		AggregateType: "Thing",
		EventType:     eventType,
		SchemaVersion: 1,
		Timestamp:     domain.Now(),
		Data:          data,
	}
}

// appendAndPublish persists a batch then hands it to the bus, the order every
// command handler follows.
func appendAndPublish(t *testing.T, s *sqlite.EventStore, bus *messaging.RecordingBus, expectedVersion int64, events ...*domain.Event) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.AppendEvents(ctx, events[0].AggregateID, expectedVersion, events))
	require.NoError(t, bus.Publish(ctx, events))
}

func readThing(t *testing.T, db *sql.DB, id string) (name string, version int64, deleted bool) {
	t.Helper()
	var deletedAt sql.NullInt64
	err := db.QueryRow(`SELECT name, version, deleted_at FROM things_view WHERE id = ?`, id).
		Scan(&name, &version, &deletedAt)
	require.NoError(t, err)
	return name, version, deletedAt.Valid
}

func TestWorkerProjectsLifecycle(t *testing.T) {
	eventStore, db, bus := newFixture(t)
	ctx := context.Background()

	worker := projection.NewWorker(thingsRegistry(db), db, eventStore, bus,
		projection.WorkerConfig{AggregateType: "Thing"}, nil)
	require.NoError(t, worker.Start(ctx))
	t.Cleanup(func() { worker.Stop(ctx) })

	appendAndPublish(t, eventStore, bus, 0, thingDomainEvent("t-1", "ThingCreated", "first"))
	appendAndPublish(t, eventStore, bus, 1, thingDomainEvent("t-1", "ThingRenamed", "renamed"))

	name, version, deleted := readThing(t, db, "t-1")
	assert.Equal(t, "renamed", name)
	assert.Equal(t, int64(2), version)
	assert.False(t, deleted)

	appendAndPublish(t, eventStore, bus, 2, thingDomainEvent("t-1", "ThingDeleted", ""))
	_, version, deleted = readThing(t, db, "t-1")
	assert.Equal(t, int64(3), version)
	assert.True(t, deleted, "soft delete keeps the row")

	var position int64
	require.NoError(t, db.QueryRow(
		`SELECT position FROM projection_checkpoints WHERE projection_name = ?`,
		"things-view").Scan(&position))
	assert.Equal(t, int64(3), position)
}

func TestWorkerAbsorbsRedelivery(t *testing.T) {
	eventStore, db, bus := newFixture(t)
	ctx := context.Background()

	worker := projection.NewWorker(thingsRegistry(db), db, eventStore, bus,
		projection.WorkerConfig{AggregateType: "Thing"}, nil)
	require.NoError(t, worker.Start(ctx))
	t.Cleanup(func() { worker.Stop(ctx) })

	created := thingDomainEvent("t-2", "ThingCreated", "one")
	renamed := thingDomainEvent("t-2", "ThingRenamed", "two")
	appendAndPublish(t, eventStore, bus, 0, created)
	appendAndPublish(t, eventStore, bus, 1, renamed)

	// At-least-once delivery: the old event comes around again.
	require.NoError(t, bus.Publish(ctx, []*domain.Event{created}))

	name, version, _ := readThing(t, db, "t-2")
	assert.Equal(t, "two", name, "stale redelivery must not regress the view")
	assert.Equal(t, int64(2), version)

	var position int64
	require.NoError(t, db.QueryRow(
		`SELECT position FROM projection_checkpoints WHERE projection_name = ?`,
		"things-view").Scan(&position))
	assert.Equal(t, renamed.GlobalVersion, position, "checkpoint never moves backwards")
}

func TestWorkerAcksDomainErrorsNacksInfrastructure(t *testing.T) {
	eventStore, db, bus := newFixture(t)
	ctx := context.Background()

	registry := projection.NewRegistry("picky-view").
		On("ThingCreated", func(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
			return domain.NewAppError(domain.CodeValidationError, "view does not want this")
		}).
		On("ThingRenamed", func(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
			return fmt.Errorf("disk on fire")
		})

	worker := projection.NewWorker(registry, db, eventStore, bus,
		projection.WorkerConfig{AggregateType: "Thing"}, nil)
	require.NoError(t, worker.Start(ctx))
	t.Cleanup(func() { worker.Stop(ctx) })

	deliver := bus.HandlerFor("picky-view")
	require.NotNil(t, deliver)

	// A domain rejection is a fact about the event; redelivery can't fix it.
	err := deliver(ctx, thingDomainEvent("t-3", "ThingCreated", "unwanted"))
	assert.NoError(t, err, "domain errors are acked")

	// The failed transaction must not have advanced the checkpoint.
	var count int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(1) FROM projection_checkpoints WHERE projection_name = ?`,
		"picky-view").Scan(&count))
	assert.Zero(t, count)

	// Infrastructure errors nack so the bus redelivers.
	err = deliver(ctx, thingDomainEvent("t-3", "ThingRenamed", "still unwanted"))
	assert.Error(t, err)
}

func TestWorkerRebuildMatchesLiveState(t *testing.T) {
	eventStore, db, bus := newFixture(t)
	ctx := context.Background()

	worker := projection.NewWorker(thingsRegistry(db), db, eventStore, bus,
		projection.WorkerConfig{AggregateType: "Thing", RebuildBatchSize: 2}, nil)
	require.NoError(t, worker.Start(ctx))
	t.Cleanup(func() { worker.Stop(ctx) })

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("t-%d", i)
		appendAndPublish(t, eventStore, bus, 0, thingDomainEvent(id, "ThingCreated", "live"))
		appendAndPublish(t, eventStore, bus, 1, thingDomainEvent(id, "ThingRenamed", "live-"+id))
	}
	appendAndPublish(t, eventStore, bus, 2, thingDomainEvent("t-0", "ThingDeleted", ""))

	live := dumpThings(t, db)

	require.NoError(t, worker.Rebuild(ctx))
	rebuilt := dumpThings(t, db)

	assert.Equal(t, live, rebuilt, "rebuild from the log must equal bus-fed state")
}

func dumpThings(t *testing.T, db *sql.DB) map[string]string {
	t.Helper()
	rows, err := db.Query(`SELECT id, name, version, COALESCE(deleted_at, 0) FROM things_view ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()

	state := map[string]string{}
	for rows.Next() {
		var (
			id, name  string
			version   int64
			deletedAt int64
		)
		require.NoError(t, rows.Scan(&id, &name, &version, &deletedAt))
		state[id] = fmt.Sprintf("%s@%d deleted=%d", name, version, deletedAt)
	}
	require.NoError(t, rows.Err())
	return state
}
