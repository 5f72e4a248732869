// Package storetest is a conformance suite run against every EventStore
// backend to keep their semantics identical.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/store"
)

// Factory builds a fresh empty store for one test.
type Factory func(t *testing.T) store.EventStore

func newEvent(aggregateID, eventType string, payload string) *domain.Event {
	return &domain.Event{
		ID:            domain.NewID(),
		AggregateID:   aggregateID,
		AggregateType: "Thing",
		EventType:     eventType,
		SchemaVersion: 1,
		Timestamp:     domain.Now(),
		Data:          []byte(payload),
	}
}

// Run executes the conformance suite.
func Run(t *testing.T, factory Factory) {
	t.Run("AppendAndLoad", func(t *testing.T) { testAppendAndLoad(t, factory(t)) })
	t.Run("VersionsAreContiguous", func(t *testing.T) { testContiguousVersions(t, factory(t)) })
	t.Run("ConcurrencyConflict", func(t *testing.T) { testConcurrencyConflict(t, factory(t)) })
	t.Run("SingleWinnerUnderContention", func(t *testing.T) { testSingleWinner(t, factory(t)) })
	t.Run("StoredOrderFollowsGlobalOrder", func(t *testing.T) { testStoredOrder(t, factory(t)) })
	t.Run("UniqueConstraints", func(t *testing.T) { testUniqueConstraints(t, factory(t)) })
	t.Run("FindLatestByPayloadField", func(t *testing.T) { testFindLatestByPayloadField(t, factory(t)) })
	t.Run("LoadAllEventsPaging", func(t *testing.T) { testLoadAllEventsPaging(t, factory(t)) })
}

func testAppendAndLoad(t *testing.T, s store.EventStore) {
	defer s.Close()
	ctx := context.Background()

	batch := []*domain.Event{
		newEvent("agg-1", "ThingCreated", `{"name":"first"}`),
		newEvent("agg-1", "ThingRenamed", `{"name":"second"}`),
	}
	require.NoError(t, s.AppendEvents(ctx, "agg-1", 0, batch))

	events, err := s.LoadEvents(ctx, "agg-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, int64(1), events[0].Version)
	assert.Equal(t, int64(2), events[1].Version)
	assert.Less(t, events[0].GlobalVersion, events[1].GlobalVersion)
	assert.False(t, events[0].Metadata.Stored.IsZero(), "stored timestamp must be stamped at append")
	assert.NotEmpty(t, events[0].Metadata.CorrelationID, "missing correlation ids are generated")
	assert.JSONEq(t, `{"name":"first"}`, string(events[0].Data))

	version, err := s.GetAggregateVersion(ctx, "agg-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	// Unknown aggregates have no events and version 0.
	none, err := s.LoadEvents(ctx, "missing", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
	version, err = s.GetAggregateVersion(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, version)
}

func testContiguousVersions(t *testing.T, s store.EventStore) {
	defer s.Close()
	ctx := context.Background()

	expected := int64(0)
	for batch := 0; batch < 4; batch++ {
		events := []*domain.Event{
			newEvent("agg-seq", "ThingPoked", `{}`),
			newEvent("agg-seq", "ThingPoked", `{}`),
		}
		require.NoError(t, s.AppendEvents(ctx, "agg-seq", expected, events))
		expected += 2
	}

	events, err := s.LoadEvents(ctx, "agg-seq", 0)
	require.NoError(t, err)
	require.Len(t, events, 8)
	for i, event := range events {
		assert.Equal(t, int64(i+1), event.Version, "version gap at index %d", i)
	}
}

func testConcurrencyConflict(t *testing.T, s store.EventStore) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.AppendEvents(ctx, "agg-c", 0,
		[]*domain.Event{newEvent("agg-c", "ThingCreated", `{}`)}))

	// A writer that loaded at version 0 must lose.
	err := s.AppendEvents(ctx, "agg-c", 0,
		[]*domain.Event{newEvent("agg-c", "ThingRenamed", `{}`)})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	// Overstated versions lose the same way.
	err = s.AppendEvents(ctx, "agg-c", 9,
		[]*domain.Event{newEvent("agg-c", "ThingRenamed", `{}`)})
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
}

func testSingleWinner(t *testing.T, s store.EventStore) {
	defer s.Close()
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			event := newEvent("agg-race", "ThingCreated", fmt.Sprintf(`{"writer":%d}`, i))
			errs[i] = s.AppendEvents(ctx, "agg-race", 0, []*domain.Event{event})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent writer may win")

	events, err := s.LoadEvents(ctx, "agg-race", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func testStoredOrder(t *testing.T, s store.EventStore) {
	defer s.Close()
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	domain.TimeFunc = func() time.Time { return base }
	defer func() { domain.TimeFunc = time.Now }()

	require.NoError(t, s.AppendEvents(ctx, "agg-t1", 0,
		[]*domain.Event{newEvent("agg-t1", "ThingCreated", `{}`)}))

	// Wall clock jumps backwards between appends.
	domain.TimeFunc = func() time.Time { return base.Add(-time.Hour) }
	require.NoError(t, s.AppendEvents(ctx, "agg-t2", 0,
		[]*domain.Event{newEvent("agg-t2", "ThingCreated", `{}`)}))

	all, err := s.LoadAllEvents(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Less(t, all[0].GlobalVersion, all[1].GlobalVersion)
	assert.False(t, all[1].Metadata.Stored.Before(all[0].Metadata.Stored),
		"stored timestamps must not decrease along the global sequence")
}

func testUniqueConstraints(t *testing.T, s store.EventStore) {
	defer s.Close()
	ctx := context.Background()

	claim := newEvent("agg-u1", "ThingCreated", `{}`)
	claim.UniqueConstraints = []domain.UniqueConstraint{domain.ClaimUnique("thing_name", "alpha")}
	require.NoError(t, s.AppendEvents(ctx, "agg-u1", 0, []*domain.Event{claim}))

	owner, err := s.GetConstraintOwner(ctx, "thing_name", "alpha")
	require.NoError(t, err)
	assert.Equal(t, "agg-u1", owner)

	// Another aggregate cannot claim the same value.
	rival := newEvent("agg-u2", "ThingCreated", `{}`)
	rival.UniqueConstraints = []domain.UniqueConstraint{domain.ClaimUnique("thing_name", "alpha")}
	err = s.AppendEvents(ctx, "agg-u2", 0, []*domain.Event{rival})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUniqueConstraintViolation)

	var constraintErr *domain.UniqueConstraintError
	require.ErrorAs(t, err, &constraintErr)
	assert.Equal(t, "agg-u1", constraintErr.OwnerID)

	// The losing append must not have persisted anything.
	version, err := s.GetAggregateVersion(ctx, "agg-u2")
	require.NoError(t, err)
	assert.Zero(t, version)

	// Releasing frees the value for other aggregates.
	release := newEvent("agg-u1", "ThingDeleted", `{}`)
	release.UniqueConstraints = []domain.UniqueConstraint{domain.ReleaseUnique("thing_name", "alpha")}
	require.NoError(t, s.AppendEvents(ctx, "agg-u1", 1, []*domain.Event{release}))

	retry := newEvent("agg-u2", "ThingCreated", `{}`)
	retry.UniqueConstraints = []domain.UniqueConstraint{domain.ClaimUnique("thing_name", "alpha")}
	require.NoError(t, s.AppendEvents(ctx, "agg-u2", 0, []*domain.Event{retry}))
}

func testFindLatestByPayloadField(t *testing.T, s store.EventStore) {
	defer s.Close()
	ctx := context.Background()

	first := newEvent("agg-f1", "OwnerAssigned", `{"owner_id":"u-7"}`)
	require.NoError(t, s.AppendEvents(ctx, "agg-f1", 0, []*domain.Event{first}))

	second := newEvent("agg-f2", "OwnerAssigned", `{"owner_id":"u-7"}`)
	require.NoError(t, s.AppendEvents(ctx, "agg-f2", 0, []*domain.Event{second}))

	other := newEvent("agg-f3", "OwnerAssigned", `{"owner_id":"u-8"}`)
	require.NoError(t, s.AppendEvents(ctx, "agg-f3", 0, []*domain.Event{other}))

	// The latest matching event wins.
	aggregateID, err := s.FindLatestByPayloadField(ctx, "OwnerAssigned", "owner_id", "u-7")
	require.NoError(t, err)
	assert.Equal(t, "agg-f2", aggregateID)

	aggregateID, err = s.FindLatestByPayloadField(ctx, "OwnerAssigned", "owner_id", "u-8")
	require.NoError(t, err)
	assert.Equal(t, "agg-f3", aggregateID)

	aggregateID, err = s.FindLatestByPayloadField(ctx, "OwnerAssigned", "owner_id", "nobody")
	require.NoError(t, err)
	assert.Empty(t, aggregateID)

	// A "<AggregateType>Deleted" tombstone after the match hides it.
	tombstone := newEvent("agg-f2", "ThingDeleted", `{}`)
	require.NoError(t, s.AppendEvents(ctx, "agg-f2", 1, []*domain.Event{tombstone}))

	aggregateID, err = s.FindLatestByPayloadField(ctx, "OwnerAssigned", "owner_id", "u-7")
	require.NoError(t, err)
	assert.Empty(t, aggregateID, "deleted aggregates are not found")

	// Re-claiming the value on a fresh aggregate makes it findable again.
	replacement := newEvent("agg-f4", "OwnerAssigned", `{"owner_id":"u-7"}`)
	require.NoError(t, s.AppendEvents(ctx, "agg-f4", 0, []*domain.Event{replacement}))

	aggregateID, err = s.FindLatestByPayloadField(ctx, "OwnerAssigned", "owner_id", "u-7")
	require.NoError(t, err)
	assert.Equal(t, "agg-f4", aggregateID)
}

func testLoadAllEventsPaging(t *testing.T, s store.EventStore) {
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		aggregateID := fmt.Sprintf("agg-p%d", i)
		require.NoError(t, s.AppendEvents(ctx, aggregateID, 0,
			[]*domain.Event{newEvent(aggregateID, "ThingCreated", `{}`)}))
	}

	var seen []int64
	position := int64(0)
	for {
		page, err := s.LoadAllEvents(ctx, position, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, event := range page {
			seen = append(seen, event.GlobalVersion)
		}
		position = page[len(page)-1].GlobalVersion
	}

	require.Len(t, seen, 5)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1], "global order must be ascending")
	}

	// A page beyond the head is empty, not an error.
	tail, err := s.LoadAllEvents(ctx, seen[len(seen)-1], 2)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

// RequireAppend is a helper for backend-specific tests.
func RequireAppend(t *testing.T, s store.EventStore, aggregateID string, expectedVersion int64, events ...*domain.Event) {
	t.Helper()
	require.NoError(t, s.AppendEvents(context.Background(), aggregateID, expectedVersion, events))
}

// NewTestEvent builds an event for backend-specific tests.
func NewTestEvent(aggregateID, eventType, payload string) *domain.Event {
	return newEvent(aggregateID, eventType, payload)
}

// IsConflict reports whether err is an optimistic concurrency failure.
func IsConflict(err error) bool {
	return errors.Is(err, domain.ErrConcurrencyConflict)
}
