package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/libris/circulation/pkg/domain"
)

// PublishWithRetry publishes committed events, retrying transient failures
// with a short backoff. The append to the log already happened, so a publish
// that keeps failing is logged and dropped rather than surfaced: projections
// converge through redelivery and rebuilds, and duplicate publishes are
// deduplicated on event ID.
func PublishWithRetry(ctx context.Context, bus EventBus, events []*domain.Event, attempts int, logger *slog.Logger) {
	if len(events) == 0 {
		return
	}
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = bus.Publish(ctx, events); err == nil {
			return
		}
		if attempt == attempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-ctx.Done():
			err = ctx.Err()
			attempt = attempts
		}
	}

	logger.ErrorContext(ctx, "publishing committed events failed",
		slog.String("aggregate_id", events[0].AggregateID),
		slog.Int("events", len(events)),
		slog.String("error", err.Error()),
	)
}

// StreamLoader loads an aggregate's committed events. store.EventStore
// satisfies it.
type StreamLoader interface {
	LoadEvents(ctx context.Context, aggregateID string, afterVersion int64) ([]*domain.Event, error)
}

// RepublishByCausation republishes an aggregate's committed events whose
// causation ID matches. Reactors call it when a redelivered trigger turns out
// to be already handled: the decision events exist in the log but their
// publish may not have gone out, and publish deduplication makes repeating it
// harmless.
func RepublishByCausation(ctx context.Context, bus EventBus, loader StreamLoader, aggregateID, causationID string) error {
	if causationID == "" {
		return nil
	}

	all, err := loader.LoadEvents(ctx, aggregateID, 0)
	if err != nil {
		return err
	}

	var matched []*domain.Event
	for _, event := range all {
		if event.Metadata.CausationID == causationID {
			matched = append(matched, event)
		}
	}
	if len(matched) == 0 {
		return nil
	}
	return bus.Publish(ctx, matched)
}
