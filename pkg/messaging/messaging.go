// Package messaging defines the event bus contract connecting the services.
// Events are published after they are committed to the event store; delivery
// is at-least-once, so consumers must be idempotent.
package messaging

import (
	"context"
	"time"

	"github.com/libris/circulation/pkg/domain"
)

// EventBus publishes committed events and feeds durable consumers.
type EventBus interface {
	// Publish publishes events in order. Publishing is deduplicated on the
	// event ID, so retrying after a partial failure is safe.
	Publish(ctx context.Context, events []*domain.Event) error

	// Subscribe registers a durable consumer. Within one Queue, each event
	// is delivered to exactly one subscriber instance. Failed deliveries are
	// redelivered with backoff until MaxDeliver, then dead-lettered.
	Subscribe(ctx context.Context, config SubscriptionConfig, handler Handler) (Subscription, error)

	// Close drains subscriptions and releases the underlying connection.
	Close() error
}

// Handler processes one event delivery. Returning an error nacks the
// delivery for redelivery; returning nil acks it.
type Handler func(ctx context.Context, event *domain.Event) error

// SubscriptionConfig describes a durable consumer group.
type SubscriptionConfig struct {
	// Queue is the consumer group name, one per service-level concern
	// (e.g. "books-reactor", "reservations-view"). It doubles as the
	// durable name, so a restarted service resumes where it left off.
	Queue string

	// AggregateType narrows delivery to one aggregate's events ("" = all).
	AggregateType string

	// EventTypes narrows delivery to specific event types (empty = all).
	EventTypes []string

	// MaxDeliver is the number of delivery attempts before the event is
	// dead-lettered. Zero means the bus default.
	MaxDeliver int

	// AckWait is how long the bus waits for an ack before redelivering.
	// Zero means the bus default.
	AckWait time.Duration

	// Prefetch caps in-flight unacknowledged deliveries. Zero means the bus
	// default.
	Prefetch int
}

// Subscription is an active durable consumer binding.
type Subscription interface {
	// Unsubscribe stops delivery. The durable state survives, so a new
	// Subscribe with the same Queue resumes from the last ack.
	Unsubscribe() error
}
