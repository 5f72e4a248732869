package messaging

import (
	"context"
	"slices"
	"sync"

	"github.com/libris/circulation/pkg/domain"
)

// RecordingBus is a synchronous in-process EventBus for unit tests. Publish
// delivers to matching subscribers on the calling goroutine and records
// every event for assertions.
type RecordingBus struct {
	mu        sync.Mutex
	published []*domain.Event
	subs      []*recordingSub
	closed    bool
}

type recordingSub struct {
	bus     *RecordingBus
	config  SubscriptionConfig
	handler Handler
	active  bool
}

var _ EventBus = (*RecordingBus)(nil)

// NewRecordingBus creates an empty recording bus.
func NewRecordingBus() *RecordingBus {
	return &RecordingBus{}
}

// Publish implements EventBus. Handler errors are swallowed like a real bus
// would nack and move on; use Published to assert on delivery.
func (b *RecordingBus) Publish(ctx context.Context, events []*domain.Event) error {
	b.mu.Lock()
	b.published = append(b.published, events...)
	subs := slices.Clone(b.subs)
	b.mu.Unlock()

	for _, event := range events {
		for _, sub := range subs {
			if sub.active && sub.matches(event) {
				// Synchronous delivery; a failed handler is simply not retried.
				_ = sub.handler(ctx, event)
			}
		}
	}
	return nil
}

// Subscribe implements EventBus.
func (b *RecordingBus) Subscribe(ctx context.Context, config SubscriptionConfig, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &recordingSub{bus: b, config: config, handler: handler, active: true}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Close implements EventBus.
func (b *RecordingBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.active = false
	}
	return nil
}

// Published returns every event published so far, in order.
func (b *RecordingBus) Published() []*domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.published)
}

// HandlerFor returns the handler subscribed under a queue name, nil when the
// queue is unknown. Tests use it to probe a consumer's ack decision directly.
func (b *RecordingBus) HandlerFor(queue string) Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.active && sub.config.Queue == queue {
			return sub.handler
		}
	}
	return nil
}

// PublishedOfType filters published events by event type.
func (b *RecordingBus) PublishedOfType(eventType string) []*domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var matched []*domain.Event
	for _, event := range b.published {
		if event.EventType == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func (s *recordingSub) matches(event *domain.Event) bool {
	if s.config.AggregateType != "" && s.config.AggregateType != event.AggregateType {
		return false
	}
	if len(s.config.EventTypes) == 0 {
		return true
	}
	return slices.Contains(s.config.EventTypes, event.EventType)
}

// Unsubscribe implements Subscription.
func (s *recordingSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.active = false
	return nil
}
