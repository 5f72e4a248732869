// Package nats implements the event bus on NATS JetStream.
//
// One file-backed stream captures every event subject plus the dead-letter
// subjects. Consumers are durable queue groups: each service concern names a
// queue, JetStream remembers its progress, and horizontal replicas of the
// same service share the queue without duplicate processing.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/messaging"
)

// Config holds configuration for the JetStream event bus.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// Credentials is an optional NATS credentials file payload (JWT + seed).
	Credentials []byte

	// StreamName is the JetStream stream name for events.
	StreamName string

	// MaxAge is how long to retain events in the stream.
	MaxAge time.Duration

	// MaxBytes is the maximum bytes the stream can store.
	MaxBytes int64

	// MaxDeliver is the default delivery-attempt cap before dead-lettering.
	MaxDeliver int

	// AckWait is the default redelivery timeout.
	AckWait time.Duration

	// Prefetch is the default in-flight delivery cap per consumer.
	Prefetch int

	// Logger receives connection and delivery diagnostics.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for the event bus.
func DefaultConfig() Config {
	return Config{
		URL:        nats.DefaultURL,
		StreamName: "CIRCULATION_EVENTS",
		MaxAge:     7 * 24 * time.Hour,
		MaxBytes:   1024 * 1024 * 1024,
		MaxDeliver: 5,
		AckWait:    30 * time.Second,
		Prefetch:   64,
	}
}

// EventBus is a JetStream-backed messaging.EventBus.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

var _ messaging.EventBus = (*EventBus)(nil)

// NewEventBus connects to NATS and ensures the event stream exists.
func NewEventBus(config Config) (*EventBus, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name("circulation-eventbus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if len(config.Credentials) > 0 {
		opts = append(opts, nats.UserJWTAndSeed(
			extractCredential(config.Credentials, "-----BEGIN NATS USER JWT-----"),
			extractCredential(config.Credentials, "-----BEGIN USER NKEY SEED-----"),
		))
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	bus := &EventBus{
		nc:     nc,
		js:     js,
		config: config,
		logger: logger,
		subs:   make(map[string]*subscription),
	}

	if err := bus.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return bus, nil
}

func (b *EventBus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      b.config.StreamName,
		Subjects:  []string{"events.>", "dlq.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    b.config.MaxAge,
		MaxBytes:  b.config.MaxBytes,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	info, err := b.js.StreamInfo(b.config.StreamName)
	if err != nil {
		if _, err := b.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("create stream %s: %w", b.config.StreamName, err)
		}
		return nil
	}

	if info.Config.MaxAge != b.config.MaxAge || info.Config.MaxBytes != b.config.MaxBytes {
		if _, err := b.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("update stream %s: %w", b.config.StreamName, err)
		}
	}
	return nil
}

// Subject returns the bus subject for an event.
func Subject(event *domain.Event) string {
	return fmt.Sprintf("events.%s.%s", event.AggregateType, event.EventType)
}

// Publish implements messaging.EventBus. The event ID doubles as the
// JetStream message ID, so republishing after a partial failure is absorbed
// by the server's deduplication window.
func (b *EventBus) Publish(ctx context.Context, events []*domain.Event) error {
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("serialize event %s: %w", event.ID, err)
		}

		if _, err := b.js.Publish(Subject(event), data,
			nats.MsgId(event.ID),
			nats.Context(ctx),
		); err != nil {
			return fmt.Errorf("publish event %s: %w", event.ID, err)
		}
	}
	return nil
}

// Subscribe implements messaging.EventBus. One durable queue consumer is
// created per queue on a single wide subject, so deliveries for one aggregate
// stay in stream order regardless of how many event types the consumer wants.
// EventTypes narrowing happens client-side: uninteresting deliveries are
// acked without reaching the handler.
func (b *EventBus) Subscribe(ctx context.Context, config messaging.SubscriptionConfig, handler messaging.Handler) (messaging.Subscription, error) {
	if config.Queue == "" {
		return nil, fmt.Errorf("subscription queue name is required")
	}

	maxDeliver := config.MaxDeliver
	if maxDeliver <= 0 {
		maxDeliver = b.config.MaxDeliver
	}
	ackWait := config.AckWait
	if ackWait <= 0 {
		ackWait = b.config.AckWait
	}
	prefetch := config.Prefetch
	if prefetch <= 0 {
		prefetch = b.config.Prefetch
	}

	subject := subjectFor(config)
	wanted := make(map[string]struct{}, len(config.EventTypes))
	for _, eventType := range config.EventTypes {
		wanted[eventType] = struct{}{}
	}

	natsSub, err := b.js.QueueSubscribe(
		subject,
		config.Queue,
		b.deliveryHandler(ctx, config.Queue, maxDeliver, wanted, handler),
		nats.Durable(durableName(config.Queue)),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(maxDeliver),
		nats.MaxAckPending(prefetch),
		nats.DeliverAll(),
		nats.BindStream(b.config.StreamName),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s on %s: %w", config.Queue, subject, err)
	}

	s := &subscription{bus: b, queue: config.Queue, natsSub: natsSub}
	b.mu.Lock()
	b.subs[config.Queue] = s
	b.mu.Unlock()

	return s, nil
}

func (b *EventBus) deliveryHandler(ctx context.Context, queue string, maxDeliver int, wanted map[string]struct{}, handler messaging.Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if len(wanted) > 0 {
			// Subjects are events.<AggregateType>.<EventType>; filter on the
			// last token without paying for a decode.
			if _, ok := wanted[msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]]; !ok {
				_ = msg.Ack()
				return
			}
		}

		var event domain.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			// A malformed envelope will never parse; park it immediately.
			b.logger.Error("undecodable event, dead-lettering",
				"queue", queue, "subject", msg.Subject, "error", err)
			b.deadLetter(queue, msg)
			return
		}

		if err := handler(ctx, &event); err != nil {
			deliveries := deliveryCount(msg)
			if deliveries >= uint64(maxDeliver) {
				b.logger.Error("delivery attempts exhausted, dead-lettering",
					"queue", queue, "event_id", event.ID,
					"event_type", event.EventType, "deliveries", deliveries,
					"error", err)
				b.deadLetter(queue, msg)
				return
			}

			delay := redeliveryBackoff(deliveries)
			b.logger.Warn("event handling failed, scheduling redelivery",
				"queue", queue, "event_id", event.ID,
				"event_type", event.EventType, "deliveries", deliveries,
				"retry_in", delay, "error", err)
			_ = msg.NakWithDelay(delay)
			return
		}

		_ = msg.Ack()
	}
}

// deadLetter republishes the raw message under the queue's dead-letter
// subject (captured by the same stream) and terminates the delivery.
func (b *EventBus) deadLetter(queue string, msg *nats.Msg) {
	dlq := &nats.Msg{
		Subject: fmt.Sprintf("dlq.%s", queue),
		Data:    msg.Data,
		Header: nats.Header{
			"Origin-Subject": []string{msg.Subject},
		},
	}
	if _, err := b.js.PublishMsg(dlq); err != nil {
		b.logger.Error("dead-letter publish failed", "queue", queue, "error", err)
		// Leave the message unacked so ack-wait redelivers it; better a
		// retry loop than silent loss.
		return
	}
	_ = msg.Term()
}

// Close implements messaging.EventBus. Subscriptions are not unsubscribed:
// Unsubscribe deletes a library-created durable consumer, and shutdown must
// leave consumer progress on the server so a restart resumes where it left
// off. Closing the connection stops deliveries; unacked messages redeliver
// after AckWait.
func (b *EventBus) Close() error {
	b.mu.Lock()
	b.subs = map[string]*subscription{}
	b.mu.Unlock()

	b.nc.Close()
	return nil
}

func subjectFor(config messaging.SubscriptionConfig) string {
	if config.AggregateType == "" {
		return "events.>"
	}
	return fmt.Sprintf("events.%s.>", config.AggregateType)
}

// durableName derives a JetStream-legal durable name from a queue name.
func durableName(queue string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(queue)
}

func deliveryCount(msg *nats.Msg) uint64 {
	meta, err := msg.Metadata()
	if err != nil {
		return 1
	}
	return meta.NumDelivered
}

// redeliveryBackoff grows exponentially with the attempt count, capped at 5s.
func redeliveryBackoff(deliveries uint64) time.Duration {
	delay := 100 * time.Millisecond << (deliveries - 1)
	if delay > 5*time.Second || delay <= 0 {
		return 5 * time.Second
	}
	return delay
}

// extractCredential pulls one section out of a NATS creds blob. The value
// runs from the BEGIN header to the newline before the END marker; matching
// on the marker itself would clip values ending in a dash, since END lines
// carry six dashes.
func extractCredential(creds []byte, header string) string {
	text := string(creds)
	start := strings.Index(text, header)
	if start < 0 {
		return ""
	}
	start += len(header)
	end := strings.Index(text[start:], "\n---")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(text[start : start+end])
}

type subscription struct {
	bus     *EventBus
	queue   string
	natsSub *nats.Subscription
}

// Unsubscribe implements messaging.Subscription. Drain (not Unsubscribe) is
// used underneath: nats.go deletes a library-created durable consumer on
// Unsubscribe but keeps it on Drain, and the contract promises the durable
// survives so the queue resumes from its last ack.
func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.queue)
	s.bus.mu.Unlock()

	if s.natsSub != nil {
		if err := s.natsSub.Drain(); err != nil && err != nats.ErrConnectionClosed {
			return fmt.Errorf("drain subscription %s: %w", s.queue, err)
		}
		s.natsSub = nil
	}
	return nil
}
