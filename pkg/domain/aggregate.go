package domain

import (
	"fmt"
)

// Aggregate defines the interface that all aggregates must implement.
type Aggregate interface {
	// ID returns the unique identifier of the aggregate.
	ID() string

	// Type returns the type name of the aggregate.
	Type() string

	// Version returns the current version of the aggregate.
	Version() int64

	// Apply folds a committed event into the aggregate's state. It is called
	// while loading events from the event store and must be deterministic and
	// side-effect free.
	Apply(event *Event) error

	// UncommittedEvents returns events that have been recorded but not yet persisted.
	UncommittedEvents() []*Event

	// ClearUncommittedEvents clears the uncommitted events after they've been persisted.
	ClearUncommittedEvents()
}

// AggregateRoot provides base functionality for all aggregates.
// Use this as an embedded type in your aggregate implementations.
type AggregateRoot struct {
	id                string
	aggregateType     string
	version           int64
	uncommittedEvents []*Event
	commandID         string
	correlationID     string
}

// NewAggregateRoot creates a new aggregate root with the given ID and type.
func NewAggregateRoot(id, aggregateType string) AggregateRoot {
	return AggregateRoot{
		id:                id,
		aggregateType:     aggregateType,
		uncommittedEvents: make([]*Event, 0),
	}
}

// ID returns the aggregate's unique identifier.
func (a *AggregateRoot) ID() string {
	return a.id
}

// Type returns the aggregate's type name.
func (a *AggregateRoot) Type() string {
	return a.aggregateType
}

// Version returns the aggregate's current version.
func (a *AggregateRoot) Version() int64 {
	return a.version
}

// UncommittedEvents returns events that haven't been persisted yet.
func (a *AggregateRoot) UncommittedEvents() []*Event {
	return a.uncommittedEvents
}

// ClearUncommittedEvents clears the uncommitted events list.
func (a *AggregateRoot) ClearUncommittedEvents() {
	a.uncommittedEvents = make([]*Event, 0)
}

// SetCommandContext attaches the executing command's identity before a
// command method runs. The command ID makes recorded event IDs
// deterministic; the correlation ID is copied onto every recorded event.
func (a *AggregateRoot) SetCommandContext(commandID, correlationID string) {
	a.commandID = commandID
	a.correlationID = correlationID
}

// Record records a new event against the aggregate.
// The caller has already mutated the aggregate's state; Record serializes the
// payload, assigns the next version and buffers the event for persistence.
func (a *AggregateRoot) Record(payload Payload) error {
	return a.RecordWithConstraints(payload, nil)
}

// RecordWithConstraints records a new event carrying unique constraint
// claims or releases. The constraints are validated atomically when the
// event is persisted.
func (a *AggregateRoot) RecordWithConstraints(payload Payload, constraints []UniqueConstraint) error {
	data, err := EncodePayload(payload)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}

	eventType := payload.EventType()

	var eventID string
	if a.commandID != "" {
		eventID = GenerateDeterministicEventID(a.commandID, a.id, len(a.uncommittedEvents))
	} else {
		eventID = NewID()
	}

	evt := &Event{
		ID:            eventID,
		AggregateID:   a.id,
		AggregateType: a.aggregateType,
		EventType:     eventType,
		Version:       a.version + 1,
		SchemaVersion: CurrentSchema(eventType),
		Timestamp:     Now(),
		Data:          data,
		Metadata: EventMetadata{
			CausationID:   a.commandID,
			CorrelationID: a.correlationID,
		},
		UniqueConstraints: constraints,
	}

	a.uncommittedEvents = append(a.uncommittedEvents, evt)
	a.version++

	return nil
}

// LoadFromHistory advances the aggregate's version to match replayed events.
// State folding happens through the aggregate's Apply; this only tracks the
// version watermark.
func (a *AggregateRoot) LoadFromHistory(events []*Event) {
	for _, evt := range events {
		if evt.Version > a.version {
			a.version = evt.Version
		}
	}
}
