package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event represents a domain event that has occurred in the system.
// Events are immutable facts about state changes.
type Event struct {
	// ID is the unique identifier for this event. Deterministic when the
	// producing aggregate carries a command ID, random otherwise.
	ID string `json:"id"`

	// AggregateID is the identifier of the aggregate this event belongs to.
	AggregateID string `json:"aggregate_id"`

	// AggregateType is the type name of the aggregate (e.g. "Book", "Wallet").
	AggregateType string `json:"aggregate_type"`

	// EventType is the name of the event (e.g. "BookCreated").
	EventType string `json:"event_type"`

	// Version is the version of the aggregate after applying this event.
	// Versions start at 1 and are contiguous per aggregate.
	Version int64 `json:"version"`

	// GlobalVersion is the position of this event in the log across all
	// aggregates. Assigned by the event store at append time; zero before.
	GlobalVersion int64 `json:"global_version"`

	// SchemaVersion is the revision of the payload schema for this event type.
	SchemaVersion int `json:"schema_version"`

	// Timestamp is when the event was produced (command execution time).
	Timestamp time.Time `json:"timestamp"`

	// Data is the JSON-encoded payload of the event.
	Data []byte `json:"data"`

	// Metadata contains additional contextual information.
	Metadata EventMetadata `json:"metadata"`

	// UniqueConstraints are the unique constraints claimed or released by this
	// event. They are validated atomically with event persistence and never
	// serialized onto the bus.
	UniqueConstraints []UniqueConstraint `json:"-"`
}

// EventMetadata contains contextual information about an event.
type EventMetadata struct {
	// CausationID is the ID of the command or event that caused this event.
	CausationID string `json:"causation_id,omitempty"`

	// CorrelationID ties together every event of one business interaction
	// across aggregates and services.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Stored is when the event store persisted the event. Assigned inside the
	// append transaction; later global versions never carry earlier Stored
	// timestamps.
	Stored time.Time `json:"stored"`

	// Custom allows for application-specific metadata.
	Custom map[string]string `json:"custom,omitempty"`
}

// DecodePayload decodes the event's Data into its registered payload type,
// upcasting older schema revisions to the current one.
func (e *Event) DecodePayload() (Payload, error) {
	return DecodePayload(e.EventType, e.SchemaVersion, e.Data)
}

// UniqueConstraint represents a uniqueness claim or release on a value.
type UniqueConstraint struct {
	// IndexName identifies this constraint (e.g. "book_isbn", "wallet_user").
	IndexName string

	// Value is the unique value being claimed or released.
	Value string

	// Operation specifies whether to claim or release this value.
	Operation ConstraintOperation
}

// ConstraintOperation defines operations on unique constraints.
type ConstraintOperation string

const (
	// ConstraintClaim claims a unique value for this aggregate.
	ConstraintClaim ConstraintOperation = "claim"

	// ConstraintRelease releases a unique value previously claimed.
	ConstraintRelease ConstraintOperation = "release"
)

// ClaimUnique builds a claim constraint.
func ClaimUnique(indexName, value string) UniqueConstraint {
	return UniqueConstraint{IndexName: indexName, Value: value, Operation: ConstraintClaim}
}

// ReleaseUnique builds a release constraint.
func ReleaseUnique(indexName, value string) UniqueConstraint {
	return UniqueConstraint{IndexName: indexName, Value: value, Operation: ConstraintRelease}
}

// GenerateDeterministicEventID derives an event ID from the command that
// produced it. Retried commands therefore produce identical event IDs, which
// the bus uses for publish deduplication.
func GenerateDeterministicEventID(commandID, aggregateID string, sequence int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", commandID, aggregateID, sequence)))
	return hex.EncodeToString(h[:])[:32]
}

// NewID generates a random unique identifier.
func NewID() string {
	return uuid.NewString()
}
