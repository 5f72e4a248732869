package domain

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Payload is implemented by every event payload type. The event type name
// doubles as the registry key and the wire-level discriminator.
type Payload interface {
	EventType() string
}

// Upcaster rewrites a payload document from one schema revision to the next.
type Upcaster func(data []byte) ([]byte, error)

type payloadEntry struct {
	factory       func() Payload
	currentSchema int
	upcasters     map[int]Upcaster // keyed by the revision they upgrade FROM
}

var (
	registryMu sync.RWMutex
	registry   = map[string]*payloadEntry{}
)

// RegisterPayload registers a payload factory for an event type at the given
// current schema revision. Event types form a closed set; registering the
// same type twice panics, as does a schema revision below 1.
func RegisterPayload(factory func() Payload, currentSchema int) {
	if currentSchema < 1 {
		panic(fmt.Sprintf("domain: schema revision must be >= 1, got %d", currentSchema))
	}

	eventType := factory().EventType()

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[eventType]; exists {
		panic(fmt.Sprintf("domain: payload already registered for event type %q", eventType))
	}
	registry[eventType] = &payloadEntry{
		factory:       factory,
		currentSchema: currentSchema,
		upcasters:     map[int]Upcaster{},
	}
}

// RegisterUpcaster installs the converter that upgrades payloads of eventType
// from schema revision fromSchema to fromSchema+1.
func RegisterUpcaster(eventType string, fromSchema int, up Upcaster) {
	registryMu.Lock()
	defer registryMu.Unlock()

	entry, exists := registry[eventType]
	if !exists {
		panic(fmt.Sprintf("domain: no payload registered for event type %q", eventType))
	}
	if fromSchema < 1 || fromSchema >= entry.currentSchema {
		panic(fmt.Sprintf("domain: upcaster for %q from revision %d is out of range", eventType, fromSchema))
	}
	entry.upcasters[fromSchema] = up
}

// CurrentSchema returns the current schema revision for an event type.
// Unregistered event types report revision 1.
func CurrentSchema(eventType string) int {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if entry, exists := registry[eventType]; exists {
		return entry.currentSchema
	}
	return 1
}

// UnknownEventTypeError reports a payload decode for an event type that was
// never registered.
type UnknownEventTypeError struct {
	EventType string
}

func (e *UnknownEventTypeError) Error() string {
	return fmt.Sprintf("unknown event type %q", e.EventType)
}

// DecodePayload decodes a payload document into its registered type,
// applying upcasters from schemaVersion up to the current revision.
func DecodePayload(eventType string, schemaVersion int, data []byte) (Payload, error) {
	registryMu.RLock()
	entry, exists := registry[eventType]
	registryMu.RUnlock()

	if !exists {
		return nil, &UnknownEventTypeError{EventType: eventType}
	}

	if schemaVersion == 0 {
		schemaVersion = 1
	}

	for rev := schemaVersion; rev < entry.currentSchema; rev++ {
		up, ok := entry.upcasters[rev]
		if !ok {
			return nil, fmt.Errorf("no upcaster for %q from schema revision %d", eventType, rev)
		}
		upgraded, err := up(data)
		if err != nil {
			return nil, fmt.Errorf("upcast %q from revision %d: %w", eventType, rev, err)
		}
		data = upgraded
	}

	payload := entry.factory()
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("unmarshal %q payload: %w", eventType, err)
	}
	return payload, nil
}

// EncodePayload serializes a payload to its wire form.
func EncodePayload(payload Payload) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %q payload: %w", payload.EventType(), err)
	}
	return data, nil
}
