// Package projection turns the event log into SQL read models.
//
// A Registry maps event types to handlers that write one view table inside a
// transaction. A Worker feeds a registry from a durable bus queue for live
// tailing, and from the event store for rebuilds. All writes are gated on the
// aggregate version stored in the view row, so redeliveries and rebuild
// replays are absorbed instead of corrupting state.
package projection

import (
	"context"
	"database/sql"
	"sort"

	"github.com/libris/circulation/pkg/domain"
)

// HandlerFunc applies one event to the read model inside tx. The worker
// commits the transaction together with the projection checkpoint after the
// handler returns nil.
type HandlerFunc func(ctx context.Context, tx *sql.Tx, event *domain.Event) error

// ResetFunc clears the projection's tables for a rebuild.
type ResetFunc func(ctx context.Context, tx *sql.Tx) error

// Registry is a named set of event handlers forming one projection.
type Registry struct {
	name     string
	handlers map[string]HandlerFunc
	reset    ResetFunc
}

// NewRegistry creates an empty projection registry. The name doubles as the
// durable queue name and the checkpoint key.
func NewRegistry(name string) *Registry {
	return &Registry{
		name:     name,
		handlers: make(map[string]HandlerFunc),
	}
}

// On registers a handler for one event type.
func (r *Registry) On(eventType string, handler HandlerFunc) *Registry {
	r.handlers[eventType] = handler
	return r
}

// OnReset registers the table-clearing function used by Rebuild.
func (r *Registry) OnReset(reset ResetFunc) *Registry {
	r.reset = reset
	return r
}

// Name returns the projection name.
func (r *Registry) Name() string {
	return r.name
}

// EventTypes returns the registered event types in stable order.
func (r *Registry) EventTypes() []string {
	types := make([]string, 0, len(r.handlers))
	for eventType := range r.handlers {
		types = append(types, eventType)
	}
	sort.Strings(types)
	return types
}

// Dispatch routes an event to its handler. The boolean reports whether a
// handler was registered; events without one are simply not this
// projection's concern.
func (r *Registry) Dispatch(ctx context.Context, tx *sql.Tx, event *domain.Event) (bool, error) {
	handler, ok := r.handlers[event.EventType]
	if !ok {
		return false, nil
	}
	return true, handler(ctx, tx, event)
}

// Reset clears the projection state.
func (r *Registry) Reset(ctx context.Context, tx *sql.Tx) error {
	if r.reset == nil {
		return nil
	}
	return r.reset(ctx, tx)
}
