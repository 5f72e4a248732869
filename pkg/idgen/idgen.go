// Package idgen mints the identifiers that travel outside the event store.
// Aggregate and event IDs are UUIDs (see pkg/domain); correlation IDs are
// ULIDs so that sorting log lines by ID preserves emission order.
package idgen

import "github.com/oklog/ulid/v2"

// NewCorrelationID returns a lexicographically sortable unique ID.
func NewCorrelationID() string {
	return ulid.Make().String()
}
