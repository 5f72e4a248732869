// Package cache is the read-side response cache. It is strictly best-effort:
// a backend failure degrades to a miss and a failed write is dropped, so the
// query path never fails because of the cache.
package cache

import (
	"context"
	"crypto/sha1"
	"fmt"
	"time"
)

// Cache stores serialized responses under opaque keys.
type Cache interface {
	// Get returns the cached value and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores a value. Implementations may ignore ttl in favor of a
	// cache-wide expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Delete removes a key.
	Delete(ctx context.Context, key string)

	// Close releases backend resources.
	Close() error
}

// Key builds a stable cache key from a route and its normalized query
// string. Hashing keeps keys short and strips request-controlled bytes.
func Key(prefix, route, rawQuery string) string {
	sum := sha1.Sum([]byte(route + "?" + rawQuery))
	return fmt.Sprintf("%s:%x", prefix, sum)
}
