package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory is an in-process cache over an expirable LRU. It is the fallback
// when no Redis address is configured, and good enough for a single replica.
type Memory struct {
	lru *expirable.LRU[string, []byte]
}

var _ Cache = (*Memory)(nil)

// NewMemory creates an in-process cache. All entries share the given ttl;
// the per-call ttl on Set is ignored.
func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = 1024
	}
	return &Memory{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	return m.lru.Get(key)
}

// Set implements Cache.
func (m *Memory) Set(_ context.Context, key string, value []byte, _ time.Duration) {
	m.lru.Add(key, value)
}

// Delete implements Cache.
func (m *Memory) Delete(_ context.Context, key string) {
	m.lru.Remove(key)
}

// Close implements Cache.
func (m *Memory) Close() error {
	m.lru.Purge()
	return nil
}
