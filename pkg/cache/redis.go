package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a shared cache for multi-replica deployments.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

var _ Cache = (*Redis)(nil)

// Connect dials Redis and verifies it with a short ping. It returns nil when
// the server doesn't answer, and callers fall back to the in-process cache.
func Connect(addr, password string, db int, logger *slog.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		if logger != nil {
			logger.Warn("redis unreachable, falling back to in-process cache",
				"addr", addr, "error", err)
		}
		_ = client.Close()
		return nil
	}
	return client
}

// NewRedis wraps an already-connected client.
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, logger: logger}
}

// Get implements Cache. Errors are logged and reported as misses.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		r.logger.Warn("cache get failed", "key", key, "error", err)
		return nil, false
	}
	return value, true
}

// Set implements Cache.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := r.client.SetEx(ctx, key, value, ttl).Err(); err != nil {
		r.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

// Delete implements Cache.
func (r *Redis) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.logger.Warn("cache delete failed", "key", key, "error", err)
	}
}

// Close implements Cache.
func (r *Redis) Close() error {
	return r.client.Close()
}
