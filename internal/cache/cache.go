// Package cache provides the shared counter and pub/sub substrate. With
// REDIS_URL set the counters and the WebSocket bridge are distributed
// across workers; without it an in-process fallback keeps a single node
// fully functional.
package cache

import (
	"context"
	"time"
)

// Store is the counter/flag surface shared by the rate limiter and the
// WebSocket fan-out bridge.
type Store interface {
	// Incr increments key and returns the new value. The TTL is applied
	// only when this increment created the key, so the window keeps its
	// original deadline.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// GetInt reads a counter, zero when absent.
	GetInt(ctx context.Context, key string) (int64, error)

	// Set writes a value with a TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get reads a value, empty when absent or expired.
	Get(ctx context.Context, key string) (string, error)

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// Publish fans a payload out to every subscriber of the channel,
	// across all workers when the backend is distributed.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe opens a subscription on the channel. The returned channel
	// closes when the subscription is closed.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close releases the backend.
	Close() error
}

// Subscription is one open pub/sub stream.
type Subscription interface {
	Messages() <-chan string
	Close() error
}

// New selects the backend: Redis when redisURL is set, in-process
// otherwise.
func New(redisURL string) (Store, error) {
	if redisURL == "" {
		return NewMemory(), nil
	}
	return NewRedis(redisURL)
}
