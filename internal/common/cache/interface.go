package cache

import (
	"context"
	"time"
)

// Cache defines the cache operations used by the invoker.
// Live status snapshots are plain keys; their history is a capped list.
type Cache interface {
	// Get retrieves the value for the given key.
	// A missing key yields an empty string and a nil error.
	Get(ctx context.Context, key string) (string, error)

	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Pipeline queues the commands issued by fn and executes them in one round trip
	Pipeline(ctx context.Context, fn func(pipe Pipeliner) error) error

	// Close closes the cache connection
	Close() error
}

// Pipeliner is the subset of commands that can be batched
type Pipeliner interface {
	Set(key string, value interface{}, ttl time.Duration) error
	Expire(key string, ttl time.Duration) error
	RPush(key string, values ...interface{}) error
	LTrim(key string, start, stop int64) error
}
