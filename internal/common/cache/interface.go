package cache

import (
	"context"
	"time"
)

// Cache is the subset of Redis the sandbox state store relies on. Keeping it
// an interface lets recorders run against miniredis or a real server.
type Cache interface {
	BasicOps
	HashOps
	SetOps
	ListOps
	PipelineOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get returns "" when the key does not exist
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair; a zero ttl never expires
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	Del(ctx context.Context, keys ...string) error

	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns -2 for missing keys and -1 for keys without expiry
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// HashOps defines hash (map) operations
type HashOps interface {
	HMSet(ctx context.Context, key string, fields map[string]interface{}) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
}

// SetOps defines set operations
type SetOps interface {
	SAdd(ctx context.Context, key string, members ...interface{}) error
	SRem(ctx context.Context, key string, members ...interface{}) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// ListOps defines list operations
type ListOps interface {
	LPush(ctx context.Context, key string, values ...interface{}) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
}

// PipelineOps defines pipeline operations for batching commands
type PipelineOps interface {
	// Pipeline queues the commands issued by fn and sends them in one round trip
	Pipeline(ctx context.Context, fn func(pipe Pipeliner) error) error
}

// Pipeliner defines the commands that can be queued in a pipeline
type Pipeliner interface {
	Set(key string, value interface{}, ttl time.Duration) error
	Del(keys ...string) error
	Expire(key string, ttl time.Duration) error
	HMSet(key string, fields map[string]interface{}) error
	SAdd(key string, members ...interface{}) error
	SRem(key string, members ...interface{}) error
	LPush(key string, values ...interface{}) error
	LTrim(key string, start, stop int64) error
}
