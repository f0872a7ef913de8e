package state

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned by Get when the key does not exist.
var ErrNil = errors.New("state: key does not exist")

// Store is the shared key/value store every worker coordinates through.
// All cross-worker counters, queues and leases live behind it.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// SetNX sets key only when absent. A zero ttl means no expiry.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	// DelIfEqual deletes key only while it still holds value.
	DelIfEqual(ctx context.Context, key, value string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)

	IncrBy(ctx context.Context, key string, n int64) (int64, error)

	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	// LPop removes up to count items from the head of the list.
	LPop(ctx context.Context, key string, count int) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	HIncrBy(ctx context.Context, key, field string, n int64) (int64, error)
	HSet(ctx context.Context, key string, values map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// CountMiss records a not-found ID against the shared streak and trips
	// the global pause when the streak reaches the limit, all in one step.
	CountMiss(ctx context.Context, req MissRequest) (MissVerdict, error)

	// Atomic queues the writes made through tx and applies them as one unit.
	Atomic(ctx context.Context, fn func(tx Tx)) error

	Close() error
}

// Tx collects writes for Store.Atomic.
type Tx interface {
	IncrBy(key string, n int64)
	HIncrBy(key, field string, n int64)
	LPush(key string, values ...string)
	LTrim(key string, start, stop int64)
}
