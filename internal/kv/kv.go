// Package kv abstracts the key-value store behind the health cache.
// Backends: Redis via go-redis, the REST command protocol ([COMMAND, ...args] over HTTPS),
// and an in-process map used when no store is configured.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for missing or expired keys.
var ErrNotFound = errors.New("kv: key not found")

// Store is the subset of key-value operations the service needs.
// A zero ttl means the key does not expire.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}
