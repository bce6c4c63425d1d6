package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Get for absent keys.
var ErrNotFound = errors.New("cache: key not found")

// Store is the minimal backing-store contract. The production adapter wraps
// go-redis (internal/infra); tests run against miniredis through the same
// adapter.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// DeletePattern removes all keys matching a glob pattern. Used only by
	// Invalidate; the hot path never scans.
	DeletePattern(ctx context.Context, pattern string) error

	// Set operations back the semantic index.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}
