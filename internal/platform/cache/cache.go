// Package cache is the TTL key/value store behind read-mostly paths such as
// the emergency profile. Entries are rebuildable from their source of truth at
// any time; callers treat a backend error as a miss.
package cache

import (
	"context"
	"time"
)

// Store is a TTL cache. Invalidate accepts either an exact key or a glob
// pattern ("emergency:*").
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, pattern string) error
}
