// Package cache provides the short-TTL byte cache used by the spending-cap
// checker to bound usage-store queries on the hot path.
//
// Two backends are available:
//   - MemoryCache — in-process TTL cache, zero external dependencies.
//   - RedisCache  — shared across replicas so every gateway instance sees the
//     same spend snapshot.
//
// Both implement the Cache interface so they are fully interchangeable.
package cache

import (
	"context"
	"time"
)

// Cache is a TTL byte cache. Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
