package cache

import (
	"context"
	"sync"
	"time"
)

// memItem stores a cached value together with its expiry time.
type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is a simple in-process cache with per-entry TTL. Entries expire
// lazily on access; a background sweep bounds memory growth for keys that are
// never read again (idle tenants).
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memItem

	done chan struct{}
}

// NewMemoryCache creates a MemoryCache and starts the background sweep.
// The sweep goroutine stops when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]memItem),
		done:  make(chan struct{}),
	}
	go c.sweep(ctx)
	return c
}

// Get returns the cached value for key. Returns (nil, false) on a miss or if
// the entry has expired.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		c.evictIfExpired(key)
		return nil, false
	}
	return item.data, true
}

// evictIfExpired removes key only if it is still expired. The entry may have
// been refreshed by a concurrent Set between the caller's read and this write
// lock; a refreshed entry must survive.
func (c *MemoryCache) evictIfExpired(key string) {
	c.mu.Lock()
	if item, ok := c.items[key]; ok && time.Now().After(item.expiresAt) {
		delete(c.items, key)
	}
	c.mu.Unlock()
}

// Set stores value under key for the duration of ttl. A zero or negative ttl
// stores nothing — the caller asked for an uncacheable entry.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	c.items[key] = memItem{data: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Close stops the background sweep goroutine.
func (c *MemoryCache) Close() {
	close(c.done)
}

// sweep evicts expired entries once a minute. Snapshot TTLs are seconds, so
// the map never accumulates more than one stale generation per tenant.
func (c *MemoryCache) sweep(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, v := range c.items {
				if now.After(v.expiresAt) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}
