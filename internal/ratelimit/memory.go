package ratelimit

import (
	"context"
	"sync"
	"time"
)

// counter tracks requests within the current fixed window for one key.
type counter struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
}

// MemoryLimiter is an in-process fixed-window limiter. Counters live for the
// process lifetime and rebuild from zero on restart — acceptable because they
// bound abuse, not correctness.
type MemoryLimiter struct {
	mu       sync.RWMutex
	counters map[string]*counter

	now func() time.Time // injectable for tests
}

// NewMemoryLimiter creates a MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

// Check implements Limiter. A limit ≤ 0 always allows without counting.
func (l *MemoryLimiter) Check(_ context.Context, tenantID, capability string, limitPerMinute int) (Decision, error) {
	if limitPerMinute <= 0 {
		return Decision{Allowed: true}, nil
	}

	c := l.get(key(tenantID, capability))
	now := l.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.windowStart) >= Window {
		c.windowStart = now
		c.count = 0
	}

	if c.count >= limitPerMinute {
		return Decision{
			Allowed:    false,
			RetryAfter: Window - now.Sub(c.windowStart),
		}, nil
	}

	c.count++
	return Decision{Allowed: true}, nil
}

func (l *MemoryLimiter) get(k string) *counter {
	l.mu.RLock()
	c, ok := l.counters[k]
	l.mu.RUnlock()
	if ok {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok = l.counters[k]; ok {
		return c
	}
	c = &counter{}
	l.counters[k] = c
	return c
}
