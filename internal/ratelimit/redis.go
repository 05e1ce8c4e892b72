package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript atomically increments the counter for the current window
// and sets the window expiry on first increment.
// KEYS[1] = counter key (includes the window bucket)
// ARGV[1] = limit (max requests per window)
// ARGV[2] = window TTL in milliseconds
// Returns: 1 if allowed, 0 if rate limited.
var fixedWindowScript = redis.NewScript(`
		local key   = KEYS[1]
		local limit = tonumber(ARGV[1])
		local ttl   = tonumber(ARGV[2])

		local count = redis.call('INCR', key)
		if count == 1 then
			redis.call('PEXPIRE', key, ttl)
		end
		if count > limit then
			return 0
		end
		return 1
`)

// RedisLimiter is a fixed-window limiter backed by Redis, for multi-replica
// deployments where all gateway instances must share one counter per key.
type RedisLimiter struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisLimiter creates a RedisLimiter using the given client.
func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, now: time.Now}
}

// Check implements Limiter. When Redis is unavailable the limiter fails open
// (graceful degradation — the memory limiter still bounds a single replica).
func (l *RedisLimiter) Check(ctx context.Context, tenantID, capability string, limitPerMinute int) (Decision, error) {
	if limitPerMinute <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.now()
	bucket := now.Truncate(Window)
	k := "ratelimit:" + key(tenantID, capability) + ":" + bucket.UTC().Format("200601021504")

	result, err := fixedWindowScript.Run(ctx, l.rdb,
		[]string{k},
		limitPerMinute, Window.Milliseconds(),
	).Int()
	if err != nil {
		return Decision{Allowed: true}, nil
	}

	if result == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{
		Allowed:    false,
		RetryAfter: bucket.Add(Window).Sub(now),
	}, nil
}
