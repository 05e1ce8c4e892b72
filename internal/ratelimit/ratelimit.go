// Package ratelimit implements per-(tenant, capability) request rate limiting
// over fixed one-minute windows.
//
// Two interchangeable backends are provided:
//   - MemoryLimiter — in-process counters with per-key locking. Default.
//   - RedisLimiter  — atomic Lua INCR+EXPIRE counters shared across replicas.
//
// A limit of zero (or a nil limiter) always allows; real limits come from the
// tenant's plan and are supplied by the caller on every check.
package ratelimit

import (
	"context"
	"time"
)

// Window is the fixed rate-limit window size.
const Window = time.Minute

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed bool
	// RetryAfter is how long until the current window rolls over.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration
}

// Limiter checks whether a tenant may issue one more request against a
// capability, given the tenant's per-minute limit. Implementations must
// count atomically: two concurrent requests must never both slip under a
// limit only one should pass.
type Limiter interface {
	Check(ctx context.Context, tenantID, capability string, limitPerMinute int) (Decision, error)
}

func key(tenantID, capability string) string {
	return tenantID + ":" + capability
}
