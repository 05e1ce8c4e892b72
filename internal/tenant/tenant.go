// Package tenant defines the billing/isolation unit the gateway serves and the
// service-key resolution interface used to authenticate requests.
//
// Tenant records are immutable for the lifetime of a request: the handler
// resolves the key once and threads the same *Tenant through the admission
// pipeline, dispatch, and metering.
package tenant

import (
	"context"
	"strings"
	"sync"
)

// SpendLimits are plan-level spend ceilings. A nil field means unlimited.
type SpendLimits struct {
	MaxSpendPerHour  *float64
	MaxSpendPerMonth *float64
}

// SpendingCaps are tenant-configured hard stops, distinct from plan limits.
// A nil field disables enforcement for that period without affecting the other.
type SpendingCaps struct {
	DailyCapUSD   *float64
	MonthlyCapUSD *float64
}

// Tenant is the owner of bot instances, credentials, and spend state.
type Tenant struct {
	ID           string
	SpendLimits  SpendLimits
	SpendingCaps SpendingCaps

	// RateLimits maps capability name → requests per minute. A missing or
	// zero entry means the capability is not rate limited.
	RateLimits map[string]int
}

// Resolver maps a presented service key to a tenant. Implementations must be
// safe for concurrent use. A nil tenant with a nil error means "unknown key".
type Resolver interface {
	Resolve(ctx context.Context, key string) (*Tenant, error)
}

// StaticResolver resolves keys from an in-memory table. It is the built-in
// resolver for single-node deployments and tests; the managed platform
// substitutes its own implementation backed by the tenant directory.
type StaticResolver struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant // key → tenant
}

// NewStaticResolver creates an empty StaticResolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{tenants: make(map[string]*Tenant)}
}

// Add registers key as a credential for t. Later registrations of the same
// key overwrite earlier ones.
func (r *StaticResolver) Add(key string, t *Tenant) {
	r.mu.Lock()
	r.tenants[key] = t
	r.mu.Unlock()
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, key string) (*Tenant, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	r.mu.RLock()
	t := r.tenants[key]
	r.mu.RUnlock()
	return t, nil
}

// Len returns the number of registered keys.
func (r *StaticResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tenants)
}

// Limit is a convenience helper returning the per-minute limit for capability,
// or 0 when unset.
func (t *Tenant) Limit(capability string) int {
	if t == nil || t.RateLimits == nil {
		return 0
	}
	return t.RateLimits[capability]
}

// Float is a small helper for building nullable limit fields.
func Float(v float64) *float64 { return &v }
