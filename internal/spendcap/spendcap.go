// Package spendcap enforces tenant-configured spending caps — hard stops the
// tenant sets for itself, distinct from plan-level budget limits.
//
// The check runs on every admitted request, so the spend snapshot is read
// through a short-TTL cache; a tenant can exceed its cap by at most the spend
// accrued within one TTL window. Cache misses for the same tenant are
// deduplicated with singleflight so a burst of concurrent requests issues a
// single usage-store query.
package spendcap

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/tenant"
	"github.com/nulpointcorp/inference-gateway/internal/usage"
)

// DefaultTTL is the default snapshot cache TTL.
const DefaultTTL = 15 * time.Second

// Snapshot is a tenant's cached spend state.
type Snapshot struct {
	DailySpend   float64 `json:"daily_spend"`
	MonthlySpend float64 `json:"monthly_spend"`
}

// Violation is returned when a cap is exceeded. Period is "daily" or "monthly".
type Violation struct {
	Period  string
	Current float64
	Cap     float64
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s spending cap exceeded: $%.2f of $%.2f cap used", v.Period, v.Current, v.Cap)
}

// Checker compares cached tenant spend against configured caps.
type Checker struct {
	store usage.Store
	cache cache.Cache
	ttl   time.Duration

	group singleflight.Group
	now   func() time.Time // injectable for tests
}

// New creates a Checker. A ttl ≤ 0 uses DefaultTTL.
func New(store usage.Store, c cache.Cache, ttl time.Duration) *Checker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Checker{store: store, cache: c, ttl: ttl, now: time.Now}
}

// Check enforces the tenant's spending caps. Returns nil when allowed, a
// *Violation when a cap is exceeded, and a plain error when the spend state
// could not be determined (the caller must fail closed).
//
// A tenant with no caps configured skips the spend query entirely. The daily
// cap is checked before the monthly cap.
func (c *Checker) Check(ctx context.Context, t *tenant.Tenant) error {
	caps := t.SpendingCaps
	if caps.DailyCapUSD == nil && caps.MonthlyCapUSD == nil {
		return nil
	}

	snap, err := c.snapshot(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("spendcap: spend lookup for %s: %w", t.ID, err)
	}

	if caps.DailyCapUSD != nil && snap.DailySpend >= *caps.DailyCapUSD {
		return &Violation{Period: "daily", Current: snap.DailySpend, Cap: *caps.DailyCapUSD}
	}
	if caps.MonthlyCapUSD != nil && snap.MonthlySpend >= *caps.MonthlyCapUSD {
		return &Violation{Period: "monthly", Current: snap.MonthlySpend, Cap: *caps.MonthlyCapUSD}
	}
	return nil
}

// snapshot returns the tenant's spend snapshot, serving from cache when fresh.
func (c *Checker) snapshot(ctx context.Context, tenantID string) (Snapshot, error) {
	key := "spendcap:" + tenantID

	if data, ok := c.cache.Get(ctx, key); ok {
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err == nil {
			return snap, nil
		}
		// Corrupt entry — fall through to a fresh query.
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		snap, err := c.query(ctx, tenantID)
		if err != nil {
			return Snapshot{}, err
		}
		if data, err := json.Marshal(snap); err == nil {
			_ = c.cache.Set(ctx, key, data, c.ttl)
		}
		return snap, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

func (c *Checker) query(ctx context.Context, tenantID string) (Snapshot, error) {
	now := c.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	daily, err := c.store.SpendSince(ctx, tenantID, dayStart)
	if err != nil {
		return Snapshot{}, err
	}
	monthly, err := c.store.SpendSince(ctx, tenantID, monthStart)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{DailySpend: daily, MonthlySpend: monthly}, nil
}
