// Package budget enforces plan-level spend limits against the usage store.
//
// The hourly window rolls from the top of the current clock hour and the
// monthly window from the start of the calendar month (UTC). When both limits
// are exceeded at once, the hourly violation is reported — the more
// time-sensitive one. A nil limit means unlimited.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/tenant"
	"github.com/nulpointcorp/inference-gateway/internal/usage"
)

// Result is a budget check outcome. Produced fresh on every check.
type Result struct {
	Allowed    bool
	Reason     string
	HTTPStatus int

	CurrentHourlySpend  float64
	CurrentMonthlySpend float64
	MaxSpendPerHour     *float64
	MaxSpendPerMonth    *float64
}

// Checker compares accumulated spend against plan limits.
type Checker struct {
	store usage.Store
	now   func() time.Time // injectable for tests
}

// New creates a Checker reading spend from store.
func New(store usage.Store) *Checker {
	return &Checker{store: store, now: time.Now}
}

// Check computes the tenant's current hourly and monthly spend and compares
// them against limits. Spend exactly at a limit is rejected. The check fails
// closed: a store error rejects the request.
func (c *Checker) Check(ctx context.Context, tenantID string, limits tenant.SpendLimits) (Result, error) {
	now := c.now().UTC()
	hourStart := now.Truncate(time.Hour)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	hourly, err := c.store.SpendSince(ctx, tenantID, hourStart)
	if err != nil {
		return Result{}, fmt.Errorf("budget: hourly spend: %w", err)
	}
	monthly, err := c.store.SpendSince(ctx, tenantID, monthStart)
	if err != nil {
		return Result{}, fmt.Errorf("budget: monthly spend: %w", err)
	}

	res := Result{
		Allowed:             true,
		CurrentHourlySpend:  hourly,
		CurrentMonthlySpend: monthly,
		MaxSpendPerHour:     limits.MaxSpendPerHour,
		MaxSpendPerMonth:    limits.MaxSpendPerMonth,
	}

	// Hourly violation takes precedence over monthly.
	if limits.MaxSpendPerHour != nil && hourly >= *limits.MaxSpendPerHour {
		res.Allowed = false
		res.HTTPStatus = fasthttp.StatusTooManyRequests
		res.Reason = fmt.Sprintf(
			"Hourly spending limit exceeded: $%.2f of $%.2f used this hour",
			hourly, *limits.MaxSpendPerHour)
		return res, nil
	}

	if limits.MaxSpendPerMonth != nil && monthly >= *limits.MaxSpendPerMonth {
		res.Allowed = false
		res.HTTPStatus = fasthttp.StatusTooManyRequests
		res.Reason = fmt.Sprintf(
			"Monthly spending limit exceeded: $%.2f of $%.2f used this month",
			monthly, *limits.MaxSpendPerMonth)
		return res, nil
	}

	return res, nil
}
