// Package cost extracts and derives the billable cost of an upstream response.
//
// The authoritative signal is the x-openrouter-cost response header (a decimal
// USD string). When it is absent, cost falls back to a pluggable per-capability
// estimator over the response's token usage. The tenant's charge is the cost
// with the platform margin applied.
package cost

import (
	"strconv"
	"strings"
	"sync"
)

// Header is the upstream cost signal header. Takes precedence over any
// usage-based estimation when present.
const Header = "x-openrouter-cost"

// DefaultMargin is the multiplier applied to upstream cost when none is
// configured.
const DefaultMargin = 1.2

// ParseHeader parses a decimal USD cost header value. Returns (0, false) for
// an empty, malformed, or negative value.
func ParseHeader(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// WithMargin computes the tenant's charge from the raw upstream cost.
// Margins ≤ 0 fall back to DefaultMargin.
func WithMargin(cost, margin float64) float64 {
	if margin <= 0 {
		margin = DefaultMargin
	}
	return cost * margin
}

// Estimator derives a USD cost from token usage when no upstream cost signal
// is available. The exact per-provider pricing lives with the billing
// collaborator; the gateway only needs this stable interface.
type Estimator interface {
	Estimate(capability string, inputTokens, outputTokens int) float64
}

// TokenPrice is a per-capability price in USD per million tokens.
type TokenPrice struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// TableEstimator is an Estimator backed by a static capability → price table.
// Capabilities without an entry estimate to zero (no charge without a known
// price — undercharging is recoverable, overcharging is not).
type TableEstimator struct {
	mu     sync.RWMutex
	prices map[string]TokenPrice
}

// NewTableEstimator creates a TableEstimator from the given table. The map
// is copied; later mutations of the argument have no effect.
func NewTableEstimator(prices map[string]TokenPrice) *TableEstimator {
	cp := make(map[string]TokenPrice, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &TableEstimator{prices: cp}
}

// Estimate implements Estimator.
func (e *TableEstimator) Estimate(capability string, inputTokens, outputTokens int) float64 {
	e.mu.RLock()
	price, ok := e.prices[capability]
	e.mu.RUnlock()
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*price.InputPerMTok +
		float64(outputTokens)/1e6*price.OutputPerMTok
}

// SetPrice updates the price for capability (e.g. from a pricing refresh).
func (e *TableEstimator) SetPrice(capability string, price TokenPrice) {
	e.mu.Lock()
	e.prices[capability] = price
	e.mu.Unlock()
}
