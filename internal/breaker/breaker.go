// Package breaker implements a per-bot-instance circuit breaker that protects
// paid upstream providers from a single runaway instance.
//
// Each instance gets an independent request counter over a sliding window.
// When the count exceeds the threshold within the window the breaker trips
// (CLOSED → OPEN): every request is rejected without any upstream call until
// the cooldown expires, at which point the first arriving request closes the
// breaker and resets the window (OPEN → CLOSED).
//
// State is in-memory and rebuilt from zero on restart — it bounds abuse, not
// correctness.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// Defaults applied when Config fields are zero.
const (
	DefaultRequestThreshold = 120
	DefaultTimeWindow       = time.Minute
	DefaultCooldown         = 5 * time.Minute
)

// Config holds circuit breaker tuning parameters. Zero values use the
// package-level defaults.
type Config struct {
	// RequestThreshold is the number of requests within TimeWindow that trips
	// the breaker.
	RequestThreshold int

	// TimeWindow is the sliding window for counting requests.
	TimeWindow time.Duration

	// Cooldown is how long a tripped instance stays paused.
	Cooldown time.Duration
}

func (c *Config) requestThreshold() int {
	if c.RequestThreshold > 0 {
		return c.RequestThreshold
	}
	return DefaultRequestThreshold
}

func (c *Config) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return DefaultTimeWindow
}

func (c *Config) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return DefaultCooldown
}

// TripFunc is invoked when an instance trips the breaker. Used for alerting
// by an external collaborator. Called without the instance lock held, so a
// slow hook never stalls requests.
type TripFunc func(tenantID, instanceID string, requestCount int)

// instanceState holds breaker state for a single bot instance.
type instanceState struct {
	mu sync.Mutex

	windowStart  time.Time
	requestCount int
	trippedUntil time.Time // zero when closed
}

// Breaker manages independent circuit breakers keyed by (tenant, instance).
// It is safe for concurrent use from multiple goroutines.
type Breaker struct {
	mu        sync.RWMutex
	instances map[string]*instanceState
	cfg       Config
	onTrip    TripFunc

	now func() time.Time // injectable for tests
}

// New creates a Breaker. onTrip may be nil.
func New(cfg Config, onTrip TripFunc) *Breaker {
	return &Breaker{
		instances: make(map[string]*instanceState),
		cfg:       cfg,
		onTrip:    onTrip,
		now:       time.Now,
	}
}

// ErrTripped is returned while an instance's breaker is open.
type ErrTripped struct {
	TenantID    string
	InstanceID  string
	PausedUntil time.Time
}

func (e *ErrTripped) Error() string {
	return fmt.Sprintf("instance %s is paused until %s due to excessive request volume",
		e.InstanceID, e.PausedUntil.UTC().Format(time.RFC3339))
}

// Check admits or rejects one request for the given bot instance.
//
// On admission the request is counted toward the window; crossing the
// threshold trips the breaker for the cooldown period and fires the onTrip
// hook (the tripping request itself is rejected). While open, every call
// returns *ErrTripped carrying PausedUntil. The first call after the cooldown
// closes the breaker and is admitted against a fresh window.
func (b *Breaker) Check(tenantID, instanceID string) error {
	st := b.get(tenantID + ":" + instanceID)
	now := b.now()

	st.mu.Lock()

	// Open: reject until the cooldown expires.
	if !st.trippedUntil.IsZero() {
		if now.Before(st.trippedUntil) {
			until := st.trippedUntil
			st.mu.Unlock()
			return &ErrTripped{TenantID: tenantID, InstanceID: instanceID, PausedUntil: until}
		}
		// Cooldown over — close and reset.
		st.trippedUntil = time.Time{}
		st.windowStart = now
		st.requestCount = 0
	}

	// Slide the window.
	if now.Sub(st.windowStart) >= b.cfg.timeWindow() {
		st.windowStart = now
		st.requestCount = 0
	}

	st.requestCount++
	if st.requestCount > b.cfg.requestThreshold() {
		st.trippedUntil = now.Add(b.cfg.cooldown())
		until := st.trippedUntil
		count := st.requestCount
		st.mu.Unlock()

		// The hook runs outside the instance lock so it cannot stall
		// concurrent checks for the same instance.
		if b.onTrip != nil {
			b.onTrip(tenantID, instanceID, count)
		}
		return &ErrTripped{TenantID: tenantID, InstanceID: instanceID, PausedUntil: until}
	}

	st.mu.Unlock()
	return nil
}

// Tripped reports whether the instance's breaker is currently open.
func (b *Breaker) Tripped(tenantID, instanceID string) bool {
	st := b.get(tenantID + ":" + instanceID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return !st.trippedUntil.IsZero() && b.now().Before(st.trippedUntil)
}

func (b *Breaker) get(key string) *instanceState {
	b.mu.RLock()
	st, ok := b.instances[key]
	b.mu.RUnlock()
	if ok {
		return st
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok = b.instances[key]; ok {
		return st
	}
	st = &instanceState{windowStart: b.now()}
	b.instances[key] = st
	return st
}
