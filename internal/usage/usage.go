// Package usage persists metered spend records and answers the aggregate
// spend queries the admission pipeline depends on.
//
// Two backends are available:
//   - ClickHouseStore — columnar store for production usage history.
//   - MemoryStore     — in-process store for tests and single-node mode.
//
// Both implement the Store interface so they are fully interchangeable.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one billed request as persisted in the usage store.
type Record struct {
	ID         uuid.UUID
	TenantID   string
	Capability string
	Provider   string
	// CostUSD is the raw upstream cost; ChargeUSD is cost after margin.
	CostUSD   float64
	ChargeUSD float64
	CreatedAt time.Time
}

// Store is the usage history consumed by the budget and spending-cap checkers
// and written by the meter. Implementations must be safe for concurrent use.
type Store interface {
	// Insert appends records. Used by the async meter flusher.
	Insert(ctx context.Context, records []Record) error

	// SpendSince returns the summed charge for tenantID accrued at or after
	// since. The spend dimensions the gateway needs (hourly, daily, monthly)
	// are all expressible as a single lower time bound.
	SpendSince(ctx context.Context, tenantID string, since time.Time) (float64, error)
}

// MemoryStore keeps records in memory. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, records []Record) error {
	s.mu.Lock()
	s.records = append(s.records, records...)
	s.mu.Unlock()
	return nil
}

// SpendSince implements Store.
func (s *MemoryStore) SpendSince(_ context.Context, tenantID string, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	for _, r := range s.records {
		if r.TenantID == tenantID && !r.CreatedAt.Before(since) {
			total += r.ChargeUSD
		}
	}
	return total, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
