package meter

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/usage"
)

func TestMeter_FlushesOnClose(t *testing.T) {
	store := usage.NewMemoryStore()
	m, err := New(context.Background(), store, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for i := 0; i < 5; i++ {
		m.Emit(Event{
			Tenant:     "tenant-a",
			Capability: "chat-completions",
			Provider:   "openrouter",
			Cost:       0.005,
			Charge:     0.006,
		})
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if store.Len() != 5 {
		t.Errorf("stored %d records, want 5", store.Len())
	}
}

func TestMeter_FillsTimestampAndCharge(t *testing.T) {
	store := usage.NewMemoryStore()
	m, _ := New(context.Background(), store, nil)

	m.Emit(Event{Tenant: "tenant-a", Capability: "chat-completions", Provider: "openrouter",
		Cost: 0.01, Charge: 0.012})
	m.Close()

	total, err := store.SpendSince(context.Background(), "tenant-a", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if total != 0.012 {
		t.Errorf("stored charge = %v, want 0.012", total)
	}
}

func TestMeter_PeriodicFlush(t *testing.T) {
	store := usage.NewMemoryStore()
	m, _ := New(context.Background(), store, nil)
	defer m.Close()

	m.Emit(Event{Tenant: "tenant-a", Capability: "chat-completions"})

	deadline := time.Now().Add(3 * time.Second)
	for store.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if store.Len() != 1 {
		t.Error("event was not flushed by the periodic ticker")
	}
}

// deadlineStore rejects inserts whose context is already cancelled, the way
// a real network-backed store would.
type deadlineStore struct {
	*usage.MemoryStore
}

func (s *deadlineStore) Insert(ctx context.Context, records []usage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Insert(ctx, records)
}

func TestMeter_DrainsAfterBaseContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &deadlineStore{usage.NewMemoryStore()}
	m, err := New(ctx, store, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	m.Emit(Event{Tenant: "tenant-a", Capability: "chat-completions",
		Provider: "openrouter", Cost: 0.005, Charge: 0.006})

	// Graceful shutdown cancels the base context before Close runs. The
	// final drain must still persist buffered events.
	cancel()
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if store.Len() != 1 {
		t.Errorf("stored %d records after shutdown, want 1", store.Len())
	}
}

func TestCollect_RecordsEvents(t *testing.T) {
	c := NewCollect()
	c.Emit(Event{Tenant: "tenant-a", Cost: 0.005, Charge: 0.006})

	events := c.Events()
	if len(events) != 1 {
		t.Fatalf("len = %d, want 1", len(events))
	}
	if events[0].Cost != 0.005 || events[0].Charge != 0.006 {
		t.Errorf("event = %+v", events[0])
	}
}
