// Package meter implements non-blocking, batched cost metering.
//
// Meter events are written to an internal buffered channel and flushed to the
// usage store in batches by a background goroutine — so metering never blocks
// the request hot path. If the channel fills up (> 10 000 events), new events
// are dropped and counted in Dropped.
package meter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/inference-gateway/internal/usage"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	drainTimeout  = 5 * time.Second
)

// Event is one billed request. Cost is the raw upstream cost; Charge is cost
// after margin. Emitted exactly once per successfully billed request.
type Event struct {
	Tenant     string
	Capability string
	Provider   string
	Cost       float64
	Charge     float64
	Timestamp  time.Time
}

// Emitter receives meter events. Implementations must not block.
type Emitter interface {
	Emit(event Event)
}

// Meter is the production Emitter: a channel-fed batcher that persists events
// into the usage store.
type Meter struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	store   usage.Store
	baseCtx context.Context
	log     *slog.Logger
}

// New creates a Meter flushing into store and starts the background flusher.
func New(ctx context.Context, store usage.Store, log *slog.Logger) (*Meter, error) {
	if ctx == nil {
		return nil, fmt.Errorf("meter: context must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("meter: store must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	m := &Meter{
		ch:      make(chan Event, channelBuffer),
		done:    make(chan struct{}),
		store:   store,
		baseCtx: ctx,
		log:     log,
	}

	m.wg.Add(1)
	go m.run()

	return m, nil
}

// Emit implements Emitter. Never blocks; events are dropped when the buffer
// is full.
func (m *Meter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case m.ch <- event:
	default:
		atomic.AddInt64(&m.dropped, 1)
	}
}

// Dropped returns the number of events discarded due to backpressure.
func (m *Meter) Dropped() int64 {
	return atomic.LoadInt64(&m.dropped)
}

// Close drains the channel, flushes remaining events, and stops the flusher.
func (m *Meter) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
	return nil
}

func (m *Meter) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]usage.Record, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := m.store.Insert(ctx, batch); err != nil {
			m.log.Error("meter_flush_failed",
				slog.Int("events", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	appendEvent := func(ctx context.Context, e Event) {
		batch = append(batch, usage.Record{
			ID:         uuid.New(),
			TenantID:   e.Tenant,
			Capability: e.Capability,
			Provider:   e.Provider,
			CostUSD:    e.Cost,
			ChargeUSD:  e.Charge,
			CreatedAt:  e.Timestamp,
		})
		if len(batch) >= batchSize {
			flush(ctx)
		}
	}

	for {
		select {
		case e := <-m.ch:
			appendEvent(m.baseCtx, e)

		case <-ticker.C:
			flush(m.baseCtx)

		case <-m.done:
			// The base context is usually already cancelled by the time
			// shutdown reaches Close. Drain with a detached deadline so the
			// final batch of billing events is not lost.
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(m.baseCtx), drainTimeout)
			defer cancel()
			for {
				select {
				case e := <-m.ch:
					appendEvent(drainCtx, e)
				default:
					flush(drainCtx)
					return
				}
			}
		}
	}
}

// Collect is an Emitter test double that records events synchronously.
type Collect struct {
	mu     sync.Mutex
	events []Event
}

// NewCollect creates an empty Collect.
func NewCollect() *Collect { return &Collect{} }

// Emit implements Emitter.
func (c *Collect) Emit(event Event) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

// Events returns a copy of all recorded events.
func (c *Collect) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}
