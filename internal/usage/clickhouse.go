package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// schema for the meter events table. MergeTree ordered by (tenant, time) so
// SpendSince scans only the tenant's recent partition range.
const schema = `
CREATE TABLE IF NOT EXISTS meter_events (
	id          UUID,
	tenant_id   LowCardinality(String),
	capability  LowCardinality(String),
	provider    LowCardinality(String),
	cost_usd    Float64,
	charge_usd  Float64,
	created_at  DateTime64(3, 'UTC')
) ENGINE = MergeTree
PARTITION BY toYYYYMM(created_at)
ORDER BY (tenant_id, created_at)
TTL toDateTime(created_at) + INTERVAL 13 MONTH
`

// ClickHouseConfig holds connection settings for the usage store.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ClickHouseStore implements Store on top of ClickHouse.
type ClickHouseStore struct {
	conn driver.Conn
}

// NewClickHouseStore connects, verifies the connection, and ensures the
// meter_events table exists.
func NewClickHouseStore(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("usage: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("usage: clickhouse ping: %w", err)
	}

	if err := conn.Exec(ctx, schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("usage: ensure schema: %w", err)
	}

	return &ClickHouseStore{conn: conn}, nil
}

// Insert implements Store using a native batch insert.
func (s *ClickHouseStore) Insert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO meter_events")
	if err != nil {
		return fmt.Errorf("usage: prepare batch: %w", err)
	}

	for _, r := range records {
		if err := batch.Append(
			r.ID,
			r.TenantID,
			r.Capability,
			r.Provider,
			r.CostUSD,
			r.ChargeUSD,
			r.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("usage: batch append: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("usage: batch send: %w", err)
	}
	return nil
}

// SpendSince implements Store.
func (s *ClickHouseStore) SpendSince(ctx context.Context, tenantID string, since time.Time) (float64, error) {
	const query = `
		SELECT coalesce(sum(charge_usd), 0)
		FROM meter_events
		WHERE tenant_id = ? AND created_at >= ?
	`

	var total float64
	if err := s.conn.QueryRow(ctx, query, tenantID, since.UTC()).Scan(&total); err != nil {
		return 0, fmt.Errorf("usage: spend query: %w", err)
	}
	return total, nil
}

// Close releases the ClickHouse connection pool.
func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}
