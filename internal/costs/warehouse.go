package costs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"manifold/internal/observability"
	"manifold/internal/streaming"
)

// Warehouse best-effort mirrors every recorded cost into a ClickHouse table
// alongside the DynamoDB rollups, for ad-hoc analytical queries DynamoDB
// cannot serve cheaply. Grounded on
// internal/agentd/metrics_clickhouse.go's clickhouse-go/v2 connection idiom.
// A nil *Warehouse (unconfigured DSN) is valid and every method becomes a
// no-op, matching RateCache's nil-receiver-safe convention.
type Warehouse struct {
	conn  clickhouse.Conn
	table string
}

// NewWarehouse opens a ClickHouse connection and ensures the rollup table
// exists. Returns (nil, nil) when dsn is empty, signaling "not configured"
// rather than an error.
func NewWarehouse(ctx context.Context, dsn, table string) (*Warehouse, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	if table == "" {
		table = "agent_cost_events"
	}
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("costs: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("costs: open clickhouse connection: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("costs: ping clickhouse: %w", err)
	}
	w := &Warehouse{conn: conn, table: table}
	if err := w.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("costs: create clickhouse table: %w", err)
	}
	return w, nil
}

func (w *Warehouse) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	event_time    DateTime,
	user_id       String,
	session_id    String,
	message_id    String,
	provider      String,
	model_id      String,
	input_tokens  UInt64,
	output_tokens UInt64,
	cache_read_tokens  UInt64,
	cache_write_tokens UInt64,
	cost          Float64
) ENGINE = MergeTree()
ORDER BY (user_id, event_time)`, w.table)
	return w.conn.Exec(ctx, ddl)
}

// Mirror inserts one cost record. Failures are logged and swallowed, per
// spec §7's "aggregator and rollup failures are swallowed with logs"
// policy — the warehouse is a supplementary analytical sink, never load
// bearing for a turn.
func (w *Warehouse) Mirror(ctx context.Context, rec streaming.CostRecord) {
	if w == nil || w.conn == nil {
		return
	}
	insert := fmt.Sprintf(`INSERT INTO %s (
		event_time, user_id, session_id, message_id, provider, model_id,
		input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, w.table)
	err := w.conn.Exec(ctx, insert,
		rec.Timestamp.UTC(), rec.UserID, rec.SessionID, rec.MessageID, rec.Provider, rec.ModelID,
		uint64(rec.Usage.InputTokens), uint64(rec.Usage.OutputTokens),
		uint64(rec.Usage.CacheReadTokens), uint64(rec.Usage.CacheWriteTokens), rec.Cost,
	)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("session_id", rec.SessionID).Msg("cost_warehouse_mirror_failed")
	}
}

// Close releases the underlying connection.
func (w *Warehouse) Close() error {
	if w == nil || w.conn == nil {
		return nil
	}
	return w.conn.Close()
}

// MirroringRecorder wraps a streaming.CostRecorder so every RecordMessage
// call also best-effort mirrors into ClickHouse, without the Aggregator
// needing to know the warehouse exists.
type MirroringRecorder struct {
	Primary   streaming.CostRecorder
	Warehouse *Warehouse
}

// RecordMessage implements streaming.CostRecorder.
func (m *MirroringRecorder) RecordMessage(ctx context.Context, rec streaming.CostRecord) error {
	if m.Warehouse != nil {
		m.Warehouse.Mirror(ctx, rec)
	}
	if m.Primary == nil {
		return nil
	}
	return m.Primary.RecordMessage(ctx, rec)
}
