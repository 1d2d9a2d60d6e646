package ragctx

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SummaryStore persists compaction summaries in Postgres, implementing
// sessions.SummaryStore structurally. Grounded on
// internal/persistence/databases/postgres_search.go's best-effort
// bootstrap-on-construct idiom.
type SummaryStore struct {
	pool *pgxpool.Pool
}

// NewSummaryStore connects to dsn and ensures the backing table exists.
func NewSummaryStore(ctx context.Context, dsn string) (*SummaryStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("ragctx: connect summary store: %w", err)
	}
	s := &SummaryStore{pool: pool}
	if _, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS session_summaries (
  session_id TEXT NOT NULL,
  seq        SERIAL,
  summary    TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (session_id, seq)
)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ragctx: bootstrap session_summaries: %w", err)
	}
	return s, nil
}

// Summaries implements sessions.SummaryStore: returns every checkpoint
// summary recorded for sessionID, oldest first.
func (s *SummaryStore) Summaries(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT summary FROM session_summaries WHERE session_id = $1 ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("ragctx: query summaries: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var summary string
		if err := rows.Scan(&summary); err != nil {
			return nil, fmt.Errorf("ragctx: scan summary: %w", err)
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

// Append records a new compaction checkpoint summary for sessionID.
func (s *SummaryStore) Append(ctx context.Context, sessionID, summary string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO session_summaries (session_id, summary) VALUES ($1, $2)`, sessionID, summary)
	if err != nil {
		return fmt.Errorf("ragctx: append summary: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *SummaryStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}
