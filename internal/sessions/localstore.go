package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"manifold/internal/observability"
)

// LocalStore is the JSON-file-backed development store. Messages are
// written one-per-file under MessagesDir; session and message metadata live
// alongside as flat JSON indices. It is safe for concurrent use across
// sessions; within one session, callers are expected to serialize through
// the Session handle returned by Open (mirrors the cloud backend's
// single-writer-per-turn contract).
type LocalStore struct {
	root string

	mu       sync.Mutex
	sessions map[string]*localSession
}

// NewLocalStore returns a Store rooted at dir. The directory is created
// lazily, per session, on first write.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{root: dir, sessions: map[string]*localSession{}}
}

func (s *LocalStore) Open(ctx context.Context, sessionID, userID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		return sess, nil
	}

	meta, err := s.readSessionMeta(sessionID)
	if err != nil {
		return nil, fmt.Errorf("localstore: open %s: %w", sessionID, err)
	}
	if meta == nil {
		now := time.Now().UTC()
		meta = &SessionMeta{
			SessionID: sessionID,
			UserID:    userID,
			Status:    StatusActive,
			CreatedAt: now,
		}
	}

	sess := &localSession{
		store:        s,
		sessionID:    sessionID,
		userID:       userID,
		initialCount: meta.MessageCount,
		batchSize:    5,
	}
	s.sessions[sessionID] = sess
	return sess, nil
}

func (s *LocalStore) ListMessages(ctx context.Context, sessionID string, limit int, cursor string) (ListMessagesResult, error) {
	start := 0
	if cursor != "" {
		if n, err := decodeCursor(cursor); err == nil {
			start = n
		}
	}

	dir := MessagesDir(s.root, sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return ListMessagesResult{}, nil
		}
		return ListMessagesResult{}, fmt.Errorf("localstore: list messages %s: %w", sessionID, err)
	}

	total := len(entries)
	out := ListMessagesResult{}
	for seq := start; seq < total; seq++ {
		if limit > 0 && len(out.Messages) >= limit {
			out.NextCursor = encodeCursor(seq)
			break
		}
		msg, err := s.readMessage(sessionID, seq)
		if err != nil {
			continue
		}
		out.Messages = append(out.Messages, *msg)
	}
	return out, nil
}

func (s *LocalStore) PutMessageMetadata(ctx context.Context, sessionID, messageID string, meta MessageMetadata) error {
	path := MessageMetadataPath(s.root, sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("localstore: mkdir %s: %w", sessionID, err)
	}

	existing := map[string]MessageMetadata{}
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		_ = json.Unmarshal(b, &existing)
	}
	existing[messageID] = meta

	b, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("localstore: marshal message metadata: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("localstore: write message metadata: %w", err)
	}

	s.updateSessionCostSummary(sessionID, meta)
	return nil
}

// updateSessionCostSummary is best-effort local bookkeeping; failures are
// logged, never propagated (this is supplemental to the user/system rollups
// the cost aggregator maintains).
func (s *LocalStore) updateSessionCostSummary(sessionID string, meta MessageMetadata) {
	period := meta.Attribution.Timestamp.UTC().Format("2006-01")
	path := CostSummaryPath(s.root, sessionID)

	var summaries map[string]SessionCostSummary
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		_ = json.Unmarshal(b, &summaries)
	}
	if summaries == nil {
		summaries = map[string]SessionCostSummary{}
	}

	sum := summaries[period]
	sum.TotalCost += meta.Cost
	sum.TotalRequests++
	sum.InputTokens += meta.TokenUsage.Input
	sum.OutputTokens += meta.TokenUsage.Output
	summaries[period] = sum

	b, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		observability.LoggerWithTrace(nil).Warn().Err(err).Str("session_id", sessionID).Msg("localstore_cost_summary_marshal_failed")
		return
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		observability.LoggerWithTrace(nil).Warn().Err(err).Str("session_id", sessionID).Msg("localstore_cost_summary_write_failed")
	}
}

// SessionCostSummary returns the running total across all periods for the
// session (summed), matching the supplemental helper described for the
// local backend.
func (s *LocalStore) SessionCostSummary(ctx context.Context, sessionID string) (SessionCostSummary, error) {
	path := CostSummaryPath(s.root, sessionID)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return SessionCostSummary{}, nil
		}
		return SessionCostSummary{}, fmt.Errorf("localstore: read cost summary %s: %w", sessionID, err)
	}
	var summaries map[string]SessionCostSummary
	if err := json.Unmarshal(b, &summaries); err != nil {
		return SessionCostSummary{}, fmt.Errorf("localstore: unmarshal cost summary %s: %w", sessionID, err)
	}
	var total SessionCostSummary
	for _, s := range summaries {
		total.TotalCost += s.TotalCost
		total.TotalRequests += s.TotalRequests
		total.InputTokens += s.InputTokens
		total.OutputTokens += s.OutputTokens
	}
	return total, nil
}

func (s *LocalStore) UpdateSessionMeta(ctx context.Context, sessionID string, mutate func(*SessionMeta)) error {
	path := SessionMetadataPath(s.root, sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("localstore: mkdir %s: %w", sessionID, err)
	}

	meta, err := s.readSessionMeta(sessionID)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = &SessionMeta{SessionID: sessionID, Status: StatusActive, CreatedAt: time.Now().UTC()}
	}
	mutate(meta)

	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("localstore: marshal session metadata: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

func (s *LocalStore) GetSessionMeta(ctx context.Context, sessionID string) (SessionMeta, error) {
	meta, err := s.readSessionMeta(sessionID)
	if err != nil {
		return SessionMeta{}, err
	}
	if meta == nil {
		return SessionMeta{}, fmt.Errorf("localstore: session %s not found", sessionID)
	}
	return *meta, nil
}

// UpdateAfterTurn is a no-op on the local backend; Stage-2 compaction reads
// and advances CompactionState directly through UpdateSessionMeta in this
// implementation (see finishTurn in internal/streaming/coordinator.go).
func (s *LocalStore) UpdateAfterTurn(ctx context.Context, sessionID string, in UpdateAfterTurnInput) error {
	return nil
}

func (s *LocalStore) readSessionMeta(sessionID string) (*SessionMeta, error) {
	path := SessionMetadataPath(s.root, sessionID)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta SessionMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *LocalStore) readMessage(sessionID string, seq int) (*Message, error) {
	path := MessagePath(s.root, sessionID, seq)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *LocalStore) writeMessage(sessionID string, msg Message) error {
	path := MessagePath(s.root, sessionID, msg.Sequence)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func encodeCursor(seq int) string {
	return fmt.Sprintf("%d", seq)
}

func decodeCursor(cursor string) (int, error) {
	var n int
	_, err := fmt.Sscanf(cursor, "%d", &n)
	return n, err
}
