package sessions

import (
	"context"
	"sync"

	"manifold/internal/observability"
)

// localSession buffers writes to reduce local-mode round trips, flushing
// implicitly when the buffer fills and explicitly on Flush. At-least-once
// delivery on crash is acceptable: message filenames are deterministic, so a
// retried write is idempotent.
type localSession struct {
	store     *LocalStore
	sessionID string
	userID    string

	initialCount int
	batchSize    int

	mu        sync.Mutex
	pending   []Message
	persisted int // count of messages actually written this session lifetime
	cancelled bool
	lastSeq   *int
}

func (s *localSession) SessionID() string { return s.sessionID }

func (s *localSession) InitialMessageCount() int { return s.initialCount }

func (s *localSession) Append(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		return nil
	}
	msg.Sequence = s.initialCount + s.persisted + len(s.pending)
	s.pending = append(s.pending, msg)
	if len(s.pending) >= s.batchSize {
		return s.flushLocked(ctx)
	}
	return nil
}

func (s *localSession) Flush(ctx context.Context) (*int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flushLocked(ctx); err != nil {
		return nil, err
	}
	return s.lastSeq, nil
}

func (s *localSession) flushLocked(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	log := observability.LoggerWithTrace(ctx)
	for _, msg := range s.pending {
		if err := s.store.writeMessage(s.sessionID, msg); err != nil {
			// Persistence failures in the write path are logged, never
			// raised: the conversation must keep streaming.
			log.Error().Err(err).Str("session_id", s.sessionID).Int("sequence", msg.Sequence).Msg("sessions_append_failed")
			continue
		}
		s.persisted++
		if msg.Role == RoleAssistant {
			seq := msg.Sequence
			s.lastSeq = &seq
		}
	}
	s.pending = s.pending[:0]
	return nil
}

func (s *localSession) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

func (s *localSession) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}
