package sessions

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. Used when no DATABASE_URL
// is configured and by tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) GetActive(ctx context.Context, conversationID string) (Session, error) {
	conversationID = strings.TrimSpace(conversationID)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.ConversationID == conversationID && sess.Active() {
			return sess.Clone(), nil
		}
	}
	return Session{}, ErrNotFound
}

func (s *MemoryStore) Save(ctx context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned := session.Clone()
	s.sessions[session.ID] = &cloned
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, sessionID string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.Apply(patch, time.Now().UTC())
	return nil
}

func (s *MemoryStore) History(ctx context.Context, conversationID string, limit int) ([]Session, error) {
	conversationID = strings.TrimSpace(conversationID)

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, 8)
	for _, sess := range s.sessions {
		if sess.ConversationID == conversationID {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, 4)
	for _, sess := range s.sessions {
		if sess.Active() {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
