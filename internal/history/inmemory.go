package history

import (
	"context"
	"sync"

	"github.com/ent0n29/emoji-analysis/internal/session"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu         sync.RWMutex
	records    map[string][]Entry
	maxPerSess int
	closed     bool
}

func NewInMemoryStore(maxPerSession int) *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]Entry), maxPerSess: maxPerSession}
}

func (s *InMemoryStore) SaveRecord(_ context.Context, sessionID string, record session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	arr := append(s.records[sessionID], Entry{SessionID: sessionID, Record: record})
	if s.maxPerSess > 0 && len(arr) > s.maxPerSess {
		arr = append([]Entry(nil), arr[len(arr)-s.maxPerSess:]...)
	}
	s.records[sessionID] = arr
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	arr := s.records[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Entry, 0, limit)
	out = append(out, arr[len(arr)-limit:]...)
	return out, nil
}

func (s *InMemoryStore) Mode() string { return "in-memory" }

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
	return nil
}
