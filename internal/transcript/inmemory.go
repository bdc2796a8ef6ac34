package transcript

import (
	"context"
	"sync"
)

// InMemoryStore keeps every turn in one append-only slice. It backs local runs
// without DATABASE_URL and the tests.
type InMemoryStore struct {
	mu    sync.RWMutex
	turns []TurnRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	record.fillDefaults()
	s.mu.Lock()
	s.turns = append(s.turns, record)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) RecentContext(_ context.Context, userID string, limit int) ([]TurnRecord, error) {
	matched := s.filter(func(r TurnRecord) bool { return r.UserID == userID })
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

func (s *InMemoryStore) SessionTurns(_ context.Context, sessionID string) ([]TurnRecord, error) {
	return s.filter(func(r TurnRecord) bool { return r.SessionID == sessionID }), nil
}

func (s *InMemoryStore) filter(keep func(TurnRecord) bool) []TurnRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TurnRecord
	for _, r := range s.turns {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
