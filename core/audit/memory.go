package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps the most recent records in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	limit int
	recs  []Record
}

// NewMemoryStore keeps at most limit records; zero means unbounded.
func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{limit: limit}
}

func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	if s.limit > 0 && len(s.recs) > s.limit {
		s.recs = append(s.recs[:0], s.recs[len(s.recs)-s.limit:]...)
	}
	return nil
}

func (s *MemoryStore) Query(_ context.Context, q Query) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Record
	for _, r := range s.recs {
		if q.matches(r) {
			res = append(res, r)
		}
	}
	return res, nil
}

func (s *MemoryStore) Close() error { return nil }
