package usage

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore implements Store with a mutex-guarded slice. Suitable for
// single-process deployments and tests; use PostgresStore for durability.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	max     int
}

// NewInMemoryStore creates an in-memory ledger. max bounds retained records;
// once exceeded the oldest half is dropped. max <= 0 means unbounded.
func NewInMemoryStore(max int) *InMemoryStore {
	return &InMemoryStore{max: max}
}

// Append adds one record to the ledger.
func (s *InMemoryStore) Append(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
	if s.max > 0 && len(s.records) > s.max {
		keep := len(s.records) / 2
		s.records = append([]*Record(nil), s.records[len(s.records)-keep:]...)
	}
	return nil
}

// Between returns records with from < timestamp <= to.
func (s *InMemoryStore) Between(ctx context.Context, from, to time.Time) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, rec := range s.records {
		if rec.Timestamp.After(from) && !rec.Timestamp.After(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}
