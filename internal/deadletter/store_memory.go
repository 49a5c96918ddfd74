package deadletter

import (
	"context"
	"fmt"
	"sync"

	"bastion/pkg/sentinel"
)

// InMemoryStore implements Store with a mutex-guarded map. Suitable for
// single-process deployments and tests; use PostgresStore for durability.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]*Entry)}
}

// Add inserts a new entry. Duplicate IDs conflict.
func (s *InMemoryStore) Add(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("dead letter entry is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.ID]; exists {
		return fmt.Errorf("add dead letter %s: %w", entry.ID, sentinel.ErrConflict)
	}
	cp := *entry
	s.entries[entry.ID] = &cp
	s.order = append(s.order, entry.ID)
	return nil
}

// Get returns the entry or sentinel.ErrNotFound.
func (s *InMemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("dead letter %s: %w", id, sentinel.ErrNotFound)
	}
	cp := *entry
	return &cp, nil
}

// List returns entries matching the filter in insertion order.
func (s *InMemoryStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, id := range s.order {
		entry := s.entries[id]
		if filter.Status != "" && entry.ReviewStatus != filter.Status {
			continue
		}
		if filter.Endpoint != "" && entry.Endpoint != filter.Endpoint {
			continue
		}
		cp := *entry
		out = append(out, &cp)
	}
	return out, nil
}

// UpdateStatus mutates the review status of an existing entry.
func (s *InMemoryStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid review status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("dead letter %s: %w", id, sentinel.ErrNotFound)
	}
	entry.ReviewStatus = status
	return nil
}
