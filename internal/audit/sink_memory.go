package audit

import (
	"context"
	"sync"
)

// InMemorySink retains published events in memory. Used when no brokers are
// configured, and by tests.
type InMemorySink struct {
	mu     sync.RWMutex
	events []Event
}

// NewInMemorySink creates an empty sink.
func NewInMemorySink() *InMemorySink {
	return &InMemorySink{}
}

// Publish appends the event.
func (s *InMemorySink) Publish(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a snapshot of everything published so far.
func (s *InMemorySink) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event(nil), s.events...)
}

// Close is a no-op.
func (s *InMemorySink) Close() error { return nil }
