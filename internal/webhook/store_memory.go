package webhook

import (
	"context"
	"sync"
	"time"
)

// InMemoryKeyStore implements KeyStore with a mutex-guarded map. Suitable
// for single-process deployments and tests; use RedisKeyStore when multiple
// replicas receive deliveries.
type InMemoryKeyStore struct {
	mu      sync.Mutex
	expires map[string]time.Time

	cleanupEvery time.Duration
	now          func() time.Time
}

// KeyStoreOption configures an InMemoryKeyStore.
type KeyStoreOption func(*InMemoryKeyStore)

// WithKeyStoreClock overrides the time source, for tests.
func WithKeyStoreClock(now func() time.Time) KeyStoreOption {
	return func(s *InMemoryKeyStore) { s.now = now }
}

// WithKeyCleanupEvery sets the janitor interval.
func WithKeyCleanupEvery(d time.Duration) KeyStoreOption {
	return func(s *InMemoryKeyStore) { s.cleanupEvery = d }
}

// NewInMemoryKeyStore creates an empty key store.
func NewInMemoryKeyStore(opts ...KeyStoreOption) *InMemoryKeyStore {
	s := &InMemoryKeyStore{
		expires:      make(map[string]time.Time),
		cleanupEvery: time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PutIfAbsent inserts the key unless a live entry exists. An expired entry
// counts as absent and is replaced; a live entry keeps its original expiry.
func (s *InMemoryKeyStore) PutIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.expires[key] = now.Add(ttl)
	return true, nil
}

// Cleanup drops expired keys.
func (s *InMemoryKeyStore) Cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, exp := range s.expires {
		if !now.Before(exp) {
			delete(s.expires, key)
		}
	}
}

// StartJanitor cleans expired keys periodically until ctx is cancelled.
func (s *InMemoryKeyStore) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}
	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}
