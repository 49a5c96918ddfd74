package circuit

import "sync"

// Registry holds one Breaker per endpoint, lazily materialized. The registry
// lock only guards the map; each breaker is guarded independently.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults []Option
}

// NewRegistry creates a Registry. The given options apply to every breaker
// it creates, before any per-endpoint options.
func NewRegistry(defaults ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the endpoint's breaker, creating it on first use. Options are
// only applied at creation time.
func (r *Registry) Get(endpoint string, opts ...Option) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[endpoint]; ok {
		return b
	}
	all := make([]Option, 0, len(r.defaults)+len(opts))
	all = append(all, r.defaults...)
	all = append(all, opts...)
	b := New(endpoint, all...)
	r.breakers[endpoint] = b
	return b
}

// States returns a snapshot of every breaker's position, keyed by endpoint.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
