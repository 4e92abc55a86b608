package adapter

import (
	"sync"

	"github.com/kiln-systems/kiln/internal/models"
)

// Registry is the read-mostly map of printer id to live adapter. Updates
// (register/unregister) take a brief exclusive lock; the scheduler and
// pollers hold only the printer id and look the adapter up here on every
// call "registry is read-mostly" policy.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds or replaces the adapter for a.ID().Name. Replacing closes
// the previous adapter's transport.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.ID().Name
	if prev, ok := r.adapters[name]; ok {
		_ = prev.Close()
	}
	r.adapters[name] = a
	return nil
}

// Unregister removes and closes the adapter for name, if present.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil
	}
	delete(r.adapters, name)
	return a.Close()
}

// Get returns the adapter for name and whether it was found.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// List returns a snapshot of every registered printer id, copy-on-iterate so
// callers never observe a registry mutation mid-range.
func (r *Registry) List() []models.PrinterId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.PrinterId, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a.ID())
	}
	return out
}

// Each calls fn for every registered adapter under a read lock snapshot;
// fn must not call back into Register/Unregister.
func (r *Registry) Each(fn func(Adapter)) {
	r.mu.RLock()
	snapshot := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		snapshot = append(snapshot, a)
	}
	r.mu.RUnlock()
	for _, a := range snapshot {
		fn(a)
	}
}
