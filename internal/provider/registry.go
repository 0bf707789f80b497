package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry resolves provider names to implementations and exposes the
// capability matrix across all registered backends.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its own name. Registering the same name
// twice replaces the earlier entry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get resolves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CapabilityMatrix returns the capabilities of every registered provider,
// keyed by name.
func (r *Registry) CapabilityMatrix() map[string]Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	matrix := make(map[string]Capabilities, len(r.providers))
	for name, p := range r.providers {
		matrix[name] = p.Capabilities()
	}
	return matrix
}
