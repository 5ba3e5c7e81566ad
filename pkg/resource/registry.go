package resource

import (
	"fmt"
	"sync"
)

// Registry maps resource kinds to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Registering the same kind twice is an error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := a.Kind()
	if kind == "" {
		return fmt.Errorf("adapter kind cannot be empty")
	}
	if _, exists := r.adapters[kind]; exists {
		return fmt.Errorf("duplicate adapter for kind %q", kind)
	}

	r.adapters[kind] = a
	return nil
}

// Get returns the adapter for a kind.
func (r *Registry) Get(kind string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	return a, ok
}

// Kinds returns the registered kinds. Order is not guaranteed.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	return kinds
}

// Defaults returns a registry with all built-in adapters registered.
func Defaults() *Registry {
	r := NewRegistry()
	for _, a := range []Adapter{
		NewSSHConfig(),
		NewFirewall(),
		NewService(),
		NewRepoMirror(),
		NewCronJob(),
		NewFile(),
		NewCommand(),
	} {
		// Built-in kinds are distinct; Register cannot fail here.
		_ = r.Register(a)
	}
	return r
}
