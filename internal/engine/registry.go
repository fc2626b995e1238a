package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Spec is the registration-time metadata for one method identity.
// ReturnsValue is fixed at registration and never changes at call time.
type Spec struct {
	Name         string `json:"name"`
	ReturnsValue bool   `json:"returns_value"`
}

// Registry is the static method table shared by the dispatcher, the pool,
// and the worker runtime. Every method identity has exactly one entry.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewRegistry creates an empty method registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds a method spec. Registering a reserved name or the same name
// twice is an error: the metadata invariant requires a single entry per
// method identity.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("method name must not be empty")
	}
	if Reserved(spec.Name) {
		return fmt.Errorf("method %q is reserved", spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[spec.Name]; ok {
		return fmt.Errorf("method %q is already registered", spec.Name)
	}
	r.specs[spec.Name] = spec
	return nil
}

// MustRegister registers specs and panics on error. Intended for
// package-level method tables built at startup.
func (r *Registry) MustRegister(specs ...Spec) {
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the spec for a method identity.
func (r *Registry) Lookup(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// List returns all registered specs, sorted by name for a stable response.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]Spec, 0, len(r.specs))
	for _, spec := range r.specs {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool {
		return specs[i].Name < specs[j].Name
	})
	return specs
}
