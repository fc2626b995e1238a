package engine

import (
	"fmt"
	"sync"
)

// Options are the launch parameters passed opaquely to an engine at
// construction time.
type Options struct {
	// Scene is the scene/resource identifier the engine loads at startup.
	Scene string

	// GUI requests an interactive/visible engine front-end.
	GUI bool
}

// Factory constructs an engine instance inside a worker process.
type Factory func(opts Options) (Engine, error)

// Definition bundles everything known about one engine kind: how to build
// it and which methods it serves.
type Definition struct {
	Name    string
	New     Factory
	Methods *Registry
}

// Factories resolves engine names to definitions. The controller consults it
// for method metadata; the worker binary consults it to build its engine.
type Factories struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewFactories creates an empty factory registry.
func NewFactories() *Factories {
	return &Factories{defs: make(map[string]Definition)}
}

// Register adds an engine definition.
func (f *Factories) Register(def Definition) error {
	if def.Name == "" || def.New == nil || def.Methods == nil {
		return fmt.Errorf("engine definition requires a name, a factory, and a method registry")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.defs[def.Name]; ok {
		return fmt.Errorf("engine %q is already registered", def.Name)
	}
	f.defs[def.Name] = def
	return nil
}

// Resolve returns the definition for an engine name.
func (f *Factories) Resolve(name string) (Definition, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	def, ok := f.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("engine %q is not registered", name)
	}
	return def, nil
}
