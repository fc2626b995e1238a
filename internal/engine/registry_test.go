package engine_test

import (
	"strings"
	"testing"

	"github.com/cdelaunay/simrig/internal/engine"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := engine.NewRegistry()
	if err := r.Register(engine.Spec{Name: "step"}); err != nil {
		t.Fatalf("Register step: %v", err)
	}
	if err := r.Register(engine.Spec{Name: "getState", ReturnsValue: true}); err != nil {
		t.Fatalf("Register getState: %v", err)
	}

	spec, ok := r.Lookup("getState")
	if !ok || !spec.ReturnsValue {
		t.Errorf("Lookup(getState) = %+v, %v; want returns-value spec", spec, ok)
	}
	spec, ok = r.Lookup("step")
	if !ok || spec.ReturnsValue {
		t.Errorf("Lookup(step) = %+v, %v; want non-returning spec", spec, ok)
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Error("Lookup(missing) = true, want false")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := engine.NewRegistry()
	if err := r.Register(engine.Spec{Name: "step"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(engine.Spec{Name: "step", ReturnsValue: true})
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("duplicate Register error = %v, want already-registered", err)
	}
}

func TestRegistryRejectsReservedNames(t *testing.T) {
	r := engine.NewRegistry()
	for _, name := range []string{engine.MethodSignalEmpty, engine.MethodShutdown} {
		if err := r.Register(engine.Spec{Name: name}); err == nil {
			t.Errorf("Register(%q) succeeded, want reserved-name error", name)
		}
	}
}

func TestRegistryListSorted(t *testing.T) {
	r := engine.NewRegistry()
	r.MustRegister(
		engine.Spec{Name: "stop"},
		engine.Spec{Name: "echo", ReturnsValue: true},
		engine.Spec{Name: "start"},
	)

	specs := r.List()
	want := []string{"echo", "start", "stop"}
	if len(specs) != len(want) {
		t.Fatalf("List returned %d specs, want %d", len(specs), len(want))
	}
	for i, name := range want {
		if specs[i].Name != name {
			t.Errorf("List[%d] = %q, want %q", i, specs[i].Name, name)
		}
	}
}

func TestFactoriesResolve(t *testing.T) {
	f := engine.NewFactories()
	methods := engine.NewRegistry()
	err := f.Register(engine.Definition{
		Name:    "null",
		New:     func(engine.Options) (engine.Engine, error) { return nil, nil },
		Methods: methods,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	def, err := f.Resolve("null")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if def.Methods != methods {
		t.Error("Resolve returned a different method registry")
	}

	if _, err := f.Resolve("missing"); err == nil {
		t.Fatal("Resolve(missing) succeeded, want error")
	}
}
