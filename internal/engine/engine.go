// Package engine defines the contract between the worker runtime and the
// simulation engine it hosts, along with the static registries the rest of
// the system consumes: the method registry (which methods exist and whether
// they return a value) and the factory registry (how the worker binary
// constructs its engine).
package engine

import (
	"encoding/json"
	"fmt"
)

// Call carries the arguments of one command as raw JSON. Engines decode the
// values they need with Arg and Kwarg.
type Call struct {
	Args   []json.RawMessage
	Kwargs map[string]json.RawMessage
}

// NArgs returns the number of positional arguments.
func (c Call) NArgs() int { return len(c.Args) }

// Arg decodes positional argument i into T.
func Arg[T any](c Call, i int) (T, error) {
	var v T
	if i < 0 || i >= len(c.Args) {
		return v, fmt.Errorf("argument %d out of range (have %d)", i, len(c.Args))
	}
	if err := json.Unmarshal(c.Args[i], &v); err != nil {
		return v, fmt.Errorf("decode argument %d: %w", i, err)
	}
	return v, nil
}

// Kwarg decodes keyword argument key into T. The second return reports
// whether the key was present.
func Kwarg[T any](c Call, key string) (T, bool, error) {
	var v T
	raw, ok := c.Kwargs[key]
	if !ok {
		return v, false, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, true, fmt.Errorf("decode keyword argument %q: %w", key, err)
	}
	return v, true, nil
}

// Engine is the simulation engine hosted by a worker process. Invoke must
// return an error (never panic across the boundary) on failure; a returned
// error permanently fails the worker. Engines are owned by exactly one
// worker and are never shared.
type Engine interface {
	// Invoke executes the named operation with the given arguments.
	// The returned value is only transmitted for methods registered as
	// returning a value.
	Invoke(name string, call Call) (any, error)

	// Shutdown releases engine resources. Called once when the worker
	// loop terminates, cleanly or not.
	Shutdown() error
}

// Reserved method names handled by the worker runtime itself, never
// dispatched to the engine.
const (
	// MethodSignalEmpty asks the worker to emit an empty event once every
	// previously queued command has been consumed.
	MethodSignalEmpty = "signal-empty"

	// MethodShutdown makes the worker loop exit cleanly. Because it is an
	// ordinary queued command, it both unblocks the worker's receive and
	// carries the quit decision in the same message, so the two cannot race.
	MethodShutdown = "shutdown"
)

// Reserved reports whether name is a runtime-internal method.
func Reserved(name string) bool {
	return name == MethodSignalEmpty || name == MethodShutdown
}
