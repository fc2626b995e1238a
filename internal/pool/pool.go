// Package pool coordinates a set of worker dispatchers as one unit: fanned
// out calls, subset addressing, element-wise argument distribution, and
// collective lifecycle.
package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/cdelaunay/simrig/internal/dispatcher"
	"github.com/cdelaunay/simrig/internal/engine"
)

// Plan decides which workers a call addresses and how its arguments map
// onto them. The zero value addresses every worker with identical
// arguments.
type Plan struct {
	// Workers restricts calls to these indices, in this order. Nil means
	// all workers in ascending order.
	Workers []int

	// Distribute makes every positional argument and keyword value a slice
	// whose elements are dealt out one per addressed worker.
	Distribute bool
}

// Pool is a fixed set of workers addressed collectively.
type Pool struct {
	workers []*dispatcher.Dispatcher
	logger  *slog.Logger

	mu   sync.Mutex
	plan Plan
}

// New assembles a pool from already-created dispatchers. Worker i must be
// the dispatcher at index i.
func New(workers []*dispatcher.Dispatcher, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{workers: workers, logger: logger}
}

// LaunchOptions configure a pool of freshly spawned worker processes.
type LaunchOptions struct {
	Workers int    // number of worker processes
	Bin     string // worker binary path
	Engine  string
	Scene   string
	GUI     []int // worker indices that get an interactive front-end

	Capacity int
	Methods  *engine.Registry
	Logger   *slog.Logger
	Recorder dispatcher.Recorder
	Broker   *dispatcher.LogBroker
}

// Launch spawns opts.Workers worker processes and returns the pool. On any
// launch failure the already-started workers are closed before returning.
func Launch(opts LaunchOptions) (*Pool, error) {
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("pool needs at least one worker, got %d", opts.Workers)
	}

	gui := make(map[int]bool, len(opts.GUI))
	for _, i := range opts.GUI {
		gui[i] = true
	}

	workers := make([]*dispatcher.Dispatcher, 0, opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		d, err := dispatcher.Launch(dispatcher.LaunchSpec{
			Bin:    opts.Bin,
			Engine: opts.Engine,
			Scene:  opts.Scene,
			GUI:    gui[i],
			Index:  i,
		}, dispatcher.Options{
			Capacity: opts.Capacity,
			Methods:  opts.Methods,
			Logger:   opts.Logger,
			Recorder: opts.Recorder,
		}, opts.Broker)
		if err != nil {
			for _, w := range workers {
				_ = w.Close()
			}
			return nil, fmt.Errorf("launch worker %d: %w", i, err)
		}
		workers = append(workers, d)
	}

	return New(workers, opts.Logger), nil
}

// Size returns the number of workers in the pool.
func (p *Pool) Size() int { return len(p.workers) }

// Worker returns the dispatcher at the given index.
func (p *Pool) Worker(index int) (*dispatcher.Dispatcher, bool) {
	if index < 0 || index >= len(p.workers) {
		return nil, false
	}
	return p.workers[index], true
}

// WorkerStatus returns the status of the worker at the given index.
func (p *Pool) WorkerStatus(index int) (dispatcher.Status, bool) {
	w, ok := p.Worker(index)
	if !ok {
		return dispatcher.Status{}, false
	}
	return w.Status(), true
}

// Snapshot returns the current status of every worker.
func (p *Pool) Snapshot() []dispatcher.Status {
	out := make([]dispatcher.Status, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.Status()
	}
	return out
}

// WaitReady blocks until every worker has signalled readiness. Workers are
// waited concurrently; the first deadline applies to all.
func (p *Pool) WaitReady(timeout time.Duration) error {
	errs := make([]error, len(p.workers))
	var wg sync.WaitGroup
	for i, w := range p.workers {
		i, w := i, w
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = w.WaitReady(timeout)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Specific runs fn with calls addressed only to the given worker indices,
// in the given order: distributed arguments are dealt out by position in
// this list, and collected answers come back in the same order. The
// previous plan is restored when fn returns, including on panic.
func (p *Pool) Specific(indices []int, fn func() error) error {
	for _, i := range indices {
		if i < 0 || i >= len(p.workers) {
			return fmt.Errorf("worker index %d out of range [0,%d)", i, len(p.workers))
		}
	}
	sel := make([]int, len(indices))
	copy(sel, indices)

	restore := p.swapPlan(func(pl *Plan) { pl.Workers = sel })
	defer restore()
	return fn()
}

// DistributeArgs runs fn with element-wise argument distribution enabled:
// every argument of a call made inside fn must be a slice with one element
// per addressed worker. The previous plan is restored when fn returns.
func (p *Pool) DistributeArgs(fn func() error) error {
	restore := p.swapPlan(func(pl *Plan) { pl.Distribute = true })
	defer restore()
	return fn()
}

func (p *Pool) swapPlan(mutate func(*Plan)) func() {
	p.mu.Lock()
	prev := p.plan
	mutate(&p.plan)
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.plan = prev
		p.mu.Unlock()
	}
}

// selection resolves the current plan to concrete worker indices.
func (p *Pool) selection() ([]int, Plan) {
	p.mu.Lock()
	plan := p.plan
	p.mu.Unlock()

	if plan.Workers != nil {
		return plan.Workers, plan
	}
	all := make([]int, len(p.workers))
	for i := range all {
		all[i] = i
	}
	return all, plan
}

// Send enqueues the call on every addressed worker, in selection order,
// and returns one Pending per worker for returns-a-value methods
// (nil entries otherwise). The caller must Wait the non-nil handles in
// order; Call does this for you.
func (p *Pool) Send(method string, args []any, kwargs map[string]any) ([]*dispatcher.Pending, error) {
	sel, plan := p.selection()

	perWorker, err := splitArgs(plan, sel, args, kwargs)
	if err != nil {
		return nil, err
	}

	pendings := make([]*dispatcher.Pending, len(sel))
	for slot, idx := range sel {
		a := perWorker[slot]
		pending, err := p.workers[idx].Send(method, a.args, a.kwargs)
		if err != nil {
			return nil, fmt.Errorf("worker %d: %w", idx, err)
		}
		pendings[slot] = pending
	}
	return pendings, nil
}

// Call sends the call to every addressed worker and blocks for all answers,
// returned in selection order. For non-returning methods the result is nil.
func (p *Pool) Call(method string, args ...any) ([]json.RawMessage, error) {
	return p.CallKW(method, args, nil)
}

// CallKW is Call with keyword arguments.
func (p *Pool) CallKW(method string, args []any, kwargs map[string]any) ([]json.RawMessage, error) {
	sel, _ := p.selection()

	pendings, err := p.Send(method, args, kwargs)
	if err != nil {
		return nil, err
	}

	var results []json.RawMessage
	var errs []error
	for slot, pending := range pendings {
		if pending == nil {
			continue
		}
		if results == nil {
			results = make([]json.RawMessage, len(pendings))
		}
		value, err := pending.Wait()
		if err != nil {
			errs = append(errs, fmt.Errorf("worker %d: %w", sel[slot], err))
			continue
		}
		results[slot] = value
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return results, nil
}

// Close shuts every worker down in order and joins their errors.
func (p *Pool) Close() error {
	errs := make([]error, len(p.workers))
	for i, w := range p.workers {
		errs[i] = w.Close()
	}
	return errors.Join(errs...)
}

type workerArgs struct {
	args   []any
	kwargs map[string]any
}

// splitArgs maps call arguments onto the addressed workers. Without
// distribution every worker receives the arguments verbatim; with it, each
// argument is a slice dealt out element-wise.
func splitArgs(plan Plan, sel []int, args []any, kwargs map[string]any) ([]workerArgs, error) {
	out := make([]workerArgs, len(sel))
	if !plan.Distribute {
		for i := range out {
			out[i] = workerArgs{args: args, kwargs: kwargs}
		}
		return out, nil
	}

	for i := range out {
		out[i].args = make([]any, len(args))
		if kwargs != nil {
			out[i].kwargs = make(map[string]any, len(kwargs))
		}
	}

	for pos, arg := range args {
		elems, err := sliceElements(arg, len(sel))
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", pos, err)
		}
		for i := range out {
			out[i].args[pos] = elems[i]
		}
	}
	for key, value := range kwargs {
		elems, err := sliceElements(value, len(sel))
		if err != nil {
			return nil, fmt.Errorf("keyword argument %q: %w", key, err)
		}
		for i := range out {
			out[i].kwargs[key] = elems[i]
		}
	}
	return out, nil
}

// sliceElements flattens one distributed argument into per-worker values.
func sliceElements(arg any, n int) ([]any, error) {
	v := reflect.ValueOf(arg)
	if !v.IsValid() || (v.Kind() != reflect.Slice && v.Kind() != reflect.Array) {
		return nil, fmt.Errorf("distributed arguments must be slices, got %T", arg)
	}
	if v.Len() != n {
		return nil, fmt.Errorf("got %d elements for %d addressed workers", v.Len(), n)
	}
	elems := make([]any, n)
	for i := 0; i < n; i++ {
		elems[i] = v.Index(i).Interface()
	}
	return elems, nil
}
