// Package dispatcher implements the controller-side proxy for one worker
// process: it converts logical calls into queued commands, enforces the
// bounded in-flight capacity, pairs answers with calls by strict FIFO
// order, and surfaces worker death as a structured failure.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cdelaunay/simrig/internal/engine"
	"github.com/cdelaunay/simrig/internal/model"
	"github.com/cdelaunay/simrig/internal/proto"
)

const (
	// DefaultCapacity is the default bound on sent-but-not-yet-consumed
	// commands per worker.
	DefaultCapacity = 100

	// defaultPollInterval bounds every blocking wait (capacity acquisition,
	// answer receive, ready wait) so a dead worker is detected instead of
	// hanging forever.
	defaultPollInterval = 100 * time.Millisecond

	// defaultFaultDrainTimeout is how long to wait for a fault report after
	// the worker process is found dead.
	defaultFaultDrainTimeout = time.Second

	// valueBufferSize is the minimum number of unread answers the
	// dispatcher holds; the actual buffer is at least the in-flight
	// capacity, so a caller may issue a full capacity's worth of sends
	// before waiting any answer. Past the buffer the event pump blocks,
	// which propagates backpressure to the worker the same way a full OS
	// return pipe would. Credits queue behind blocked values, so a caller
	// that keeps sending without ever waiting will eventually stall in
	// acquireSlot.
	valueBufferSize = 128
)

// Conn holds the controller-side ends of the three sub-channels.
type Conn struct {
	Commands io.WriteCloser // controller → worker
	Events   io.ReadCloser  // worker → controller
	Faults   io.ReadCloser  // worker → controller, drained after death
}

// Recorder persists worker run lifecycle transitions. Implementations must
// tolerate being called from multiple dispatchers concurrently.
type Recorder interface {
	CreateRun(ctx context.Context, run *model.Run) error
	UpdateRunState(ctx context.Context, id, state string) error
	FinishRun(ctx context.Context, id, state, errMsg, trace string) error
}

// Options configure a dispatcher.
type Options struct {
	Index  int    // worker index within the pool
	RunID  string // generated when empty
	Engine string // engine name, recorded in the run ledger
	Scene  string
	GUI    bool

	Capacity          int           // in-flight bound; DefaultCapacity when 0
	PollInterval      time.Duration // liveness poll; defaultPollInterval when 0
	FaultDrainTimeout time.Duration // defaultFaultDrainTimeout when 0

	Methods  *engine.Registry // required: shared method metadata
	Logger   *slog.Logger     // slog.Default() when nil
	Recorder Recorder         // optional run ledger
}

// Dispatcher is the controller-facing handle for one worker.
type Dispatcher struct {
	index      int
	runID      string
	capacity   int
	poll       time.Duration
	faultDrain time.Duration
	methods    *engine.Registry
	logger     *slog.Logger
	recorder   Recorder

	proc   Process
	conn   Conn
	cmds   *proto.Sender
	events *proto.Receiver[proto.Event]
	faults *proto.Receiver[proto.Fault]

	inflight atomic.Int64
	credit   chan struct{} // capacity-freed notification, best effort
	readyCh  chan struct{} // closed when the ready event arrives
	emptyCh  chan struct{} // signal-empty handshake completion
	values   chan json.RawMessage

	readyOnce   sync.Once
	runningOnce sync.Once
	connOnce    sync.Once
	launchedAt  time.Time

	mu      sync.Mutex
	state   string
	closed  bool
	failure *WorkerFailedError
	sendSeq uint64 // returns-a-value commands issued
	waitSeq uint64 // answers consumed
}

// New creates a dispatcher over an established connection and process
// handle. Launch is the usual entry point; New is exposed so tests can wire
// an in-process worker.
func New(conn Conn, proc Process, opts Options) *Dispatcher {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.FaultDrainTimeout <= 0 {
		opts.FaultDrainTimeout = defaultFaultDrainTimeout
	}
	if opts.RunID == "" {
		opts.RunID = model.NewID()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	d := &Dispatcher{
		index:      opts.Index,
		runID:      opts.RunID,
		capacity:   opts.Capacity,
		poll:       opts.PollInterval,
		faultDrain: opts.FaultDrainTimeout,
		methods:    opts.Methods,
		logger:     opts.Logger.With("worker", opts.Index, "run_id", opts.RunID),
		recorder:   opts.Recorder,
		proc:       proc,
		conn:       conn,
		cmds:       proto.NewSender(conn.Commands),
		events:     proto.NewReceiver[proto.Event](conn.Events),
		faults:     proto.NewReceiver[proto.Fault](conn.Faults),
		credit:     make(chan struct{}, 1),
		readyCh:    make(chan struct{}),
		emptyCh:    make(chan struct{}, 1),
		values:     make(chan json.RawMessage, max(valueBufferSize, opts.Capacity)),
		launchedAt: time.Now(),
		state:      model.StateLaunching,
	}
	inflightCommands.WithLabelValues(strconv.Itoa(d.index)).Set(0)

	if d.recorder != nil {
		run := &model.Run{
			ID:          d.runID,
			WorkerIndex: d.index,
			Engine:      opts.Engine,
			Scene:       opts.Scene,
			GUI:         opts.GUI,
			PID:         proc.PID(),
			State:       model.StateLaunching,
			CreatedAt:   time.Now().UTC(),
		}
		if err := d.recorder.CreateRun(context.Background(), run); err != nil {
			d.logger.Error("record run", "error", err)
		}
	}

	go d.pump()
	return d
}

// Index returns the worker's index within the pool.
func (d *Dispatcher) Index() int { return d.index }

// RunID returns the identifier of the current worker run.
func (d *Dispatcher) RunID() string { return d.runID }

// Alive reports whether the worker process is still running.
func (d *Dispatcher) Alive() bool { return !d.proc.Exited() }

// Status is a point-in-time view of the worker for observation surfaces.
type Status struct {
	Index int    `json:"index"`
	RunID string `json:"run_id"`
	State string `json:"state"`
	Alive bool   `json:"alive"`
}

// Status returns the worker's current state.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	return Status{
		Index: d.index,
		RunID: d.runID,
		State: state,
		Alive: d.Alive(),
	}
}

// pump routes worker events: control events feed flow control and
// handshakes, value events preserve their FIFO order in the values queue.
func (d *Dispatcher) pump() {
	label := strconv.Itoa(d.index)
	for {
		ev, err := d.events.Recv(time.Minute)
		if errors.Is(err, proto.ErrTimeout) {
			continue
		}
		if err != nil {
			return
		}

		switch ev.Type {
		case proto.EventReady:
			d.readyOnce.Do(func() { close(d.readyCh) })
		case proto.EventCredit:
			inflightCommands.WithLabelValues(label).Set(float64(d.inflight.Add(-1)))
			select {
			case d.credit <- struct{}{}:
			default:
			}
		case proto.EventEmpty:
			select {
			case d.emptyCh <- struct{}{}:
			default:
			}
		case proto.EventValue:
			d.values <- ev.Value
		default:
			d.logger.Warn("unknown event type", "type", ev.Type)
		}
	}
}

// WaitReady blocks until the worker has constructed its engine and entered
// the command loop, or until it dies or the timeout elapses.
func (d *Dispatcher) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-d.readyCh:
			d.markReady()
			return nil
		case <-time.After(d.poll):
			if err := d.CheckAlive(); err != nil {
				return err
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("worker %d not ready after %s", d.index, timeout)
			}
		}
	}
}

func (d *Dispatcher) markReady() {
	d.mu.Lock()
	if d.state == model.StateLaunching {
		d.state = model.StateReady
		workerReadyDuration.Observe(time.Since(d.launchedAt).Seconds())
		d.record(model.StateReady)
	}
	d.mu.Unlock()
}

// Pending is the handle for one in-flight returns-a-value command. Wait
// must be called exactly once per handle, in the order the handles were
// issued: that discipline is what keeps FIFO correlation sound.
type Pending struct {
	d        *Dispatcher
	seq      uint64
	consumed bool
}

// Wait blocks until the command's answer arrives and returns it.
func (p *Pending) Wait() (json.RawMessage, error) {
	p.d.mu.Lock()
	if p.consumed {
		p.d.mu.Unlock()
		return nil, fmt.Errorf("answer %d already consumed", p.seq)
	}
	if p.d.waitSeq != p.seq {
		next := p.d.waitSeq
		p.d.mu.Unlock()
		return nil, fmt.Errorf("answers must be consumed in send order: next is %d, got %d", next, p.seq)
	}
	p.d.mu.Unlock()

	value, err := p.d.waitForAnswer()
	if err != nil {
		return nil, err
	}

	p.d.mu.Lock()
	p.consumed = true
	p.d.waitSeq++
	p.d.mu.Unlock()
	return value, nil
}

// Send enqueues a command after acquiring one unit of in-flight capacity,
// polling worker liveness while the queue is full. For returns-a-value
// methods it returns a Pending that the caller must Wait exactly once;
// for other methods it returns nil.
func (d *Dispatcher) Send(method string, args []any, kwargs map[string]any) (*Pending, error) {
	spec, err := d.lookup(method)
	if err != nil {
		return nil, err
	}

	rawArgs, err := proto.MarshalArgs(args...)
	if err != nil {
		return nil, err
	}
	rawKwargs, err := proto.MarshalKwargs(kwargs)
	if err != nil {
		return nil, err
	}

	if err := d.guard(); err != nil {
		return nil, err
	}
	if err := d.acquireSlot(); err != nil {
		return nil, err
	}

	if err := d.cmds.Send(proto.Command{Method: method, Args: rawArgs, Kwargs: rawKwargs}); err != nil {
		// A failed write usually means the worker is dying; give it a
		// moment to be reaped so the structured failure surfaces instead
		// of a bare pipe error.
		deadline := time.Now().Add(d.faultDrain)
		for {
			if aliveErr := d.CheckAlive(); aliveErr != nil {
				return nil, aliveErr
			}
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("send %s: %w", method, err)
			}
			time.Sleep(d.poll)
		}
	}
	commandsTotal.WithLabelValues(method).Inc()
	if !engine.Reserved(method) {
		d.markRunning()
	}

	if !spec.ReturnsValue {
		return nil, nil
	}

	d.mu.Lock()
	seq := d.sendSeq
	d.sendSeq++
	d.mu.Unlock()
	return &Pending{d: d, seq: seq}, nil
}

// Call is the blocking form: send, then wait for the answer if the method
// returns one.
func (d *Dispatcher) Call(method string, args ...any) (json.RawMessage, error) {
	return d.CallKW(method, args, nil)
}

// CallKW is Call with keyword arguments.
func (d *Dispatcher) CallKW(method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	pending, err := d.Send(method, args, kwargs)
	if err != nil || pending == nil {
		return nil, err
	}
	return pending.Wait()
}

// CheckAlive is the single choke point through which worker death is
// surfaced. If the process has exited it is joined, the fault sub-channel
// is drained, and the structured failure is recorded and returned. Every
// subsequent call returns the same failure.
func (d *Dispatcher) CheckAlive() error {
	d.mu.Lock()
	if d.failure != nil {
		f := d.failure
		d.mu.Unlock()
		return f
	}
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	if !d.proc.Exited() {
		return nil
	}
	_ = d.proc.Wait() // join

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failure != nil {
		return d.failure
	}

	failure := &WorkerFailedError{Index: d.index, RunID: d.runID}
	if flt, err := d.faults.Recv(d.faultDrain); err == nil {
		failure.Cause = flt.Error
		failure.Trace = flt.Trace
	} else {
		failure.Unexpected = true
	}

	d.failure = failure
	d.closed = true
	d.state = model.StateFaulted
	workerFaultsTotal.Inc()
	d.releaseConn()
	d.logger.Error("worker died", "error", failure.Cause, "unexpected", failure.Unexpected)
	if d.recorder != nil {
		errMsg := failure.Cause
		if failure.Unexpected {
			errMsg = "exited unexpectedly with no fault report"
		}
		if err := d.recorder.FinishRun(context.Background(), d.runID, model.StateFaulted, errMsg, failure.Trace); err != nil {
			d.logger.Error("record fault", "error", err)
		}
	}
	return failure
}

// Close performs the orderly shutdown handshake: wait for the command
// queue to drain (signal-empty), then send the shutdown command — which is
// itself the message that makes the worker loop exit — and join the
// process. Close is idempotent; a second call logs and returns nil.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		alreadyFailed := d.failure != nil
		d.mu.Unlock()
		d.logger.Info("already closed, doing nothing", "faulted", alreadyFailed)
		return nil
	}
	d.mu.Unlock()

	if err := d.CheckAlive(); err != nil {
		return err
	}

	d.setState(model.StateDraining)
	d.record(model.StateDraining)

	if _, err := d.Send(engine.MethodSignalEmpty, nil, nil); err != nil {
		return fmt.Errorf("close worker %d: %w", d.index, err)
	}
	if err := d.awaitEmpty(); err != nil {
		return err
	}
	if _, err := d.Send(engine.MethodShutdown, nil, nil); err != nil {
		return fmt.Errorf("close worker %d: %w", d.index, err)
	}

	// A non-zero exit here means the worker died between the empty
	// handshake and the farewell; that is still a fault, not a stop.
	if waitErr := d.proc.Wait(); waitErr != nil {
		failure := &WorkerFailedError{Index: d.index, RunID: d.runID}
		if flt, err := d.faults.Recv(d.faultDrain); err == nil {
			failure.Cause = flt.Error
			failure.Trace = flt.Trace
		} else {
			failure.Unexpected = true
		}

		d.mu.Lock()
		if d.failure != nil {
			// A concurrent liveness check already recorded the death.
			f := d.failure
			d.mu.Unlock()
			return f
		}
		d.closed = true
		d.failure = failure
		d.state = model.StateFaulted
		d.mu.Unlock()

		workerFaultsTotal.Inc()
		d.releaseConn()
		d.logger.Error("worker died during shutdown", "error", failure.Cause, "unexpected", failure.Unexpected)
		if d.recorder != nil {
			errMsg := failure.Cause
			if failure.Unexpected {
				errMsg = "exited unexpectedly with no fault report"
			}
			if err := d.recorder.FinishRun(context.Background(), d.runID, model.StateFaulted, errMsg, failure.Trace); err != nil {
				d.logger.Error("record fault", "error", err)
			}
		}
		return failure
	}

	d.mu.Lock()
	d.closed = true
	if !model.Terminal(d.state) {
		d.state = model.StateStopped
	}
	d.mu.Unlock()

	d.releaseConn()
	if d.recorder != nil {
		if err := d.recorder.FinishRun(context.Background(), d.runID, model.StateStopped, "", ""); err != nil {
			d.logger.Error("record close", "error", err)
		}
	}
	d.logger.Info("worker closed")
	return nil
}

// releaseConn closes the controller's ends of all three sub-channels. A
// long-lived controller relaunching pools would otherwise leak the
// descriptors until process exit.
func (d *Dispatcher) releaseConn() {
	d.connOnce.Do(func() {
		d.conn.Commands.Close()
		d.conn.Events.Close()
		d.conn.Faults.Close()
	})
}

// awaitEmpty waits for the worker to confirm it has consumed everything
// queued before the signal-empty command.
func (d *Dispatcher) awaitEmpty() error {
	for {
		select {
		case <-d.emptyCh:
			return nil
		case <-time.After(d.poll):
			if err := d.CheckAlive(); err != nil {
				return err
			}
		}
	}
}

// waitForAnswer polls the values queue, re-checking liveness on every
// timeout so a dead worker raises instead of hanging.
func (d *Dispatcher) waitForAnswer() (json.RawMessage, error) {
	start := time.Now()
	defer func() { answerWaitDuration.Observe(time.Since(start).Seconds()) }()

	for {
		select {
		case v := <-d.values:
			return v, nil
		case <-time.After(d.poll):
			if err := d.CheckAlive(); err != nil {
				return nil, err
			}
		}
	}
}

// acquireSlot claims one unit of in-flight capacity, polling liveness
// while the worker's queue is full.
func (d *Dispatcher) acquireSlot() error {
	label := strconv.Itoa(d.index)
	for {
		n := d.inflight.Load()
		if n < int64(d.capacity) {
			if d.inflight.CompareAndSwap(n, n+1) {
				inflightCommands.WithLabelValues(label).Set(float64(n + 1))
				return nil
			}
			continue
		}
		select {
		case <-d.credit:
		case <-time.After(d.poll):
			if err := d.CheckAlive(); err != nil {
				return err
			}
		}
	}
}

func (d *Dispatcher) lookup(method string) (engine.Spec, error) {
	if engine.Reserved(method) {
		return engine.Spec{Name: method}, nil
	}
	spec, ok := d.methods.Lookup(method)
	if !ok {
		return engine.Spec{}, fmt.Errorf("method %q is not registered", method)
	}
	return spec, nil
}

func (d *Dispatcher) guard() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failure != nil {
		return d.failure
	}
	if d.closed {
		return ErrDispatcherClosed
	}
	return nil
}

func (d *Dispatcher) markRunning() {
	d.runningOnce.Do(func() {
		d.setState(model.StateRunning)
		d.record(model.StateRunning)
	})
}

func (d *Dispatcher) setState(state string) {
	d.mu.Lock()
	if !model.Terminal(d.state) {
		d.state = state
	}
	d.mu.Unlock()
}

// record persists a state transition; failures are logged, never fatal.
func (d *Dispatcher) record(state string) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.UpdateRunState(context.Background(), d.runID, state); err != nil {
		d.logger.Error("record state", "state", state, "error", err)
	}
}
