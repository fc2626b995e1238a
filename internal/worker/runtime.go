// Package worker implements the command-execution loop that runs inside an
// isolated worker process. It pulls commands off the commands sub-channel
// one at a time, executes them against the hosted engine, and reports
// values, flow-control credits, and faults back to the controller.
package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cdelaunay/simrig/internal/engine"
	"github.com/cdelaunay/simrig/internal/proto"
)

// recvPoll bounds each blocking receive so the loop can notice a closed
// commands channel promptly.
const recvPoll = time.Second

// Conn holds the worker-side ends of the three sub-channels.
type Conn struct {
	Commands io.ReadCloser  // controller → worker
	Events   io.WriteCloser // worker → controller: ready, credit, empty, value
	Faults   io.WriteCloser // worker → controller: one-shot terminal error
}

// Runtime is the single-threaded command loop of one worker process.
type Runtime struct {
	eng     engine.Engine
	methods *engine.Registry
	conn    Conn
	cmds    *proto.Receiver[proto.Command]
	events  *proto.Sender
	faults  *proto.Sender
	logger  *slog.Logger
}

// New creates a runtime executing commands against eng. The method registry
// decides which executions send a value event back.
func New(eng engine.Engine, methods *engine.Registry, conn Conn, logger *slog.Logger) *Runtime {
	return &Runtime{
		eng:     eng,
		methods: methods,
		conn:    conn,
		cmds:    proto.NewReceiver[proto.Command](conn.Commands),
		events:  proto.NewSender(conn.Events),
		faults:  proto.NewSender(conn.Faults),
		logger:  logger,
	}
}

// Run signals readiness and consumes commands until a shutdown command
// arrives, the controller closes the commands channel, or a command fails.
// On failure, exactly one fault is reported and the error is returned; the
// fault sub-channel is deliberately left open so the controller can still
// drain it after the process exits.
func (r *Runtime) Run() error {
	defer func() {
		if err := r.eng.Shutdown(); err != nil {
			r.logger.Error("engine shutdown", "error", err)
		}
		r.conn.Commands.Close()
		r.conn.Events.Close()
	}()

	if err := r.events.Send(proto.Event{Type: proto.EventReady}); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	for {
		cmd, err := r.cmds.Recv(recvPoll)
		if errors.Is(err, proto.ErrTimeout) {
			continue
		}
		if errors.Is(err, proto.ErrClosed) {
			// Controller went away without the shutdown handshake.
			r.logger.Info("commands channel closed, exiting")
			return nil
		}
		if err != nil {
			return r.fault(fmt.Errorf("receive command: %w", err), "")
		}

		// One in-flight unit is freed the moment the command is consumed.
		if err := r.events.Send(proto.Event{Type: proto.EventCredit}); err != nil {
			return fmt.Errorf("send credit: %w", err)
		}

		switch cmd.Method {
		case engine.MethodSignalEmpty:
			// All commands queued before this one have been consumed.
			if err := r.events.Send(proto.Event{Type: proto.EventEmpty}); err != nil {
				return fmt.Errorf("send empty: %w", err)
			}
			continue
		case engine.MethodShutdown:
			r.logger.Info("shutdown command received, exiting")
			return nil
		}

		if err := r.execute(cmd); err != nil {
			return err
		}
	}
}

// execute runs one command against the engine and sends its value if the
// method returns one. Any engine error or panic becomes the worker's single
// fault and terminates the loop.
func (r *Runtime) execute(cmd proto.Command) error {
	spec, ok := r.methods.Lookup(cmd.Method)
	if !ok {
		return r.fault(fmt.Errorf("unknown method %q", cmd.Method), "")
	}

	value, trace, err := r.invoke(cmd)
	if err != nil {
		return r.fault(fmt.Errorf("execute %s: %w", cmd.Method, err), trace)
	}

	if !spec.ReturnsValue {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return r.fault(fmt.Errorf("marshal %s result: %w", cmd.Method, err), "")
	}
	if err := r.events.Send(proto.Event{Type: proto.EventValue, Value: data}); err != nil {
		return fmt.Errorf("send value: %w", err)
	}
	return nil
}

// invoke calls the engine, converting panics into errors with a stack trace.
func (r *Runtime) invoke(cmd proto.Command) (value any, trace string, err error) {
	defer func() {
		if p := recover(); p != nil {
			trace = string(debug.Stack())
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	value, err = r.eng.Invoke(cmd.Method, engine.Call{Args: cmd.Args, Kwargs: cmd.Kwargs})
	return value, "", err
}

// fault reports the terminal error on the fault sub-channel, once.
func (r *Runtime) fault(cause error, trace string) error {
	r.logger.Error("worker faulted", "error", cause)
	if err := r.faults.Send(proto.Fault{Error: cause.Error(), Trace: trace}); err != nil {
		r.logger.Error("send fault", "error", err)
	}
	return cause
}
