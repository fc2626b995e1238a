package dispatcher

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// LaunchSpec describes one worker process to spawn.
type LaunchSpec struct {
	Bin    string // worker binary path
	Engine string // engine name the worker resolves via its factory registry
	Scene  string // scene/resource identifier, passed through opaquely
	GUI    bool   // run with an interactive engine front-end
	Index  int    // worker index within the pool
}

// Launch spawns a worker process and returns its dispatcher. The three
// sub-channels ride on the child's stdin (commands), stdout (events) and
// fd 3 (faults); stderr is scanned line by line into the log broker.
//
// All pipes are created explicitly so the parent owns its ends: the
// process being reaped never discards frames still buffered in a pipe.
func Launch(spec LaunchSpec, opts Options, broker *LogBroker) (*Dispatcher, error) {
	args := []string{
		"-engine", spec.Engine,
		"-index", strconv.Itoa(spec.Index),
	}
	if spec.Scene != "" {
		args = append(args, "-scene", spec.Scene)
	}
	if spec.GUI {
		args = append(args, "-gui")
	}

	cmdR, cmdW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("command pipe: %w", err)
	}
	evR, evW, err := os.Pipe()
	if err != nil {
		closeAll(cmdR, cmdW)
		return nil, fmt.Errorf("events pipe: %w", err)
	}
	fltR, fltW, err := os.Pipe()
	if err != nil {
		closeAll(cmdR, cmdW, evR, evW)
		return nil, fmt.Errorf("fault pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(cmdR, cmdW, evR, evW, fltR, fltW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.Command(spec.Bin, args...)
	cmd.Stdin = cmdR
	cmd.Stdout = evW
	cmd.Stderr = errW
	cmd.ExtraFiles = []*os.File{fltW} // fd 3 in the child

	if err := cmd.Start(); err != nil {
		closeAll(cmdR, cmdW, evR, evW, fltR, fltW, errR, errW)
		return nil, fmt.Errorf("start worker %d: %w", spec.Index, err)
	}

	// The child holds its own copies; release the parent's.
	closeAll(cmdR, evW, fltW, errW)

	opts.Index = spec.Index
	opts.Engine = spec.Engine
	opts.Scene = spec.Scene
	opts.GUI = spec.GUI

	proc := newExecProcess(cmd)
	d := New(Conn{Commands: cmdW, Events: evR, Faults: fltR}, proc, opts)

	go d.scanStderr(errR, broker)

	d.logger.Info("worker launched", "pid", proc.PID(), "engine", spec.Engine, "gui", spec.GUI)
	return d, nil
}

// scanStderr forwards worker stderr lines to the log broker and the
// structured log until the worker exits.
func (d *Dispatcher) scanStderr(r *os.File, broker *LogBroker) {
	defer r.Close()
	if broker != nil {
		defer broker.Close(d.index)
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if broker != nil {
			broker.Publish(d.index, d.runID, line)
		}
		d.logger.Debug("worker stderr", "line", line)
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}
