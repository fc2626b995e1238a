package dispatcher

import (
	"fmt"
	"os/exec"
)

// Process is the dispatcher's view of the worker's OS process. Exit is the
// only liveness signal the controller observes besides the sub-channels.
type Process interface {
	// Exited reports, without blocking, whether the process has terminated.
	Exited() bool

	// Wait blocks until the process has terminated and returns its exit error.
	Wait() error

	// Kill forcibly terminates the process.
	Kill() error

	// PID returns the OS process id, or 0 if unknown.
	PID() int
}

// execProcess wraps an exec.Cmd in the Process interface. A single
// goroutine performs the Wait so that Exited can be answered without
// blocking and Wait can be called more than once.
type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func newExecProcess(cmd *exec.Cmd) *execProcess {
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p
}

func (p *execProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *execProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
