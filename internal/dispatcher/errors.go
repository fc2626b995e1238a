package dispatcher

import (
	"errors"
	"fmt"
)

// ErrDispatcherClosed is returned by calls made after the dispatcher has
// been closed or its worker has already been reported dead.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// WorkerFailedError is the structured failure raised when a worker process
// is found dead. It wraps the worker's own fault report when one was
// recorded; Unexpected is set when the process exited without reporting.
type WorkerFailedError struct {
	Index      int    // worker index within the pool
	RunID      string // run identifier of the dead worker
	Cause      string // error description from the fault sub-channel
	Trace      string // stack trace from the worker, if any
	Unexpected bool   // exited without a fault report
}

func (e *WorkerFailedError) Error() string {
	if e.Unexpected {
		return fmt.Sprintf("worker %d (%s) exited unexpectedly with no fault report", e.Index, e.RunID)
	}
	if e.Trace != "" {
		return fmt.Sprintf("worker %d (%s) failed: %s\n\nworker trace:\n%s", e.Index, e.RunID, e.Cause, e.Trace)
	}
	return fmt.Sprintf("worker %d (%s) failed: %s", e.Index, e.RunID, e.Cause)
}
