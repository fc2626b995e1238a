package model

import "time"

// Worker run state constants.
const (
	StateLaunching = "launching"
	StateReady     = "ready"
	StateRunning   = "running"
	StateDraining  = "draining"
	StateStopped   = "stopped"
	StateFaulted   = "faulted"
)

// validTransitions maps each state to the set of states it may transition to.
// A worker either drains cleanly to stopped or exits faulted; there is no
// recovery path out of a terminal state.
var validTransitions = map[string]map[string]bool{
	StateLaunching: {
		StateReady:   true,
		StateFaulted: true,
	},
	StateReady: {
		StateRunning: true,
		// A worker can be drained without ever having run a command.
		StateDraining: true,
		StateFaulted:  true,
	},
	StateRunning: {
		StateDraining: true,
		StateFaulted:  true,
	},
	StateDraining: {
		StateStopped: true,
		StateFaulted: true,
	},
}

// ValidTransition reports whether transitioning from one run state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether a run state is terminal.
func Terminal(state string) bool {
	return state == StateStopped || state == StateFaulted
}

// Run represents one worker process lifetime, from launch to termination.
type Run struct {
	ID          string     `json:"id"`
	WorkerIndex int        `json:"worker_index"`
	Engine      string     `json:"engine"`
	Scene       string     `json:"scene,omitempty"`
	GUI         bool       `json:"gui"`
	PID         int        `json:"pid,omitempty"`
	State       string     `json:"state"`
	Error       string     `json:"error,omitempty"`
	Trace       string     `json:"trace,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadyAt     *time.Time `json:"ready_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
