// Package simstub provides a deterministic in-process simulation engine.
// It models a small articulated rig (joint positions driven by target
// velocities, advanced by fixed-timestep stepping) with just enough surface
// to exercise the full call protocol: value-returning queries, mutating
// commands, and methods that fail or panic on demand. It is the default
// engine of the worker binary and the workhorse of the tests.
package simstub

import (
	"fmt"
	"time"

	"github.com/cdelaunay/simrig/internal/engine"
)

const (
	// nJoints matches a single 7-DoF arm.
	nJoints = 7

	// timestep is the fixed simulation timestep in seconds.
	timestep = 0.05
)

// EngineName is the name the stub registers under.
const EngineName = "simstub"

// Methods returns the method registry served by the stub engine.
func Methods() *engine.Registry {
	r := engine.NewRegistry()
	r.MustRegister(
		engine.Spec{Name: "start"},
		engine.Spec{Name: "stop"},
		engine.Spec{Name: "step"},
		engine.Spec{Name: "setJointTargetVelocities"},
		engine.Spec{Name: "stepCount", ReturnsValue: true},
		engine.Spec{Name: "echo", ReturnsValue: true},
		engine.Spec{Name: "getJointPositions", ReturnsValue: true},
		engine.Spec{Name: "getState", ReturnsValue: true},
		engine.Spec{Name: "getTimestep", ReturnsValue: true},
		engine.Spec{Name: "fail"},
		engine.Spec{Name: "panic"},
		engine.Spec{Name: "sleep"},
	)
	return r
}

// Register adds the stub engine definition to a factory registry.
func Register(f *engine.Factories) error {
	return f.Register(engine.Definition{
		Name:    EngineName,
		New:     New,
		Methods: Methods(),
	})
}

// State is the full observable state of the stub rig.
type State struct {
	Scene     string    `json:"scene"`
	Running   bool      `json:"running"`
	StepCount int       `json:"step_count"`
	Positions []float64 `json:"positions"`
	Targets   []float64 `json:"targets"`
}

// Sim is the stub engine. It is single-threaded by contract: the worker
// loop never invokes two commands concurrently.
type Sim struct {
	scene     string
	gui       bool
	running   bool
	stepCount int
	positions []float64
	targets   []float64
}

// New constructs a stub engine. It is an engine.Factory.
func New(opts engine.Options) (engine.Engine, error) {
	return &Sim{
		scene:     opts.Scene,
		gui:       opts.GUI,
		positions: make([]float64, nJoints),
		targets:   make([]float64, nJoints),
	}, nil
}

// Invoke executes one operation against the rig.
func (s *Sim) Invoke(name string, call engine.Call) (any, error) {
	switch name {
	case "start":
		s.running = true
		return nil, nil

	case "stop":
		s.running = false
		return nil, nil

	case "step":
		return nil, s.step()

	case "stepCount":
		return s.stepCount, nil

	case "echo":
		if call.NArgs() == 0 {
			return nil, fmt.Errorf("echo requires one argument")
		}
		return call.Args[0], nil

	case "setJointTargetVelocities":
		targets, err := engine.Arg[[]float64](call, 0)
		if err != nil {
			return nil, err
		}
		if len(targets) != nJoints {
			return nil, fmt.Errorf("expected %d joint velocities, got %d", nJoints, len(targets))
		}
		copy(s.targets, targets)
		return nil, nil

	case "getJointPositions":
		out := make([]float64, nJoints)
		copy(out, s.positions)
		return out, nil

	case "getState":
		positions := make([]float64, nJoints)
		copy(positions, s.positions)
		targets := make([]float64, nJoints)
		copy(targets, s.targets)
		return State{
			Scene:     s.scene,
			Running:   s.running,
			StepCount: s.stepCount,
			Positions: positions,
			Targets:   targets,
		}, nil

	case "getTimestep":
		return timestep, nil

	case "fail":
		msg, _, err := failMessage(call)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s", msg)

	case "panic":
		panic("simstub: deliberate panic")

	case "sleep":
		ms, err := engine.Arg[int](call, 0)
		if err != nil {
			return nil, err
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown method %q", name)
	}
}

// Shutdown stops the rig.
func (s *Sim) Shutdown() error {
	s.running = false
	return nil
}

func (s *Sim) step() error {
	if !s.running {
		return fmt.Errorf("step called while simulation is stopped")
	}
	for i := range s.positions {
		s.positions[i] += s.targets[i] * timestep
	}
	s.stepCount++
	return nil
}

func failMessage(call engine.Call) (string, bool, error) {
	if call.NArgs() == 0 {
		return "deliberate failure", false, nil
	}
	msg, err := engine.Arg[string](call, 0)
	if err != nil {
		return "", true, err
	}
	return msg, true, nil
}
