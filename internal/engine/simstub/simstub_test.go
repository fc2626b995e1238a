package simstub_test

import (
	"math"
	"strings"
	"testing"

	"github.com/cdelaunay/simrig/internal/engine"
	"github.com/cdelaunay/simrig/internal/engine/simstub"
	"github.com/cdelaunay/simrig/internal/proto"
)

func newSim(t *testing.T) engine.Engine {
	t.Helper()
	eng, err := simstub.New(engine.Options{Scene: "empty_scene"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func call(t *testing.T, eng engine.Engine, method string, args ...any) any {
	t.Helper()
	raw, err := proto.MarshalArgs(args...)
	if err != nil {
		t.Fatalf("MarshalArgs: %v", err)
	}
	v, err := eng.Invoke(method, engine.Call{Args: raw})
	if err != nil {
		t.Fatalf("Invoke(%s): %v", method, err)
	}
	return v
}

func TestStepIntegratesJointPositions(t *testing.T) {
	eng := newSim(t)

	call(t, eng, "start")
	call(t, eng, "setJointTargetVelocities", []float64{1, 0, 0, 0, 0, 0, 2})
	call(t, eng, "step")
	call(t, eng, "step")

	positions := call(t, eng, "getJointPositions").([]float64)
	if math.Abs(positions[0]-0.1) > 1e-9 {
		t.Errorf("positions[0] = %v, want 0.1", positions[0])
	}
	if math.Abs(positions[6]-0.2) > 1e-9 {
		t.Errorf("positions[6] = %v, want 0.2", positions[6])
	}
	if n := call(t, eng, "stepCount").(int); n != 2 {
		t.Errorf("stepCount = %d, want 2", n)
	}
}

func TestStepWhileStoppedFails(t *testing.T) {
	eng := newSim(t)
	_, err := eng.Invoke("step", engine.Call{})
	if err == nil || !strings.Contains(err.Error(), "stopped") {
		t.Fatalf("step while stopped = %v, want stopped error", err)
	}
}

func TestGetState(t *testing.T) {
	eng := newSim(t)
	call(t, eng, "start")

	state := call(t, eng, "getState").(simstub.State)
	if state.Scene != "empty_scene" {
		t.Errorf("Scene = %q, want empty_scene", state.Scene)
	}
	if !state.Running {
		t.Error("Running = false, want true")
	}
	if len(state.Positions) != 7 {
		t.Errorf("len(Positions) = %d, want 7", len(state.Positions))
	}
}

func TestSetJointTargetVelocitiesLengthCheck(t *testing.T) {
	eng := newSim(t)
	raw, _ := proto.MarshalArgs([]float64{1, 2})
	_, err := eng.Invoke("setJointTargetVelocities", engine.Call{Args: raw})
	if err == nil || !strings.Contains(err.Error(), "expected 7") {
		t.Fatalf("short velocity vector = %v, want length error", err)
	}
}

func TestFail(t *testing.T) {
	eng := newSim(t)
	raw, _ := proto.MarshalArgs("camera exploded")
	_, err := eng.Invoke("fail", engine.Call{Args: raw})
	if err == nil || err.Error() != "camera exploded" {
		t.Fatalf("fail = %v, want camera exploded", err)
	}
}

func TestUnknownMethod(t *testing.T) {
	eng := newSim(t)
	_, err := eng.Invoke("teleport", engine.Call{})
	if err == nil || !strings.Contains(err.Error(), "unknown method") {
		t.Fatalf("unknown method = %v, want unknown-method error", err)
	}
}

func TestMethodsMetadata(t *testing.T) {
	methods := simstub.Methods()

	spec, ok := methods.Lookup("getState")
	if !ok || !spec.ReturnsValue {
		t.Errorf("getState spec = %+v, %v; want returns-value", spec, ok)
	}
	spec, ok = methods.Lookup("step")
	if !ok || spec.ReturnsValue {
		t.Errorf("step spec = %+v, %v; want non-returning", spec, ok)
	}
}
