package rollout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hiveorch/hive/internal/hiveconfig"
	"github.com/hiveorch/hive/internal/plugin"
)

type fakeRolloutContext struct {
	ctx         context.Context
	fqn         hiveconfig.FQN
	started     []hiveconfig.Color
	stopped     []hiveconfig.Color
	switched    []string
	postUpCalls []hiveconfig.Color
	downHooks   []string
	failHealthy hiveconfig.Color
	failPostUp  bool

	// failHealthyAfter lets the first N WaitHealthy calls for
	// failHealthy succeed before failing, simulating a check that passes
	// the gate but collapses during the HoldHealthy window.
	failHealthyAfter int
	healthyCalls     int

	live map[hiveconfig.Color]bool
}

func (f *fakeRolloutContext) Context() context.Context { return f.ctx }
func (f *fakeRolloutContext) FQN() hiveconfig.FQN      { return f.fqn }

// ActiveColor is hardcoded to blue: every existing test exercises a
// single blue-to-green deploy, matching the spec §4.6 walkthrough.
func (f *fakeRolloutContext) ActiveColor() hiveconfig.Color { return hiveconfig.ColorBlue }

func (f *fakeRolloutContext) StartInstance(color hiveconfig.Color) error {
	f.started = append(f.started, color)
	if f.live == nil {
		f.live = make(map[hiveconfig.Color]bool)
	}
	f.live[color] = true
	return nil
}

// StopInstance is idempotent, mirroring internal/supervisor's real
// rolloutContext (stopping an instance already absent is a no-op): a
// post-up hook abort stops the alt instance directly and then calls
// Rollback, which stops it again, so tests must not double-count. A
// color the fake never started (blue, serving before the deploy) counts
// as running until it is stopped.
func (f *fakeRolloutContext) StopInstance(color hiveconfig.Color) error {
	if running, known := f.live[color]; known && !running {
		return nil
	}
	f.stopped = append(f.stopped, color)
	if f.live == nil {
		f.live = make(map[hiveconfig.Color]bool)
	}
	f.live[color] = false
	return nil
}

func (f *fakeRolloutContext) WaitHealthy(color hiveconfig.Color, timeout time.Duration) error {
	if color == f.failHealthy {
		if f.healthyCalls < f.failHealthyAfter {
			f.healthyCalls++
			return nil
		}
		return errors.New("never became healthy")
	}
	return nil
}

func (f *fakeRolloutContext) SwitchTraffic(from, to hiveconfig.Color) error {
	f.switched = append(f.switched, string(from)+"->"+string(to))
	return nil
}

func (f *fakeRolloutContext) RunPostUpHooks(color hiveconfig.Color) error {
	f.postUpCalls = append(f.postUpCalls, color)
	if f.failPostUp {
		return errors.New("post-up hook failed")
	}
	return nil
}

func (f *fakeRolloutContext) RunDownHooks(event hiveconfig.HookEvent, color hiveconfig.Color) error {
	f.downHooks = append(f.downHooks, string(event)+":"+string(color))
	return nil
}

func TestRecreateRunsStopStartWaitInOrder(t *testing.T) {
	rc := &fakeRolloutContext{ctx: context.Background(), fqn: "s:api"}
	c := NewController(nil)
	cfg := &hiveconfig.RolloutSpec{Strategy: hiveconfig.RolloutRecreate, OnFailure: hiveconfig.OnFailureAbort}

	if err := c.Run(rc, Recreate{}, cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.State(rc.fqn) != StateReady {
		t.Errorf("state = %v, want Ready", c.State(rc.fqn))
	}
	if len(rc.stopped) != 1 || len(rc.started) != 1 {
		t.Fatalf("expected one stop and one start, got stopped=%v started=%v", rc.stopped, rc.started)
	}
}

func TestBlueGreenSwitchesTrafficOnlyAtSwitchStep(t *testing.T) {
	rc := &fakeRolloutContext{ctx: context.Background(), fqn: "s:web"}
	c := NewController(nil)
	cfg := &hiveconfig.RolloutSpec{
		Strategy:   hiveconfig.RolloutBlueGreen,
		OnFailure:  hiveconfig.OnFailureKeepOld,
		HealthyFor: hiveconfig.Duration(time.Millisecond),
	}

	if err := c.Run(rc, BlueGreen{}, cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rc.switched) != 1 || rc.switched[0] != "blue->green" {
		t.Fatalf("expected exactly one blue->green switch, got %v", rc.switched)
	}
	if c.State(rc.fqn) != StateReady {
		t.Errorf("state = %v, want Ready", c.State(rc.fqn))
	}
}

func TestBlueGreenRollsBackOnHealthFailureWhenNotAbort(t *testing.T) {
	rc := &fakeRolloutContext{ctx: context.Background(), fqn: "s:web", failHealthy: hiveconfig.ColorGreen}
	c := NewController(nil)
	cfg := &hiveconfig.RolloutSpec{Strategy: hiveconfig.RolloutBlueGreen, OnFailure: hiveconfig.OnFailureKeepOld}

	err := c.Run(rc, BlueGreen{}, cfg)
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(rc.switched) != 0 {
		t.Errorf("expected no traffic switch on failed health, got %v", rc.switched)
	}
	if c.State(rc.fqn) != StateRolledBack {
		t.Errorf("state = %v, want RolledBack", c.State(rc.fqn))
	}
}

func TestAbortPolicyPropagatesWithoutRollback(t *testing.T) {
	rc := &fakeRolloutContext{ctx: context.Background(), fqn: "s:web", failHealthy: hiveconfig.ColorGreen}
	c := NewController(nil)
	cfg := &hiveconfig.RolloutSpec{Strategy: hiveconfig.RolloutBlueGreen, OnFailure: hiveconfig.OnFailureAbort}

	err := c.Run(rc, BlueGreen{}, cfg)
	if err == nil {
		t.Fatal("expected an error")
	}
	if c.State(rc.fqn) != StateFailed {
		t.Errorf("state = %v, want Failed", c.State(rc.fqn))
	}
	if len(rc.stopped) != 0 {
		t.Errorf("abort should not invoke rollback's stop, got %v", rc.stopped)
	}
}

func TestRecreateRunsPostUpHooksBeforeReady(t *testing.T) {
	rc := &fakeRolloutContext{ctx: context.Background(), fqn: "s:api"}
	c := NewController(nil)
	cfg := &hiveconfig.RolloutSpec{Strategy: hiveconfig.RolloutRecreate, OnFailure: hiveconfig.OnFailureAbort}

	if err := c.Run(rc, Recreate{}, cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rc.postUpCalls) != 1 || rc.postUpCalls[0] != hiveconfig.ColorSingle {
		t.Fatalf("expected one post-up call for ColorSingle, got %v", rc.postUpCalls)
	}
}

func TestRecreatePostUpFailureIsAlwaysTerminal(t *testing.T) {
	rc := &fakeRolloutContext{ctx: context.Background(), fqn: "s:api", failPostUp: true}
	c := NewController(nil)
	// on_failure=warn would keep a blue-green deploy's old color alive,
	// but recreate has nothing to fall back to (spec §4.6 note).
	cfg := &hiveconfig.RolloutSpec{Strategy: hiveconfig.RolloutRecreate, OnFailure: hiveconfig.OnFailureWarn}

	err := c.Run(rc, Recreate{}, cfg)
	if err == nil {
		t.Fatal("expected an error")
	}
	if c.State(rc.fqn) != StateFailed {
		t.Errorf("state = %v, want Failed", c.State(rc.fqn))
	}
	// Recreate.Plan's own Stop(ColorSingle) step accounts for one entry
	// (the old instance, stopped before the new one starts); the
	// post-up failure handler's explicit StopInstance accounts for the
	// second (the new instance that just failed its hooks).
	if len(rc.stopped) != 2 {
		t.Errorf("expected the old instance and the failed new instance both stopped, got %v", rc.stopped)
	}
}

func TestBlueGreenRunsPostUpHooksBeforeSwitch(t *testing.T) {
	rc := &fakeRolloutContext{ctx: context.Background(), fqn: "s:web"}
	c := NewController(nil)
	cfg := &hiveconfig.RolloutSpec{
		Strategy:   hiveconfig.RolloutBlueGreen,
		OnFailure:  hiveconfig.OnFailureKeepOld,
		HealthyFor: hiveconfig.Duration(time.Millisecond),
	}

	if err := c.Run(rc, BlueGreen{}, cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rc.postUpCalls) != 1 || rc.postUpCalls[0] != hiveconfig.ColorGreen {
		t.Fatalf("expected one post-up call for green, got %v", rc.postUpCalls)
	}
	if len(rc.switched) != 1 {
		t.Fatalf("expected the switch to still happen after post-up succeeds, got %v", rc.switched)
	}
}

func TestBlueGreenPostUpAbortStopsAltWithoutSwitching(t *testing.T) {
	rc := &fakeRolloutContext{ctx: context.Background(), fqn: "s:web", failPostUp: true}
	c := NewController(nil)
	cfg := &hiveconfig.RolloutSpec{
		Strategy:   hiveconfig.RolloutBlueGreen,
		OnFailure:  hiveconfig.OnFailureKeepOld,
		HealthyFor: hiveconfig.Duration(time.Millisecond),
	}

	err := c.Run(rc, BlueGreen{}, cfg)
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(rc.switched) != 0 {
		t.Errorf("active color must not change when post-up aborts, got switched=%v", rc.switched)
	}
	if len(rc.stopped) != 1 || rc.stopped[0] != hiveconfig.ColorGreen {
		t.Errorf("expected green (the alt instance) stopped, got %v", rc.stopped)
	}
	if c.State(rc.fqn) != StateRolledBack {
		t.Errorf("state = %v, want RolledBack", c.State(rc.fqn))
	}
}

func TestBlueGreenBracketsOldStopWithDownHooks(t *testing.T) {
	rc := &fakeRolloutContext{ctx: context.Background(), fqn: "s:web"}
	c := NewController(nil)
	cfg := &hiveconfig.RolloutSpec{
		Strategy:   hiveconfig.RolloutBlueGreen,
		HealthyFor: hiveconfig.Duration(time.Millisecond),
	}

	if err := c.Run(rc, BlueGreen{}, cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"pre-down:blue", "post-down:blue"}
	if len(rc.downHooks) != 2 || rc.downHooks[0] != want[0] || rc.downHooks[1] != want[1] {
		t.Errorf("down hooks = %v, want %v", rc.downHooks, want)
	}
	if len(rc.stopped) != 1 || rc.stopped[0] != hiveconfig.ColorBlue {
		t.Errorf("expected old blue instance stopped once, got %v", rc.stopped)
	}
}

func TestBlueGreenHoldAbortsWhenHealthCollapses(t *testing.T) {
	rc := &fakeRolloutContext{ctx: context.Background(), fqn: "s:web", failHealthyAfter: 1, failHealthy: hiveconfig.ColorGreen}
	c := NewController(nil)
	cfg := &hiveconfig.RolloutSpec{
		Strategy:   hiveconfig.RolloutBlueGreen,
		OnFailure:  hiveconfig.OnFailureKeepOld,
		HealthyFor: hiveconfig.Duration(10 * time.Millisecond),
	}

	err := c.Run(rc, BlueGreen{}, cfg)
	if err == nil {
		t.Fatal("expected the hold window to abort the deploy")
	}
	if len(rc.switched) != 0 {
		t.Errorf("route table must be unchanged when health collapses during hold, got %v", rc.switched)
	}
	if c.State(rc.fqn) != StateRolledBack {
		t.Errorf("state = %v, want RolledBack", c.State(rc.fqn))
	}
}

var _ plugin.RolloutContext = (*fakeRolloutContext)(nil)
