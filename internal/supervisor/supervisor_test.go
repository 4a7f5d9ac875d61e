package supervisor

import (
	"context"
	"testing"

	"github.com/hiveorch/hive/internal/hiveconfig"
	"github.com/hiveorch/hive/internal/hooks"
	"github.com/hiveorch/hive/internal/plugin"
	"github.com/hiveorch/hive/internal/routetable"
)

type fakeRunner struct{ starts, stops int }

func (f *fakeRunner) Metadata() plugin.Metadata          { return plugin.Metadata{ID: "fake", Version: "1.0.0"} }
func (f *fakeRunner) Init(defaults map[string]any) error { return nil }
func (f *fakeRunner) Start(ctx context.Context, svc *hiveconfig.Service, cfg map[string]any, rc plugin.RuntimeContext) (plugin.ProcessHandle, error) {
	f.starts++
	return "handle", nil
}
func (f *fakeRunner) Stop(ctx context.Context, handle plugin.ProcessHandle) error {
	f.stops++
	return nil
}
func (f *fakeRunner) IsRunning(ctx context.Context, handle plugin.ProcessHandle) bool { return true }
func (f *fakeRunner) Logs(ctx context.Context, handle plugin.ProcessHandle, n int) ([]string, error) {
	return nil, nil
}
func (f *fakeRunner) SupportsHooks() bool { return false }
func (f *fakeRunner) RunHook(ctx context.Context, cfg map[string]any, env map[string]string, rc plugin.RuntimeContext) (plugin.ExitStatus, error) {
	return plugin.ExitStatus{}, nil
}

type fakeHealth struct{ healthy bool }

func (f *fakeHealth) Metadata() plugin.Metadata {
	return plugin.Metadata{ID: "fake-health", Version: "1.0.0"}
}
func (f *fakeHealth) Init(defaults map[string]any) error { return nil }
func (f *fakeHealth) Check(ctx context.Context, cfg hiveconfig.HealthSpec, rc plugin.RuntimeContext) (plugin.HealthResult, error) {
	return plugin.HealthResult{Healthy: f.healthy}, nil
}

func buildTestRegistry(t *testing.T) (*hiveconfig.Registry, *fakeRunner) {
	t.Helper()
	reg := hiveconfig.NewRegistry()
	runner := &fakeRunner{}

	svc := &hiveconfig.Service{
		Source:  "local",
		Name:    "api",
		Runner:  hiveconfig.RunnerSpec{Plugin: "fake"},
		Restart: hiveconfig.RestartOnFailure,
	}
	resolved := &hiveconfig.Resolved{
		Source:   hiveconfig.Source{Name: "local"},
		Services: map[string]*hiveconfig.Service{"api": svc},
	}
	if err := reg.AddSource(hiveconfig.Source{Name: "local"}, resolved); err != nil {
		t.Fatal(err)
	}
	return reg, runner
}

func TestStartAllBringsUpServiceAndMarksReady(t *testing.T) {
	reg, runner := buildTestRegistry(t)
	plugins := plugin.NewRegistry()
	if err := plugins.RegisterRunner("fake", runner); err != nil {
		t.Fatal(err)
	}

	sup := New(reg, plugins, routetable.New(), hooks.NewExecutor(plugins, nil), nil)

	if err := sup.StartAll(context.Background(), hiveconfig.Hooks{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, ok := sup.Status("local:api")
	if !ok {
		t.Fatal("expected a status entry for local:api")
	}
	if status.State != StateReady {
		t.Errorf("state = %v, want Ready", status.State)
	}
	if runner.starts != 1 {
		t.Errorf("expected one start call, got %d", runner.starts)
	}
}

func TestStopAllStopsRunningServices(t *testing.T) {
	reg, runner := buildTestRegistry(t)
	plugins := plugin.NewRegistry()
	if err := plugins.RegisterRunner("fake", runner); err != nil {
		t.Fatal(err)
	}

	sup := New(reg, plugins, routetable.New(), hooks.NewExecutor(plugins, nil), nil)
	if err := sup.StartAll(context.Background(), hiveconfig.Hooks{}); err != nil {
		t.Fatal(err)
	}
	if err := sup.StopAll(context.Background(), hiveconfig.Hooks{}); err != nil {
		t.Fatal(err)
	}

	status, _ := sup.Status("local:api")
	if status.State != StateStopped {
		t.Errorf("state = %v, want Stopped", status.State)
	}
	if runner.stops != 1 {
		t.Errorf("expected one stop call, got %d", runner.stops)
	}
}

func TestStartOneIsNoOpWhenConfigUnchanged(t *testing.T) {
	reg, runner := buildTestRegistry(t)
	plugins := plugin.NewRegistry()
	if err := plugins.RegisterRunner("fake", runner); err != nil {
		t.Fatal(err)
	}

	sup := New(reg, plugins, routetable.New(), hooks.NewExecutor(plugins, nil), nil)
	if err := sup.StartAll(context.Background(), hiveconfig.Hooks{}); err != nil {
		t.Fatal(err)
	}
	if err := sup.StartOne(context.Background(), "local:api"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runner.starts != 1 {
		t.Errorf("expected up with no changes to be a no-op, got %d starts", runner.starts)
	}
}

func TestStartOneRedeploysOnConfigChange(t *testing.T) {
	reg, runner := buildTestRegistry(t)
	plugins := plugin.NewRegistry()
	if err := plugins.RegisterRunner("fake", runner); err != nil {
		t.Fatal(err)
	}

	sup := New(reg, plugins, routetable.New(), hooks.NewExecutor(plugins, nil), nil)
	if err := sup.StartAll(context.Background(), hiveconfig.Hooks{}); err != nil {
		t.Fatal(err)
	}

	svc, _ := reg.Service("local:api")
	svc.Runner.Config = map[string]any{"changed": true}

	if err := sup.StartOne(context.Background(), "local:api"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runner.starts != 2 {
		t.Errorf("expected a changed config to redeploy, got %d starts", runner.starts)
	}
	if runner.stops != 1 {
		t.Errorf("expected the old instance to be stopped before redeploy, got %d stops", runner.stops)
	}
	status, _ := sup.Status("local:api")
	if status.State != StateReady {
		t.Errorf("state = %v, want Ready", status.State)
	}
}

func TestStartAllBlocksDependentsOfFailedService(t *testing.T) {
	reg := hiveconfig.NewRegistry()
	runner := &fakeRunner{}

	base := &hiveconfig.Service{Source: "local", Name: "base", Runner: hiveconfig.RunnerSpec{Plugin: "missing-plugin"}}
	dependent := &hiveconfig.Service{Source: "local", Name: "dependent", Runner: hiveconfig.RunnerSpec{Plugin: "fake"}, DependsOn: []string{"base"}}
	resolved := &hiveconfig.Resolved{
		Source:   hiveconfig.Source{Name: "local"},
		Services: map[string]*hiveconfig.Service{"base": base, "dependent": dependent},
	}
	if err := reg.AddSource(hiveconfig.Source{Name: "local"}, resolved); err != nil {
		t.Fatal(err)
	}

	plugins := plugin.NewRegistry()
	if err := plugins.RegisterRunner("fake", runner); err != nil {
		t.Fatal(err)
	}

	sup := New(reg, plugins, routetable.New(), hooks.NewExecutor(plugins, nil), nil)
	if err := sup.StartAll(context.Background(), hiveconfig.Hooks{}); err != nil {
		t.Fatal(err)
	}

	baseStatus, _ := sup.Status("local:base")
	if baseStatus.State != StateFailed {
		t.Errorf("base state = %v, want Failed", baseStatus.State)
	}
	depStatus, _ := sup.Status("local:dependent")
	if depStatus.State != StateBlocked {
		t.Errorf("dependent state = %v, want Blocked", depStatus.State)
	}
	if runner.starts != 0 {
		t.Errorf("expected dependent never to start, got %d starts", runner.starts)
	}
}
