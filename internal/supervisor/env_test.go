package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/hiveorch/hive/internal/hiveconfig"
	"github.com/hiveorch/hive/internal/hooks"
	"github.com/hiveorch/hive/internal/plugin"
	"github.com/hiveorch/hive/internal/routetable"
)

// captureRunner records the RuntimeContext and resolved config of every
// Start call so tests can assert on the env/templates an instance
// actually received.
type captureRunner struct {
	starts []plugin.RuntimeContext
	cfgs   []map[string]any
}

func (c *captureRunner) Metadata() plugin.Metadata {
	return plugin.Metadata{ID: "capture", Version: "1.0.0"}
}
func (c *captureRunner) Init(defaults map[string]any) error { return nil }
func (c *captureRunner) Start(ctx context.Context, svc *hiveconfig.Service, cfg map[string]any, rc plugin.RuntimeContext) (plugin.ProcessHandle, error) {
	c.starts = append(c.starts, rc)
	c.cfgs = append(c.cfgs, cfg)
	return "handle", nil
}
func (c *captureRunner) Stop(ctx context.Context, handle plugin.ProcessHandle) error     { return nil }
func (c *captureRunner) IsRunning(ctx context.Context, handle plugin.ProcessHandle) bool { return true }
func (c *captureRunner) Logs(ctx context.Context, handle plugin.ProcessHandle, n int) ([]string, error) {
	return nil, nil
}
func (c *captureRunner) SupportsHooks() bool { return false }
func (c *captureRunner) RunHook(ctx context.Context, cfg map[string]any, env map[string]string, rc plugin.RuntimeContext) (plugin.ExitStatus, error) {
	return plugin.ExitStatus{}, nil
}

func TestStartResolvesUsesVarsAndRuntimeTemplates(t *testing.T) {
	reg := hiveconfig.NewRegistry()

	producer := &hiveconfig.Service{
		Source: "infra",
		Name:   "db",
		Runner: hiveconfig.RunnerSpec{Plugin: "capture"},
		Rollout: &hiveconfig.RolloutSpec{
			Strategy: hiveconfig.RolloutRecreate,
			Ports:    []hiveconfig.PortBinding{{Name: "main", Blue: 5432}},
		},
		Expose: &hiveconfig.ExposeSpec{
			Name: "postgres",
			Vars: map[string]string{"DB_ADDR": "127.0.0.1:{{runtime.port.main}}"},
		},
	}
	consumer := &hiveconfig.Service{
		Source: "infra",
		Name:   "api",
		Runner: hiveconfig.RunnerSpec{
			Plugin: "capture",
			Config: map[string]any{"command": "serve --db {{uses.pg.port.main}} --listen {{runtime.port.http}}"},
		},
		Rollout: &hiveconfig.RolloutSpec{
			Strategy: hiveconfig.RolloutRecreate,
			Ports:    []hiveconfig.PortBinding{{Name: "http", Blue: 8080}},
		},
		Env: hiveconfig.EnvSpec{Static: map[string]string{
			"LISTEN": "0.0.0.0:{{runtime.port.http}}",
		}},
		Uses: []hiveconfig.UsesSpec{{Alias: "pg", Expose: "postgres"}},
	}
	resolved := &hiveconfig.Resolved{
		Source:   hiveconfig.Source{Name: "infra"},
		Services: map[string]*hiveconfig.Service{"db": producer, "api": consumer},
	}
	if err := reg.AddSource(hiveconfig.Source{Name: "infra"}, resolved); err != nil {
		t.Fatal(err)
	}

	runner := &captureRunner{}
	plugins := plugin.NewRegistry()
	if err := plugins.RegisterRunner("capture", runner); err != nil {
		t.Fatal(err)
	}

	sup := New(reg, plugins, routetable.New(), hooks.NewExecutor(plugins, nil), nil)
	if err := sup.StartAll(context.Background(), hiveconfig.Hooks{}); err != nil {
		t.Fatal(err)
	}

	if len(runner.starts) != 2 {
		t.Fatalf("expected both services to start, got %d starts", len(runner.starts))
	}

	var apiRC plugin.RuntimeContext
	var apiCfg map[string]any
	for i, rc := range runner.starts {
		if rc.FQN == "infra:api" {
			apiRC = rc
			apiCfg = runner.cfgs[i]
		}
	}
	if apiRC.FQN != "infra:api" {
		t.Fatal("api never started")
	}

	if got := apiRC.Env["DB_ADDR"]; got != "127.0.0.1:5432" {
		t.Errorf("DB_ADDR = %q, want producer's resolved expose var", got)
	}
	if got := apiRC.Env["LISTEN"]; got != "0.0.0.0:8080" {
		t.Errorf("LISTEN = %q, want runtime template resolved to own port", got)
	}
	if got, _ := apiCfg["command"].(string); got != "serve --db 5432 --listen 8080" {
		t.Errorf("runner config command = %q, want runtime templates resolved", got)
	}
}

func TestStartFailsOnUnresolvedRuntimeTemplate(t *testing.T) {
	reg := hiveconfig.NewRegistry()
	svc := &hiveconfig.Service{
		Source: "local",
		Name:   "api",
		Runner: hiveconfig.RunnerSpec{Plugin: "capture"},
		Env:    hiveconfig.EnvSpec{Static: map[string]string{"LISTEN": "{{runtime.port.nope}}"}},
	}
	resolved := &hiveconfig.Resolved{
		Source:   hiveconfig.Source{Name: "local"},
		Services: map[string]*hiveconfig.Service{"api": svc},
	}
	if err := reg.AddSource(hiveconfig.Source{Name: "local"}, resolved); err != nil {
		t.Fatal(err)
	}

	runner := &captureRunner{}
	plugins := plugin.NewRegistry()
	if err := plugins.RegisterRunner("capture", runner); err != nil {
		t.Fatal(err)
	}

	sup := New(reg, plugins, routetable.New(), hooks.NewExecutor(plugins, nil), nil)
	if err := sup.StartOne(context.Background(), "local:api"); err == nil {
		t.Fatal("expected an unresolved runtime variable error")
	}
	if len(runner.starts) != 0 {
		t.Errorf("runner must not start with an unresolved template, got %d starts", len(runner.starts))
	}
	st, _ := sup.Status("local:api")
	if st.State != StateFailed {
		t.Errorf("state = %v, want Failed", st.State)
	}
}

func TestStickyStopKeepsUnlessStoppedServiceDown(t *testing.T) {
	reg := hiveconfig.NewRegistry()
	svc := &hiveconfig.Service{
		Source:  "local",
		Name:    "worker",
		Runner:  hiveconfig.RunnerSpec{Plugin: "capture"},
		Restart: hiveconfig.RestartUnlessStopped,
	}
	resolved := &hiveconfig.Resolved{
		Source:   hiveconfig.Source{Name: "local"},
		Services: map[string]*hiveconfig.Service{"worker": svc},
	}
	if err := reg.AddSource(hiveconfig.Source{Name: "local"}, resolved); err != nil {
		t.Fatal(err)
	}

	runner := &captureRunner{}
	plugins := plugin.NewRegistry()
	if err := plugins.RegisterRunner("capture", runner); err != nil {
		t.Fatal(err)
	}

	sup := New(reg, plugins, routetable.New(), hooks.NewExecutor(plugins, nil), nil)
	sup.SetStickyStops([]string{"local:worker"})

	if err := sup.StartAll(context.Background(), hiveconfig.Hooks{}); err != nil {
		t.Fatal(err)
	}
	if len(runner.starts) != 0 {
		t.Errorf("sticky-stopped service must not start, got %d starts", len(runner.starts))
	}
	st, _ := sup.Status("local:worker")
	if st.State != StateStopped {
		t.Errorf("state = %v, want Stopped", st.State)
	}

	// An explicit `up <fqn>` clears the sticky flag and starts it.
	if err := sup.StartOne(context.Background(), "local:worker"); err != nil {
		t.Fatal(err)
	}
	if len(runner.starts) != 1 {
		t.Errorf("expected the explicit up to start the service, got %d starts", len(runner.starts))
	}
}

func TestOnExitHonorsRestartPolicy(t *testing.T) {
	tests := []struct {
		name      string
		policy    hiveconfig.RestartPolicy
		exitCode  int
		wantState State
	}{
		{"never with clean exit", hiveconfig.RestartNever, 0, StateStopped},
		{"never with failure", hiveconfig.RestartNever, 1, StateFailed},
		{"on-failure with clean exit", hiveconfig.RestartOnFailure, 0, StateStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := hiveconfig.NewRegistry()
			svc := &hiveconfig.Service{
				Source:  "local",
				Name:    "job",
				Runner:  hiveconfig.RunnerSpec{Plugin: "capture"},
				Restart: tt.policy,
			}
			resolved := &hiveconfig.Resolved{
				Source:   hiveconfig.Source{Name: "local"},
				Services: map[string]*hiveconfig.Service{"job": svc},
			}
			if err := reg.AddSource(hiveconfig.Source{Name: "local"}, resolved); err != nil {
				t.Fatal(err)
			}

			plugins := plugin.NewRegistry()
			if err := plugins.RegisterRunner("capture", &captureRunner{}); err != nil {
				t.Fatal(err)
			}
			sup := New(reg, plugins, routetable.New(), hooks.NewExecutor(plugins, nil), nil)
			if err := sup.StartOne(context.Background(), "local:job"); err != nil {
				t.Fatal(err)
			}

			sup.onExit(context.Background(), svc, tt.exitCode)

			st, _ := sup.Status("local:job")
			if st.State != tt.wantState {
				t.Errorf("state = %v, want %v", st.State, tt.wantState)
			}
		})
	}
}

// fakeRefresher records Schedule/Unschedule calls in place of the
// cron-backed builtin.RefreshScheduler.
type fakeRefresher struct {
	scheduled   map[string]time.Duration
	jobs        map[string]func(ctx context.Context) error
	unscheduled []string
}

func newFakeRefresher() *fakeRefresher {
	return &fakeRefresher{
		scheduled: make(map[string]time.Duration),
		jobs:      make(map[string]func(ctx context.Context) error),
	}
}

func (f *fakeRefresher) Schedule(fqn string, every time.Duration, job func(ctx context.Context) error) error {
	f.scheduled[fqn] = every
	f.jobs[fqn] = job
	return nil
}

func (f *fakeRefresher) Unschedule(fqn string) {
	f.unscheduled = append(f.unscheduled, fqn)
}

func buildEnvRefreshSupervisor(t *testing.T, svc *hiveconfig.Service) (*Supervisor, *fakeRefresher) {
	t.Helper()
	reg := hiveconfig.NewRegistry()
	resolved := &hiveconfig.Resolved{
		Source:   hiveconfig.Source{Name: svc.Source},
		Services: map[string]*hiveconfig.Service{svc.Name: svc},
	}
	if err := reg.AddSource(hiveconfig.Source{Name: svc.Source}, resolved); err != nil {
		t.Fatal(err)
	}
	plugins := plugin.NewRegistry()
	if err := plugins.RegisterRunner("capture", &captureRunner{}); err != nil {
		t.Fatal(err)
	}
	refresher := newFakeRefresher()
	sup := New(reg, plugins, routetable.New(), hooks.NewExecutor(plugins, nil), nil).
		WithEnvRefresher(refresher)
	return sup, refresher
}

func TestEnvRefreshScheduledForPluginBackedEnv(t *testing.T) {
	svc := &hiveconfig.Service{
		Source: "local",
		Name:   "api",
		Runner: hiveconfig.RunnerSpec{Plugin: "capture"},
		Env: hiveconfig.EnvSpec{
			Plugins: []hiveconfig.PluginVarRef{{Plugin: "env", Key: "API_TOKEN"}},
		},
	}
	sup, refresher := buildEnvRefreshSupervisor(t, svc)

	if err := sup.StartOne(context.Background(), "local:api"); err != nil {
		t.Fatal(err)
	}
	if got := refresher.scheduled["local:api"]; got != defaultEnvRefreshInterval {
		t.Errorf("refresh interval = %v, want the 5m default", got)
	}

	sup.StopOne(context.Background(), "local:api")
	if len(refresher.unscheduled) != 1 || refresher.unscheduled[0] != "local:api" {
		t.Errorf("expected the refresh job dropped on stop, got %v", refresher.unscheduled)
	}
}

func TestEnvRefreshHonorsConfiguredInterval(t *testing.T) {
	svc := &hiveconfig.Service{
		Source: "local",
		Name:   "api",
		Runner: hiveconfig.RunnerSpec{Plugin: "capture"},
		Env: hiveconfig.EnvSpec{
			Plugins:         []hiveconfig.PluginVarRef{{Plugin: "env", Key: "API_TOKEN"}},
			RefreshInterval: hiveconfig.Duration(30 * time.Second),
		},
	}
	sup, refresher := buildEnvRefreshSupervisor(t, svc)

	if err := sup.StartOne(context.Background(), "local:api"); err != nil {
		t.Fatal(err)
	}
	if got := refresher.scheduled["local:api"]; got != 30*time.Second {
		t.Errorf("refresh interval = %v, want the configured 30s", got)
	}
}

func TestEnvRefreshNotScheduledWithoutPluginRefs(t *testing.T) {
	svc := &hiveconfig.Service{
		Source: "local",
		Name:   "api",
		Runner: hiveconfig.RunnerSpec{Plugin: "capture"},
		Env:    hiveconfig.EnvSpec{Static: map[string]string{"A": "b"}},
	}
	sup, refresher := buildEnvRefreshSupervisor(t, svc)

	if err := sup.StartOne(context.Background(), "local:api"); err != nil {
		t.Fatal(err)
	}
	if len(refresher.scheduled) != 0 {
		t.Errorf("a purely static env must not schedule refreshes, got %v", refresher.scheduled)
	}
}
