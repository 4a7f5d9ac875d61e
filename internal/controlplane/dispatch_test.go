package controlplane

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hiveorch/hive/internal/hiveconfig"
	"github.com/hiveorch/hive/internal/hiveerr"
	"github.com/hiveorch/hive/internal/hooks"
	"github.com/hiveorch/hive/internal/plugin"
	"github.com/hiveorch/hive/internal/routetable"
	"github.com/hiveorch/hive/internal/supervisor"
)

type dispatchFakeRunner struct{ starts, stops int }

func (f *dispatchFakeRunner) Metadata() plugin.Metadata {
	return plugin.Metadata{ID: "fake", Version: "1.0.0"}
}
func (f *dispatchFakeRunner) Init(defaults map[string]any) error { return nil }
func (f *dispatchFakeRunner) Start(ctx context.Context, svc *hiveconfig.Service, cfg map[string]any, rc plugin.RuntimeContext) (plugin.ProcessHandle, error) {
	f.starts++
	return "handle", nil
}
func (f *dispatchFakeRunner) Stop(ctx context.Context, handle plugin.ProcessHandle) error {
	f.stops++
	return nil
}
func (f *dispatchFakeRunner) IsRunning(ctx context.Context, handle plugin.ProcessHandle) bool {
	return true
}
func (f *dispatchFakeRunner) Logs(ctx context.Context, handle plugin.ProcessHandle, n int) ([]string, error) {
	return []string{"line one", "line two"}, nil
}
func (f *dispatchFakeRunner) SupportsHooks() bool { return false }
func (f *dispatchFakeRunner) RunHook(ctx context.Context, cfg map[string]any, env map[string]string, rc plugin.RuntimeContext) (plugin.ExitStatus, error) {
	return plugin.ExitStatus{}, nil
}

func buildTestDispatcher(t *testing.T) (*Dispatcher, *dispatchFakeRunner) {
	t.Helper()
	reg := hiveconfig.NewRegistry()
	runner := &dispatchFakeRunner{}

	svc := &hiveconfig.Service{
		Source:  "local",
		Name:    "api",
		Runner:  hiveconfig.RunnerSpec{Plugin: "fake"},
		Restart: hiveconfig.RestartOnFailure,
	}
	resolved := &hiveconfig.Resolved{
		Source:   hiveconfig.Source{Name: "local", Kind: "yaml"},
		Services: map[string]*hiveconfig.Service{"api": svc},
	}
	require.NoError(t, reg.AddSource(hiveconfig.Source{Name: "local", Kind: "yaml"}, resolved))

	plugins := plugin.NewRegistry()
	require.NoError(t, plugins.RegisterRunner("fake", runner))

	sup := supervisor.New(reg, plugins, routetable.New(), hooks.NewExecutor(plugins, nil), nil)

	return &Dispatcher{
		Registry:   reg,
		Supervisor: sup,
		Plugins:    plugins,
		Table:      routetable.New(),
		Resolver:   hiveconfig.NewResolver(),
	}, runner
}

func TestDispatchUpAllAndStatus(t *testing.T) {
	d, runner := buildTestDispatcher(t)
	ctx := context.Background()

	resp := d.Dispatch(ctx, Request{Command: "up"})
	require.Equal(t, hiveerr.ExitOK, resp.Code)
	require.Equal(t, 1, runner.starts)

	resp = d.Dispatch(ctx, Request{Command: "status", Args: []string{"local:api"}})
	require.Equal(t, hiveerr.ExitOK, resp.Code)
	st, ok := resp.Data.(supervisor.Status)
	require.True(t, ok)
	require.Equal(t, supervisor.StateReady, st.State)
}

func TestDispatchStatusUnknownService(t *testing.T) {
	d, _ := buildTestDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{Command: "status", Args: []string{"local:missing"}})
	require.NotEqual(t, hiveerr.ExitOK, resp.Code)
}

func TestDispatchDownAndRestart(t *testing.T) {
	d, runner := buildTestDispatcher(t)
	ctx := context.Background()

	require.Equal(t, hiveerr.ExitOK, d.Dispatch(ctx, Request{Command: "up"}).Code)
	require.Equal(t, hiveerr.ExitOK, d.Dispatch(ctx, Request{Command: "down", Args: []string{"local:api"}}).Code)
	require.Equal(t, 1, runner.stops)

	resp := d.Dispatch(ctx, Request{Command: "restart", Args: []string{"local:api"}})
	require.Equal(t, hiveerr.ExitOK, resp.Code)
}

func TestDispatchLogs(t *testing.T) {
	d, _ := buildTestDispatcher(t)
	ctx := context.Background()
	require.Equal(t, hiveerr.ExitOK, d.Dispatch(ctx, Request{Command: "up"}).Code)

	resp := d.Dispatch(ctx, Request{Command: "logs", Args: []string{"local:api"}})
	require.Equal(t, hiveerr.ExitOK, resp.Code)
	lines, ok := resp.Data.([]string)
	require.True(t, ok)
	require.Equal(t, []string{"line one", "line two"}, lines)
}

func TestDispatchSourceAddListRemove(t *testing.T) {
	d, _ := buildTestDispatcher(t)
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "web.yaml")
	yaml := "version: \"1\"\nservices:\n  worker:\n    runner:\n      plugin: fake\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	resp := d.Dispatch(ctx, Request{Command: "source.add", Args: []string{"web", path}})
	require.Equal(t, hiveerr.ExitOK, resp.Code, resp.Message)

	resp = d.Dispatch(ctx, Request{Command: "source.list"})
	require.Equal(t, hiveerr.ExitOK, resp.Code)
	sources, ok := resp.Data.([]hiveconfig.Source)
	require.True(t, ok)
	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, s.Name)
	}
	require.Contains(t, names, "web")
	require.Contains(t, names, "local")

	resp = d.Dispatch(ctx, Request{Command: "source.remove", Args: []string{"web"}})
	require.Equal(t, hiveerr.ExitOK, resp.Code, resp.Message)
}

func TestDispatchSourceRemoveBlockedWhileRunning(t *testing.T) {
	d, _ := buildTestDispatcher(t)
	ctx := context.Background()
	require.Equal(t, hiveerr.ExitOK, d.Dispatch(ctx, Request{Command: "up"}).Code)

	resp := d.Dispatch(ctx, Request{Command: "source.remove", Args: []string{"local"}})
	require.NotEqual(t, hiveerr.ExitOK, resp.Code)
}

func TestDispatchUnknownCommand(t *testing.T) {
	d, _ := buildTestDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{Command: "bogus"})
	require.NotEqual(t, hiveerr.ExitOK, resp.Code)
}

func TestDispatchSSLUnsupported(t *testing.T) {
	d, _ := buildTestDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{Command: "ssl.status"})
	require.NotEqual(t, hiveerr.ExitOK, resp.Code)
	require.Contains(t, resp.Message, "external plugin host")
}

func TestDispatchDaemonStatus(t *testing.T) {
	d, _ := buildTestDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{Command: "daemon.status"})
	require.Equal(t, hiveerr.ExitOK, resp.Code)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, 1, data["services"])
}
