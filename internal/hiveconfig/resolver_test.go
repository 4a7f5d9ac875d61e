package hiveconfig

import (
	"context"
	"fmt"
	"testing"

	"github.com/hiveorch/hive/internal/hiveerr"
)

func TestMergedEnvPrecedence(t *testing.T) {
	t.Setenv("FROM_PROCESS", "process")
	t.Setenv("OVERRIDDEN", "process")

	global := &GlobalConfig{
		Environment: EnvSpec{Static: map[string]string{
			"FROM_GLOBAL": "global",
			"OVERRIDDEN":  "global",
		}},
	}
	svc := &Service{
		Source: "local",
		Name:   "api",
		Env: EnvSpec{Static: map[string]string{
			"FROM_SERVICE": "service",
			"OVERRIDDEN":   "service",
		}},
	}
	usesVars := map[string]string{
		"FROM_USES":  "uses",
		"OVERRIDDEN": "uses",
	}

	merged := MergedEnv(context.Background(), global, svc, usesVars, NewPluginCache())

	tests := []struct {
		key  string
		want string
	}{
		{"FROM_PROCESS", "process"},
		{"FROM_GLOBAL", "global"},
		{"FROM_USES", "uses"},
		{"FROM_SERVICE", "service"},
		// service static wins over uses, global, and process.
		{"OVERRIDDEN", "service"},
	}
	for _, tt := range tests {
		if got := merged[tt.key]; got != tt.want {
			t.Errorf("merged[%q] = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestMergedEnvUsesVarsBeatGlobalButNotServiceStatic(t *testing.T) {
	global := &GlobalConfig{
		Environment: EnvSpec{Static: map[string]string{"DB_ADDR": "global"}},
	}
	svc := &Service{Source: "local", Name: "api"}
	merged := MergedEnv(context.Background(), global, svc, map[string]string{"DB_ADDR": "uses"}, NewPluginCache())
	if merged["DB_ADDR"] != "uses" {
		t.Errorf("uses-injected var should override global static, got %q", merged["DB_ADDR"])
	}
}

func TestResolveRuntimePortOwnAndUses(t *testing.T) {
	own := map[string]int{"http": 8080}
	uses := map[string]map[string]int{"db": {"main": 5432}}

	got, err := ResolveRuntimePort("http://127.0.0.1:{{runtime.port.http}}/db/{{uses.db.port.main}}", "s:api", own, uses)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "http://127.0.0.1:8080/db/5432"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveRuntimePortUnresolvedIsStartError(t *testing.T) {
	_, err := ResolveRuntimePort("{{runtime.port.missing}}", "s:api", map[string]int{}, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !hiveerr.Is(err, hiveerr.KindStart) {
		t.Errorf("expected a StartError, got %v", err)
	}
}

// countingPlugin returns a new value on every underlying resolve,
// exposing whether the cache actually re-read it.
type countingPlugin struct{ n int }

func (p *countingPlugin) Name() string { return "counting" }
func (p *countingPlugin) Resolve(_ context.Context, key string) (string, bool) {
	p.n++
	return fmt.Sprintf("v%d", p.n), true
}

func TestPluginCacheInvalidateForcesReResolve(t *testing.T) {
	cache := NewPluginCache(&countingPlugin{})
	ctx := context.Background()

	first, _ := cache.Resolve(ctx, "counting", "lease")
	again, _ := cache.Resolve(ctx, "counting", "lease")
	if first != "v1" || again != "v1" {
		t.Fatalf("expected the cached value both times, got %q then %q", first, again)
	}

	cache.Invalidate("counting", "lease")
	fresh, _ := cache.Resolve(ctx, "counting", "lease")
	if fresh != "v2" {
		t.Errorf("expected a re-read after invalidation, got %q", fresh)
	}
}

func TestCombinedGlobalHooksConcatenatesSourcesInOrder(t *testing.T) {
	reg := NewRegistry()

	addSource := func(name, cmd string) {
		t.Helper()
		resolved := &Resolved{
			Source: Source{Name: name},
			Global: &GlobalConfig{Hooks: Hooks{
				PreUp: []HookStep{{Script: &ScriptStep{Cmd: cmd}}},
			}},
			Services: map[string]*Service{},
		}
		if err := reg.AddSource(Source{Name: name}, resolved); err != nil {
			t.Fatal(err)
		}
	}
	addSource("beta", "echo beta")
	addSource("alpha", "echo alpha")

	hooks := reg.CombinedGlobalHooks()
	if len(hooks.PreUp) != 2 {
		t.Fatalf("expected 2 pre-up steps, got %d", len(hooks.PreUp))
	}
	if hooks.PreUp[0].Script.Cmd != "echo alpha" || hooks.PreUp[1].Script.Cmd != "echo beta" {
		t.Errorf("expected source-name ordering, got %v then %v", hooks.PreUp[0].Script.Cmd, hooks.PreUp[1].Script.Cmd)
	}
}

func TestExposeProducerLookup(t *testing.T) {
	reg := NewRegistry()
	svc := &Service{
		Source: "infra",
		Name:   "db",
		Expose: &ExposeSpec{Name: "postgres"},
	}
	resolved := &Resolved{
		Source:   Source{Name: "infra"},
		Services: map[string]*Service{"db": svc},
	}
	if err := reg.AddSource(Source{Name: "infra"}, resolved); err != nil {
		t.Fatal(err)
	}

	fqn, ok := reg.ExposeProducer("postgres")
	if !ok || fqn != "infra:db" {
		t.Errorf("ExposeProducer = %v, %v; want infra:db, true", fqn, ok)
	}
	if _, ok := reg.ExposeProducer("unknown"); ok {
		t.Error("unknown expose must not resolve")
	}
}
