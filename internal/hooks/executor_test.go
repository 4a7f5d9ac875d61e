package hooks

import (
	"context"
	"testing"
	"time"

	"github.com/hiveorch/hive/internal/hiveconfig"
	"github.com/hiveorch/hive/internal/plugin"
)

func TestRunSequentialStepsInOrder(t *testing.T) {
	e := NewExecutor(plugin.NewRegistry(), nil)
	steps := []hiveconfig.HookStep{
		{Script: &hiveconfig.ScriptStep{Cmd: "exit 0"}},
		{Script: &hiveconfig.ScriptStep{Cmd: "exit 0"}},
	}
	if err := e.Run(context.Background(), steps, RunInfo{Event: hiveconfig.HookPreUp}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunAbortsOnFailureByDefault(t *testing.T) {
	e := NewExecutor(plugin.NewRegistry(), nil)
	steps := []hiveconfig.HookStep{
		{Script: &hiveconfig.ScriptStep{Cmd: "exit 1"}},
	}
	err := e.Run(context.Background(), steps, RunInfo{Event: hiveconfig.HookPreUp})
	if err == nil {
		t.Fatal("expected an error")
	}
	var aborted *AbortedError
	if !asAborted(err, &aborted) {
		t.Fatalf("expected *AbortedError, got %T: %v", err, err)
	}
}

func asAborted(err error, target **AbortedError) bool {
	if ae, ok := err.(*AbortedError); ok {
		*target = ae
		return true
	}
	return false
}

func TestRunContinuesOnWarnFailure(t *testing.T) {
	e := NewExecutor(plugin.NewRegistry(), nil)
	steps := []hiveconfig.HookStep{
		{Script: &hiveconfig.ScriptStep{Cmd: "exit 1"}, OnFailure: hiveconfig.OnFailureWarn},
		{Script: &hiveconfig.ScriptStep{Cmd: "exit 0"}},
	}
	if err := e.Run(context.Background(), steps, RunInfo{Event: hiveconfig.HookPostUp}); err != nil {
		t.Fatalf("expected warn to swallow the failure, got %v", err)
	}
}

func TestRunRetriesBeforeFailing(t *testing.T) {
	e := NewExecutor(plugin.NewRegistry(), nil)
	steps := []hiveconfig.HookStep{
		{
			Script:     &hiveconfig.ScriptStep{Cmd: "exit 1"},
			OnFailure:  hiveconfig.OnFailureRetry,
			Retries:    2,
			RetryDelay: hiveconfig.Duration(time.Millisecond),
		},
	}
	start := time.Now()
	err := e.Run(context.Background(), steps, RunInfo{Event: hiveconfig.HookPreUp})
	if err == nil {
		t.Fatal("expected eventual failure after exhausting retries")
	}
	if time.Since(start) < 2*time.Millisecond {
		t.Error("expected retry delays to have elapsed")
	}
}

func TestRunParallelStepRunsChildrenConcurrently(t *testing.T) {
	e := NewExecutor(plugin.NewRegistry(), nil)
	steps := []hiveconfig.HookStep{
		{Parallel: []hiveconfig.HookStep{
			{Script: &hiveconfig.ScriptStep{Cmd: "sleep 0.05"}},
			{Script: &hiveconfig.ScriptStep{Cmd: "sleep 0.05"}},
		}},
	}
	start := time.Now()
	if err := e.Run(context.Background(), steps, RunInfo{Event: hiveconfig.HookPreUp}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("expected children to run concurrently, took %v", elapsed)
	}
}

func TestParallelStepFailsIfAnyChildFails(t *testing.T) {
	e := NewExecutor(plugin.NewRegistry(), nil)
	steps := []hiveconfig.HookStep{
		{Parallel: []hiveconfig.HookStep{
			{Script: &hiveconfig.ScriptStep{Cmd: "exit 0"}},
			{Script: &hiveconfig.ScriptStep{Cmd: "exit 1"}},
		}},
	}
	if err := e.Run(context.Background(), steps, RunInfo{Event: hiveconfig.HookPreUp}); err == nil {
		t.Fatal("expected aggregate failure")
	}
}

func TestDownEventsDefaultToWarn(t *testing.T) {
	e := NewExecutor(plugin.NewRegistry(), nil)
	steps := []hiveconfig.HookStep{
		{Script: &hiveconfig.ScriptStep{Cmd: "exit 1"}},
		{Script: &hiveconfig.ScriptStep{Cmd: "exit 0"}},
	}
	if err := e.Run(context.Background(), steps, RunInfo{Event: hiveconfig.HookPreDown}); err != nil {
		t.Fatalf("pre-down failures default to warn, got %v", err)
	}
}

func TestRetriesOnlyApplyWhenOptedIn(t *testing.T) {
	e := NewExecutor(plugin.NewRegistry(), nil)
	steps := []hiveconfig.HookStep{
		{
			Script:     &hiveconfig.ScriptStep{Cmd: "exit 1"},
			Retries:    5,
			RetryDelay: hiveconfig.Duration(100 * time.Millisecond),
		},
	}
	start := time.Now()
	err := e.Run(context.Background(), steps, RunInfo{Event: hiveconfig.HookPreUp})
	if err == nil {
		t.Fatal("expected failure")
	}
	if time.Since(start) > 80*time.Millisecond {
		t.Error("retries must not run unless on_failure=retry")
	}
}

func TestHooksInheritServiceEnv(t *testing.T) {
	e := NewExecutor(plugin.NewRegistry(), nil)
	steps := []hiveconfig.HookStep{
		{Script: &hiveconfig.ScriptStep{Cmd: `test "$DATABASE_URL" = "postgres://db" && test "$HIVE_HOOK_EVENT" = "pre-up"`}},
	}
	info := RunInfo{
		Event:      hiveconfig.HookPreUp,
		ServiceEnv: map[string]string{"DATABASE_URL": "postgres://db"},
	}
	if err := e.Run(context.Background(), steps, info); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
