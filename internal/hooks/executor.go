// Package hooks runs the one-shot step lists attached to lifecycle
// events (spec §4.5 C5): pre-up, post-up, pre-down, post-down, each at
// global and per-service scope. Sequential steps run in list order;
// Parallel children fan out concurrently via golang.org/x/sync/errgroup,
// the same package the pack uses for concurrent sub-task fan-out
// (other_examples' executor.go), generalized here from a handful of
// named goroutines to an arbitrary step list. Retry backoff adapts the
// teacher's infrastructure/resilience.Retry from a single bounded retry
// loop into one driven by a per-step OnFailure policy.
package hooks

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hiveorch/hive/internal/hiveconfig"
	"github.com/hiveorch/hive/internal/obslog"
	"github.com/hiveorch/hive/internal/plugin"
)

// RunInfo carries the fixed context injected as env vars into every
// step of one hook invocation (spec §4.5: "HIVE_HOOK_EVENT,
// HIVE_SERVICE_NAME, ...").
type RunInfo struct {
	Event        hiveconfig.HookEvent
	ServiceName  string
	ServiceFQN   string
	SourceName   string
	RolloutType  string
	RolloutColor string

	// ServiceEnv is the owning service's final merged environment,
	// inherited by every step below the injected HIVE_* variables (spec
	// §4.5: "hooks inherit the final merged env of the owning service").
	ServiceEnv map[string]string
}

func (r RunInfo) env() map[string]string {
	m := make(map[string]string, len(r.ServiceEnv)+6)
	for k, v := range r.ServiceEnv {
		m[k] = v
	}
	m["HIVE_HOOK_EVENT"] = string(r.Event)
	m["HIVE_SOURCE_NAME"] = r.SourceName
	if r.ServiceName != "" {
		m["HIVE_SERVICE_NAME"] = r.ServiceName
	}
	if r.ServiceFQN != "" {
		m["HIVE_SERVICE_FQN"] = r.ServiceFQN
	}
	if r.RolloutType != "" {
		m["HIVE_ROLLOUT_TYPE"] = r.RolloutType
	}
	if r.RolloutColor != "" {
		m["HIVE_ROLLOUT_COLOR"] = r.RolloutColor
	}
	return m
}

// Executor runs hook step lists, resolving RunnerStep plugins from a
// registry and ScriptStep via /bin/sh.
type Executor struct {
	plugins *plugin.Registry
	log     *obslog.Logger
}

func NewExecutor(plugins *plugin.Registry, log *obslog.Logger) *Executor {
	return &Executor{plugins: plugins, log: log}
}

// AbortedError marks a step's failure as fatal to the enclosing
// rollout/lifecycle operation (OnFailure=abort, the default).
type AbortedError struct {
	Err error
}

func (e *AbortedError) Error() string { return fmt.Sprintf("hook step aborted: %v", e.Err) }
func (e *AbortedError) Unwrap() error { return e.Err }

// Run executes steps in order; a Parallel step's children run
// concurrently and the step as a whole fails if any child fails (spec
// §4.5: "a `parallel` step's own on_failure applies to the aggregate").
// Run stops at the first step whose failure is not OnFailureWarn.
func (e *Executor) Run(ctx context.Context, steps []hiveconfig.HookStep, info RunInfo) error {
	for _, step := range steps {
		if err := e.runStep(ctx, step, info); err != nil {
			return err
		}
	}
	return nil
}

// effectiveOnFailure resolves a step's failure policy, defaulting by
// event when unset: abort for the up buckets (post-up included, to
// enforce rollout safety), warn for the down buckets (spec §4.5).
func effectiveOnFailure(step hiveconfig.HookStep, event hiveconfig.HookEvent) hiveconfig.OnFailure {
	if step.OnFailure != "" {
		return step.OnFailure
	}
	if event == hiveconfig.HookPreDown || event == hiveconfig.HookPostDown {
		return hiveconfig.OnFailureWarn
	}
	return hiveconfig.OnFailureAbort
}

func (e *Executor) runStep(ctx context.Context, step hiveconfig.HookStep, info RunInfo) error {
	if len(step.Parallel) > 0 {
		return e.runParallel(ctx, step, info)
	}

	err := e.runWithRetry(ctx, step, info)
	return e.applyFailurePolicy(step, info.Event, err)
}

// runParallel fans a group's children out concurrently. The group's
// timeout bounds the whole group; with on_failure=abort the first child
// failure cancels its siblings, with warn every child runs to
// completion and failures surface only as the group's recorded error
// (spec §4.5 parallel semantics). Retry is per-child, never on the
// group itself.
func (e *Executor) runParallel(ctx context.Context, step hiveconfig.HookStep, info RunInfo) error {
	gctx := ctx
	if d := step.Timeout.Std(); d > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var err error
	if effectiveOnFailure(step, info.Event) == hiveconfig.OnFailureWarn {
		var g errgroup.Group
		for _, child := range step.Parallel {
			child := child
			g.Go(func() error {
				return e.runWithRetry(gctx, child, info)
			})
		}
		err = g.Wait()
	} else {
		g, childCtx := errgroup.WithContext(gctx)
		for _, child := range step.Parallel {
			child := child
			g.Go(func() error {
				return e.runWithRetry(childCtx, child, info)
			})
		}
		err = g.Wait()
	}
	return e.applyFailurePolicy(step, info.Event, err)
}

// runWithRetry executes one leaf step (Script or Runner), retrying up
// to step.Retries times with step.RetryDelay between attempts, per
// spec §4.5's "retries"/"retry_delay" fields — the same shape as the
// teacher's resilience.Retry, but parameterized per step rather than
// by a single shared RetryConfig.
func (e *Executor) runWithRetry(ctx context.Context, step hiveconfig.HookStep, info RunInfo) error {
	// The retry knobs only apply when the step opted into
	// on_failure=retry (spec §4.5).
	attempts := 1
	if effectiveOnFailure(step, info.Event) == hiveconfig.OnFailureRetry {
		attempts = step.Retries + 1
	}
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = e.runLeaf(ctx, step, info)
		if lastErr == nil {
			return nil
		}
		if attempt < attempts-1 {
			delay := step.RetryDelay.Std()
			if delay <= 0 {
				delay = time.Second
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return lastErr
}

func (e *Executor) runLeaf(ctx context.Context, step hiveconfig.HookStep, info RunInfo) error {
	timeout := step.Timeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env := mergeEnv(info.env(), step.Env)

	switch {
	case step.Script != nil:
		return e.runScript(stepCtx, *step.Script, env)
	case step.Runner != nil:
		return e.runRunnerStep(stepCtx, *step.Runner, env)
	default:
		return fmt.Errorf("hook step has neither script nor runner nor parallel")
	}
}

func (e *Executor) runScript(ctx context.Context, s hiveconfig.ScriptStep, env map[string]string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", s.Cmd)
	cmd.Dir = s.Cwd
	cmd.Env = flattenEnv(env)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("script %q: %w: %s", s.Cmd, err, out)
	}
	return nil
}

func (e *Executor) runRunnerStep(ctx context.Context, s hiveconfig.RunnerStep, env map[string]string) error {
	runner, ok := e.plugins.Runner(s.Plugin)
	if !ok {
		return fmt.Errorf("runner plugin %q not registered", s.Plugin)
	}
	status, err := runner.RunHook(ctx, s.Config, env, plugin.RuntimeContext{})
	if err != nil {
		return err
	}
	if status.Code != 0 {
		return fmt.Errorf("runner hook exited %d: %s", status.Code, status.Output)
	}
	return nil
}

// applyFailurePolicy interprets the step's effective failure policy
// against a (possibly nil) execution error (spec §4.5: abort aborts the
// whole operation, warn logs and continues, retry is already exhausted
// by runWithRetry by the time this runs).
func (e *Executor) applyFailurePolicy(step hiveconfig.HookStep, event hiveconfig.HookEvent, err error) error {
	if err == nil {
		return nil
	}
	switch effectiveOnFailure(step, event) {
	case hiveconfig.OnFailureWarn:
		if e.log != nil {
			e.log.WithError(err).Warn("hook step failed, continuing (on_failure=warn)")
		}
		return nil
	default:
		return &AbortedError{Err: err}
	}
}

func mergeEnv(base, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
