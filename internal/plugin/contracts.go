// Package plugin defines the capability contracts the orchestration
// core consumes from runner, health, environment, rollout, proxy
// middleware, and observability plugins (spec §4.2). The core holds
// handles satisfying these interfaces, never concrete plugin types;
// dispatch is ordinary Go interface dispatch, not reflection, mirroring
// the teacher's ServiceModule-family capability traits
// (system/core/interfaces.go) generalized from "one engine per domain
// verb" to "one trait per orchestration concern."
package plugin

import (
	"context"
	"time"

	"github.com/hiveorch/hive/internal/hiveconfig"
)

// Metadata identifies a loaded plugin by stable id and version, per
// spec §4.2 ("each includes a metadata() returning {id, version}").
type Metadata struct {
	ID      string
	Version string
}

// Base is embedded by every capability trait.
type Base interface {
	Metadata() Metadata
	Init(defaults map[string]any) error
}

// ProcessHandle is opaque to the core; it is created and consumed only
// by the Runner that produced it.
type ProcessHandle any

// RuntimeContext carries the resolved, runtime-template-interpolated
// view of one instance start: its ports, merged environment, and
// working directory.
type RuntimeContext struct {
	FQN   hiveconfig.FQN
	Color hiveconfig.Color
	Ports map[string]int
	Env   map[string]string
	Cwd   string
}

// ExitStatus is the result of a one-shot hook or script execution.
type ExitStatus struct {
	Code   int
	Output string
}

// Runner starts, stops, and probes a service's process/container
// instances (spec §4.2 Runner). Runners MUST NOT return from Start
// until the child is launched, and MUST tolerate Stop running
// concurrently with IsRunning.
type Runner interface {
	Base
	Start(ctx context.Context, svc *hiveconfig.Service, runtimeCfg map[string]any, rc RuntimeContext) (ProcessHandle, error)
	Stop(ctx context.Context, handle ProcessHandle) error
	IsRunning(ctx context.Context, handle ProcessHandle) bool
	Logs(ctx context.Context, handle ProcessHandle, n int) ([]string, error)
	SupportsHooks() bool
	RunHook(ctx context.Context, cfg map[string]any, env map[string]string, rc RuntimeContext) (ExitStatus, error)
}

// HealthResult is the side-effect-free outcome of one Health.Check call.
type HealthResult struct {
	Healthy   bool
	LatencyMS int64
	Message   string
	Details   map[string]any
}

// Health probes one configured health check (spec §4.2 Health). Check
// MUST be side-effect free and MUST honor Timeout/StartPeriod.
type Health interface {
	Base
	Check(ctx context.Context, cfg hiveconfig.HealthSpec, rc RuntimeContext) (HealthResult, error)
}

// Environment loads and periodically refreshes a service's env map
// from an external source (spec §4.2 Environment).
type Environment interface {
	Base
	Load(ctx context.Context, cfg map[string]any) (map[string]string, error)
	Refresh(ctx context.Context, cfg map[string]any) (map[string]string, error)
}

// RolloutStepKind names one step of a Rollout.Plan.
type RolloutStepKind string

const (
	StepStop          RolloutStepKind = "Stop"
	StepStart         RolloutStepKind = "Start"
	StepWaitHealthy   RolloutStepKind = "WaitHealthy"
	StepSwitchTraffic RolloutStepKind = "SwitchTraffic"
	StepWait          RolloutStepKind = "Wait"
)

// RolloutStep is one element of the plan a Rollout plugin returns.
type RolloutStep struct {
	Kind    RolloutStepKind
	Timeout time.Duration
	From    hiveconfig.Color
	To      hiveconfig.Color
	Wait    time.Duration
}

// RolloutContext is handed to Rollout.ExecuteStep / Rollback; the core
// implements it, delegating back into Runner/Health/route-table as
// directed (spec §4.2: "execute_step(step, rollout_ctx) delegates back
// to the core").
type RolloutContext interface {
	Context() context.Context
	FQN() hiveconfig.FQN
	// ActiveColor reports the color currently serving traffic before
	// this rollout runs, so a strategy's Plan can compute which color
	// is "old" and which is the alt/target without guessing (spec
	// §4.6: blue-green deploys from whichever color is Ready(active=X)).
	ActiveColor() hiveconfig.Color
	StartInstance(color hiveconfig.Color) error
	StopInstance(color hiveconfig.Color) error
	WaitHealthy(color hiveconfig.Color, timeout time.Duration) error
	SwitchTraffic(from, to hiveconfig.Color) error
	// RunPostUpHooks executes the service's post-up hook bucket
	// targeting the instance under color (spec §4.6: Recreate's PostUp
	// and Blue-Green's PostUpAlt, the latter seeing
	// HIVE_ROLLOUT_COLOR=<alt>). The Controller calls this between the
	// health gate and either Registering (Recreate) or Switching
	// (Blue-Green), never after traffic has moved.
	RunPostUpHooks(color hiveconfig.Color) error
	// RunDownHooks executes the service's pre-down or post-down bucket
	// against the instance under color (spec §4.6 Blue-Green step 6:
	// "run pre-down on old, stop it, run post-down"). Down-bucket
	// failures never abort a rollout; implementations log and continue.
	RunDownHooks(event hiveconfig.HookEvent, color hiveconfig.Color) error
}

// Rollout plans and drives a deploy strategy (spec §4.2 Rollout). The
// core's built-in recreate/blue-green controllers (internal/rollout)
// are the reference implementations of this contract; it is exposed as
// a trait so alternative strategies can be swapped in without touching
// the supervisor.
type Rollout interface {
	Base
	Plan(cfg *hiveconfig.RolloutSpec, active hiveconfig.Color) ([]RolloutStep, error)
	ExecuteStep(ctx RolloutContext, step RolloutStep) error
	Rollback(ctx RolloutContext) error
}

// MiddlewareResult is either Continue (possibly mutated) or a
// short-circuit Response.
type MiddlewareResult struct {
	Continue   bool
	Request    *RequestView
	StatusCode int
	Body       []byte
	Headers    map[string]string
}

// RequestView is the subset of an in-flight HTTP request exposed to
// ProxyMiddleware, avoiding a hard dependency on net/http in the
// capability contract itself.
type RequestView struct {
	Method  string
	Host    string
	Path    string
	Headers map[string][]string
	Remote  string
}

// ProxyMiddleware inspects/mutates requests and responses in the
// reverse proxy's chain (spec §4.2 Proxy middleware). Chain order is
// configuration order; per-service chains override/append/disable the
// global chain via ProxySpec.Middleware/SkipGlobal.
type ProxyMiddleware interface {
	Base
	ProcessRequest(ctx context.Context, req *RequestView) (MiddlewareResult, error)
	ProcessResponse(ctx context.Context, statusCode int, headers map[string]string) (map[string]string, error)
}

// Event is one observability bus event (lifecycle transition, health
// change, rollout step, proxy error, ...).
type Event struct {
	Kind      string
	FQN       string
	Timestamp time.Time
	Fields    map[string]any
}

// ObservabilitySink subscribes to a filtered event stream and sinks
// events to an external system (spec §4.2 Observability sink). Sinks
// are out of scope for the orchestration core's own implementation
// (spec §1 Non-goals); this trait is the boundary the control plane's
// event stream (C8) publishes through.
type ObservabilitySink interface {
	Base
	Sink(ctx context.Context, event Event) error
}
