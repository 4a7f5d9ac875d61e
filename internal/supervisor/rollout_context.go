package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/hiveorch/hive/internal/hiveconfig"
	"github.com/hiveorch/hive/internal/hiveerr"
	"github.com/hiveorch/hive/internal/hooks"
	"github.com/hiveorch/hive/internal/plugin"
	"github.com/hiveorch/hive/internal/rollout"
)

// rolloutContext implements plugin.RolloutContext (spec §4.2:
// "execute_step(step, rollout_ctx) delegates back to the core"),
// translating each Recreate/BlueGreen step (internal/rollout) back into
// this service's runner, health checks, and route table.
type rolloutContext struct {
	ctx context.Context
	sup *Supervisor
	svc *hiveconfig.Service
}

func (r *rolloutContext) Context() context.Context { return r.ctx }
func (r *rolloutContext) FQN() hiveconfig.FQN      { return r.svc.FQN() }

func (r *rolloutContext) ActiveColor() hiveconfig.Color {
	return r.sup.table.ActiveColor(r.svc.FQN())
}

// StartInstance starts a new instance for color via the service's
// Runner plugin (spec §4.2 Runner.start), recording it under that
// color's instance key so a blue-green deploy can hold two live
// instances at once.
func (r *rolloutContext) StartInstance(color hiveconfig.Color) error {
	fqn := r.svc.FQN()
	runner, ok := r.sup.plugins.Runner(r.svc.Runner.Plugin)
	if !ok {
		return hiveerr.RunnerStartFailed(string(fqn), fmt.Errorf("runner plugin %q not registered", r.svc.Runner.Plugin))
	}
	env, usesPorts, err := r.sup.resolveInstanceEnv(r.ctx, r.svc, color)
	if err != nil {
		return err
	}
	ports := portsForColor(r.svc, color)
	resolvedCfg, err := resolveRunnerConfig(r.svc, ports, usesPorts)
	if err != nil {
		return err
	}
	rc := plugin.RuntimeContext{FQN: fqn, Color: color, Ports: ports, Env: env}
	handle, err := runner.Start(r.ctx, r.svc, resolvedCfg, rc)
	if err != nil {
		return hiveerr.RunnerStartFailed(string(fqn), err)
	}
	r.sup.setInstance(fqn, color, &instance{handle: handle, env: env})
	return nil
}

// StopInstance stops color's instance (if any) via its Runner and
// drops the bookkeeping entry (spec §4.2 Runner.stop; §3 Instance:
// "process_handle is returned to the runner on stop").
func (r *rolloutContext) StopInstance(color hiveconfig.Color) error {
	fqn := r.svc.FQN()
	inst := r.sup.getInstance(fqn, color)
	if inst == nil {
		return nil
	}
	inst.mu.Lock()
	handle := inst.handle
	inst.mu.Unlock()
	if runner, ok := r.sup.plugins.Runner(r.svc.Runner.Plugin); ok {
		if err := runner.Stop(r.ctx, handle); err != nil {
			return err
		}
	}
	r.sup.deleteInstance(fqn, color)
	return nil
}

// WaitHealthy polls color's health checks until all pass or timeout
// elapses (spec §4.6: "wait up to timeout for ALL health checks to
// report healthy"), delegating to the same polling loop the initial
// bring-up uses.
func (r *rolloutContext) WaitHealthy(color hiveconfig.Color, timeout time.Duration) error {
	if len(r.svc.Health) == 0 {
		return nil
	}
	return r.sup.waitHealthy(r.ctx, r.svc, color, timeout)
}

// SwitchTraffic atomically moves the route table's active color (spec
// §4.6 step 5: "a single atomic set_active_color(fqn, alt)") and mirrors
// it onto the status board for `hivectl status`.
func (r *rolloutContext) SwitchTraffic(from, to hiveconfig.Color) error {
	fqn := r.svc.FQN()
	r.sup.table.SetActiveColor(fqn, to)
	r.sup.board.set(fqn, func(st *Status) { st.ActiveColor = to })
	return nil
}

// RunPostUpHooks executes the service's post-up hook bucket with
// HIVE_ROLLOUT_TYPE/HIVE_ROLLOUT_COLOR set (spec §4.5: "hooks inherit
// ... and (blue-green only) HIVE_ROLLOUT_COLOR"; §4.6 PostUp/PostUpAlt).
// A service with no rollout_spec never reaches here (DeployOne's
// no-rollout branch bypasses the Controller entirely), so color is
// always meaningful.
func (r *rolloutContext) RunPostUpHooks(color hiveconfig.Color) error {
	if r.sup.hookExec == nil {
		return nil
	}
	info := hooks.RunInfo{
		Event:       hiveconfig.HookPostUp,
		ServiceName: r.svc.Name,
		ServiceFQN:  string(r.svc.FQN()),
		SourceName:  r.svc.Source,
		ServiceEnv:  r.instanceEnv(color),
	}
	info.RolloutType = r.sup.strategyFor(r.svc).Metadata().ID
	if color != hiveconfig.ColorSingle {
		info.RolloutColor = string(color)
	}
	return r.sup.hookExec.Run(r.ctx, r.svc.Hooks.Bucket(hiveconfig.HookPostUp), info)
}

// RunDownHooks executes the pre-down or post-down bucket against
// color's instance during a rollout's StoppingOld phase (spec §4.6
// step 6). Down buckets default to warn, so a failing hook never
// blocks the teardown of an already-replaced instance.
func (r *rolloutContext) RunDownHooks(event hiveconfig.HookEvent, color hiveconfig.Color) error {
	if r.sup.hookExec == nil {
		return nil
	}
	info := hooks.RunInfo{
		Event:       event,
		ServiceName: r.svc.Name,
		ServiceFQN:  string(r.svc.FQN()),
		SourceName:  r.svc.Source,
		ServiceEnv:  r.instanceEnv(color),
	}
	info.RolloutType = r.sup.strategyFor(r.svc).Metadata().ID
	if color != hiveconfig.ColorSingle {
		info.RolloutColor = string(color)
	}
	return r.sup.hookExec.Run(r.ctx, r.svc.Hooks.Bucket(event), info)
}

// instanceEnv returns the merged env snapshot recorded when color's
// instance started, so hooks targeting it see the same environment the
// instance itself runs with.
func (r *rolloutContext) instanceEnv(color hiveconfig.Color) map[string]string {
	inst := r.sup.getInstance(r.svc.FQN(), color)
	if inst == nil {
		return nil
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.env
}

var _ plugin.RolloutContext = (*rolloutContext)(nil)

// strategyFor resolves the Rollout plugin implementing svc's configured
// strategy through the plugin registry (spec §4.2: the core holds
// plugin handles, never concrete types), defaulting to "recreate" when
// unset (spec §3 Service: rollout_spec is required only when
// proxy/health are present; when present but silent on strategy,
// recreate is the simpler default) and falling back to the built-in
// implementation if nothing was registered under that id.
func (s *Supervisor) strategyFor(svc *hiveconfig.Service) plugin.Rollout {
	id := string(hiveconfig.RolloutRecreate)
	if svc.Rollout != nil && svc.Rollout.Strategy != "" {
		id = string(svc.Rollout.Strategy)
	}
	if p, ok := s.plugins.RolloutPlugin(id); ok {
		return p
	}
	if id == string(hiveconfig.RolloutBlueGreen) {
		return rollout.BlueGreen{}
	}
	return rollout.Recreate{}
}

// DeployOne drives a redeploy of an already-registered service through
// its configured rollout strategy (spec §4.6 C6), used by the control
// plane for `up <fqn>` against a running service and by `restart <fqn>`
// when the service is blue-green (a plain in-place restart would cause
// a visible gap; the rollout FSM keeps traffic flowing throughout).
// Unlike startOne, this requires the service to already have a live
// instance under its active color — it is not the initial bring-up.
func (s *Supervisor) DeployOne(ctx context.Context, fqn hiveconfig.FQN) error {
	svc, ok := s.registry.Service(fqn)
	if !ok {
		return hiveerr.ServiceNotFound(string(fqn))
	}
	if svc.Rollout == nil {
		// No blue-green ports to straddle: a plain in-place stop then
		// start is the whole "rollout" a service without one gets.
		color := s.table.ActiveColor(fqn)
		if inst := s.getInstance(fqn, color); inst != nil {
			if runner, ok := s.plugins.Runner(svc.Runner.Plugin); ok {
				_ = runner.Stop(ctx, inst.handle)
			}
			s.deleteInstance(fqn, color)
		}
		return s.startOne(ctx, fqn)
	}

	rc := &rolloutContext{ctx: ctx, sup: s, svc: svc}
	strategy := s.strategyFor(svc)

	if err := s.rolloutC.Run(rc, strategy, svc.Rollout); err != nil {
		s.board.set(fqn, func(st *Status) {
			st.State = StateDegraded
			st.LastError = err.Error()
			st.RolloutState = s.rolloutState(fqn)
		})
		s.emit(ctx, "rollout_failed", fqn, map[string]any{"strategy": strategy.Metadata().ID, "error": err.Error()})
		return err
	}
	s.emit(ctx, "rollout_completed", fqn, map[string]any{"strategy": strategy.Metadata().ID, "active_color": string(s.table.ActiveColor(fqn))})

	s.publishRoutes(svc)
	s.board.set(fqn, func(st *Status) {
		st.State = StateReady
		st.Healthy = true
		st.ActiveColor = s.table.ActiveColor(fqn)
		st.RolloutState = s.rolloutState(fqn)
	})
	s.recordSnapshot(svc)
	s.mu.Lock()
	if t := s.trackers[fqn]; t != nil {
		t.RecordReady(time.Now())
	}
	s.mu.Unlock()
	return nil
}

// rolloutState exposes the rollout controller's current FSM state for
// fqn, surfaced on the control plane's status output (spec §4.8).
func (s *Supervisor) rolloutState(fqn hiveconfig.FQN) rollout.State {
	return s.rolloutC.State(fqn)
}
