package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"reflect"
	"sync"
	"time"

	"github.com/hiveorch/hive/internal/hiveconfig"
	"github.com/hiveorch/hive/internal/hiveerr"
	"github.com/hiveorch/hive/internal/hooks"
	"github.com/hiveorch/hive/internal/metrics"
	"github.com/hiveorch/hive/internal/obslog"
	"github.com/hiveorch/hive/internal/plugin"
	"github.com/hiveorch/hive/internal/rollout"
	"github.com/hiveorch/hive/internal/routetable"
)

// instance is everything the supervisor tracks for one running service,
// generalizing the teacher's per-module bookkeeping in
// LifecycleManager.started ([]ServiceModule) into a richer per-FQN
// record carrying the process handle and a manual-stop flag the health
// loop polls to know when to give up.
type instance struct {
	mu         sync.Mutex
	handle     plugin.ProcessHandle
	env        map[string]string // final merged env snapshot from start, inherited by down hooks
	manualStop bool
}

// instKey identifies one running instance: a service may have up to two
// concurrently live instances (blue and green) during a blue-green
// deploy (spec §3 Instance: "an instance is owned by exactly one
// service").
type instKey struct {
	fqn   hiveconfig.FQN
	color hiveconfig.Color
}

func (s *Supervisor) getInstance(fqn hiveconfig.FQN, color hiveconfig.Color) *instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instances[instKey{fqn, color}]
}

func (s *Supervisor) setInstance(fqn hiveconfig.FQN, color hiveconfig.Color, inst *instance) {
	s.mu.Lock()
	s.instances[instKey{fqn, color}] = inst
	s.mu.Unlock()
}

func (s *Supervisor) deleteInstance(fqn hiveconfig.FQN, color hiveconfig.Color) {
	s.mu.Lock()
	delete(s.instances, instKey{fqn, color})
	s.mu.Unlock()
}

// instanceColors returns every color fqn currently has a live instance
// under, used by stopOne to tear down both colors of a blue-green
// service on shutdown.
func (s *Supervisor) instanceColors(fqn hiveconfig.FQN) []hiveconfig.Color {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []hiveconfig.Color
	for k := range s.instances {
		if k.fqn == fqn {
			out = append(out, k.color)
		}
	}
	return out
}

// Supervisor owns every managed service's lifecycle FSM, dependency
// ordering, health monitoring, and restart policy (spec §4.7 C7).
type Supervisor struct {
	registry *hiveconfig.Registry
	plugins  *plugin.Registry
	table    *routetable.Table
	hookExec *hooks.Executor
	rolloutC *rollout.Controller
	log      *obslog.Logger

	board        *statusBoard
	mu           sync.Mutex
	instances    map[instKey]*instance
	trackers     map[hiveconfig.FQN]*restartTracker
	snapshots    map[hiveconfig.FQN]hiveconfig.Service
	sticky       map[hiveconfig.FQN]bool
	mx           *metrics.Metrics
	envCache     *hiveconfig.PluginCache
	envRefresher EnvRefresher
	events       EventPublisher
}

// EventPublisher is the observability bus the supervisor emits
// lifecycle events to (spec §4.7 step 4); controlplane.EventBus
// satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, e plugin.Event)
}

// WithEvents attaches the observability event bus; nil is a safe no-op.
func (s *Supervisor) WithEvents(pub EventPublisher) *Supervisor {
	s.events = pub
	return s
}

// SetStickyStops seeds the persisted `unless-stopped` manual-stop flags
// from the control plane store at daemon bootstrap (spec §4.7: "manual
// stop is sticky across daemon restarts").
func (s *Supervisor) SetStickyStops(fqns []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fqn := range fqns {
		s.sticky[hiveconfig.FQN(fqn)] = true
	}
}

func (s *Supervisor) stickyStopped(fqn hiveconfig.FQN) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sticky[fqn]
}

func (s *Supervisor) clearSticky(fqn hiveconfig.FQN) {
	s.mu.Lock()
	delete(s.sticky, fqn)
	s.mu.Unlock()
}

func (s *Supervisor) emit(ctx context.Context, kind string, fqn hiveconfig.FQN, fields map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, plugin.Event{
		Kind:      kind,
		FQN:       string(fqn),
		Timestamp: time.Now(),
		Fields:    fields,
	})
}

// WithMetrics attaches the Prometheus collectors the control plane's
// debug surface scrapes; nil is a safe no-op.
func (s *Supervisor) WithMetrics(m *metrics.Metrics) *Supervisor {
	s.mx = m
	s.rolloutC.WithMetrics(m)
	return s
}

// allStates lists every lifecycle State, used to zero out the
// hive_service_state_info gauge's other labels on each transition.
var allStates = []string{
	string(StatePending), string(StateBlocked), string(StateBuilding),
	string(StateStarting), string(StateReady), string(StateDegraded),
	string(StateStopping), string(StateStopped), string(StateFailed),
	string(StateCrashLooping),
}

func New(registry *hiveconfig.Registry, plugins *plugin.Registry, table *routetable.Table, hookExec *hooks.Executor, log *obslog.Logger) *Supervisor {
	return &Supervisor{
		registry:  registry,
		plugins:   plugins,
		table:     table,
		hookExec:  hookExec,
		rolloutC:  rollout.NewController(log),
		log:       log,
		board:     newStatusBoard(),
		instances: make(map[instKey]*instance),
		trackers:  make(map[hiveconfig.FQN]*restartTracker),
		snapshots: make(map[hiveconfig.FQN]hiveconfig.Service),
		sticky:    make(map[hiveconfig.FQN]bool),
	}
}

// recordSnapshot remembers the resolved config a successful start/deploy
// used, so a later `up <fqn>` can tell a genuine config change (spec §8:
// redeploy) from a repeat call with nothing changed (spec §8: no-op).
func (s *Supervisor) recordSnapshot(svc *hiveconfig.Service) {
	s.mu.Lock()
	s.snapshots[svc.FQN()] = *svc
	s.mu.Unlock()
}

// configChanged reports whether svc differs from the snapshot recorded
// at the last successful start/deploy. An fqn with no prior snapshot
// (never started) counts as changed.
func (s *Supervisor) configChanged(svc *hiveconfig.Service) bool {
	s.mu.Lock()
	prev, ok := s.snapshots[svc.FQN()]
	s.mu.Unlock()
	if !ok {
		return true
	}
	return !reflect.DeepEqual(prev, *svc)
}

// Status returns the current lifecycle status for fqn.
func (s *Supervisor) Status(fqn hiveconfig.FQN) (Status, bool) { return s.board.get(fqn) }

// Logs returns up to n trailing log lines from fqn's current instance,
// delegating to its Runner plugin (spec §4.2 Runner.logs, spec §4.8
// control plane `logs <fqn> [--follow] ...`). Follow-mode polling is
// the control plane's concern, not the supervisor's.
func (s *Supervisor) Logs(ctx context.Context, fqn hiveconfig.FQN, n int) ([]string, error) {
	svc, ok := s.registry.Service(fqn)
	if !ok {
		return nil, hiveerr.ServiceNotFound(string(fqn))
	}
	inst := s.getInstance(fqn, s.table.ActiveColor(fqn))
	if inst == nil {
		return nil, hiveerr.ServiceNotFound(string(fqn)).WithDetail("reason", "no running instance")
	}
	runner, ok := s.plugins.Runner(svc.Runner.Plugin)
	if !ok {
		return nil, hiveerr.RunnerStartFailed(string(fqn), fmt.Errorf("runner plugin %q not registered", svc.Runner.Plugin))
	}
	inst.mu.Lock()
	handle := inst.handle
	inst.mu.Unlock()
	return runner.Logs(ctx, handle, n)
}

// AllStatuses returns every tracked service's current status.
func (s *Supervisor) AllStatuses() []Status { return s.board.all() }

// StartOne brings up a single service out-of-band of a full StartAll
// pass (control plane `up <fqn>`), running its health loop once ready.
// An already-Ready service is left untouched only when its resolved
// config hasn't changed since its last start (spec §8: "up followed by
// up with no changes is a no-op — no restarts, no route churn"); a
// genuine config change instead goes through DeployOne's rollout FSM,
// not a second blind start.
func (s *Supervisor) StartOne(ctx context.Context, fqn hiveconfig.FQN) error {
	s.clearSticky(fqn)
	if st, ok := s.board.get(fqn); ok && st.State == StateReady {
		if svc, ok := s.registry.Service(fqn); ok && !s.configChanged(svc) {
			return nil
		}
		return s.DeployOne(ctx, fqn)
	}
	if s.dependencyBlocked(fqn, s.blockedSnapshot()) {
		return hiveerr.ServiceNotFound(string(fqn)).WithDetail("reason", "dependency not ready")
	}
	if err := s.startOne(ctx, fqn); err != nil {
		state := startFailureState(err)
		s.board.set(fqn, func(st *Status) { st.State = state; st.LastError = err.Error() })
		return err
	}
	if inst := s.getInstance(fqn, s.table.ActiveColor(fqn)); inst != nil {
		inst.mu.Lock()
		inst.manualStop = false
		inst.mu.Unlock()
	}
	go s.runHealthLoop(ctx, fqn)
	return nil
}

// StopOne tears down a single service out-of-band (control plane `down
// <fqn>`), marking it manually stopped so the health loop and restart
// policy leave it alone.
func (s *Supervisor) StopOne(ctx context.Context, fqn hiveconfig.FQN) {
	if svc, ok := s.registry.Service(fqn); ok && svc.Restart == hiveconfig.RestartUnlessStopped {
		s.mu.Lock()
		s.sticky[fqn] = true
		s.mu.Unlock()
	}
	s.stopOne(ctx, fqn)
}

// RestartOne restarts a single service (control plane `restart <fqn>`).
// A blue-green service that is currently Ready goes through its rollout
// FSM (spec §4.6) so traffic never sees a gap; everything else reuses
// the health-loop's in-place stop/start restart path.
func (s *Supervisor) RestartOne(ctx context.Context, fqn hiveconfig.FQN) {
	svc, ok := s.registry.Service(fqn)
	if ok && svc.Rollout != nil && svc.Rollout.Strategy == hiveconfig.RolloutBlueGreen {
		if st, ok := s.board.get(fqn); ok && st.State == StateReady {
			if err := s.DeployOne(ctx, fqn); err != nil && s.log != nil {
				s.log.WithFQN(string(fqn)).WithError(err).Error("blue-green restart failed")
			}
			return
		}
	}
	s.restart(ctx, fqn)
}

func (s *Supervisor) blockedSnapshot() map[hiveconfig.FQN]bool {
	blocked := make(map[hiveconfig.FQN]bool)
	for _, fqn := range s.registry.AllFQNs() {
		if st, ok := s.board.get(fqn); ok && (st.State == StateFailed || st.State == StateBlocked) {
			blocked[fqn] = true
		}
	}
	return blocked
}

// StartAll brings up every registered service in dependency order,
// running global pre-up/post-up hooks around the pass (spec §4.7: "the
// global pre-up/post-up hooks bracket the whole startup pass, not each
// service"). A service whose start fails leaves its dependents Blocked
// rather than aborting the whole pass, mirroring the teacher's
// LifecycleManager.Start which unwinds only what it already started on
// failure — generalized here to continuing past an unrelated branch
// instead of unwinding everything.
func (s *Supervisor) StartAll(ctx context.Context, globalHooks hiveconfig.Hooks) error {
	order, err := s.registry.Graph().ResolveOrder(s.registry.AllFQNs())
	if err != nil {
		return err
	}

	if s.hookExec != nil {
		if err := s.hookExec.Run(ctx, globalHooks.Bucket(hiveconfig.HookPreUp), hooks.RunInfo{Event: hiveconfig.HookPreUp}); err != nil {
			return fmt.Errorf("global pre-up hooks: %w", err)
		}
	}

	blocked := make(map[hiveconfig.FQN]bool)
	for _, fqn := range order {
		if st, ok := s.board.get(fqn); ok && st.State == StateReady {
			svc, ok := s.registry.Service(fqn)
			if ok && !s.configChanged(svc) {
				continue
			}
			if ok {
				if err := s.DeployOne(ctx, fqn); err != nil && s.log != nil {
					s.log.WithFQN(string(fqn)).WithError(err).Error("redeploy failed")
				}
			}
			continue
		}
		if s.stickyStopped(fqn) {
			// A manually stopped unless-stopped service stays down
			// across daemon restarts until an explicit `up` (spec §4.7).
			if svc, ok := s.registry.Service(fqn); ok && svc.Restart == hiveconfig.RestartUnlessStopped {
				s.board.set(fqn, func(st *Status) { st.State = StateStopped })
				continue
			}
		}
		if s.dependencyBlocked(fqn, blocked) {
			blocked[fqn] = true
			s.board.set(fqn, func(st *Status) { st.State = StateBlocked })
			continue
		}
		if err := s.startOne(ctx, fqn); err != nil {
			blocked[fqn] = true
			state := startFailureState(err)
			s.board.set(fqn, func(st *Status) {
				st.State = state
				st.LastError = err.Error()
			})
			if s.log != nil {
				s.log.WithFQN(string(fqn)).WithError(err).Error("start failed")
			}
			continue
		}
		go s.runHealthLoop(ctx, fqn)
	}

	if s.hookExec != nil {
		if err := s.hookExec.Run(ctx, globalHooks.Bucket(hiveconfig.HookPostUp), hooks.RunInfo{Event: hiveconfig.HookPostUp}); err != nil {
			return fmt.Errorf("global post-up hooks: %w", err)
		}
	}
	return nil
}

// startFailureState maps a start error to the lifecycle state it
// leaves the service in: a health-gate timeout means the instance is
// running but unwell (Degraded, never Ready, no routes installed);
// anything else means the start itself failed.
func startFailureState(err error) State {
	if hiveerr.Is(err, hiveerr.KindHealth) {
		return StateDegraded
	}
	return StateFailed
}

func (s *Supervisor) dependencyBlocked(fqn hiveconfig.FQN, blocked map[hiveconfig.FQN]bool) bool {
	if _, ok := s.registry.Service(fqn); !ok {
		return true
	}
	for _, dep := range s.registry.Graph().Get(fqn) {
		if blocked[dep] {
			return true
		}
	}
	return false
}

// startOne runs one service's build step (if any), pre-up hooks,
// starts its runner, waits for initial health, runs post-up hooks,
// and then publishes its routes (spec §4.7 start sequence).
func (s *Supervisor) startOne(ctx context.Context, fqn hiveconfig.FQN) error {
	svc, ok := s.registry.Service(fqn)
	if !ok {
		return hiveerr.ServiceNotFound(string(fqn))
	}

	s.board.set(fqn, func(st *Status) { st.State = StateStarting })
	s.emit(ctx, "lifecycle_transition", fqn, map[string]any{"state": string(StateStarting)})

	// A blue-green service's very first instance still has no "old"
	// color to roll from, so it is brought up directly on blue rather
	// than through the rollout FSM (spec §4.6 walkthrough starts from
	// an already-Ready Ready(active=X); DeployOne drives every
	// subsequent blue-green deploy through the real FSM).
	initialColor := hiveconfig.ColorSingle
	if svc.Rollout != nil && svc.Rollout.Strategy == hiveconfig.RolloutBlueGreen {
		initialColor = hiveconfig.ColorBlue
		// A crash-restart of an already-deployed blue-green service
		// reuses whichever color last served traffic instead of
		// resetting to blue, so restart never silently performs a
		// color switch (spec §4.7: "restart re-runs the start sequence
		// without a full rollout").
		if existing := s.table.ActiveColor(fqn); existing == hiveconfig.ColorBlue || existing == hiveconfig.ColorGreen {
			initialColor = existing
		}
	}

	env, usesPorts, err := s.resolveInstanceEnv(ctx, svc, initialColor)
	if err != nil {
		return err
	}

	if svc.Build != nil && s.shouldBuild(svc.Build) {
		s.board.set(fqn, func(st *Status) { st.State = StateBuilding })
		if err := s.runBuild(ctx, svc, env); err != nil {
			return hiveerr.BuildFailed(string(fqn), err)
		}
	}

	if s.hookExec != nil {
		info := hooks.RunInfo{Event: hiveconfig.HookPreUp, ServiceName: svc.Name, ServiceFQN: string(fqn), SourceName: svc.Source, ServiceEnv: env}
		if err := s.hookExec.Run(ctx, svc.Hooks.Bucket(hiveconfig.HookPreUp), info); err != nil {
			return hiveerr.PreUpAborted(string(fqn), err)
		}
	}

	runner, ok := s.plugins.Runner(svc.Runner.Plugin)
	if !ok {
		return hiveerr.RunnerStartFailed(string(fqn), fmt.Errorf("runner plugin %q not registered", svc.Runner.Plugin))
	}

	ports := portsForColor(svc, initialColor)
	resolvedCfg, err := resolveRunnerConfig(svc, ports, usesPorts)
	if err != nil {
		return err
	}
	rc := plugin.RuntimeContext{FQN: fqn, Color: initialColor, Ports: ports, Env: env}

	handle, err := runner.Start(ctx, svc, resolvedCfg, rc)
	if err != nil {
		return hiveerr.RunnerStartFailed(string(fqn), err)
	}

	s.setInstance(fqn, initialColor, &instance{handle: handle, env: env})
	s.mu.Lock()
	if _, ok := s.trackers[fqn]; !ok {
		s.trackers[fqn] = newRestartTracker()
	}
	s.mu.Unlock()

	if len(svc.Health) > 0 {
		if err := s.waitHealthy(ctx, svc, initialColor, 0); err != nil {
			return err
		}
	}

	// Post-up hooks run before route registration (spec §4.6:
	// WaitingHealthy -> PostUp -> Registering -> Ready), so an abort
	// never leaves routes pointing at an instance that failed its hooks.
	if s.hookExec != nil {
		info := hooks.RunInfo{Event: hiveconfig.HookPostUp, ServiceName: svc.Name, ServiceFQN: string(fqn), SourceName: svc.Source, ServiceEnv: env}
		if err := s.hookExec.Run(ctx, svc.Hooks.Bucket(hiveconfig.HookPostUp), info); err != nil {
			// First bring-up has no prior Ready state to fall back to
			// (spec §4.6): stop the new instance and fail the start.
			if inst := s.getInstance(fqn, initialColor); inst != nil {
				_ = runner.Stop(ctx, inst.handle)
				s.deleteInstance(fqn, initialColor)
			}
			return hiveerr.RolloutAborted(string(fqn), fmt.Sprintf("post-up hooks aborted start: %v", err))
		}
	}

	if svc.Rollout != nil && len(svc.Rollout.Ports) > 0 {
		s.table.SetPorts(fqn, svc.Rollout.Ports)
		s.table.SetActiveColor(fqn, initialColor)
	}
	s.publishRoutes(svc)

	s.board.set(fqn, func(st *Status) {
		st.State = StateReady
		st.Healthy = true
		st.StartedAt = time.Now()
		st.ActiveColor = initialColor
	})
	s.emit(ctx, "lifecycle_transition", fqn, map[string]any{"state": string(StateReady), "color": string(initialColor)})
	s.scheduleEnvRefresh(svc)
	s.recordSnapshot(svc)
	s.mu.Lock()
	if t := s.trackers[fqn]; t != nil {
		t.RecordReady(time.Now())
	}
	s.mu.Unlock()
	return nil
}

func portsForColor(svc *hiveconfig.Service, color hiveconfig.Color) map[string]int {
	out := make(map[string]int)
	if svc.Rollout == nil {
		return out
	}
	for _, p := range svc.Rollout.Ports {
		out[p.Name] = p.PortFor(color)
	}
	return out
}

func (s *Supervisor) publishRoutes(svc *hiveconfig.Service) {
	if len(svc.Proxies) == 0 {
		return
	}
	var routes []routetable.Route
	for _, p := range svc.Proxies {
		routes = append(routes, routetable.Route{
			Host:        p.Host,
			Path:        p.Path,
			FQN:         svc.FQN(),
			PortName:    p.Port,
			StripPrefix: p.StripPrefix,
		})
	}
	s.table.Publish(append(s.currentForeignRoutes(svc.FQN()), routes...))
}

// currentForeignRoutes preserves every route not owned by fqn, since
// Table.Publish installs a full replacement snapshot rather than
// patching it (spec §4.3: writers own the whole snapshot).
func (s *Supervisor) currentForeignRoutes(fqn hiveconfig.FQN) []routetable.Route {
	var kept []routetable.Route
	for _, other := range s.registry.AllFQNs() {
		if other == fqn {
			continue
		}
		svc, ok := s.registry.Service(other)
		if !ok {
			continue
		}
		for _, p := range svc.Proxies {
			kept = append(kept, routetable.Route{
				Host: p.Host, Path: p.Path, FQN: other, PortName: p.Port, StripPrefix: p.StripPrefix,
			})
		}
	}
	return kept
}

// waitHealthy polls svc's health checks for the given color until all
// are healthy or timeout elapses (spec §4.7: "wait up to timeout for
// ALL health checks to report healthy"). timeout<=0 falls back to each
// check's start_period plus a 30s grace window, matching the initial
// bring-up's historical behavior; rollout-driven deploys (§4.6) pass an
// explicit timeout from the rollout spec instead.
func (s *Supervisor) waitHealthy(ctx context.Context, svc *hiveconfig.Service, color hiveconfig.Color, timeout time.Duration) error {
	rc := plugin.RuntimeContext{FQN: svc.FQN(), Color: color, Ports: portsForColor(svc, color)}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	} else {
		deadline = time.Now().Add(30 * time.Second)
		for _, h := range svc.Health {
			if d := h.StartPeriod.Std(); d > 0 {
				deadline = time.Now().Add(d + 30*time.Second)
			}
		}
	}

	for {
		allHealthy := true
		for _, hc := range svc.Health {
			checker, ok := s.plugins.Health(hc.Kind)
			if !ok {
				return hiveerr.HealthTimeout(string(svc.FQN()), "checker not registered")
			}
			result, err := checker.Check(ctx, hc, rc)
			if err != nil || !result.Healthy {
				allHealthy = false
				break
			}
		}
		if allHealthy {
			return nil
		}
		if time.Now().After(deadline) {
			return hiveerr.HealthTimeout(string(svc.FQN()), deadline.String())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// shouldBuild reports whether a build step needs to run: "always"
// unconditionally, "missing" only when the declared output path does
// not yet exist (spec §4.7 build.when).
func (s *Supervisor) shouldBuild(b *hiveconfig.BuildSpec) bool {
	if b.When != "missing" || b.Output == "" {
		return true
	}
	_, err := os.Stat(b.Output)
	return err != nil
}

func (s *Supervisor) runBuild(ctx context.Context, svc *hiveconfig.Service, env map[string]string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", svc.Build.Command)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, out)
	}
	return nil
}

// StopAll tears down every service in reverse dependency order,
// bracketed by global pre-down/post-down hooks (spec §4.7 shutdown).
func (s *Supervisor) StopAll(ctx context.Context, globalHooks hiveconfig.Hooks) error {
	order, err := s.registry.Graph().ResolveOrder(s.registry.AllFQNs())
	if err != nil {
		order = s.registry.AllFQNs()
	}
	reversed := hiveconfig.Reverse(order)

	if s.hookExec != nil {
		_ = s.hookExec.Run(ctx, globalHooks.Bucket(hiveconfig.HookPreDown), hooks.RunInfo{Event: hiveconfig.HookPreDown})
	}

	for _, fqn := range reversed {
		s.stopOne(ctx, fqn)
	}

	if s.hookExec != nil {
		_ = s.hookExec.Run(ctx, globalHooks.Bucket(hiveconfig.HookPostDown), hooks.RunInfo{Event: hiveconfig.HookPostDown})
	}
	return nil
}

func (s *Supervisor) stopOne(ctx context.Context, fqn hiveconfig.FQN) {
	svc, ok := s.registry.Service(fqn)
	if !ok {
		return
	}
	s.board.set(fqn, func(st *Status) { st.State = StateStopping })
	s.emit(ctx, "lifecycle_transition", fqn, map[string]any{"state": string(StateStopping)})

	colors := s.instanceColors(fqn)
	if len(colors) == 0 {
		s.board.set(fqn, func(st *Status) { st.State = StateStopped })
		return
	}
	var svcEnv map[string]string
	for _, color := range colors {
		if inst := s.getInstance(fqn, color); inst != nil {
			inst.mu.Lock()
			inst.manualStop = true
			if svcEnv == nil {
				svcEnv = inst.env
			}
			inst.mu.Unlock()
		}
	}

	// Routes are withdrawn before any teardown begins (spec §4.7
	// shutdown order: withdraw routes, run pre-down, stop), so no
	// request is forwarded to an instance that is about to die.
	s.table.Withdraw(fqn)
	if s.envRefresher != nil {
		s.envRefresher.Unschedule(string(fqn))
	}

	if s.hookExec != nil {
		info := hooks.RunInfo{Event: hiveconfig.HookPreDown, ServiceName: svc.Name, ServiceFQN: string(fqn), SourceName: svc.Source, ServiceEnv: svcEnv}
		_ = s.hookExec.Run(ctx, svc.Hooks.Bucket(hiveconfig.HookPreDown), info)
	}

	// A blue-green service may have both colors live (a deploy in
	// flight, or simply two-colors-always-reserved per spec §5 port
	// ownership); shutdown tears down whichever instances exist.
	runner, hasRunner := s.plugins.Runner(svc.Runner.Plugin)
	for _, color := range colors {
		inst := s.getInstance(fqn, color)
		if inst == nil {
			continue
		}
		if hasRunner {
			_ = runner.Stop(ctx, inst.handle)
		}
		s.deleteInstance(fqn, color)
	}

	if s.hookExec != nil {
		info := hooks.RunInfo{Event: hiveconfig.HookPostDown, ServiceName: svc.Name, ServiceFQN: string(fqn), SourceName: svc.Source, ServiceEnv: svcEnv}
		_ = s.hookExec.Run(ctx, svc.Hooks.Bucket(hiveconfig.HookPostDown), info)
	}

	s.board.set(fqn, func(st *Status) { st.State = StateStopped })
	s.emit(ctx, "lifecycle_transition", fqn, map[string]any{"state": string(StateStopped)})
}
