package supervisor

import (
	"context"
	"time"

	"github.com/hiveorch/hive/internal/hiveconfig"
	"github.com/hiveorch/hive/internal/plugin"
)

// runHealthLoop monitors one Ready service: liveness via the runner
// (an unexpected exit drives the restart policy, spec §4.7) and the
// configured health checks (which mark the service Degraded after
// `retries` consecutive failures of any one check, but never restart
// it by themselves — restart is driven only by the runner reporting
// exit).
func (s *Supervisor) runHealthLoop(ctx context.Context, fqn hiveconfig.FQN) {
	svc, ok := s.registry.Service(fqn)
	if !ok {
		return
	}

	interval := 5 * time.Second
	if len(svc.Health) > 0 {
		interval = shortestInterval(svc.Health)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := make([]int, len(svc.Health))
	// readySince marks when the current all-healthy streak began; any
	// failing check ends the streak.
	var readySince time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		activeColor := s.table.ActiveColor(fqn)
		inst := s.getInstance(fqn, activeColor)
		if inst == nil {
			return
		}
		inst.mu.Lock()
		stopped := inst.manualStop
		handle := inst.handle
		inst.mu.Unlock()
		if stopped {
			return
		}

		if runner, ok := s.plugins.Runner(svc.Runner.Plugin); ok {
			if !runner.IsRunning(ctx, handle) {
				s.onExit(ctx, svc, exitCodeOf(handle))
				return
			}
		}

		rc := plugin.RuntimeContext{FQN: fqn, Color: activeColor, Ports: portsForColor(svc, activeColor)}

		allHealthy := true
		for i, hc := range svc.Health {
			checker, ok := s.plugins.Health(hc.Kind)
			if !ok {
				continue
			}
			result, err := checker.Check(ctx, hc, rc)
			healthy := err == nil && result.Healthy
			if healthy {
				failures[i] = 0
			} else {
				failures[i]++
				allHealthy = false
			}

			retries := hc.Retries
			if retries <= 0 {
				retries = 3
			}
			if failures[i] >= retries {
				s.onDegraded(ctx, svc, result.Message)
			}
		}

		if !allHealthy {
			readySince = time.Time{}
		}
		if allHealthy && len(svc.Health) > 0 {
			if readySince.IsZero() {
				readySince = time.Now()
			}
			var wasDegraded bool
			s.board.set(fqn, func(st *Status) {
				wasDegraded = !st.Healthy
				st.Healthy = true
				if st.State == StateDegraded {
					st.State = StateReady
				}
			})
			if wasDegraded {
				if s.log != nil {
					s.log.LogHealthChange(string(fqn), true, "")
				}
				s.emit(ctx, "health_changed", fqn, map[string]any{"healthy": true})
			}
			s.mu.Lock()
			if t := s.trackers[fqn]; t != nil {
				t.RecordReady(readySince)
				t.MaybeResetOnReadyFor(time.Now())
			}
			s.mu.Unlock()
		}
	}
}

func shortestInterval(checks []hiveconfig.HealthSpec) time.Duration {
	shortest := 10 * time.Second
	found := false
	for _, c := range checks {
		if d := c.Interval.Std(); d > 0 && (!found || d < shortest) {
			shortest = d
			found = true
		}
	}
	return shortest
}

// exitCodeOf asks the handle for its recorded exit code when the
// runner's concrete handle exposes one; -1 (treated as failure by the
// restart policy) when it does not.
func exitCodeOf(h plugin.ProcessHandle) int {
	if ec, ok := h.(interface{ ExitCode() int }); ok {
		return ec.ExitCode()
	}
	return -1
}

// onDegraded marks svc Degraded and emits health_changed (spec §4.7:
// "Degraded does not by itself restart the instance").
func (s *Supervisor) onDegraded(ctx context.Context, svc *hiveconfig.Service, message string) {
	fqn := svc.FQN()

	var alreadyDegraded bool
	s.board.set(fqn, func(st *Status) {
		alreadyDegraded = st.State == StateDegraded || st.State == StateCrashLooping
		st.State = StateDegraded
		st.Healthy = false
		st.LastError = message
	})
	if alreadyDegraded {
		return
	}
	if s.log != nil {
		s.log.LogHealthChange(string(fqn), false, message)
	}
	s.emit(ctx, "health_changed", fqn, map[string]any{"healthy": false, "message": message})
	if s.mx != nil {
		s.mx.HealthCheckFailuresTotal.WithLabelValues(string(fqn)).Inc()
		s.mx.ObserveServiceState(string(fqn), string(StateDegraded), allStates)
	}
}

// onExit applies the restart policy to an unexpected runner exit (spec
// §4.7): never leaves the service Stopped/Failed, on-failure restarts
// only a non-zero exit, always/unless-stopped restart unconditionally,
// all with exponential backoff and crash-loop detection.
func (s *Supervisor) onExit(ctx context.Context, svc *hiveconfig.Service, exitCode int) {
	fqn := svc.FQN()
	s.emit(ctx, "service_exited", fqn, map[string]any{"exit_code": exitCode})

	restart := true
	switch svc.Restart {
	case hiveconfig.RestartNever:
		restart = false
	case hiveconfig.RestartOnFailure, "":
		restart = exitCode != 0
	}
	if !restart {
		s.board.set(fqn, func(st *Status) {
			if exitCode == 0 {
				st.State = StateStopped
			} else {
				st.State = StateFailed
				st.LastError = "exited with non-zero status"
			}
		})
		return
	}

	s.mu.Lock()
	tracker := s.trackers[fqn]
	s.mu.Unlock()
	if tracker == nil {
		return
	}

	delay, crashLooping := tracker.NextRestart(time.Now())
	if crashLooping {
		s.board.set(fqn, func(st *Status) { st.State = StateCrashLooping })
		if s.log != nil {
			s.log.WithFQN(string(fqn)).Error("service is crash-looping, restarts suspended until the cool-down probe")
		}
		s.emit(ctx, "crash_looping", fqn, nil)
		if s.mx != nil {
			s.mx.SupervisorCrashLoopsTotal.WithLabelValues(string(fqn)).Inc()
			s.mx.ObserveServiceState(string(fqn), string(StateCrashLooping), allStates)
		}
		go s.scheduleCrashLoopProbe(ctx, fqn, tracker)
		return
	}

	s.board.set(fqn, func(st *Status) {
		st.State = StateFailed
		st.RestartCount = tracker.RestartCount()
	})
	if s.mx != nil {
		s.mx.SupervisorRestartsTotal.WithLabelValues(string(fqn)).Inc()
	}

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		s.restart(ctx, fqn)
	}()
}

// scheduleCrashLoopProbe waits out the breaker cool-down and then makes
// the one half-open probing restart. A probe that stays Ready long
// enough closes the breaker through MaybeResetOnReadyFor; a probe that
// dies again reopens it with a fresh cool-down via NextRestart's
// half-open branch, which lands back here for the next probe.
func (s *Supervisor) scheduleCrashLoopProbe(ctx context.Context, fqn hiveconfig.FQN, tracker *restartTracker) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(crashLoopCooldown):
	}
	// A manual `down` in the meantime wins over the breaker.
	if st, ok := s.board.get(fqn); ok && (st.State == StateStopped || st.State == StateStopping) {
		return
	}
	if !tracker.BeginProbe(time.Now()) {
		return
	}
	if s.log != nil {
		s.log.WithFQN(string(fqn)).Info("crash-loop cool-down elapsed, probing with one restart")
	}
	s.emit(ctx, "crash_loop_probe", fqn, nil)
	s.restart(ctx, fqn)

	// A probe whose start fails outright (rather than exiting later)
	// never reaches the health loop, so the reopen has to happen here.
	if st, ok := s.board.get(fqn); !ok || st.State != StateReady {
		if _, again := tracker.NextRestart(time.Now()); again {
			s.board.set(fqn, func(st *Status) { st.State = StateCrashLooping })
			go s.scheduleCrashLoopProbe(ctx, fqn, tracker)
		}
	}
}

// restart stops and restarts one service's runner in place, preserving
// its current routes and ports (spec §4.7: "restart re-runs the start
// sequence without a full rollout").
func (s *Supervisor) restart(ctx context.Context, fqn hiveconfig.FQN) {
	svc, ok := s.registry.Service(fqn)
	if !ok {
		return
	}

	color := s.table.ActiveColor(fqn)
	inst := s.getInstance(fqn, color)
	if inst != nil {
		inst.mu.Lock()
		manual := inst.manualStop
		inst.mu.Unlock()
		if manual {
			return
		}
		if runner, ok := s.plugins.Runner(svc.Runner.Plugin); ok {
			_ = runner.Stop(ctx, inst.handle)
		}
		s.deleteInstance(fqn, color)
	}

	if err := s.startOne(ctx, fqn); err != nil {
		if s.log != nil {
			s.log.WithFQN(string(fqn)).WithError(err).Error("restart failed")
		}
		return
	}
	go s.runHealthLoop(ctx, fqn)
}
