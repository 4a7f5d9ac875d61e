package rollout

import (
	"fmt"
	"sync"
	"time"

	"github.com/hiveorch/hive/internal/hiveconfig"
	"github.com/hiveorch/hive/internal/metrics"
	"github.com/hiveorch/hive/internal/obslog"
	"github.com/hiveorch/hive/internal/plugin"
)

// Controller drives one service's rollout plugin through its plan,
// tracking State for status reporting and applying the configured
// on_failure policy (spec §4.6: "abort" propagates the error up to the
// supervisor; the default behavior for blue-green is effectively
// keep-old since Rollback only ever touches the never-switched color).
type Controller struct {
	mu    sync.RWMutex
	state map[hiveconfig.FQN]State
	log   *obslog.Logger
	mx    *metrics.Metrics
}

func NewController(log *obslog.Logger) *Controller {
	return &Controller{state: make(map[hiveconfig.FQN]State), log: log}
}

// WithMetrics attaches the Prometheus collectors the control plane's
// debug surface scrapes; nil is a safe no-op.
func (c *Controller) WithMetrics(m *metrics.Metrics) *Controller {
	c.mx = m
	return c
}

func (c *Controller) State(fqn hiveconfig.FQN) State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.state[fqn]; ok {
		return s
	}
	return StateIdle
}

func (c *Controller) setState(fqn hiveconfig.FQN, s State) {
	c.mu.Lock()
	c.state[fqn] = s
	c.mu.Unlock()
}

// Run executes strategy's plan against rc, recording state transitions
// as it goes. On step failure, it applies cfg.OnFailure: "abort" (and
// any Recreate failure, which has nothing to roll back to) returns the
// error immediately with state Failed; otherwise it calls strategy.Rollback
// and returns a wrapped error so the supervisor can mark the service
// Degraded rather than Failed (spec §4.6's distinction between a fatal
// rollout and a rollout that safely reverted).
func (c *Controller) Run(rc plugin.RolloutContext, strategy plugin.Rollout, cfg *hiveconfig.RolloutSpec) error {
	fqn := rc.FQN()
	start := time.Now()
	plan, err := strategy.Plan(cfg, rc.ActiveColor())
	if err != nil {
		return fmt.Errorf("plan rollout for %s: %w", fqn, err)
	}

	var lastColor hiveconfig.Color
	sawSwitch := false

	for _, step := range plan {
		// Post-up hooks run against the new (target) instance after it
		// is healthy but strictly before traffic moves (spec §4.6:
		// Recreate's WaitingHealthy -> PostUp -> Registering; Blue-
		// Green's HoldHealthy -> PostUpAlt -> Switching). SwitchTraffic
		// is the one step kind that only Blue-Green's plan ever emits,
		// so it is the natural insertion point for that strategy.
		if step.Kind == plugin.StepSwitchTraffic {
			sawSwitch = true
			if err := c.runPostUpHooks(rc, strategy, step.To); err != nil {
				return c.handlePostUpFailure(rc, strategy, cfg, err, step.To)
			}
		}

		state := stateForStep(strategy, step)
		c.setState(fqn, state)
		if c.log != nil {
			c.log.LogRolloutStep(string(fqn), strategyName(strategy), string(step.Kind), nil)
		}
		if c.mx != nil {
			c.mx.RolloutStepsTotal.WithLabelValues(string(fqn), strategyName(strategy), string(step.Kind)).Inc()
		}

		if err := strategy.ExecuteStep(rc, step); err != nil {
			if c.log != nil {
				c.log.LogRolloutStep(string(fqn), strategyName(strategy), string(step.Kind), err)
			}
			if c.mx != nil {
				c.mx.RolloutFailuresTotal.WithLabelValues(string(fqn), strategyName(strategy), string(step.Kind)).Inc()
			}
			return c.handleFailure(rc, strategy, cfg, err)
		}
		if step.To != "" {
			lastColor = step.To
		}
	}

	// Recreate's plan never carries a SwitchTraffic step (there is no
	// traffic to switch, only a single color to register), so its
	// PostUp hooks run once the whole plan's steps have succeeded,
	// immediately before Registering/Ready.
	if !sawSwitch {
		if err := c.runPostUpHooks(rc, strategy, lastColor); err != nil {
			return c.handlePostUpFailure(rc, strategy, cfg, err, lastColor)
		}
	}

	c.setState(fqn, StateReady)
	if c.mx != nil {
		c.mx.RolloutDuration.WithLabelValues(string(fqn), strategyName(strategy)).Observe(time.Since(start).Seconds())
	}
	return nil
}

func (c *Controller) runPostUpHooks(rc plugin.RolloutContext, strategy plugin.Rollout, color hiveconfig.Color) error {
	fqn := rc.FQN()
	state := StatePostUp
	if strategyName(strategy) == "blue-green" {
		state = StatePostUpAlt
	}
	c.setState(fqn, state)
	if c.log != nil {
		c.log.LogRolloutStep(string(fqn), strategyName(strategy), string(state), nil)
	}
	err := rc.RunPostUpHooks(color)
	if err != nil && c.log != nil {
		c.log.LogRolloutStep(string(fqn), strategyName(strategy), string(state), err)
	}
	return err
}

// handlePostUpFailure implements spec §4.6's PostUp/PostUpAlt abort
// path: the instance that just failed its post-up hooks is stopped and
// the rollout never reaches SwitchTraffic/Registering, so traffic (if
// any) stays on whatever was serving it before this rollout began.
// Recreate has no prior Ready state to fall back to, so its failure is
// always terminal regardless of on_failure (spec §4.6 note); Blue-Green
// keeps the old color serving unless on_failure=abort.
func (c *Controller) handlePostUpFailure(rc plugin.RolloutContext, strategy plugin.Rollout, cfg *hiveconfig.RolloutSpec, hookErr error, color hiveconfig.Color) error {
	fqn := rc.FQN()
	_ = rc.StopInstance(color)
	_ = strategy.Rollback(rc)

	if cfg.OnFailure == hiveconfig.OnFailureAbort || strategyName(strategy) == "recreate" {
		c.setState(fqn, StateFailed)
		return fmt.Errorf("post-up hooks for %s aborted rollout: %w", fqn, hookErr)
	}

	c.setState(fqn, StateRolledBack)
	return fmt.Errorf("post-up hooks for %s failed, rolled back: %w", fqn, hookErr)
}

func (c *Controller) handleFailure(rc plugin.RolloutContext, strategy plugin.Rollout, cfg *hiveconfig.RolloutSpec, stepErr error) error {
	fqn := rc.FQN()
	if cfg.OnFailure == hiveconfig.OnFailureAbort || strategyName(strategy) == "recreate" {
		c.setState(fqn, StateFailed)
		return fmt.Errorf("rollout for %s aborted: %w", fqn, stepErr)
	}

	if err := strategy.Rollback(rc); err != nil {
		c.setState(fqn, StateFailed)
		return fmt.Errorf("rollout for %s failed (%v) and rollback also failed: %w", fqn, stepErr, err)
	}

	c.setState(fqn, StateRolledBack)
	return fmt.Errorf("rollout for %s failed, rolled back: %w", fqn, stepErr)
}

func strategyName(r plugin.Rollout) string { return r.Metadata().ID }

func stateForStep(strategy plugin.Rollout, step plugin.RolloutStep) State {
	switch strategyName(strategy) {
	case "blue-green":
		switch step.Kind {
		case plugin.StepStart:
			return StateStartingAlt
		case plugin.StepWaitHealthy:
			return StateWaitingHealthyAlt
		case plugin.StepWait:
			return StateHoldHealthy
		case plugin.StepSwitchTraffic:
			return StateSwitching
		case plugin.StepStop:
			return StateStoppingOld
		}
	default:
		switch step.Kind {
		case plugin.StepStop:
			return StateStoppingOld
		case plugin.StepStart:
			return StateStarting
		case plugin.StepWaitHealthy:
			return StateWaitingHealthy
		}
	}
	return StatePreparing
}
