// Package rollout implements the built-in deploy strategies (spec
// §4.6 C6): Recreate and Blue-Green, each a small state machine driven
// step by step through a RolloutContext the supervisor implements.
// Both controllers satisfy plugin.Rollout so a custom strategy plugin
// can be swapped in without the supervisor knowing the difference,
// mirroring the teacher's LifecycleManager
// (system/core/lifecycle.go) driving arbitrary ServiceModules through
// Start/Stop without caring what each one does internally.
package rollout

import (
	"fmt"
	"time"

	"github.com/hiveorch/hive/internal/hiveconfig"
	"github.com/hiveorch/hive/internal/plugin"
)

// State names one point in a rollout's progress, surfaced to the
// control plane's status output (spec §4.6, §4.8 `hivectl status`).
type State string

const (
	StateIdle              State = "Idle"
	StateStoppingOld       State = "StoppingOld"
	StatePreparing         State = "Preparing"
	StateStarting          State = "Starting"
	StateWaitingHealthy    State = "WaitingHealthy"
	StatePostUp            State = "PostUp"
	StateRegistering       State = "Registering"
	StateStartingAlt       State = "StartingAlt"
	StateWaitingHealthyAlt State = "WaitingHealthyAlt"
	StateHoldHealthy       State = "HoldHealthy"
	StatePostUpAlt         State = "PostUpAlt"
	StateSwitching         State = "Switching"
	StateReady             State = "Ready"
	StateFailed            State = "Failed"
	StateRolledBack        State = "RolledBack"
)

// Recreate implements the spec §4.6 Recreate strategy. The Controller
// reports its progress as Idle -> StoppingOld -> Starting ->
// WaitingHealthy -> PostUp -> Ready; Preparing and Registering are not
// entered as separate states.
type Recreate struct{}

func (Recreate) Metadata() plugin.Metadata          { return plugin.Metadata{ID: "recreate", Version: "1.0.0"} }
func (Recreate) Init(defaults map[string]any) error { return nil }

func (Recreate) Plan(cfg *hiveconfig.RolloutSpec, active hiveconfig.Color) ([]plugin.RolloutStep, error) {
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return []plugin.RolloutStep{
		{Kind: plugin.StepStop, To: hiveconfig.ColorSingle},
		{Kind: plugin.StepStart, To: hiveconfig.ColorSingle},
		{Kind: plugin.StepWaitHealthy, To: hiveconfig.ColorSingle, Timeout: timeout},
	}, nil
}

func (Recreate) ExecuteStep(ctx plugin.RolloutContext, step plugin.RolloutStep) error {
	switch step.Kind {
	case plugin.StepStop:
		return ctx.StopInstance(step.To)
	case plugin.StepStart:
		return ctx.StartInstance(step.To)
	case plugin.StepWaitHealthy:
		return ctx.WaitHealthy(step.To, step.Timeout)
	default:
		return nil
	}
}

// Rollback for Recreate has nothing to revert to: the old instance is
// already stopped by the time a failure can occur, so recreate's
// on_failure is necessarily "abort" regardless of configuration (spec
// §4.6 note).
func (Recreate) Rollback(ctx plugin.RolloutContext) error { return nil }

// BlueGreen implements the spec §4.6 Blue-Green FSM:
// StartingAlt -> WaitingHealthy(alt) -> HoldHealthy -> PostUpAlt -> Switching -> StoppingOld -> Ready.
// The active color changes only at the Switching step (spec §4.6
// invariant), enforced here by SwitchTraffic being the one step kind
// that calls into the route table's color atomic.
type BlueGreen struct{}

func (BlueGreen) Metadata() plugin.Metadata {
	return plugin.Metadata{ID: "blue-green", Version: "1.0.0"}
}
func (BlueGreen) Init(defaults map[string]any) error { return nil }

// opposite returns the other blue-green slot; anything that isn't
// literally "green" (including the zero value and ColorSingle, which a
// service never deployed under blue-green yet would report) is treated
// as blue, so a first-ever blue-green deploy targets green.
func opposite(c hiveconfig.Color) hiveconfig.Color {
	if c == hiveconfig.ColorGreen {
		return hiveconfig.ColorBlue
	}
	return hiveconfig.ColorGreen
}

// Plan builds the step list for switching from the currently active
// color to its opposite (spec §4.6: "Starting from Ready(active=X)
// where X ∈ {blue, green}"). active is whatever RolloutContext.ActiveColor
// reports at the moment the deploy is requested, so the same plan
// works for either direction and for repeated deploys.
func (BlueGreen) Plan(cfg *hiveconfig.RolloutSpec, active hiveconfig.Color) ([]plugin.RolloutStep, error) {
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	hold := cfg.HealthyFor.Std()
	if hold <= 0 {
		hold = 5 * time.Second
	}
	from := active
	if from == "" || from == hiveconfig.ColorSingle {
		from = hiveconfig.ColorBlue
	}
	alt := opposite(from)
	return []plugin.RolloutStep{
		{Kind: plugin.StepStart, To: alt},
		{Kind: plugin.StepWaitHealthy, To: alt, Timeout: timeout},
		{Kind: plugin.StepWait, To: alt, Wait: hold},
		{Kind: plugin.StepSwitchTraffic, From: from, To: alt},
		{Kind: plugin.StepStop, To: from},
	}, nil
}

func (BlueGreen) ExecuteStep(ctx plugin.RolloutContext, step plugin.RolloutStep) error {
	switch step.Kind {
	case plugin.StepStart:
		return ctx.StartInstance(step.To)
	case plugin.StepWaitHealthy:
		return ctx.WaitHealthy(step.To, step.Timeout)
	case plugin.StepWait:
		// HoldHealthy: the checks must stay healthy across the whole
		// window; any failure during the hold aborts the deploy with the
		// route table unchanged (spec §4.6 step 3).
		deadline := time.Now().Add(step.Wait)
		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil
			}
			slice := remaining
			if slice > time.Second {
				slice = time.Second
			}
			if err := ctx.WaitHealthy(step.To, slice); err != nil {
				return fmt.Errorf("health collapsed during hold: %w", err)
			}
			select {
			case <-time.After(slice):
			case <-ctx.Context().Done():
				return ctx.Context().Err()
			}
		}
	case plugin.StepSwitchTraffic:
		return ctx.SwitchTraffic(step.From, step.To)
	case plugin.StepStop:
		// The old color is drained and torn down with its down-bucket
		// hooks bracketing the stop (spec §4.6 step 6).
		_ = ctx.RunDownHooks(hiveconfig.HookPreDown, step.To)
		if err := ctx.StopInstance(step.To); err != nil {
			return err
		}
		_ = ctx.RunDownHooks(hiveconfig.HookPostDown, step.To)
		return nil
	default:
		return nil
	}
}

// Rollback stops the never-switched-to alt instance, leaving the
// currently-serving color untouched (spec §4.6: "on_failure=keep-old
// stops the alt instance and leaves the active color unchanged").
func (BlueGreen) Rollback(ctx plugin.RolloutContext) error {
	active := ctx.ActiveColor()
	if active == "" || active == hiveconfig.ColorSingle {
		active = hiveconfig.ColorBlue
	}
	return ctx.StopInstance(opposite(active))
}
