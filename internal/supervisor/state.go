// Package supervisor implements the per-service lifecycle state
// machine, dependency-ordered startup/shutdown, health monitoring, and
// restart backoff (spec §4.7 C7). Its ordering and module-health
// bookkeeping generalize the teacher's LifecycleManager/HealthMonitor
// (system/core/lifecycle.go, system/core/health.go) from a flat list of
// in-process ServiceModules to FQN-keyed services driven through
// plugin.Runner/Health/Rollout handles.
package supervisor

import (
	"sync"
	"time"

	"github.com/hiveorch/hive/internal/hiveconfig"
	"github.com/hiveorch/hive/internal/rollout"
)

// State names one point in a service's lifecycle (spec §4.7).
type State string

const (
	StatePending      State = "Pending"
	StateBlocked      State = "Blocked"
	StateBuilding     State = "Building"
	StateStarting     State = "Starting"
	StateReady        State = "Ready"
	StateDegraded     State = "Degraded"
	StateStopping     State = "Stopping"
	StateStopped      State = "Stopped"
	StateFailed       State = "Failed"
	StateCrashLooping State = "CrashLooping"
)

// Status is the point-in-time snapshot of one service's supervision
// state, surfaced by the control plane's status command (spec §4.8).
type Status struct {
	FQN          hiveconfig.FQN
	State        State
	Healthy      bool
	LastError    string
	StartedAt    time.Time
	RestartCount int
	ActiveColor  hiveconfig.Color
	RolloutState rollout.State
}

// statusBoard is the thread-safe map of FQN to Status, generalizing the
// teacher's HealthMonitor from module-name keys and a fixed status enum
// to FQN keys and the richer lifecycle State above.
type statusBoard struct {
	mu   sync.RWMutex
	data map[hiveconfig.FQN]*Status
}

func newStatusBoard() *statusBoard {
	return &statusBoard{data: make(map[hiveconfig.FQN]*Status)}
}

func (b *statusBoard) set(fqn hiveconfig.FQN, mutate func(*Status)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.data[fqn]
	if !ok {
		s = &Status{FQN: fqn, State: StatePending}
		b.data[fqn] = s
	}
	mutate(s)
}

func (b *statusBoard) get(fqn hiveconfig.FQN) (Status, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.data[fqn]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

func (b *statusBoard) all() []Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Status, 0, len(b.data))
	for _, s := range b.data {
		out = append(out, *s)
	}
	return out
}
