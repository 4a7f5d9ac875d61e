package supervisor

import (
	"sync"
	"time"
)

// backoffSchedule is the spec §4.7 restart backoff: 1s, 2s, 4s, 8s,
// capped at 60s, reset after 60s of continuous Ready.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
}

const backoffCap = 60 * time.Second
const backoffResetAfter = 60 * time.Second

// nextBackoff returns the delay before the (attempt+1)th restart,
// attempt being the number of consecutive restarts already made.
func nextBackoff(attempt int) time.Duration {
	if attempt < len(backoffSchedule) {
		return backoffSchedule[attempt]
	}
	return backoffCap
}

// The crash-loop breaker is the teacher's CircuitBreaker
// (infrastructure/resilience/circuit_breaker.go) three-state machine
// keyed on restart cadence instead of call failures: closed is the
// normal restart/backoff path, open is CrashLooping with restarts
// suspended, and half-open grants exactly one probing restart once the
// cool-down has elapsed. crashLoopThreshold restarts within
// crashLoopWindow trip the breaker open; crashLoopCooldown gates the
// half-open probe.
const crashLoopThreshold = 5
const crashLoopCooldown = 2 * time.Minute

var crashLoopWindow = 5 * time.Minute

// restartTracker tracks one service's restart history, deciding backoff
// delay and breaker state.
type restartTracker struct {
	mu          sync.Mutex
	attempts    int
	history     []time.Time
	lastReadyAt time.Time
	crashLoop   bool
	halfOpen    bool
	openedAt    time.Time
}

func newRestartTracker() *restartTracker { return &restartTracker{} }

// RecordReady records when the service's current Ready streak began;
// MaybeResetOnReadyFor clears the consecutive-attempt counter once that
// streak has lasted backoffResetAfter (spec §4.7: "reset after 60s
// continuous Ready").
func (t *restartTracker) RecordReady(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastReadyAt = now
}

// MaybeResetOnReadyFor clears the backoff counter if the service has
// remained ready since lastReadyAt for at least backoffResetAfter.
func (t *restartTracker) MaybeResetOnReadyFor(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lastReadyAt.IsZero() && now.Sub(t.lastReadyAt) >= backoffResetAfter {
		t.attempts = 0
		t.history = nil
		t.crashLoop = false
		t.halfOpen = false
	}
}

// NextRestart records a new restart attempt and returns the backoff
// delay to wait before it, plus whether the service has now tripped
// into CrashLooping.
func (t *restartTracker) NextRestart(now time.Time) (delay time.Duration, crashLooping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.halfOpen {
		// The half-open probe died: reopen the breaker and restart the
		// cool-down clock before the next probe.
		t.halfOpen = false
		t.openedAt = now
		t.history = nil
		return nextBackoff(t.attempts), true
	}

	delay = nextBackoff(t.attempts)
	t.attempts++

	t.history = append(t.history, now)
	cutoff := now.Add(-crashLoopWindow)
	kept := t.history[:0]
	for _, ts := range t.history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.history = kept

	if len(t.history) >= crashLoopThreshold {
		if !t.crashLoop {
			t.openedAt = now
		}
		t.crashLoop = true
	}
	return delay, t.crashLoop
}

// BeginProbe moves an open breaker to half-open once the cool-down has
// elapsed, granting the caller exactly one probing restart. It reports
// false while the breaker is closed, already probing, or still cooling
// down.
func (t *restartTracker) BeginProbe(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.crashLoop || t.halfOpen {
		return false
	}
	if now.Sub(t.openedAt) < crashLoopCooldown {
		return false
	}
	t.halfOpen = true
	return true
}

func (t *restartTracker) RestartCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

func (t *restartTracker) IsCrashLooping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.crashLoop
}
