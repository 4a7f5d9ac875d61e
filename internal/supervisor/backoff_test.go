package supervisor

import (
	"testing"
	"time"
)

func TestNextBackoffFollowsScheduleThenCaps(t *testing.T) {
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, backoffCap, backoffCap}
	for i, w := range want {
		if got := nextBackoff(i); got != w {
			t.Errorf("nextBackoff(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestRestartTrackerTripsCrashLoopAfterThreshold(t *testing.T) {
	tr := newRestartTracker()
	now := time.Now()

	var crashLooping bool
	for i := 0; i < crashLoopThreshold; i++ {
		_, crashLooping = tr.NextRestart(now.Add(time.Duration(i) * time.Second))
	}
	if !crashLooping {
		t.Fatal("expected crash-loop to trip after threshold restarts within the window")
	}
}

func TestRestartTrackerDoesNotTripAcrossWideWindow(t *testing.T) {
	tr := newRestartTracker()
	now := time.Now()

	var crashLooping bool
	for i := 0; i < crashLoopThreshold; i++ {
		_, crashLooping = tr.NextRestart(now.Add(time.Duration(i) * crashLoopWindow * 2))
	}
	if crashLooping {
		t.Fatal("restarts spread far apart should not trip crash-loop detection")
	}
}

func TestCrashLoopProbeWaitsOutCooldown(t *testing.T) {
	tr := newRestartTracker()
	now := time.Now()

	for i := 0; i < crashLoopThreshold; i++ {
		tr.NextRestart(now)
	}
	if !tr.IsCrashLooping() {
		t.Fatal("expected the breaker to be open")
	}
	if tr.BeginProbe(now.Add(crashLoopCooldown - time.Second)) {
		t.Fatal("probe must not begin before the cool-down elapses")
	}
	if !tr.BeginProbe(now.Add(crashLoopCooldown + time.Second)) {
		t.Fatal("expected a half-open probe once the cool-down elapsed")
	}
	if tr.BeginProbe(now.Add(crashLoopCooldown + 2*time.Second)) {
		t.Fatal("only one probe may run at a time")
	}
}

func TestCrashLoopProbeFailureReopensBreaker(t *testing.T) {
	tr := newRestartTracker()
	now := time.Now()

	for i := 0; i < crashLoopThreshold; i++ {
		tr.NextRestart(now)
	}
	probeAt := now.Add(crashLoopCooldown + time.Second)
	if !tr.BeginProbe(probeAt) {
		t.Fatal("expected the probe to begin")
	}

	// The probe instance dying reopens the breaker with a fresh
	// cool-down clock.
	if _, crashLooping := tr.NextRestart(probeAt.Add(time.Second)); !crashLooping {
		t.Fatal("a failed probe must leave the breaker open")
	}
	if tr.BeginProbe(probeAt.Add(2 * time.Second)) {
		t.Fatal("the cool-down must restart after a failed probe")
	}
	if !tr.BeginProbe(probeAt.Add(time.Second + crashLoopCooldown + time.Second)) {
		t.Fatal("expected another probe after the fresh cool-down")
	}
}

func TestCrashLoopBreakerClosesAfterSustainedReady(t *testing.T) {
	tr := newRestartTracker()
	now := time.Now()

	for i := 0; i < crashLoopThreshold; i++ {
		tr.NextRestart(now)
	}
	if !tr.BeginProbe(now.Add(crashLoopCooldown)) {
		t.Fatal("expected the probe to begin")
	}

	// The probe stays Ready past the reset window: breaker closes.
	readyAt := now.Add(crashLoopCooldown + time.Second)
	tr.RecordReady(readyAt)
	tr.MaybeResetOnReadyFor(readyAt.Add(backoffResetAfter + time.Second))
	if tr.IsCrashLooping() {
		t.Fatal("a sustained-Ready probe must close the breaker")
	}
	if tr.RestartCount() != 0 {
		t.Errorf("expected the backoff counter cleared, got %d", tr.RestartCount())
	}
}

func TestRestartTrackerResetsAfterSustainedReady(t *testing.T) {
	tr := newRestartTracker()
	now := time.Now()

	tr.NextRestart(now)
	tr.RecordReady(now)
	tr.MaybeResetOnReadyFor(now.Add(backoffResetAfter + time.Second))

	if tr.RestartCount() != 0 {
		t.Errorf("expected restart count reset to 0, got %d", tr.RestartCount())
	}
}
