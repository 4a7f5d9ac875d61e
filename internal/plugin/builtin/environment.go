package builtin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hiveorch/hive/internal/plugin"
)

// StaticEnvironment is the default Environment plugin: it loads the
// `vars` map given in its config verbatim and never refreshes (spec
// §4.2: Environment.refresh is optional).
type StaticEnvironment struct{}

func (StaticEnvironment) Metadata() plugin.Metadata {
	return plugin.Metadata{ID: "static", Version: "1.0.0"}
}
func (StaticEnvironment) Init(defaults map[string]any) error { return nil }

func (StaticEnvironment) Load(ctx context.Context, cfg map[string]any) (map[string]string, error) {
	return toStringMap(cfg["vars"]), nil
}

func (StaticEnvironment) Refresh(ctx context.Context, cfg map[string]any) (map[string]string, error) {
	return toStringMap(cfg["vars"]), nil
}

func toStringMap(v any) map[string]string {
	raw, ok := v.(map[string]any)
	if !ok {
		return map[string]string{}
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		out[k] = fmt.Sprintf("%v", val)
	}
	return out
}

// RefreshScheduler runs periodic environment refresh jobs on a cron
// schedule (`environment.refresh_interval`, default 5m) with
// github.com/robfig/cron/v3. The supervisor schedules one job per
// running service whose env carries plugin-backed values; the job
// re-reads the service's secret-store leases so hooks and the next
// deploy see rotated values without restarting the instance.
type RefreshScheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	onError func(fqn string, err error)
}

// NewRefreshScheduler builds a scheduler; call Start to begin running.
func NewRefreshScheduler(onError func(fqn string, err error)) *RefreshScheduler {
	return &RefreshScheduler{
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
		onError: onError,
	}
}

// Schedule registers (replacing any prior registration) the periodic
// refresh job for fqn, running every `every` via cron's @every syntax.
func (s *RefreshScheduler) Schedule(fqn string, every time.Duration, job func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[fqn]; ok {
		s.cron.Remove(id)
	}
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", every), func() {
		if err := job(context.Background()); err != nil && s.onError != nil {
			s.onError(fqn, err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule refresh for %s: %w", fqn, err)
	}
	s.entries[fqn] = id
	return nil
}

// Unschedule drops fqn's refresh job, if any; the supervisor calls it
// when the service stops.
func (s *RefreshScheduler) Unschedule(fqn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[fqn]; ok {
		s.cron.Remove(id)
		delete(s.entries, fqn)
	}
}

func (s *RefreshScheduler) Start() { s.cron.Start() }
func (s *RefreshScheduler) Stop()  { <-s.cron.Stop().Done() }
