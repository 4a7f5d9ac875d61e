package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/hiveorch/hive/internal/hiveconfig"
	"github.com/hiveorch/hive/internal/hiveerr"
)

// EnvRefresher schedules periodic environment re-reads for running
// services (SPEC_FULL.md's secret-store refresh scheduling);
// builtin.RefreshScheduler is the cron-backed implementation.
type EnvRefresher interface {
	Schedule(fqn string, every time.Duration, job func(ctx context.Context) error) error
	Unschedule(fqn string)
}

// defaultEnvRefreshInterval applies when a service consumes
// plugin-backed env values but sets no environment.refresh_interval.
const defaultEnvRefreshInterval = 5 * time.Minute

// WithEnvRefresher attaches the refresh scheduler; nil disables
// periodic env re-reads.
func (s *Supervisor) WithEnvRefresher(r EnvRefresher) *Supervisor {
	s.envRefresher = r
	return s
}

// scheduleEnvRefresh registers the periodic secret-lease re-read for a
// service whose env (or whose source's global env) carries plugin
// references. Called once the service is Ready; Schedule replaces any
// prior registration, so restarts and redeploys are idempotent here.
func (s *Supervisor) scheduleEnvRefresh(svc *hiveconfig.Service) {
	if s.envRefresher == nil {
		return
	}
	refs := append([]hiveconfig.PluginVarRef{}, svc.Env.Plugins...)
	if global := s.registry.Global(svc.Source); global != nil {
		refs = append(refs, global.Environment.Plugins...)
	}
	if len(refs) == 0 {
		return
	}
	every := svc.Env.RefreshInterval.Std()
	if every <= 0 {
		every = defaultEnvRefreshInterval
	}
	fqn := string(svc.FQN())
	if err := s.envRefresher.Schedule(fqn, every, func(ctx context.Context) error {
		return s.refreshEnvPlugins(ctx, refs)
	}); err != nil && s.log != nil {
		s.log.WithFQN(fqn).WithError(err).Warn("failed to schedule environment refresh")
	}
}

// refreshEnvPlugins re-reads plugin-backed env values through the parse
// cache so hooks and the next deploy pick up rotated leases.
func (s *Supervisor) refreshEnvPlugins(ctx context.Context, refs []hiveconfig.PluginVarRef) error {
	cache := s.parseCache()
	var firstErr error
	for _, ref := range refs {
		cache.Invalidate(ref.Plugin, ref.Key)
		if _, ok := cache.Resolve(ctx, ref.Plugin, ref.Key); !ok && !ref.HasDefault && firstErr == nil {
			firstErr = fmt.Errorf("refresh %s.%s: value no longer resolvable", ref.Plugin, ref.Key)
		}
	}
	return firstErr
}

// WithEnvCache attaches the parse-plugin cache the config resolver
// used, so env plugin references resolve from the same memoized values
// at instance start; nil leaves the supervisor on an empty cache.
func (s *Supervisor) WithEnvCache(cache *hiveconfig.PluginCache) *Supervisor {
	s.envCache = cache
	return s
}

func (s *Supervisor) parseCache() *hiveconfig.PluginCache {
	if s.envCache == nil {
		s.envCache = hiveconfig.NewPluginCache()
	}
	return s.envCache
}

// usesContext gathers the cross-source inputs for one consumer start:
// the variables each producer's expose block injects (with the
// producer's own `{{runtime.port.X}}` templates resolved against its
// active instance, spec §3 Exposed Binding) and the per-alias port maps
// backing `{{uses.<alias>.port.<name>}}` templates.
func (s *Supervisor) usesContext(svc *hiveconfig.Service) (map[string]string, map[string]map[string]int, error) {
	if len(svc.Uses) == 0 {
		return nil, nil, nil
	}

	usesVars := make(map[string]string)
	usesPorts := make(map[string]map[string]int)

	for _, u := range svc.Uses {
		producerFQN, ok := s.registry.ExposeProducer(u.Expose)
		if !ok {
			return nil, nil, hiveerr.SchemaViolation("uses", fmt.Sprintf("%s uses unknown expose %q", svc.FQN(), u.Expose))
		}
		producer, ok := s.registry.Service(producerFQN)
		if !ok {
			return nil, nil, hiveerr.ServiceNotFound(string(producerFQN))
		}

		producerPorts := portsForColor(producer, s.table.ActiveColor(producerFQN))

		alias := u.Alias
		if alias == "" {
			alias = u.Expose
		}
		usesPorts[alias] = producerPorts

		if producer.Expose == nil {
			continue
		}
		for name, tmpl := range producer.Expose.Vars {
			value, err := hiveconfig.ResolveRuntimePort(tmpl, producerFQN, producerPorts, nil)
			if err != nil {
				return nil, nil, err
			}
			if remapped, ok := u.Remap[name]; ok {
				name = remapped
			}
			usesVars[name] = value
		}
	}
	return usesVars, usesPorts, nil
}

// resolveInstanceEnv computes the final flat environment for one
// instance start under the target color: precedence-merged per spec
// §4.1, then every `{{runtime...}}`/`{{uses...}}` template resolved
// against the target color's own ports and the producers' active ports
// (spec §9: at instance start, templates resolve to the target color).
func (s *Supervisor) resolveInstanceEnv(ctx context.Context, svc *hiveconfig.Service, color hiveconfig.Color) (map[string]string, map[string]map[string]int, error) {
	usesVars, usesPorts, err := s.usesContext(svc)
	if err != nil {
		return nil, nil, err
	}

	global := s.registry.Global(svc.Source)
	if global == nil {
		global = &hiveconfig.GlobalConfig{}
	}

	merged := hiveconfig.MergedEnv(ctx, global, svc, usesVars, s.parseCache())

	ownPorts := portsForColor(svc, color)
	for k, v := range merged {
		resolved, err := hiveconfig.ResolveRuntimePort(v, svc.FQN(), ownPorts, usesPorts)
		if err != nil {
			return nil, nil, err
		}
		merged[k] = resolved
	}
	return merged, usesPorts, nil
}

// resolveRunnerConfig resolves runtime templates inside the runner
// spec's string-valued fields (container port mappings, command lines)
// for one instance start; non-string values pass through untouched.
func resolveRunnerConfig(svc *hiveconfig.Service, ownPorts map[string]int, usesPorts map[string]map[string]int) (map[string]any, error) {
	if len(svc.Runner.Config) == 0 {
		return svc.Runner.Config, nil
	}
	out := make(map[string]any, len(svc.Runner.Config))
	for k, v := range svc.Runner.Config {
		str, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		resolved, err := hiveconfig.ResolveRuntimePort(str, svc.FQN(), ownPorts, usesPorts)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}
