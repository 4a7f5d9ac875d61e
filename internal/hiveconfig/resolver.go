package hiveconfig

import (
	"context"
	"fmt"
	"os"

	"github.com/hiveorch/hive/internal/hiveerr"
)

// Resolver performs parse-time interpolation and validation over a
// loaded GlobalConfig, producing a Resolved document ready for the
// supervisor. Runtime template resolution ({{runtime...}}/{{uses...}})
// happens later, per instance start, and is not this type's job.
type Resolver struct {
	cache *PluginCache
}

// NewResolver builds a Resolver backed by the given parse-time plugins.
func NewResolver(plugins ...ParsePlugin) *Resolver {
	return &Resolver{cache: NewPluginCache(plugins...)}
}

// Cache exposes the resolver's parse-plugin cache so the supervisor can
// reuse it when merging environment plugin values at instance start.
func (r *Resolver) Cache() *PluginCache { return r.cache }

// Resolved is a fully parse-time-interpolated and validated source.
type Resolved struct {
	Source   Source
	Global   *GlobalConfig
	Services map[string]*Service // keyed by bare name
}

// Resolve interpolates `${plugin.key}` tokens in cfg and validates the
// result, returning a Resolved document or a ConfigError. The fields
// interpolated are service static env, health path and command, proxy
// host, expose vars, string runner config values, and the global static
// env; other fields are left as written.
func (r *Resolver) Resolve(ctx context.Context, src Source, cfg *GlobalConfig) (*Resolved, error) {
	services := make(map[string]*Service, len(cfg.Services))
	var missing []PluginVarRef

	for name, svc := range cfg.Services {
		svc.Source = src.Name
		if svc.Name == "" {
			svc.Name = name
		}
		if err := r.interpolateService(ctx, svc, &missing); err != nil {
			return nil, err
		}
		services[name] = svc
	}

	for k, v := range cfg.Environment.Static {
		cfg.Environment.Static[k] = r.sub(ctx, v, &missing)
	}

	if len(missing) > 0 {
		m := missing[0]
		return nil, hiveerr.UnresolvedVariable(m.Plugin, m.Key)
	}

	resolved := &Resolved{Source: src, Global: cfg, Services: services}
	if err := Validate(resolved); err != nil {
		return nil, err
	}
	return resolved, nil
}

func (r *Resolver) sub(ctx context.Context, s string, missing *[]PluginVarRef) string {
	out, miss := substituteParseTime(s, func(plugin, key string) (string, bool) {
		return r.cache.Resolve(ctx, plugin, key)
	})
	*missing = append(*missing, miss...)
	return out
}

func (r *Resolver) interpolateService(ctx context.Context, svc *Service, missing *[]PluginVarRef) error {
	for k, v := range svc.Env.Static {
		svc.Env.Static[k] = r.sub(ctx, v, missing)
	}
	for i := range svc.Health {
		svc.Health[i].Path = r.sub(ctx, svc.Health[i].Path, missing)
		svc.Health[i].Command = r.sub(ctx, svc.Health[i].Command, missing)
	}
	for i := range svc.Proxies {
		svc.Proxies[i].Host = r.sub(ctx, svc.Proxies[i].Host, missing)
	}
	if svc.Expose != nil {
		for k, v := range svc.Expose.Vars {
			svc.Expose.Vars[k] = r.sub(ctx, v, missing)
		}
	}
	for k, v := range svc.Runner.Config {
		if s, ok := v.(string); ok {
			svc.Runner.Config[k] = r.sub(ctx, s, missing)
		}
	}
	return nil
}

// MergedEnv computes the flat environment map for one instance start,
// applying the precedence from spec §4.1 (high to low): service static
// > service plugins (reverse declaration order) > global static >
// global plugins (reverse order) > process environment. usesVars are
// injected below service static and above service plugins.
func MergedEnv(ctx context.Context, global *GlobalConfig, svc *Service, usesVars map[string]string, cache *PluginCache) map[string]string {
	merged := make(map[string]string)

	for _, kv := range os.Environ() {
		k, v := splitEnvKV(kv)
		merged[k] = v
	}

	for i := len(global.Environment.Plugins) - 1; i >= 0; i-- {
		ref := global.Environment.Plugins[i]
		if v, ok := cache.Resolve(ctx, ref.Plugin, ref.Key); ok {
			merged[ref.Key] = v
		} else if ref.HasDefault {
			merged[ref.Key] = ref.Default
		}
	}

	for k, v := range global.Environment.Static {
		merged[k] = v
	}

	for i := len(svc.Env.Plugins) - 1; i >= 0; i-- {
		ref := svc.Env.Plugins[i]
		if v, ok := cache.Resolve(ctx, ref.Plugin, ref.Key); ok {
			merged[ref.Key] = v
		} else if ref.HasDefault {
			merged[ref.Key] = ref.Default
		}
	}

	for k, v := range usesVars {
		merged[k] = v
	}

	for k, v := range svc.Env.Static {
		merged[k] = v
	}

	return merged
}

func splitEnvKV(kv string) (string, string) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:]
		}
	}
	return kv, ""
}

// ResolveRuntimePort resolves a `{{runtime.port.X}}` or
// `{{uses.alias.port.X}}` template string against the instance's own
// port plan (target color) and the producer instances it depends on.
// Per spec §9, at instance start runtime templates resolve to the
// *target* color, never the currently-active one.
func ResolveRuntimePort(s string, fqn FQN, ownPorts map[string]int, usesPorts map[string]map[string]int) (string, error) {
	out, ok := substituteRuntime(s, func(ref runtimeRef) (string, bool) {
		switch ref.Scope {
		case "runtime":
			p, found := ownPorts[ref.Port]
			if !found {
				return "", false
			}
			return fmt.Sprintf("%d", p), true
		case "uses":
			ports, found := usesPorts[ref.Alias]
			if !found {
				return "", false
			}
			p, found := ports[ref.Port]
			if !found {
				return "", false
			}
			return fmt.Sprintf("%d", p), true
		default:
			return "", false
		}
	})
	if !ok {
		return "", hiveerr.UnresolvedRuntimeVariable(string(fqn), s)
	}
	return out, nil
}
