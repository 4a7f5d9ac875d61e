package plugin

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Registry holds loaded plugin handles by capability and stable id,
// generalizing the teacher's ServiceModule Registry
// (system/core/registry.go) from "one module per name" to "one handle
// per (capability, id)" since a single plugin binary can implement
// several traits (e.g. a runner that also supports hooks).
//
// Resolution order (spec §4.2): built-in table, then installed
// directory, then auto-install from registry unless
// HIVE_AUTO_INSTALL=false. Binary lookup, checksum verification, and
// FFI loading belong to an external plugin host (spec §1 Non-goals);
// Registry only holds pre-validated capability handles keyed by id.
type Registry struct {
	mu       sync.RWMutex
	runners  map[string]Runner
	healths  map[string]Health
	envs     map[string]Environment
	rollouts map[string]Rollout
	mws      map[string]ProxyMiddleware
	sinks    map[string]ObservabilitySink

	autoInstall bool
}

// NewRegistry builds an empty plugin registry. autoInstall mirrors
// HIVE_AUTO_INSTALL (default true).
func NewRegistry() *Registry {
	return &Registry{
		runners:  make(map[string]Runner),
		healths:  make(map[string]Health),
		envs:     make(map[string]Environment),
		rollouts: make(map[string]Rollout),
		mws:      make(map[string]ProxyMiddleware),
		sinks:    make(map[string]ObservabilitySink),

		autoInstall: autoInstallFromEnv(),
	}
}

func autoInstallFromEnv() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv("HIVE_AUTO_INSTALL")))
	return v != "false" && v != "0"
}

// AutoInstall reports whether plugin auto-install is enabled.
func (r *Registry) AutoInstall() bool { return r.autoInstall }

func (r *Registry) RegisterRunner(id string, p Runner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runners[id]; exists {
		return fmt.Errorf("runner plugin %q already registered", id)
	}
	r.runners[id] = p
	return nil
}

func (r *Registry) Runner(id string) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.runners[id]
	return p, ok
}

func (r *Registry) RegisterHealth(id string, p Health) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.healths[id]; exists {
		return fmt.Errorf("health plugin %q already registered", id)
	}
	r.healths[id] = p
	return nil
}

func (r *Registry) Health(id string) (Health, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.healths[id]
	return p, ok
}

func (r *Registry) RegisterEnvironment(id string, p Environment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.envs[id]; exists {
		return fmt.Errorf("environment plugin %q already registered", id)
	}
	r.envs[id] = p
	return nil
}

func (r *Registry) Environment(id string) (Environment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.envs[id]
	return p, ok
}

func (r *Registry) RegisterRollout(id string, p Rollout) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rollouts[id]; exists {
		return fmt.Errorf("rollout plugin %q already registered", id)
	}
	r.rollouts[id] = p
	return nil
}

func (r *Registry) RolloutPlugin(id string) (Rollout, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.rollouts[id]
	return p, ok
}

func (r *Registry) RegisterMiddleware(id string, p ProxyMiddleware) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.mws[id]; exists {
		return fmt.Errorf("middleware plugin %q already registered", id)
	}
	r.mws[id] = p
	return nil
}

func (r *Registry) Middleware(id string) (ProxyMiddleware, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.mws[id]
	return p, ok
}

// MiddlewareChain resolves an ordered list of middleware ids to their
// handles, skipping any not found (an unresolvable plugin with
// auto-install disabled is a load-time concern handled by the external
// plugin host, not the core's dispatch path).
func (r *Registry) MiddlewareChain(ids []string) []ProxyMiddleware {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProxyMiddleware, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.mws[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) RegisterSink(id string, p ObservabilitySink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sinks[id]; exists {
		return fmt.Errorf("observability sink %q already registered", id)
	}
	r.sinks[id] = p
	return nil
}

// Sinks returns every registered observability sink.
func (r *Registry) Sinks() []ObservabilitySink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ObservabilitySink, 0, len(r.sinks))
	for _, s := range r.sinks {
		out = append(out, s)
	}
	return out
}
