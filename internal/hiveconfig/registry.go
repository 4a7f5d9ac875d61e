package hiveconfig

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/hiveorch/hive/internal/hiveerr"
)

// Registry holds every loaded Source and Service across the daemon's
// lifetime, enforcing the cross-source invariants spec §4.1 lists
// (unique (host,path) routes, unique expose names, uses referencing an
// existing expose with a verifying secret) and exposing the combined
// DependencyGraph the supervisor schedules against.
//
// It generalizes the teacher's Registry (system/core/registry.go),
// which held ServiceModule-by-name with a single global ordering, to
// the multi-source FQN-keyed model the daemon needs.
type Registry struct {
	mu       sync.RWMutex
	sources  map[string]Source
	globals  map[string]*GlobalConfig // per-source top-level config (env, hooks, proxy)
	services map[FQN]*Service
	routes   map[string]FQN // "host\x00path" -> owning FQN, for conflict detection
	exposes  map[string]FQN // expose name -> owning FQN
	graph    *DependencyGraph
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sources:  make(map[string]Source),
		globals:  make(map[string]*GlobalConfig),
		services: make(map[FQN]*Service),
		routes:   make(map[string]FQN),
		exposes:  make(map[string]FQN),
		graph:    NewDependencyGraph(),
	}
}

// Graph returns the registry's combined dependency graph.
func (r *Registry) Graph() *DependencyGraph { return r.graph }

// AddSource registers a resolved source's services, enforcing
// cross-source uniqueness. On any conflict, nothing from this source is
// installed (spec scenario 5: "the second source is not loaded; the
// first continues serving").
func (r *Registry) AddSource(src Source, resolved *Resolved) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	newRoutes := make(map[string]FQN)
	newExposes := make(map[string]FQN)

	for name, svc := range resolved.Services {
		fqn := Make(src.Name, name)

		for _, p := range svc.Proxies {
			key := p.Host + "\x00" + normalizePath(p.Path)
			if _, exists := r.routes[key]; exists {
				return hiveerr.Conflict("route", key)
			}
			if _, exists := newRoutes[key]; exists {
				return hiveerr.Conflict("route", key)
			}
			newRoutes[key] = fqn
		}

		if svc.Expose != nil {
			if _, exists := r.exposes[svc.Expose.Name]; exists {
				return hiveerr.Conflict("expose", svc.Expose.Name)
			}
			if _, exists := newExposes[svc.Expose.Name]; exists {
				return hiveerr.Conflict("expose", svc.Expose.Name)
			}
			newExposes[svc.Expose.Name] = fqn
		}
	}

	for name, svc := range resolved.Services {
		for _, u := range svc.Uses {
			producerFQN, ok := r.exposes[u.Expose]
			if !ok {
				producerFQN, ok = newExposes[u.Expose]
			}
			if !ok {
				return hiveerr.SchemaViolation("uses", fmt.Sprintf("%s:%s uses unknown expose %q", src.Name, name, u.Expose))
			}
			producer := r.services[producerFQN]
			if producer == nil {
				// producer is in the same batch; resolved.Services keys by bare name.
				for _, s := range resolved.Services {
					if Make(src.Name, s.Name) == producerFQN {
						producer = s
						break
					}
				}
			}
			if producer != nil && producer.Expose != nil && producer.Expose.SecretHash != "" {
				if u.Secret == "" {
					return hiveerr.SchemaViolation("uses.secret", fmt.Sprintf("%s requires a secret for expose %q", Make(src.Name, name), u.Expose))
				}
				if !VerifySecret(producer.Expose.SecretHash, u.Secret) {
					return hiveerr.SchemaViolation("uses.secret", fmt.Sprintf("%s secret does not match expose %q", Make(src.Name, name), u.Expose))
				}
			}
		}
	}

	for key, fqn := range newRoutes {
		r.routes[key] = fqn
	}
	for name, fqn := range newExposes {
		r.exposes[name] = fqn
	}
	for name, svc := range resolved.Services {
		fqn := Make(src.Name, name)
		r.services[fqn] = svc

		deps := make([]FQN, 0, len(svc.DependsOn)+len(svc.Uses))
		for _, d := range svc.DependsOn {
			deps = append(deps, Make(src.Name, d))
		}
		for _, u := range svc.Uses {
			if producerFQN, ok := r.exposes[u.Expose]; ok {
				deps = append(deps, producerFQN)
			}
		}
		r.graph.Set(fqn, deps...)
	}

	r.sources[src.Name] = src
	if resolved.Global != nil {
		r.globals[src.Name] = resolved.Global
	}

	fqns := make([]FQN, 0, len(r.services))
	for fqn := range r.services {
		fqns = append(fqns, fqn)
	}
	if err := r.graph.Verify(fqns); err != nil {
		return err
	}
	if _, err := r.graph.ResolveOrder(fqns); err != nil {
		return err
	}

	return nil
}

// RemoveSource unregisters a source's services; callers must ensure
// all its services have already stopped (spec §3 Source lifecycle).
func (r *Registry) RemoveSource(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for fqn, svc := range r.services {
		if svc.Source != name {
			continue
		}
		delete(r.services, fqn)
		r.graph.Set(fqn)
		for key, owner := range r.routes {
			if owner == fqn {
				delete(r.routes, key)
			}
		}
		for expName, owner := range r.exposes {
			if owner == fqn {
				delete(r.exposes, expName)
			}
		}
	}
	delete(r.sources, name)
	delete(r.globals, name)
}

// Global returns the top-level config for a source, or nil when the
// source is unknown (e.g. a service registered directly in tests).
func (r *Registry) Global(source string) *GlobalConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.globals[source]
}

// ExposeProducer resolves an expose name to the FQN of the service
// declaring it.
func (r *Registry) ExposeProducer(name string) (FQN, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fqn, ok := r.exposes[name]
	return fqn, ok
}

// CombinedGlobalHooks concatenates every loaded source's global hook
// buckets in source-name order, giving the supervisor one bracket to
// run around a full up/down pass (spec §4.7: "run global pre-up once
// before the first service").
func (r *Registry) CombinedGlobalHooks() Hooks {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.globals))
	for name := range r.globals {
		names = append(names, name)
	}
	sort.Strings(names)

	var combined Hooks
	for _, name := range names {
		g := r.globals[name]
		combined.PreUp = append(combined.PreUp, g.Hooks.PreUp...)
		combined.PostUp = append(combined.PostUp, g.Hooks.PostUp...)
		combined.PreDown = append(combined.PreDown, g.Hooks.PreDown...)
		combined.PostDown = append(combined.PostDown, g.Hooks.PostDown...)
	}
	return combined
}

// Service looks up a service by FQN.
func (r *Registry) Service(fqn FQN) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[fqn]
	return s, ok
}

// AllFQNs returns every registered FQN.
func (r *Registry) AllFQNs() []FQN {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FQN, 0, len(r.services))
	for fqn := range r.services {
		out = append(out, fqn)
	}
	return out
}

// Sources returns every registered source.
func (r *Registry) Sources() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	return out
}

func normalizePath(p string) string {
	for len(p) > 1 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}

// HashSecret bcrypt-hashes a plaintext expose secret for storage in
// ExposeSpec.SecretHash.
func HashSecret(plaintext string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(h), nil
}

// VerifySecret reports whether plaintext matches the bcrypt hash,
// comparing in constant time per spec §4.7 ("hash the consumer-provided
// secret and compare in constant time").
func VerifySecret(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
