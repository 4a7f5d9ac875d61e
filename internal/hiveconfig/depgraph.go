package hiveconfig

import (
	"sort"
	"strings"
	"sync"

	"github.com/hiveorch/hive/internal/hiveerr"
)

// DependencyGraph is the DAG over FQNs combining a service's
// intra-source depends_on with its inter-source uses (spec §3
// DependencyGraph). It generalizes the teacher's module-name
// DependencyManager from bare names to FQNs and from a single deps
// source to the depends_on+uses union.
type DependencyGraph struct {
	mu   sync.RWMutex
	deps map[FQN][]FQN
}

// NewDependencyGraph builds an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{deps: make(map[FQN][]FQN)}
}

// Set records the combined dependency set for fqn.
func (g *DependencyGraph) Set(fqn FQN, deps ...FQN) {
	filtered := make([]FQN, 0, len(deps))
	for _, d := range deps {
		if strings.TrimSpace(string(d)) != "" {
			filtered = append(filtered, d)
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deps[fqn] = filtered
}

// Get returns fqn's recorded dependencies.
func (g *DependencyGraph) Get(fqn FQN) []FQN {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]FQN{}, g.deps[fqn]...)
}

// Verify ensures every declared dependency names a registered FQN.
func (g *DependencyGraph) Verify(registered []FQN) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	have := make(map[FQN]bool, len(registered))
	for _, fqn := range registered {
		have[fqn] = true
	}
	for fqn, deps := range g.deps {
		for _, dep := range deps {
			if !have[dep] {
				return hiveerr.SchemaViolation("depends_on/uses",
					string(fqn)+" references unknown dependency "+string(dep))
			}
		}
	}
	return nil
}

// ResolveOrder returns a startup order over fqns that satisfies every
// recorded dependency, preserving the input order where unconstrained.
// It is an iterative topological sort: each pass appends every FQN
// whose dependencies are already resolved; no progress across a full
// pass means a cycle.
func (g *DependencyGraph) ResolveOrder(fqns []FQN) ([]FQN, error) {
	if len(fqns) == 0 {
		return fqns, nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	set := make(map[FQN]bool, len(fqns))
	for _, f := range fqns {
		set[f] = true
	}

	resolved := make([]FQN, 0, len(fqns))
	done := make(map[FQN]bool, len(fqns))

	for len(resolved) < len(fqns) {
		progressed := false

		for _, fqn := range fqns {
			if done[fqn] {
				continue
			}

			waiting := false
			for _, dep := range g.deps[fqn] {
				if !set[dep] {
					continue
				}
				if !done[dep] {
					waiting = true
					break
				}
			}
			if waiting {
				continue
			}

			resolved = append(resolved, fqn)
			done[fqn] = true
			progressed = true
		}

		if !progressed {
			var unresolved []string
			for _, fqn := range fqns {
				if !done[fqn] {
					unresolved = append(unresolved, string(fqn))
				}
			}
			sort.Strings(unresolved)
			return nil, hiveerr.Cycle(unresolved)
		}
	}

	return resolved, nil
}

// Reverse returns fqns in reverse order, used for shutdown (spec §4.7:
// shutdown walks services in reverse topological order).
func Reverse(fqns []FQN) []FQN {
	out := make([]FQN, len(fqns))
	for i, f := range fqns {
		out[len(fqns)-1-i] = f
	}
	return out
}

// Dependents returns every FQN that depends (directly) on fqn.
func (g *DependencyGraph) Dependents(fqn FQN) []FQN {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []FQN
	for mod, deps := range g.deps {
		for _, d := range deps {
			if d == fqn {
				out = append(out, mod)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
