// Package routetable implements the reverse proxy's thread-safe,
// atomically swappable host+path match structure (spec §4.3 C3). It is
// the daemon's one genuinely hot-path shared-mutable-state type, so it
// follows spec §5's mandate directly: copy-on-write snapshots behind a
// single atomic pointer, plus a second atomic per service for the
// blue-green active color, so a traffic switch is one atomic store
// rather than a table rebuild.
package routetable

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hiveorch/hive/internal/hiveconfig"
)

// Route is one configured upstream binding (spec §3 Route).
type Route struct {
	Host        string // "" means host-agnostic
	Path        string // always begins with "/"; trailing "/" ignored at publish
	FQN         hiveconfig.FQN
	PortName    string
	StripPrefix bool // if true, Path is stripped from the forwarded request
}

// Snapshot is one immutable, atomically-installed view of the route
// table. Readers hold a reference for the duration of a single
// request; it is never mutated after publish.
type Snapshot struct {
	// hostRoutes and agnosticRoutes are each sorted by descending path
	// length so the first match is the longest-prefix match.
	hostRoutes     map[string][]Route
	agnosticRoutes []Route
}

// Table is the daemon-wide route table plus per-service active-color
// atomics.
type Table struct {
	current atomic.Pointer[Snapshot]

	colorMu sync.RWMutex
	colors  map[hiveconfig.FQN]*atomic.Value // holds hiveconfig.Color
	ports   map[hiveconfig.FQN]map[string]hiveconfig.PortBinding
}

// New builds an empty table.
func New() *Table {
	t := &Table{
		colors: make(map[hiveconfig.FQN]*atomic.Value),
		ports:  make(map[hiveconfig.FQN]map[string]hiveconfig.PortBinding),
	}
	t.current.Store(&Snapshot{hostRoutes: map[string][]Route{}})
	return t
}

// Publish installs a new immutable snapshot built from routes, per
// spec §4.3 ("writers produce a new snapshot and install it with a
// single store").
func (t *Table) Publish(routes []Route) {
	snap := &Snapshot{hostRoutes: make(map[string][]Route)}

	for _, r := range routes {
		r.Path = normalizePath(r.Path)
		if r.Host == "" {
			snap.agnosticRoutes = append(snap.agnosticRoutes, r)
		} else {
			snap.hostRoutes[strings.ToLower(r.Host)] = append(snap.hostRoutes[strings.ToLower(r.Host)], r)
		}
	}

	byLongest := func(rs []Route) {
		sort.SliceStable(rs, func(i, j int) bool { return len(rs[i].Path) > len(rs[j].Path) })
	}
	for h := range snap.hostRoutes {
		byLongest(snap.hostRoutes[h])
	}
	byLongest(snap.agnosticRoutes)

	t.current.Store(snap)
}

// Withdraw removes every route owned by fqn by rebuilding and
// republishing a snapshot without them (spec §4.3 withdraw; used
// during shutdown and rollout failure).
func (t *Table) Withdraw(fqn hiveconfig.FQN) {
	snap := t.current.Load()
	kept := make([]Route, 0)
	for _, rs := range snap.hostRoutes {
		for _, r := range rs {
			if r.FQN != fqn {
				kept = append(kept, r)
			}
		}
	}
	for _, r := range snap.agnosticRoutes {
		if r.FQN != fqn {
			kept = append(kept, r)
		}
	}
	t.Publish(kept)
}

func normalizePath(p string) string {
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}

// Lookup performs the spec §4.3 match: exact host match first, longest
// path prefix within it; falling back to host-agnostic routes by
// longest prefix when no host match applies.
func (t *Table) Lookup(host, path string) (Route, bool) {
	snap := t.current.Load()
	host = strings.ToLower(host)

	if rs, ok := snap.hostRoutes[host]; ok {
		if r, found := longestPrefixMatch(rs, path); found {
			return r, true
		}
	}
	return longestPrefixMatch(snap.agnosticRoutes, path)
}

func longestPrefixMatch(routes []Route, path string) (Route, bool) {
	for _, r := range routes {
		if strings.HasPrefix(path, r.Path) {
			return r, true
		}
	}
	return Route{}, false
}

// SetPorts records the port plan for a service, used by
// UpstreamAddress to resolve the concrete port for the active color.
func (t *Table) SetPorts(fqn hiveconfig.FQN, ports []hiveconfig.PortBinding) {
	t.colorMu.Lock()
	defer t.colorMu.Unlock()

	m := make(map[string]hiveconfig.PortBinding, len(ports))
	for _, p := range ports {
		m[p.Name] = p
	}
	t.ports[fqn] = m

	if _, ok := t.colors[fqn]; !ok {
		v := &atomic.Value{}
		v.Store(hiveconfig.ColorSingle)
		t.colors[fqn] = v
	}
}

// SetActiveColor atomically switches fqn's serving color (spec §4.3:
// "a single atomic color write"; spec §4.6 Blue-Green FSM step 5).
func (t *Table) SetActiveColor(fqn hiveconfig.FQN, color hiveconfig.Color) {
	t.colorMu.RLock()
	v, ok := t.colors[fqn]
	t.colorMu.RUnlock()
	if !ok {
		t.colorMu.Lock()
		v = &atomic.Value{}
		t.colors[fqn] = v
		t.colorMu.Unlock()
	}
	v.Store(color)
}

// ActiveColor returns fqn's current serving color, defaulting to
// "single" for services never assigned one.
func (t *Table) ActiveColor(fqn hiveconfig.FQN) hiveconfig.Color {
	t.colorMu.RLock()
	v, ok := t.colors[fqn]
	t.colorMu.RUnlock()
	if !ok {
		return hiveconfig.ColorSingle
	}
	return v.Load().(hiveconfig.Color)
}

// UpstreamAddress resolves the live "host:port" for a route by
// combining the service's active color atomic with its port map (spec
// §4.3 Upstream resolution / §9).
func (t *Table) UpstreamAddress(r Route) (string, bool) {
	t.colorMu.RLock()
	ports, ok := t.ports[r.FQN]
	t.colorMu.RUnlock()
	if !ok {
		return "", false
	}
	binding, ok := ports[r.PortName]
	if !ok {
		return "", false
	}
	color := t.ActiveColor(r.FQN)
	port := binding.PortFor(color)
	if port == 0 {
		return "", false
	}
	return "127.0.0.1:" + strconv.Itoa(port), true
}

// AllRoutes returns every route in the currently published snapshot,
// for the control plane's `/routes` debug surface. The slice is a copy;
// mutating it has no effect on the live table.
func (t *Table) AllRoutes() []Route {
	snap := t.current.Load()
	out := make([]Route, 0, len(snap.agnosticRoutes))
	for _, rs := range snap.hostRoutes {
		out = append(out, rs...)
	}
	out = append(out, snap.agnosticRoutes...)
	return out
}
