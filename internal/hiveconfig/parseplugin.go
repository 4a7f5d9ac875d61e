package hiveconfig

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
)

// ParsePlugin resolves one `${plugin.key}` namespace at config load
// time. Implementations MUST be safe for concurrent Resolve calls; the
// resolver caches per (plugin, key) itself, so a plugin need not cache
// on its own.
type ParsePlugin interface {
	Name() string
	Resolve(ctx context.Context, key string) (string, bool)
}

// EnvPlugin resolves `${env.KEY}` against the process environment.
type EnvPlugin struct{}

func (EnvPlugin) Name() string { return "env" }

func (EnvPlugin) Resolve(_ context.Context, key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	return v, ok
}

// ServicePlugin resolves `${service.name.field}` against the set of
// already-validated services in the same load. Only the `name` field
// resolves; any other field (ports included) reports not found.
type ServicePlugin struct {
	Services map[string]*Service // keyed by bare service name, same source
}

func (ServicePlugin) Name() string { return "service" }

func (p ServicePlugin) Resolve(_ context.Context, key string) (string, bool) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return "", false
	}
	svc, ok := p.Services[parts[0]]
	if !ok {
		return "", false
	}
	switch parts[1] {
	case "name":
		return svc.Name, true
	default:
		return "", false
	}
}

// RedisPlugin resolves `${redis.key}` against a Redis string value,
// backing an optional parse-time variable source alongside the
// spec-named vault/1password/aws-ssm plugins.
type RedisPlugin struct {
	Client *redis.Client
}

func (RedisPlugin) Name() string { return "redis" }

func (p RedisPlugin) Resolve(ctx context.Context, key string) (string, bool) {
	if p.Client == nil {
		return "", false
	}
	v, err := p.Client.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

// PluginCache memoizes ParsePlugin.Resolve results per unique
// (plugin, key) for the cache's whole lifetime, per spec §4.1
// ("a plugin is asked once per unique (plugin, key) tuple"). A Resolver
// keeps one cache across all its loads; an entry is re-read only after
// Invalidate drops it.
type PluginCache struct {
	mu      sync.Mutex
	plugins map[string]ParsePlugin
	cache   map[string]cacheEntry
}

type cacheEntry struct {
	value string
	ok    bool
}

// NewPluginCache builds a cache over the given named plugins.
func NewPluginCache(plugins ...ParsePlugin) *PluginCache {
	m := make(map[string]ParsePlugin, len(plugins))
	for _, p := range plugins {
		m[p.Name()] = p
	}
	return &PluginCache{plugins: m, cache: make(map[string]cacheEntry)}
}

// Invalidate drops the memoized value for (plugin, key) so the next
// Resolve re-reads it from the plugin; the environment refresh
// scheduler uses this to pick up rotated secret-store leases.
func (c *PluginCache) Invalidate(plugin, key string) {
	c.mu.Lock()
	delete(c.cache, plugin+"\x00"+key)
	c.mu.Unlock()
}

// Resolve looks up (plugin, key), consulting the cache first.
func (c *PluginCache) Resolve(ctx context.Context, plugin, key string) (string, bool) {
	cacheKey := plugin + "\x00" + key

	c.mu.Lock()
	if entry, ok := c.cache[cacheKey]; ok {
		c.mu.Unlock()
		return entry.value, entry.ok
	}
	c.mu.Unlock()

	p, known := c.plugins[plugin]
	var v string
	var ok bool
	if known {
		v, ok = p.Resolve(ctx, key)
	}

	c.mu.Lock()
	c.cache[cacheKey] = cacheEntry{value: v, ok: ok}
	c.mu.Unlock()

	return v, ok
}
