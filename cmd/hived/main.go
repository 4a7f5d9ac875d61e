// Package main is the Hive orchestrator daemon's entry point: it wires
// the plugin registry, config resolver, supervisor, rollout controller,
// reverse proxy, and control plane, then blocks until a shutdown signal
// arrives. Bootstrap env vars and the signal/shutdown dance mirror
// cmd/gateway/main.go's bare-net/http server lifecycle, generalized from
// one HTTP listener to the daemon's three surfaces (proxy, control
// socket, debug HTTP).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/hiveorch/hive/internal/controlplane"
	"github.com/hiveorch/hive/internal/debugsurface"
	"github.com/hiveorch/hive/internal/hiveconfig"
	"github.com/hiveorch/hive/internal/hooks"
	"github.com/hiveorch/hive/internal/metrics"
	"github.com/hiveorch/hive/internal/obslog"
	"github.com/hiveorch/hive/internal/plugin"
	"github.com/hiveorch/hive/internal/plugin/builtin"
	"github.com/hiveorch/hive/internal/proxy"
	"github.com/hiveorch/hive/internal/rollout"
	"github.com/hiveorch/hive/internal/routetable"
	"github.com/hiveorch/hive/internal/supervisor"
)

// envOrDefault mirrors infrastructure/config's EnvOrDefault helper: read
// an env var, falling back to a default when unset or blank.
func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func main() {
	_ = godotenv.Load()

	dataDir := envOrDefault("HIVE_DATA_DIR", "/var/lib/hive")
	controlSocket := envOrDefault("HIVE_CONTROL_SOCKET", filepath.Join(dataDir, "hive.sock"))
	eventSocket := envOrDefault("HIVE_EVENT_SOCKET", filepath.Join(dataDir, "hive-events.sock"))
	debugAddr := strings.TrimSpace(os.Getenv("HIVE_DEBUG_ADDR"))
	sourcesDir := envOrDefault("HIVE_SOURCES_DIR", filepath.Join(dataDir, "sources"))
	storePath := envOrDefault("HIVE_STORE_PATH", filepath.Join(dataDir, "hive.db"))

	log.Printf("hive daemon starting: data_dir=%s control_socket=%s", dataDir, controlSocket)

	hiveLog := obslog.NewFromEnv("hive")
	obslog.InitDefault("hive", strings.ToLower(envOrDefault("LOG_LEVEL", envOrDefault("RUST_LOG", "info"))), envOrDefault("LOG_FORMAT", "text"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mx := metrics.New()

	plugins := plugin.NewRegistry()
	registerBuiltinPlugins(plugins)

	registry := hiveconfig.NewRegistry()
	resolver := hiveconfig.NewResolver(parsePluginsFromEnv()...)

	store, err := controlplane.OpenStore(storePath)
	if err != nil {
		log.Fatalf("failed to open control plane store: %v", err)
	}
	defer store.Close()

	if err := loadPersistedSources(ctx, store, registry, resolver); err != nil {
		hiveLog.WithError(err).Warn("persisted source load encountered errors")
	}
	if err := loadSources(ctx, sourcesDir, registry, resolver); err != nil {
		hiveLog.WithError(err).Warn("initial source load encountered errors")
	}

	events := controlplane.NewEventBus(hiveLog, plugins.Sinks())

	refresher := builtin.NewRefreshScheduler(func(fqn string, err error) {
		hiveLog.WithFQN(fqn).WithError(err).Warn("environment refresh failed")
	})
	refresher.Start()

	table := routetable.New()
	hookExec := hooks.NewExecutor(plugins, hiveLog)
	sup := supervisor.New(registry, plugins, table, hookExec, hiveLog).
		WithMetrics(mx).
		WithEnvCache(resolver.Cache()).
		WithEnvRefresher(refresher).
		WithEvents(events)
	if stops, err := store.ListManualStops(ctx); err == nil {
		sup.SetStickyStops(stops)
	}

	proxyCfg := proxy.DefaultConfig()
	rp := proxy.New(table, nil, perServiceMiddleware(registry, plugins), skipGlobalMiddleware(registry), proxyCfg, hiveLog).WithMetrics(mx)

	dispatcher := &controlplane.Dispatcher{
		Registry:   registry,
		Supervisor: sup,
		Plugins:    plugins,
		Table:      table,
		Store:      store,
		Events:     events,
		Log:        hiveLog,
		Resolver:   resolver,
		StartedAt:  time.Now(),
	}

	if err := sup.StartAll(ctx, registry.CombinedGlobalHooks()); err != nil {
		hiveLog.WithError(err).Warn("startup sequence reported failures; continuing with partial service set")
	}

	controlServer := &controlplane.Server{Dispatcher: dispatcher, Log: hiveLog}
	go func() {
		if err := controlServer.ListenAndServe(ctx, controlSocket); err != nil {
			hiveLog.WithError(err).Error("control socket server exited")
		}
	}()

	go func() {
		if err := events.ServeSocket(ctx, eventSocket); err != nil {
			hiveLog.WithError(err).Error("event bus socket exited")
		}
	}()

	var debugServer *http.Server
	if debugAddr != "" {
		surface := &debugsurface.Surface{Supervisor: sup, Table: table, Log: hiveLog}
		debugServer = &http.Server{
			Addr:              debugAddr,
			Handler:           surface.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			hiveLog.Infof("debug surface listening on %s", debugAddr)
			if err := debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				hiveLog.WithError(err).Error("debug surface exited")
			}
		}()
	}

	proxyAddr := ":" + envOrDefault("HIVE_PROXY_PORT", "8000")
	proxyServer := &http.Server{Addr: proxyAddr, Handler: rp, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		hiveLog.Infof("reverse proxy listening on %s", proxyAddr)
		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			hiveLog.WithError(err).Error("reverse proxy exited")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	hiveLog.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := sup.StopAll(shutdownCtx, registry.CombinedGlobalHooks()); err != nil {
		hiveLog.WithError(err).Warn("stop-all reported failures during shutdown")
	}
	_ = proxyServer.Shutdown(shutdownCtx)
	if debugServer != nil {
		_ = debugServer.Shutdown(shutdownCtx)
	}
	refresher.Stop()
}

// registerBuiltinPlugins installs the process/runner, health-check,
// static-environment, rate-limit and rollout strategy plugins Hive ships
// with, per spec §4.2's "builtin plugins always registered" contract.
func registerBuiltinPlugins(plugins *plugin.Registry) {
	must := func(err error) {
		if err != nil {
			log.Fatalf("builtin plugin registration failed: %v", err)
		}
	}
	must(plugins.RegisterRunner("process", builtin.ProcessRunner{}))
	must(plugins.RegisterHealth("http", builtin.NewHTTPHealth()))
	must(plugins.RegisterHealth("tcp", builtin.TCPHealth{}))
	must(plugins.RegisterHealth("cmd", builtin.CmdHealth{}))
	must(plugins.RegisterEnvironment("static", builtin.StaticEnvironment{}))
	must(plugins.RegisterMiddleware("ratelimit", builtin.NewRateLimitMiddleware()))
	must(plugins.RegisterRollout("recreate", rollout.Recreate{}))
	must(plugins.RegisterRollout("blue-green", rollout.BlueGreen{}))
}

// perServiceMiddleware resolves a route's matched fqn to the
// ProxyMiddleware chain declared across its service's proxy entries
// (spec §4.4 step 2 "per-service chain"; spec §3 ProxySpec.middleware),
// unioned since the proxy dispatches per-fqn rather than per-route.
func perServiceMiddleware(registry *hiveconfig.Registry, plugins *plugin.Registry) func(fqn string) []plugin.ProxyMiddleware {
	return func(fqn string) []plugin.ProxyMiddleware {
		svc, ok := registry.Service(hiveconfig.FQN(fqn))
		if !ok {
			return nil
		}
		var ids []string
		for _, p := range svc.Proxies {
			ids = append(ids, p.Middleware...)
		}
		return plugins.MiddlewareChain(ids)
	}
}

// skipGlobalMiddleware resolves a route's matched fqn to the set of
// global middleware ids it opts out of (spec §3 ProxySpec.skip_global).
func skipGlobalMiddleware(registry *hiveconfig.Registry) func(fqn string) map[string]bool {
	return func(fqn string) map[string]bool {
		svc, ok := registry.Service(hiveconfig.FQN(fqn))
		if !ok {
			return nil
		}
		skip := make(map[string]bool)
		for _, p := range svc.Proxies {
			for _, id := range p.SkipGlobal {
				skip[id] = true
			}
		}
		return skip
	}
}

// parsePluginsFromEnv builds the set of parse-time `${plugin.key}`
// plugins available to the resolver; REDIS_URL opts the redis plugin in
// (spec §3 Exposed parse-time plugins, SPEC_FULL.md §3 domain stack).
func parsePluginsFromEnv() []hiveconfig.ParsePlugin {
	parsePlugins := []hiveconfig.ParsePlugin{hiveconfig.EnvPlugin{}}
	if url := strings.TrimSpace(os.Getenv("REDIS_URL")); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			log.Printf("redis parse-time plugin disabled: %v", err)
			return parsePlugins
		}
		parsePlugins = append(parsePlugins, hiveconfig.RedisPlugin{Client: redis.NewClient(opts)})
	}
	return parsePlugins
}

// loadPersistedSources re-registers the sources persisted by a prior
// run's `source add` (spec §6 "Persisted state"), so a daemon restart
// resumes serving without re-issuing control commands. A source that no
// longer parses is skipped with a warning-level error; a fresh start
// never depends on the store (spec §6).
func loadPersistedSources(ctx context.Context, store *controlplane.Store, registry *hiveconfig.Registry, resolver *hiveconfig.Resolver) error {
	rows, err := store.ListSources(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, row := range rows {
		if !row.Enabled {
			continue
		}
		cfg, err := hiveconfig.LoadYAMLFile(row.RootPath)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		src := hiveconfig.Source{Name: row.Name, Kind: row.Kind, RootPath: row.RootPath, Enabled: true}
		resolved, err := resolver.Resolve(ctx, src, cfg)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := registry.AddSource(src, resolved); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// loadSources walks sourcesDir for top-level *.yaml documents and adds
// each as a registry source, matching the YAML config loader front-end
// spec §1 says is out of scope for the orchestration core itself but
// that a daemon binary still needs some minimal entry point for.
func loadSources(ctx context.Context, sourcesDir string, registry *hiveconfig.Registry, resolver *hiveconfig.Resolver) error {
	entries, err := os.ReadDir(sourcesDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	loaded := make(map[string]bool)
	for _, src := range registry.Sources() {
		loaded[src.Name] = true
	}

	var firstErr error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".yaml")
		if loaded[name] {
			// already re-registered from the persisted store
			continue
		}
		path := filepath.Join(sourcesDir, entry.Name())

		cfg, err := hiveconfig.LoadYAMLFile(path)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		src := hiveconfig.Source{Name: name, Kind: "yaml", RootPath: path, Enabled: true}
		resolved, err := resolver.Resolve(ctx, src, cfg)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := registry.AddSource(src, resolved); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
