// Package hiveconfig implements the orchestration core's typed
// configuration model and two-phase variable resolver (parse-time
// plugins, then runtime templates). It mirrors the teacher's
// services.yaml typed-tree-plus-query-helpers shape, generalized from a
// single flat service map to the full source/service/instance graph the
// daemon supervises.
package hiveconfig

import (
	"fmt"
	"regexp"
)

// Color names a blue-green instance slot, or "single" for recreate.
type Color string

const (
	ColorBlue   Color = "blue"
	ColorGreen  Color = "green"
	ColorSingle Color = "single"
)

// RestartPolicy controls how the supervisor reacts to unexpected exit.
type RestartPolicy string

const (
	RestartNever         RestartPolicy = "never"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartAlways        RestartPolicy = "always"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
)

// HookEvent names one of the four hook buckets, at either global or
// per-service scope.
type HookEvent string

const (
	HookPreUp    HookEvent = "pre-up"
	HookPostUp   HookEvent = "post-up"
	HookPreDown  HookEvent = "pre-down"
	HookPostDown HookEvent = "post-down"
)

// OnFailure names what a hook step or rollout does when it fails.
type OnFailure string

const (
	OnFailureAbort   OnFailure = "abort"
	OnFailureWarn    OnFailure = "warn"
	OnFailureRetry   OnFailure = "retry"
	OnFailureKeepOld OnFailure = "keep-old"
)

// RolloutKind names a rollout strategy.
type RolloutKind string

const (
	RolloutRecreate  RolloutKind = "recreate"
	RolloutBlueGreen RolloutKind = "blue-green"
)

var serviceNameRE = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// FQN is a fully qualified "source:service" name.
type FQN string

// Make builds the FQN for a service name within a source.
func Make(source, service string) FQN {
	return FQN(fmt.Sprintf("%s:%s", source, service))
}

// Source identifies a configuration origin (spec §3 Source).
type Source struct {
	Name     string `yaml:"name" json:"name"`
	Kind     string `yaml:"kind" json:"kind"` // "yaml" | "sqlite"
	RootPath string `yaml:"root_path" json:"root_path"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`
}

// PortBinding names one logical port of a service. For recreate,
// Green is zero and only Blue is meaningful as "the" port; for
// blue-green both are required.
type PortBinding struct {
	Name  string `yaml:"name" json:"name"`
	Blue  int    `yaml:"blue" json:"blue"`
	Green int    `yaml:"green,omitempty" json:"green,omitempty"`
}

// PortFor resolves the concrete port number for a color.
func (p PortBinding) PortFor(c Color) int {
	switch c {
	case ColorGreen:
		return p.Green
	default:
		return p.Blue
	}
}

// RunnerSpec selects and configures a Runner plugin (C2) for a service.
type RunnerSpec struct {
	Plugin string         `yaml:"plugin" json:"plugin"`
	Config map[string]any `yaml:"config" json:"config"`
}

// RolloutSpec configures the rollout strategy and its port plan.
type RolloutSpec struct {
	Strategy   RolloutKind   `yaml:"strategy" json:"strategy"`
	Ports      []PortBinding `yaml:"ports" json:"ports"`
	HealthyFor Duration      `yaml:"healthy_duration" json:"healthy_duration"`
	Timeout    Duration      `yaml:"timeout" json:"timeout"`
	OnFailure  OnFailure     `yaml:"on_failure" json:"on_failure"`
}

// EnvSpec describes one env source: a static map and/or parse-time
// plugin references, merged per the precedence in spec §4.1.
// RefreshInterval controls how often plugin-backed values (vault/redis
// leases) are re-read while the service runs; zero means the 5m
// default when any plugin references exist.
type EnvSpec struct {
	Static          map[string]string `yaml:"static" json:"static"`
	Plugins         []PluginVarRef    `yaml:"plugins" json:"plugins"`
	RefreshInterval Duration          `yaml:"refresh_interval" json:"refresh_interval"`
}

// PluginVarRef is one `${plugin.key[:-default]}` reference captured
// structurally (used by both the env spec and ad hoc string fields
// during interpolation).
type PluginVarRef struct {
	Plugin     string
	Key        string
	Default    string
	HasDefault bool
}

// HealthSpec configures one health check (0..n per service).
type HealthSpec struct {
	Kind        string   `yaml:"kind" json:"kind"` // "http" | "tcp" | "cmd"
	Port        string   `yaml:"port" json:"port"` // logical port name, or literal
	Path        string   `yaml:"path" json:"path"`
	Command     string   `yaml:"command" json:"command"`
	Interval    Duration `yaml:"interval" json:"interval"`
	Timeout     Duration `yaml:"timeout" json:"timeout"`
	StartPeriod Duration `yaml:"start_period" json:"start_period"`
	Retries     int      `yaml:"retries" json:"retries"`
}

// ProxySpec configures one proxy route exposed for a service.
type ProxySpec struct {
	Host        string   `yaml:"host" json:"host"`
	Path        string   `yaml:"path" json:"path"`
	Port        string   `yaml:"port" json:"port"`
	StripPrefix bool     `yaml:"strip_prefix" json:"strip_prefix"`
	Middleware  []string `yaml:"middleware" json:"middleware"`
	SkipGlobal  []string `yaml:"skip_global" json:"skip_global"`
}

// BuildSpec configures a service's build step.
type BuildSpec struct {
	Command string `yaml:"command" json:"command"`
	When    string `yaml:"when" json:"when"` // "always" | "missing"
	Output  string `yaml:"output" json:"output"`
}

// ExposeSpec declares a service as a cross-source dependency producer.
type ExposeSpec struct {
	Name       string            `yaml:"name" json:"name"`
	SecretHash string            `yaml:"secret_hash" json:"secret_hash"`
	Vars       map[string]string `yaml:"vars" json:"vars"`
}

// UsesSpec declares a cross-source dependency on an ExposeSpec.
type UsesSpec struct {
	Alias  string            `yaml:"alias" json:"alias"`
	Expose string            `yaml:"expose" json:"expose"`
	Secret string            `yaml:"secret" json:"secret"`
	Remap  map[string]string `yaml:"remap" json:"remap"`
}

// HookStep is one step of a hook list: exactly one of Script, Runner,
// or Parallel is set.
type HookStep struct {
	Script   *ScriptStep `yaml:"script,omitempty" json:"script,omitempty"`
	Runner   *RunnerStep `yaml:"runner,omitempty" json:"runner,omitempty"`
	Parallel []HookStep  `yaml:"parallel,omitempty" json:"parallel,omitempty"`

	OnFailure  OnFailure         `yaml:"on_failure" json:"on_failure"`
	Timeout    Duration          `yaml:"timeout" json:"timeout"`
	Retries    int               `yaml:"retries" json:"retries"`
	RetryDelay Duration          `yaml:"retry_delay" json:"retry_delay"`
	Env        map[string]string `yaml:"env" json:"env"`
}

// ScriptStep runs a shell command.
type ScriptStep struct {
	Cmd string `yaml:"cmd" json:"cmd"`
	Cwd string `yaml:"cwd" json:"cwd"`
}

// RunnerStep delegates one-shot execution to a Runner plugin.
type RunnerStep struct {
	Plugin string         `yaml:"plugin" json:"plugin"`
	Config map[string]any `yaml:"config" json:"config"`
}

// Hooks holds the four hook buckets at one scope (global or service).
type Hooks struct {
	PreUp    []HookStep `yaml:"pre_up" json:"pre_up"`
	PostUp   []HookStep `yaml:"post_up" json:"post_up"`
	PreDown  []HookStep `yaml:"pre_down" json:"pre_down"`
	PostDown []HookStep `yaml:"post_down" json:"post_down"`
}

// Bucket returns the step list for the named event.
func (h Hooks) Bucket(event HookEvent) []HookStep {
	switch event {
	case HookPreUp:
		return h.PreUp
	case HookPostUp:
		return h.PostUp
	case HookPreDown:
		return h.PreDown
	case HookPostDown:
		return h.PostDown
	default:
		return nil
	}
}

// Service is a managed unit (spec §3 Service).
type Service struct {
	Source    string        `yaml:"-" json:"source"`
	Name      string        `yaml:"name" json:"name"`
	Runner    RunnerSpec    `yaml:"runner" json:"runner"`
	Rollout   *RolloutSpec  `yaml:"rollout,omitempty" json:"rollout,omitempty"`
	Env       EnvSpec       `yaml:"environment" json:"environment"`
	Health    []HealthSpec  `yaml:"healthcheck" json:"healthcheck"`
	Proxies   []ProxySpec   `yaml:"proxy" json:"proxy"`
	Hooks     Hooks         `yaml:"hooks" json:"hooks"`
	DependsOn []string      `yaml:"depends_on" json:"depends_on"`
	Uses      []UsesSpec    `yaml:"uses" json:"uses"`
	Expose    *ExposeSpec   `yaml:"expose,omitempty" json:"expose,omitempty"`
	Restart   RestartPolicy `yaml:"restart" json:"restart"`
	Build     *BuildSpec    `yaml:"build,omitempty" json:"build,omitempty"`
}

// FQN returns the service's fully qualified name.
func (s *Service) FQN() FQN { return Make(s.Source, s.Name) }

// ValidName reports whether name matches the required service name
// pattern `[a-z][a-z0-9_-]*`.
func ValidName(name string) bool { return serviceNameRE.MatchString(name) }

// GlobalConfig is the top-level document for one source (spec §6
// Configuration schema).
type GlobalConfig struct {
	Version       string              `yaml:"version" json:"version"`
	Defaults      map[string]any      `yaml:"defaults" json:"defaults"`
	Proxy         GlobalProxyConfig   `yaml:"proxy" json:"proxy"`
	Environment   EnvSpec             `yaml:"environment" json:"environment"`
	Observability map[string]any      `yaml:"observability" json:"observability"`
	Hooks         Hooks               `yaml:"hooks" json:"hooks"`
	Services      map[string]*Service `yaml:"services" json:"services"`
}

// GlobalProxyConfig configures proxy-wide defaults and the global
// middleware chain order.
type GlobalProxyConfig struct {
	Binds      []string `yaml:"binds" json:"binds"`
	Middleware []string `yaml:"middleware" json:"middleware"`
}
