// Package hiveerr implements the orchestrator's error taxonomy: a small
// set of kinds (not Go types) that every component classifies its
// failures into, so the supervisor, rollout controller, and control
// plane can each apply the propagation policy for the kind without
// string-matching messages.
package hiveerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error kinds named by the orchestration
// core's error handling design: config/start/health/rollout/runtime/
// proxy/control failures each propagate differently.
type Kind string

const (
	KindConfig  Kind = "ConfigError"
	KindStart   Kind = "StartError"
	KindHealth  Kind = "HealthTimeout"
	KindRollout Kind = "RolloutFailure"
	KindRuntime Kind = "RuntimeError"
	KindProxy   Kind = "ProxyError"
	KindControl Kind = "ControlError"
)

// HiveError is a structured error carrying a Kind plus the exit code
// the CLI surface should map it to (spec §6 CLI exit codes).
type HiveError struct {
	Kind     Kind
	Message  string
	ExitCode int
	Details  map[string]any
	Err      error
}

func (e *HiveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *HiveError) Unwrap() error { return e.Err }

func (e *HiveError) WithDetail(key string, value any) *HiveError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func new_(kind Kind, message string, exitCode int) *HiveError {
	return &HiveError{Kind: kind, Message: message, ExitCode: exitCode}
}

func wrap(kind Kind, message string, exitCode int, err error) *HiveError {
	return &HiveError{Kind: kind, Message: message, ExitCode: exitCode, Err: err}
}

// Exit codes per spec §6.
const (
	ExitOK              = 0
	ExitGeneric         = 1
	ExitConfigInvalid   = 2
	ExitServiceNotFound = 3
	ExitCycleDetected   = 4
	ExitConflict        = 5
	ExitPluginMissing   = 6
)

// --- ConfigError ---

func UnresolvedVariable(plugin, key string) *HiveError {
	return new_(KindConfig, "unresolved parse-time variable", ExitConfigInvalid).
		WithDetail("plugin", plugin).WithDetail("key", key)
}

func Cycle(path []string) *HiveError {
	return new_(KindConfig, "dependency cycle detected", ExitCycleDetected).
		WithDetail("path", path)
}

func Conflict(kind, name string) *HiveError {
	return new_(KindConfig, "configuration conflict", ExitConflict).
		WithDetail("kind", kind).WithDetail("name", name)
}

func SchemaViolation(field, reason string) *HiveError {
	return new_(KindConfig, "schema violation", ExitConfigInvalid).
		WithDetail("field", field).WithDetail("reason", reason)
}

func ParseFailure(source string, err error) *HiveError {
	return wrap(KindConfig, fmt.Sprintf("failed to parse source %q", source), ExitConfigInvalid, err)
}

// --- StartError ---

func UnresolvedRuntimeVariable(fqn, field string) *HiveError {
	return new_(KindStart, "unresolved runtime template variable", ExitGeneric).
		WithDetail("fqn", fqn).WithDetail("field", field)
}

func BuildFailed(fqn string, err error) *HiveError {
	return wrap(KindStart, fmt.Sprintf("build failed for %s", fqn), ExitGeneric, err)
}

func RunnerStartFailed(fqn string, err error) *HiveError {
	return wrap(KindStart, fmt.Sprintf("runner failed to start %s", fqn), ExitGeneric, err)
}

func PreUpAborted(fqn string, err error) *HiveError {
	return wrap(KindStart, fmt.Sprintf("pre-up hook aborted start of %s", fqn), ExitGeneric, err)
}

func ServiceNotFound(fqn string) *HiveError {
	return new_(KindStart, "service not found", ExitServiceNotFound).WithDetail("fqn", fqn)
}

// --- HealthTimeout ---

func HealthTimeout(fqn string, waited string) *HiveError {
	return new_(KindHealth, "no checks healthy within rollout timeout", ExitGeneric).
		WithDetail("fqn", fqn).WithDetail("waited", waited)
}

// --- RolloutFailure ---

func RolloutAborted(fqn, reason string) *HiveError {
	return new_(KindRollout, reason, ExitGeneric).WithDetail("fqn", fqn)
}

// --- RuntimeError ---

func Runtime(fqn string, err error) *HiveError {
	return wrap(KindRuntime, fmt.Sprintf("runtime error in %s", fqn), ExitGeneric, err)
}

// --- ProxyError ---

func UpstreamDialFailed(fqn string, err error) *HiveError {
	return wrap(KindProxy, "upstream dial failed", ExitGeneric, err).WithDetail("fqn", fqn)
}

func UpstreamTimeout(fqn string) *HiveError {
	return new_(KindProxy, "upstream timeout", ExitGeneric).WithDetail("fqn", fqn)
}

func NoRoute(host, path string) *HiveError {
	return new_(KindProxy, "no matching route", ExitGeneric).
		WithDetail("host", host).WithDetail("path", path)
}

// --- ControlError ---

func MalformedRequest(reason string) *HiveError {
	return new_(KindControl, "malformed control request", ExitGeneric).WithDetail("reason", reason)
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var he *HiveError
	if errors.As(err, &he) {
		return he.Kind == kind
	}
	return false
}

// As extracts the *HiveError from an error chain, if present.
func As(err error) *HiveError {
	var he *HiveError
	if errors.As(err, &he) {
		return he
	}
	return nil
}
