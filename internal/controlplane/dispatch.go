package controlplane

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hiveorch/hive/internal/hiveconfig"
	"github.com/hiveorch/hive/internal/hiveerr"
	"github.com/hiveorch/hive/internal/obslog"
	"github.com/hiveorch/hive/internal/plugin"
	"github.com/hiveorch/hive/internal/routetable"
	"github.com/hiveorch/hive/internal/supervisor"
)

// Dispatcher executes one Request against the daemon's live state,
// implementing the commands named in spec §4.8/§6: up, down, restart,
// status, logs, source.*, ssl.*, and daemon.status (daemon start/stop
// are not handled here).
type Dispatcher struct {
	Registry   *hiveconfig.Registry
	Supervisor *supervisor.Supervisor
	Plugins    *plugin.Registry
	Table      *routetable.Table
	Store      *Store
	Events     *EventBus
	Log        *obslog.Logger
	Resolver   *hiveconfig.Resolver

	// StartedAt records daemon start for `daemon status` uptime.
	StartedAt time.Time
}

// Dispatch routes req to its handler, logging the outcome the way
// obslog.LogControlRequest expects (spec §4.8).
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	start := time.Now()
	resp := d.dispatch(ctx, req)
	if d.Log != nil {
		var err error
		if resp.Code != hiveerr.ExitOK {
			err = fmt.Errorf("%s", resp.Message)
		}
		d.Log.LogControlRequest(ctx, req.Command, req.Args, time.Since(start), err)
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) Response {
	switch req.Command {
	case "up":
		return d.up(ctx, req)
	case "down":
		return d.down(ctx, req)
	case "restart":
		return d.restart(ctx, req)
	case "status":
		return d.status(req)
	case "logs":
		return d.logs(ctx, req)
	case "source.add":
		return d.sourceAdd(ctx, req)
	case "source.remove":
		return d.sourceRemove(ctx, req)
	case "source.list":
		return d.sourceList()
	case "source.enable", "source.disable":
		return d.sourceToggle(ctx, req, req.Command == "source.enable")
	case "source.reload":
		return d.sourceReload(ctx, req)
	case "ssl.status", "ssl.renew", "ssl.issue", "ssl.domains":
		return d.sslUnsupported(req)
	case "daemon.status":
		return d.daemonStatus()
	default:
		return errResponse(hiveerr.MalformedRequest(fmt.Sprintf("unknown command %q", req.Command)))
	}
}

func errResponse(err *hiveerr.HiveError) Response {
	return Response{Code: err.ExitCode, Message: err.Error()}
}

func (d *Dispatcher) up(ctx context.Context, req Request) Response {
	if len(req.Args) == 0 {
		if err := d.Supervisor.StartAll(ctx, d.Registry.CombinedGlobalHooks()); err != nil {
			return errResponse(asHiveErr(err))
		}
		return Response{Code: hiveerr.ExitOK, Message: "all services started"}
	}
	for _, arg := range req.Args {
		fqn := hiveconfig.FQN(arg)
		if d.Store != nil {
			_ = d.Store.ClearManualStop(ctx, arg)
		}
		if err := d.Supervisor.StartOne(ctx, fqn); err != nil {
			return errResponse(asHiveErr(err))
		}
	}
	return Response{Code: hiveerr.ExitOK, Message: "started"}
}

func (d *Dispatcher) down(ctx context.Context, req Request) Response {
	if len(req.Args) == 0 {
		if err := d.Supervisor.StopAll(ctx, d.Registry.CombinedGlobalHooks()); err != nil {
			return errResponse(asHiveErr(err))
		}
		return Response{Code: hiveerr.ExitOK, Message: "all services stopped"}
	}
	for _, arg := range req.Args {
		fqn := hiveconfig.FQN(arg)
		svc, ok := d.Registry.Service(fqn)
		if !ok {
			return errResponse(hiveerr.ServiceNotFound(arg))
		}
		d.Supervisor.StopOne(ctx, fqn)
		if d.Store != nil && svc.Restart == hiveconfig.RestartUnlessStopped {
			_ = d.Store.MarkManualStop(ctx, arg)
		}
	}
	return Response{Code: hiveerr.ExitOK, Message: "stopped"}
}

func (d *Dispatcher) restart(ctx context.Context, req Request) Response {
	if len(req.Args) != 1 {
		return errResponse(hiveerr.MalformedRequest("restart requires exactly one fqn"))
	}
	fqn := hiveconfig.FQN(req.Args[0])
	if _, ok := d.Registry.Service(fqn); !ok {
		return errResponse(hiveerr.ServiceNotFound(req.Args[0]))
	}
	d.Supervisor.RestartOne(ctx, fqn)
	return Response{Code: hiveerr.ExitOK, Message: "restarted"}
}

func (d *Dispatcher) status(req Request) Response {
	if len(req.Args) == 1 && req.Flags["all"] == "" {
		st, ok := d.Supervisor.Status(hiveconfig.FQN(req.Args[0]))
		if !ok {
			return errResponse(hiveerr.ServiceNotFound(req.Args[0]))
		}
		return Response{Code: hiveerr.ExitOK, Data: st}
	}
	return Response{Code: hiveerr.ExitOK, Data: d.Supervisor.AllStatuses()}
}

func (d *Dispatcher) logs(ctx context.Context, req Request) Response {
	if len(req.Args) != 1 {
		return errResponse(hiveerr.MalformedRequest("logs requires exactly one fqn"))
	}
	n := 100
	lines, err := d.Supervisor.Logs(ctx, hiveconfig.FQN(req.Args[0]), n)
	if err != nil {
		return errResponse(asHiveErr(err))
	}
	lines = filterLogLevel(lines, req.Flags["level"])

	resp := Response{Code: hiveerr.ExitOK, Data: lines}
	if _, follow := req.Flags["follow"]; follow {
		// The server keeps the connection open and streams further
		// frames under this stream id (spec §4.8: "optional stream id
		// for follow").
		resp.StreamID = uuid.NewString()
		resp.More = true
	}
	return resp
}

// filterLogLevel keeps only lines mentioning the requested level
// (case-insensitive substring match); runner log lines are opaque text,
// so this is a best-effort filter, not a structured one.
func filterLogLevel(lines []string, level string) []string {
	if level == "" {
		return lines
	}
	needle := strings.ToLower(level)
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.Contains(strings.ToLower(l), needle) {
			out = append(out, l)
		}
	}
	return out
}

func (d *Dispatcher) sourceAdd(ctx context.Context, req Request) Response {
	if len(req.Args) != 2 {
		return errResponse(hiveerr.MalformedRequest("source add requires <name> <path>"))
	}
	name, path := req.Args[0], req.Args[1]
	cfg, err := hiveconfig.LoadYAMLFile(path)
	if err != nil {
		return errResponse(asHiveErr(err))
	}
	src := hiveconfig.Source{Name: name, Kind: "yaml", RootPath: path, Enabled: true}
	resolved, err := d.Resolver.Resolve(ctx, src, cfg)
	if err != nil {
		return errResponse(asHiveErr(err))
	}
	if err := d.Registry.AddSource(src, resolved); err != nil {
		// spec scenario 5: conflict leaves the prior source serving untouched.
		return errResponse(asHiveErr(err))
	}
	if d.Store != nil {
		_ = d.Store.SaveSource(ctx, name, "yaml", path, true)
	}
	return Response{Code: hiveerr.ExitOK, Message: fmt.Sprintf("source %s added", name)}
}

func (d *Dispatcher) sourceRemove(ctx context.Context, req Request) Response {
	if len(req.Args) != 1 {
		return errResponse(hiveerr.MalformedRequest("source remove requires <name>"))
	}
	name := req.Args[0]
	for _, fqn := range d.Registry.AllFQNs() {
		if svc, ok := d.Registry.Service(fqn); ok && svc.Source == name {
			if st, ok := d.Supervisor.Status(fqn); ok && st.State != supervisor.StateStopped && st.State != supervisor.StatePending {
				return errResponse(hiveerr.Conflict("source", name).WithDetail("reason", "services still running"))
			}
		}
	}
	d.Registry.RemoveSource(name)
	if d.Store != nil {
		_ = d.Store.DeleteSource(ctx, name)
	}
	return Response{Code: hiveerr.ExitOK, Message: fmt.Sprintf("source %s removed", name)}
}

func (d *Dispatcher) sourceList() Response {
	return Response{Code: hiveerr.ExitOK, Data: d.Registry.Sources()}
}

func (d *Dispatcher) sourceToggle(ctx context.Context, req Request, enable bool) Response {
	if len(req.Args) != 1 {
		return errResponse(hiveerr.MalformedRequest("source enable/disable requires <name>"))
	}
	name := req.Args[0]
	for _, src := range d.Registry.Sources() {
		if src.Name == name {
			if d.Store != nil {
				_ = d.Store.SaveSource(ctx, src.Name, src.Kind, src.RootPath, enable)
			}
			return Response{Code: hiveerr.ExitOK, Message: fmt.Sprintf("source %s enabled=%v", name, enable)}
		}
	}
	return errResponse(hiveerr.SchemaViolation("source", fmt.Sprintf("unknown source %q", name)))
}

func (d *Dispatcher) sourceReload(ctx context.Context, req Request) Response {
	if len(req.Args) != 1 {
		return errResponse(hiveerr.MalformedRequest("source reload requires <name>"))
	}
	var path string
	found := false
	for _, src := range d.Registry.Sources() {
		if src.Name == req.Args[0] {
			path = src.RootPath
			found = true
		}
	}
	if !found {
		return errResponse(hiveerr.SchemaViolation("source", fmt.Sprintf("unknown source %q", req.Args[0])))
	}
	d.Registry.RemoveSource(req.Args[0])
	return d.sourceAdd(ctx, Request{Args: []string{req.Args[0], path}})
}

// sslUnsupported reports that SSL provisioning is an external
// collaborator's contract (spec §1 Out-of-scope); the control plane
// still accepts the command shape so a caller gets a structured
// ControlError rather than "unknown command".
func (d *Dispatcher) sslUnsupported(req Request) Response {
	return errResponse(&hiveerr.HiveError{
		Kind:     hiveerr.KindControl,
		Message:  fmt.Sprintf("%s: SSL provisioning is handled by an external plugin host, not the orchestration core", req.Command),
		ExitCode: hiveerr.ExitGeneric,
	})
}

func (d *Dispatcher) daemonStatus() Response {
	return Response{Code: hiveerr.ExitOK, Data: map[string]any{
		"uptime_seconds": time.Since(d.StartedAt).Seconds(),
		"services":       len(d.Registry.AllFQNs()),
		"sources":        len(d.Registry.Sources()),
	}}
}

func asHiveErr(err error) *hiveerr.HiveError {
	if he := hiveerr.As(err); he != nil {
		return he
	}
	return &hiveerr.HiveError{Kind: hiveerr.KindRuntime, Message: err.Error(), ExitCode: hiveerr.ExitGeneric}
}
