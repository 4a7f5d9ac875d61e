package builtin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"time"

	"github.com/hiveorch/hive/internal/hiveconfig"
	"github.com/hiveorch/hive/internal/plugin"
)

// HTTPHealth probes a `GET <path>` on the instance's resolved port,
// considering any 2xx/3xx response healthy.
type HTTPHealth struct {
	Client *http.Client
}

func NewHTTPHealth() *HTTPHealth {
	return &HTTPHealth{Client: &http.Client{}}
}

func (h *HTTPHealth) Metadata() plugin.Metadata          { return plugin.Metadata{ID: "http", Version: "1.0.0"} }
func (h *HTTPHealth) Init(defaults map[string]any) error { return nil }

func (h *HTTPHealth) Check(ctx context.Context, cfg hiveconfig.HealthSpec, rc plugin.RuntimeContext) (plugin.HealthResult, error) {
	port, ok := rc.Ports[cfg.Port]
	if !ok {
		return plugin.HealthResult{}, fmt.Errorf("http health: unknown port %q", cfg.Port)
	}

	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, cfg.Path)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return plugin.HealthResult{}, err
	}

	start := time.Now()
	resp, err := h.Client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return plugin.HealthResult{Healthy: false, Message: err.Error(), LatencyMS: latency.Milliseconds()}, nil
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode < 400
	return plugin.HealthResult{
		Healthy:   healthy,
		LatencyMS: latency.Milliseconds(),
		Message:   fmt.Sprintf("status %d", resp.StatusCode),
		Details:   map[string]any{"status_code": resp.StatusCode},
	}, nil
}

// TCPHealth considers a service healthy if a TCP dial to its resolved
// port succeeds.
type TCPHealth struct{}

func (TCPHealth) Metadata() plugin.Metadata          { return plugin.Metadata{ID: "tcp", Version: "1.0.0"} }
func (TCPHealth) Init(defaults map[string]any) error { return nil }

func (TCPHealth) Check(ctx context.Context, cfg hiveconfig.HealthSpec, rc plugin.RuntimeContext) (plugin.HealthResult, error) {
	port, ok := rc.Ports[cfg.Port]
	if !ok {
		return plugin.HealthResult{}, fmt.Errorf("tcp health: unknown port %q", cfg.Port)
	}

	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	start := time.Now()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), timeout)
	latency := time.Since(start)
	if err != nil {
		return plugin.HealthResult{Healthy: false, Message: err.Error(), LatencyMS: latency.Milliseconds()}, nil
	}
	_ = conn.Close()
	return plugin.HealthResult{Healthy: true, LatencyMS: latency.Milliseconds()}, nil
}

// CmdHealth runs a command and considers exit code 0 healthy.
type CmdHealth struct{}

func (CmdHealth) Metadata() plugin.Metadata          { return plugin.Metadata{ID: "cmd", Version: "1.0.0"} }
func (CmdHealth) Init(defaults map[string]any) error { return nil }

func (CmdHealth) Check(ctx context.Context, cfg hiveconfig.HealthSpec, rc plugin.RuntimeContext) (plugin.HealthResult, error) {
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "/bin/sh", "-c", cfg.Command)
	start := time.Now()
	out, err := cmd.CombinedOutput()
	latency := time.Since(start)

	if err != nil {
		return plugin.HealthResult{Healthy: false, Message: string(out), LatencyMS: latency.Milliseconds()}, nil
	}
	return plugin.HealthResult{Healthy: true, LatencyMS: latency.Milliseconds(), Message: string(out)}, nil
}
