// Package builtin implements the default in-process plugins the
// daemon ships with: a native-process Runner backed by os/exec and
// gopsutil/v3 for liveness sampling (no resource sampling), and HTTP/TCP/command
// Health checks. Concrete container runners (Docker, Compose) stay out
// of scope per spec §1.
package builtin

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/hiveorch/hive/internal/hiveconfig"
	"github.com/hiveorch/hive/internal/plugin"
)

// ProcessHandle is the concrete ProcessHandle a ProcessRunner produces.
type ProcessHandle struct {
	cmd       *exec.Cmd
	pid       int
	done      chan struct{} // closed once Wait returns
	mu        sync.Mutex
	exitCode  int
	logBuf    []string
	maxLogLen int
}

// ExitCode reports the child's recorded exit code; -1 while it is
// still running. The supervisor consults it to apply `on-failure`
// restart policy after an unexpected exit.
func (h *ProcessHandle) ExitCode() int {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitCode
	default:
		return -1
	}
}

func (h *ProcessHandle) appendLog(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logBuf = append(h.logBuf, line)
	if len(h.logBuf) > h.maxLogLen {
		h.logBuf = h.logBuf[len(h.logBuf)-h.maxLogLen:]
	}
}

func (h *ProcessHandle) tail(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.logBuf) {
		n = len(h.logBuf)
	}
	return append([]string{}, h.logBuf[len(h.logBuf)-n:]...)
}

// ProcessRunner is the built-in Runner plugin for `runner.plugin:
// process`, spawning a shell command directly via os/exec (spec §4.2
// Runner: "MUST NOT return from start until the child process is
// launched").
type ProcessRunner struct{}

func (ProcessRunner) Metadata() plugin.Metadata {
	return plugin.Metadata{ID: "process", Version: "1.0.0"}
}

func (ProcessRunner) Init(defaults map[string]any) error { return nil }

func (ProcessRunner) Start(ctx context.Context, svc *hiveconfig.Service, runtimeCfg map[string]any, rc plugin.RuntimeContext) (plugin.ProcessHandle, error) {
	command, _ := runtimeCfg["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("process runner: runner.config.command is required")
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = rc.Cwd
	cmd.Env = flattenEnv(rc.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	handle := &ProcessHandle{maxLogLen: 500, done: make(chan struct{}), exitCode: -1}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("process runner: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process runner: start %s: %w", rc.FQN, err)
	}
	handle.cmd = cmd
	handle.pid = cmd.Process.Pid

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			handle.appendLog(scanner.Text())
		}
	}()
	go func() {
		err := cmd.Wait()
		handle.mu.Lock()
		if cmd.ProcessState != nil {
			handle.exitCode = cmd.ProcessState.ExitCode()
		} else if err != nil {
			handle.exitCode = -1
		} else {
			handle.exitCode = 0
		}
		handle.mu.Unlock()
		close(handle.done)
	}()

	return handle, nil
}

// Stop delivers SIGTERM to the whole process group, escalating to
// SIGKILL after a 10s grace window (spec §4.7 shutdown). The single
// Wait goroutine started by Start is the only reaper; Stop just waits
// for it, so Stop and IsRunning are safe to call concurrently.
func (ProcessRunner) Stop(ctx context.Context, h plugin.ProcessHandle) error {
	ph, ok := h.(*ProcessHandle)
	if !ok || ph.cmd == nil || ph.cmd.Process == nil {
		return nil
	}

	pgid := -ph.pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case <-ph.done:
		return nil
	case <-time.After(10 * time.Second):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		return nil
	case <-ctx.Done():
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		return ctx.Err()
	}
}

// IsRunning samples /proc via gopsutil rather than relying solely on
// signal-0 delivery, so a zombie or a reparented child is reported
// accurately.
func (ProcessRunner) IsRunning(ctx context.Context, h plugin.ProcessHandle) bool {
	ph, ok := h.(*ProcessHandle)
	if !ok || ph.pid == 0 {
		return false
	}
	select {
	case <-ph.done:
		return false
	default:
	}
	proc, err := gopsprocess.NewProcess(int32(ph.pid))
	if err != nil {
		return false
	}
	status, err := proc.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	for _, s := range status {
		if s == "zombie" || s == "Z" {
			return false
		}
	}
	return true
}

func (ProcessRunner) Logs(ctx context.Context, h plugin.ProcessHandle, n int) ([]string, error) {
	ph, ok := h.(*ProcessHandle)
	if !ok {
		return nil, fmt.Errorf("process runner: invalid handle")
	}
	return ph.tail(n), nil
}

func (ProcessRunner) SupportsHooks() bool { return true }

func (ProcessRunner) RunHook(ctx context.Context, cfg map[string]any, env map[string]string, rc plugin.RuntimeContext) (plugin.ExitStatus, error) {
	command, _ := cfg["command"].(string)
	if command == "" {
		return plugin.ExitStatus{}, fmt.Errorf("process runner: hook command is required")
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = rc.Cwd
	cmd.Env = flattenEnv(env)

	out, err := cmd.CombinedOutput()
	status := plugin.ExitStatus{Output: string(out)}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			status.Code = exitErr.ExitCode()
			return status, nil
		}
		return status, err
	}
	return status, nil
}

// flattenEnv lists the process environment first and env after it, so
// on a duplicate key (exec keeps the last one) env's value wins.
func flattenEnv(env map[string]string) []string {
	out := append([]string{}, os.Environ()...)
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
