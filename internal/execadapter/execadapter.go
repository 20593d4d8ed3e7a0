// Package execadapter is the bridge's default Container Exec Adapter: it
// asks a shared sandbox workspace for a running container handle and
// creates TTY execs inside it. There is no separate container runtime
// process in this deployment — "container" here is the local sandboxed
// workspace directory the bridge process itself manages — but the
// interface is the same seam a real container-runtime-backed adapter
// would implement.
package execadapter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/nullthrow/termbridge/internal/sandbox"
)

// ErrNotReady is returned by EnsureRunning when no workspace container
// is available yet.
var ErrNotReady = fmt.Errorf("execadapter: workspace not ready")

// Container is an opaque handle to a running sandbox workspace.
type Container struct {
	dir string
}

// ExecHandle is what CreateExec hands back: an id for later
// resize/close calls and the bidirectional byte stream attached to the
// exec's PTY. Stream is a plain io.ReadWriteCloser so alternate
// adapters (and tests) aren't coupled to this package's PTY-backed
// implementation.
type ExecHandle struct {
	ExecID string
	Stream io.ReadWriteCloser
}

// ptyStream wraps the master side of a PTY plus the process it drives.
type ptyStream struct {
	mu     sync.Mutex
	ptmx   *os.File
	cmd    *exec.Cmd
	sb     sandbox.Sandbox
	closed bool
}

func (p *ptyStream) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *ptyStream) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

func (p *ptyStream) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	err := p.ptmx.Close()
	if p.sb != nil {
		_ = p.sb.Destroy()
	}
	return err
}

// Adapter is the Container Exec Adapter contract consumed by the bridge
// orchestrator.
type Adapter interface {
	EnsureRunning() (Container, error)
	CreateExec(ctx context.Context, c Container, argv []string, user string, env map[string]string) (ExecHandle, error)
	ResizeExec(h ExecHandle, cols, rows int) error
	CloseStream(h ExecHandle) error
}

// DefaultShell is what argv defaults to when the caller doesn't specify
// an interactive shell to run.
var DefaultShell = []string{"/bin/bash", "-l"}

// SandboxAdapter is the default Adapter: it launches execs directly in
// a shared workspace directory, isolated by internal/sandbox.
type SandboxAdapter struct {
	WorkspaceDir string
	SandboxUser  string
	SandboxCfg   sandbox.Config

	startupWatchdog time.Duration // 0 disables

	mu      sync.Mutex
	streams map[string]*ptyStream
}

// New builds a SandboxAdapter rooted at workspaceDir, execing as
// sandboxUser inside the isolation described by cfg.
func New(workspaceDir, sandboxUser string, cfg sandbox.Config) *SandboxAdapter {
	cfg.User = sandboxUser
	return &SandboxAdapter{
		WorkspaceDir:    workspaceDir,
		SandboxUser:     sandboxUser,
		SandboxCfg:      cfg,
		startupWatchdog: 15 * time.Second,
		streams:         make(map[string]*ptyStream),
	}
}

// EnsureRunning checks the workspace directory exists; this adapter has
// no separate container lifecycle to start, so "running" just means
// "the directory the sandbox will chdir into is present".
func (a *SandboxAdapter) EnsureRunning() (Container, error) {
	if a.WorkspaceDir == "" {
		return Container{}, ErrNotReady
	}
	if fi, err := os.Stat(a.WorkspaceDir); err != nil || !fi.IsDir() {
		return Container{}, fmt.Errorf("%w: %s", ErrNotReady, a.WorkspaceDir)
	}
	return Container{dir: a.WorkspaceDir}, nil
}

// CreateExec starts argv (defaulting to DefaultShell) inside a fresh
// sandbox, attached to a new PTY. The caller resizes after creation via
// ResizeExec — the bridge receives real dimensions only on the first
// resize frame — so an 80x24 default is used until then.
func (a *SandboxAdapter) CreateExec(ctx context.Context, c Container, argv []string, user string, env map[string]string) (ExecHandle, error) {
	if len(argv) == 0 {
		argv = DefaultShell
	}
	sb, err := sandbox.New(a.SandboxCfg)
	if err != nil {
		return ExecHandle{}, fmt.Errorf("execadapter: create sandbox: %w", err)
	}
	cmd, err := sb.Exec(ctx, argv[0], argv[1:])
	if err != nil {
		_ = sb.Destroy()
		return ExecHandle{}, fmt.Errorf("execadapter: sandbox exec: %w", err)
	}
	cmd.Dir = c.dir
	cmd.Env = envSlice(env)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 5 * time.Second

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 80, Rows: 24})
	if err != nil {
		_ = sb.Destroy()
		return ExecHandle{}, fmt.Errorf("execadapter: start pty: %w", err)
	}
	if err := sb.PostStart(cmd.Process.Pid); err != nil {
		slog.Warn("execadapter: sandbox post-start", "err", err)
	}

	execID := fmt.Sprintf("exec-%d", cmd.Process.Pid)
	stream := &ptyStream{ptmx: ptmx, cmd: cmd, sb: sb}
	a.mu.Lock()
	a.streams[execID] = stream
	a.mu.Unlock()
	if a.startupWatchdog > 0 {
		go a.watchStartup(execID, cmd.Process.Pid, a.startupWatchdog)
	}
	return ExecHandle{ExecID: execID, Stream: stream}, nil
}

// watchStartup logs a diagnostic if the process appears to have exited
// shortly after creation, to help surface broken shell binaries without
// feeding output history anywhere.
func (a *SandboxAdapter) watchStartup(execID string, pid int, after time.Duration) {
	time.Sleep(after)
	if err := syscall.Kill(pid, 0); err != nil {
		slog.Warn("execadapter: process not alive shortly after startup", "exec_id", execID, "pid", pid, "err", err)
	}
}

func (a *SandboxAdapter) ResizeExec(h ExecHandle, cols, rows int) error {
	a.mu.Lock()
	stream, ok := a.streams[h.ExecID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("execadapter: unknown exec id %q", h.ExecID)
	}
	return pty.Setsize(stream.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// CloseStream is idempotent: closing an already-closed or unknown exec
// id is a no-op.
func (a *SandboxAdapter) CloseStream(h ExecHandle) error {
	a.mu.Lock()
	stream, ok := a.streams[h.ExecID]
	delete(a.streams, h.ExecID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return stream.Close()
}

// envSlice flattens an env map into KEY=VALUE pairs, always including
// the TERM/LANG/LC_ALL triple the spec requires even if the caller's
// map omits them.
func envSlice(env map[string]string) []string {
	merged := map[string]string{
		"TERM":   "xterm-256color",
		"LANG":   "en_US.UTF-8",
		"LC_ALL": "en_US.UTF-8",
		"PATH":   os.Getenv("PATH"),
		"HOME":   os.Getenv("HOME"),
	}
	for k, v := range env {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}
