// Package sandbox provides process-level isolation for commands exec'd
// inside the bridge's shared workspace container. It backs the default
// Container Exec Adapter (internal/execadapter) with namespace and rlimit
// enforcement on Linux, degrading to plain process isolation elsewhere.
package sandbox

import (
	"context"
	"log"
	"os/exec"
	"time"
)

// Sandbox isolates one exec'd process.
type Sandbox interface {
	// Exec builds a *exec.Cmd for name/args under this sandbox's isolation.
	// The caller still owns starting the command (e.g. via pty.StartWithSize).
	Exec(ctx context.Context, name string, args []string) (*exec.Cmd, error)
	// PostStart applies limits that can only be set once the process exists
	// (e.g. prlimit by pid). Best-effort: failures are logged, not returned.
	PostStart(pid int) error
	// Destroy releases any resources (tmpdir, cgroup) created for this sandbox.
	Destroy() error
}

// Config holds sandbox creation parameters. Zero values mean "no limit".
type Config struct {
	CPULimit time.Duration
	MemLimit uint64 // RLIMIT_AS bytes
	MaxFDs   uint32
	Network  bool   // true: process keeps network access, false: isolated net namespace
	User     string // unprivileged user to map the sandboxed process into, e.g. "workspace"
}

// New creates a platform-appropriate sandbox. Never fails outright — when
// the platform can't provide namespace isolation it falls back to a
// process-level-only sandbox and logs a warning, since the bridge's job is
// to keep serving sessions, not to refuse them over missing kernel features.
func New(cfg Config) (Sandbox, error) {
	if s, err := newPlatform(cfg); err == nil {
		return s, nil
	} else {
		log.Printf("sandbox: %v, falling back to process-level isolation", err)
	}
	return &fallbackSandbox{cfg: cfg}, nil
}

// fallbackSandbox applies no namespace isolation. It exists so the bridge
// keeps serving sessions on platforms/privilege levels that can't create
// namespaces, rather than refusing to start exec's at all.
type fallbackSandbox struct {
	cfg Config
}

func (s *fallbackSandbox) Exec(ctx context.Context, name string, args []string) (*exec.Cmd, error) {
	return exec.CommandContext(ctx, name, args...), nil
}

func (s *fallbackSandbox) PostStart(pid int) error { return nil }

func (s *fallbackSandbox) Destroy() error { return nil }
