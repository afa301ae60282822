package sandbox

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a sandbox.
type Status string

const (
	StatusRunning   Status = "running"
	StatusDestroyed Status = "destroyed"
)

// ErrDestroyed is returned by operations on a destroyed sandbox.
var ErrDestroyed = errors.New("sandbox is destroyed")

// ExecResult is the outcome of one command execution.
type ExecResult struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	TimedOut   bool
	DurationMs int64
}

// ExecOptions tunes a single Execute call.
type ExecOptions struct {
	// Cwd overrides the working directory. It must resolve under the
	// workspace mount; empty means the workspace root.
	Cwd string
	// Env is appended to the sandbox base environment.
	Env []string
	// Timeout overrides the sandbox default execution timeout.
	Timeout time.Duration
}

// Stats is a point-in-time resource usage sample.
type Stats struct {
	CPUPercent float64
	MemBytes   uint64
	NetRxBytes uint64
	NetTxBytes uint64
}

// Config describes the sandbox to create.
type Config struct {
	WorkspacePath  string
	NetworkAllowed bool

	// Container-provider settings.
	Image       string
	MemoryBytes int64
	CPUQuota    int64
	PidsLimit   int64

	// Execution defaults.
	ExecTimeout time.Duration
	KillGrace   time.Duration
}

const (
	// DefaultExecTimeout bounds a single Execute call.
	DefaultExecTimeout = 300 * time.Second
	// DefaultKillGrace is the SIGTERM-to-SIGKILL escalation window.
	DefaultKillGrace = 5 * time.Second
	// ExitCodeTimeout mirrors the shell convention for timed-out commands.
	ExitCodeTimeout = 124
	// ExitCodeForceKill mirrors the shell convention for SIGKILL.
	ExitCodeForceKill = 137
)

// Sandbox is a scoped execution environment rooted at a workspace mount. All
// filesystem operations reject paths that resolve outside the mount.
type Sandbox interface {
	ID() string
	Status() Status
	Execute(ctx context.Context, cmd string, args []string, opts ExecOptions) (ExecResult, error)
	WriteFile(relPath string, data []byte) error
	ReadFile(relPath string) ([]byte, error)
	ListFiles(relPath string) ([]string, error)
	GetStats(ctx context.Context) (Stats, error)
	Destroy(ctx context.Context) error
}

// Provider creates sandboxes of one flavor and reaps them on shutdown.
type Provider interface {
	Name() string
	Create(ctx context.Context, cfg Config) (Sandbox, error)
	// Cleanup destroys all sandboxes this provider still owns, then sweeps
	// any orphans it can identify.
	Cleanup(ctx context.Context) error
}

func (c *Config) applyDefaults() {
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = DefaultExecTimeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = 256
	}
}
