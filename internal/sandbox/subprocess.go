package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"agentgate/internal/model"
	"agentgate/internal/telemetry"
)

// SubprocessProvider runs sandboxes as plain child processes under the host
// user. The workspace is a real directory; isolation is limited to the path
// guard and the timeout discipline.
type SubprocessProvider struct {
	Logger *slog.Logger

	mu    sync.Mutex
	owned map[string]*subprocessSandbox
}

// NewSubprocessProvider creates a subprocess sandbox provider.
func NewSubprocessProvider(logger *slog.Logger) *SubprocessProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubprocessProvider{
		Logger: logger,
		owned:  make(map[string]*subprocessSandbox),
	}
}

// Name identifies the provider in configuration.
func (p *SubprocessProvider) Name() string { return "subprocess" }

// Create validates the workspace mount and registers a new sandbox.
func (p *SubprocessProvider) Create(ctx context.Context, cfg Config) (Sandbox, error) {
	cfg.applyDefaults()
	info, err := os.Stat(cfg.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("workspace mount: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace mount is not a directory: %s", cfg.WorkspacePath)
	}

	sb := &subprocessSandbox{
		id:       model.NewID(model.IDPrefixSandbox),
		cfg:      cfg,
		status:   StatusRunning,
		provider: p,
		logger:   p.Logger,
	}

	p.mu.Lock()
	p.owned[sb.id] = sb
	p.mu.Unlock()
	telemetry.SandboxCreated()
	return sb, nil
}

// Cleanup destroys every sandbox the provider still owns. Subprocess
// sandboxes leave no host artifacts beyond their children, so there is no
// orphan sweep.
func (p *SubprocessProvider) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	var all []*subprocessSandbox
	for _, sb := range p.owned {
		all = append(all, sb)
	}
	p.mu.Unlock()

	var firstErr error
	for _, sb := range all {
		if err := sb.Destroy(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *SubprocessProvider) unregister(id string) {
	p.mu.Lock()
	delete(p.owned, id)
	p.mu.Unlock()
}

type subprocessSandbox struct {
	id       string
	cfg      Config
	provider *SubprocessProvider
	logger   *slog.Logger

	mu      sync.Mutex
	status  Status
	current *exec.Cmd
}

func (s *subprocessSandbox) ID() string { return s.id }

func (s *subprocessSandbox) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Execute runs cmd with args inside the workspace. On timeout the child gets
// SIGTERM, then SIGKILL after the grace period; the result reports exit code
// 124 with TimedOut set.
func (s *subprocessSandbox) Execute(ctx context.Context, cmd string, args []string, opts ExecOptions) (ExecResult, error) {
	s.mu.Lock()
	if s.status == StatusDestroyed {
		s.mu.Unlock()
		return ExecResult{}, ErrDestroyed
	}
	s.mu.Unlock()

	cwd := s.cfg.WorkspacePath
	if opts.Cwd != "" {
		resolved, err := resolveUnder(s.cfg.WorkspacePath, opts.Cwd)
		if err != nil {
			return ExecResult{}, err
		}
		cwd = resolved
	}

	timeout := s.cfg.ExecTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	c := exec.Command(cmd, args...)
	c.Dir = cwd
	c.Env = append(os.Environ(), opts.Env...)
	// Own process group so the grace-period kill reaches the whole tree.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	if err := c.Start(); err != nil {
		return ExecResult{}, fmt.Errorf("failed to start command: %w", err)
	}

	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
	}()

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	result := ExecResult{}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		result.DurationMs = time.Since(start).Milliseconds()
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
		result.ExitCode = exitCodeOf(c, err)
		return result, nil

	case <-ctx.Done():
		s.terminate(c, done)
		result.DurationMs = time.Since(start).Milliseconds()
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
		result.ExitCode = ExitCodeForceKill
		return result, ctx.Err()

	case <-timer.C:
		s.logger.Warn("sandbox command timed out", "sandbox_id", s.id, "cmd", cmd, "timeout", timeout)
		s.terminate(c, done)
		result.DurationMs = time.Since(start).Milliseconds()
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
		result.TimedOut = true
		result.ExitCode = ExitCodeTimeout
		return result, nil
	}
}

// terminate sends SIGTERM to the process group, waits for the grace period,
// then escalates to SIGKILL.
func (s *subprocessSandbox) terminate(c *exec.Cmd, done <-chan error) {
	if c.Process == nil {
		return
	}
	pgid := -c.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(s.cfg.KillGrace):
	}
	_ = syscall.Kill(pgid, syscall.SIGKILL)
	<-done
}

func exitCodeOf(c *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	if c.ProcessState != nil {
		return c.ProcessState.ExitCode()
	}
	return 1
}

func (s *subprocessSandbox) WriteFile(relPath string, data []byte) error {
	return hostWriteFile(s.statusCheck, s.cfg.WorkspacePath, relPath, data)
}

func (s *subprocessSandbox) ReadFile(relPath string) ([]byte, error) {
	return hostReadFile(s.statusCheck, s.cfg.WorkspacePath, relPath)
}

func (s *subprocessSandbox) ListFiles(relPath string) ([]string, error) {
	return hostListFiles(s.statusCheck, s.cfg.WorkspacePath, relPath)
}

func (s *subprocessSandbox) statusCheck() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDestroyed {
		return ErrDestroyed
	}
	return nil
}

// GetStats reports resource usage. A bare subprocess sandbox has no cgroup to
// sample, so the counters stay zero.
func (s *subprocessSandbox) GetStats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDestroyed {
		return Stats{}, ErrDestroyed
	}
	return Stats{}, nil
}

// Destroy kills any running child and unregisters from the provider. It is
// idempotent.
func (s *subprocessSandbox) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusDestroyed {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusDestroyed
	current := s.current
	s.mu.Unlock()

	if current != nil && current.Process != nil {
		_ = syscall.Kill(-current.Process.Pid, syscall.SIGKILL)
	}
	s.provider.unregister(s.id)
	telemetry.SandboxDestroyed()
	return nil
}
