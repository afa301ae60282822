package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"agentgate/internal/model"
	"agentgate/internal/telemetry"
)

// ownershipLabel marks containers created by this process so orphan sweeps
// only touch our own containers.
const ownershipLabel = "agentgate.owned"

// APIClient is the subset of Docker API methods the container provider uses.
// This allows for mocking in tests.
type APIClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, config container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error)
	Close() error
}

// DockerProvider creates container sandboxes. The workspace is mounted
// read-write at /workspace; everything else is locked down: no new
// privileges, all capabilities dropped, bounded pids/memory/cpu, tmpfs /tmp,
// and no network namespace unless the policy allows one.
type DockerProvider struct {
	Logger *slog.Logger

	api APIClient

	mu    sync.Mutex
	owned map[string]*dockerSandbox

	// pullMu serializes image pulls; pulled records completed refs so an
	// image is pulled at most once per provider lifetime even under
	// concurrent creates.
	pullMu sync.Mutex
	pulled map[string]bool
}

// NewDockerProvider creates a container sandbox provider against the local
// Docker daemon.
func NewDockerProvider(logger *slog.Logger) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerProvider{
		Logger: logger,
		api:    cli,
		owned:  make(map[string]*dockerSandbox),
		pulled: make(map[string]bool),
	}, nil
}

// NewDockerProviderWithAPI wires an explicit API client. Used by tests.
func NewDockerProviderWithAPI(logger *slog.Logger, api APIClient) *DockerProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerProvider{
		Logger: logger,
		api:    api,
		owned:  make(map[string]*dockerSandbox),
		pulled: make(map[string]bool),
	}
}

// Name identifies the provider in configuration.
func (p *DockerProvider) Name() string { return "docker" }

// ensureImage pulls the image once per provider lifetime. Concurrent creates
// share the single in-flight pull.
func (p *DockerProvider) ensureImage(ctx context.Context, ref string) error {
	p.pullMu.Lock()
	defer p.pullMu.Unlock()
	if p.pulled[ref] {
		return nil
	}

	// Already present locally?
	normalized := ref
	if !strings.Contains(ref, ":") {
		normalized = ref + ":latest"
	}
	images, err := p.api.ImageList(ctx, image.ListOptions{})
	if err == nil {
		for _, img := range images {
			for _, tag := range img.RepoTags {
				if tag == ref || tag == normalized {
					p.pulled[ref] = true
					return nil
				}
			}
		}
	}

	p.Logger.Info("pulling sandbox image", "image", ref)
	reader, err := p.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to drain image pull: %w", err)
	}
	p.pulled[ref] = true
	return nil
}

// Create pulls the image if needed, then creates and starts a locked-down
// container with the workspace mounted read-write.
func (p *DockerProvider) Create(ctx context.Context, cfg Config) (Sandbox, error) {
	cfg.applyDefaults()
	if cfg.Image == "" {
		return nil, fmt.Errorf("container sandbox requires an image")
	}
	if err := p.ensureImage(ctx, cfg.Image); err != nil {
		return nil, err
	}

	id := model.NewID(model.IDPrefixSandbox)
	networkMode := "none"
	if cfg.NetworkAllowed {
		networkMode = "bridge"
	}

	resp, err := p.api.ContainerCreate(ctx,
		&container.Config{
			Image:      cfg.Image,
			Tty:        true, // keep it running
			OpenStdin:  true,
			WorkingDir: "/workspace",
			Cmd:        []string{"/bin/sh"},
			Labels: map[string]string{
				ownershipLabel:        "true",
				"agentgate.sandbox_id": id,
			},
		},
		&container.HostConfig{
			Binds:       []string{fmt.Sprintf("%s:/workspace", cfg.WorkspacePath)},
			NetworkMode: container.NetworkMode(networkMode),
			SecurityOpt: []string{"no-new-privileges"},
			CapDrop:     []string{"ALL"},
			Tmpfs:       map[string]string{"/tmp": "rw,noexec,nosuid,size=256m"},
			Resources: container.Resources{
				Memory:    cfg.MemoryBytes,
				CPUQuota:  cfg.CPUQuota,
				PidsLimit: &cfg.PidsLimit,
			},
		}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.api.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	sb := &dockerSandbox{
		id:          id,
		containerID: resp.ID,
		cfg:         cfg,
		status:      StatusRunning,
		provider:    p,
		logger:      p.Logger,
	}
	p.mu.Lock()
	p.owned[id] = sb
	p.mu.Unlock()
	telemetry.SandboxCreated()
	p.Logger.Info("container sandbox created", "sandbox_id", id, "container_id", resp.ID)
	return sb, nil
}

// Cleanup reaps all owned sandboxes, then sweeps containers left behind by a
// previous process, identified by the ownership label.
func (p *DockerProvider) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	var all []*dockerSandbox
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

	// Orphan sweep by label.
	f := filters.NewArgs(filters.Arg("label", ownershipLabel+"=true"))
	containers, err := p.api.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("failed to list orphan containers: %w", err)
		}
		return firstErr
	}
	for _, c := range containers {
		p.Logger.Warn("removing orphan sandbox container", "container_id", c.ID)
		if err := p.api.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *DockerProvider) unregister(id string) {
	p.mu.Lock()
	delete(p.owned, id)
	p.mu.Unlock()
}

type dockerSandbox struct {
	id          string
	containerID string
	cfg         Config
	provider    *DockerProvider
	logger      *slog.Logger

	mu     sync.Mutex
	status Status
}

func (s *dockerSandbox) ID() string { return s.id }

func (s *dockerSandbox) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Execute runs cmd in the container via docker exec and demultiplexes stdout
// and stderr. Timeouts surface as exit code 124 with TimedOut set; docker
// exec does not kill the spawned process on client disconnect, so the
// container is bounced to reap it.
func (s *dockerSandbox) Execute(ctx context.Context, cmd string, args []string, opts ExecOptions) (ExecResult, error) {
	s.mu.Lock()
	if s.status == StatusDestroyed {
		s.mu.Unlock()
		return ExecResult{}, ErrDestroyed
	}
	s.mu.Unlock()

	workDir := "/workspace"
	if opts.Cwd != "" {
		if _, err := resolveUnder(s.cfg.WorkspacePath, opts.Cwd); err != nil {
			return ExecResult{}, err
		}
		workDir = "/workspace/" + strings.TrimPrefix(opts.Cwd, "./")
	}

	timeout := s.cfg.ExecTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execConfig := container.ExecOptions{
		Cmd:          append([]string{cmd}, args...),
		Env:          opts.Env,
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	}

	start := time.Now()
	created, err := s.provider.api.ContainerExecCreate(execCtx, s.containerID, execConfig)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to create exec: %w", err)
	}
	attach, err := s.provider.api.ContainerExecAttach(execCtx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	var outBuf, errBuf bytes.Buffer
	// Tty is false on the exec config, so the stream is multiplexed.
	_, copyErr := stdcopy.StdCopy(&outBuf, &errBuf, attach.Reader)

	result := ExecResult{
		Stdout:     outBuf.String(),
		Stderr:     errBuf.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}

	if execCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = ExitCodeTimeout
		s.reapTimedOutExec(ctx)
		return result, nil
	}
	if copyErr != nil {
		return result, fmt.Errorf("failed to copy exec output: %w", copyErr)
	}

	inspect, err := s.provider.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return result, fmt.Errorf("failed to inspect exec: %w", err)
	}
	result.ExitCode = inspect.ExitCode
	return result, nil
}

// reapTimedOutExec bounces the container after an exec deadline: the exec
// API has no kill for the spawned process, so a stop/start cycle reaps
// everything inside while keeping the sandbox usable for the next command.
func (s *dockerSandbox) reapTimedOutExec(ctx context.Context) {
	stopTimeout := 0
	if err := s.provider.api.ContainerStop(ctx, s.containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		s.logger.Warn("failed to stop container after exec timeout", "container_id", s.containerID, "error", err)
		return
	}
	if err := s.provider.api.ContainerStart(ctx, s.containerID, container.StartOptions{}); err != nil {
		s.logger.Warn("failed to restart container after exec timeout", "container_id", s.containerID, "error", err)
	}
}

// File operations run on the host side of the bind mount, behind the same
// path guard as the subprocess provider.
func (s *dockerSandbox) WriteFile(relPath string, data []byte) error {
	return hostWriteFile(s.statusCheck, s.cfg.WorkspacePath, relPath, data)
}

func (s *dockerSandbox) ReadFile(relPath string) ([]byte, error) {
	return hostReadFile(s.statusCheck, s.cfg.WorkspacePath, relPath)
}

func (s *dockerSandbox) ListFiles(relPath string) ([]string, error) {
	return hostListFiles(s.statusCheck, s.cfg.WorkspacePath, relPath)
}

func (s *dockerSandbox) statusCheck() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDestroyed {
		return ErrDestroyed
	}
	return nil
}

// GetStats samples a single stats frame from the daemon.
func (s *dockerSandbox) GetStats(ctx context.Context) (Stats, error) {
	if err := s.statusCheck(); err != nil {
		return Stats{}, err
	}
	resp, err := s.provider.api.ContainerStats(ctx, s.containerID, false)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read container stats: %w", err)
	}
	defer resp.Body.Close()

	var frame container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&frame); err != nil {
		return Stats{}, fmt.Errorf("failed to decode stats frame: %w", err)
	}

	stats := Stats{MemBytes: frame.MemoryStats.Usage}
	cpuDelta := float64(frame.CPUStats.CPUUsage.TotalUsage - frame.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(frame.CPUStats.SystemUsage - frame.PreCPUStats.SystemUsage)
	if sysDelta > 0 && cpuDelta > 0 {
		stats.CPUPercent = (cpuDelta / sysDelta) * float64(frame.CPUStats.OnlineCPUs) * 100.0
	}
	for _, net := range frame.Networks {
		stats.NetRxBytes += net.RxBytes
		stats.NetTxBytes += net.TxBytes
	}
	return stats, nil
}

// Destroy stops the container, removes it with force, and unregisters from
// the provider. It is idempotent.
func (s *dockerSandbox) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusDestroyed {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusDestroyed
	s.mu.Unlock()

	if err := s.provider.api.ContainerStop(ctx, s.containerID, container.StopOptions{}); err != nil {
		s.logger.Warn("failed to stop sandbox container", "container_id", s.containerID, "error", err)
	}
	err := s.provider.api.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true})
	s.provider.unregister(s.id)
	telemetry.SandboxDestroyed()
	if err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}
