package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDockerAPI scripts the exec path: attach hands back a stream that only
// closes after closeAfter, so short deadlines expire while output is still
// pending, the way a wedged in-container process looks to the client.
type fakeDockerAPI struct {
	closeAfter time.Duration
	execCode   int

	mu      sync.Mutex
	stopped int
	started int
}

func (f *fakeDockerAPI) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeDockerAPI) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeDockerAPI) Ping(ctx context.Context) (types.Ping, error) { return types.Ping{}, nil }

func (f *fakeDockerAPI) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	return nil, nil
}

func (f *fakeDockerAPI) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeDockerAPI) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error) {
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeDockerAPI) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
	return nil
}

func (f *fakeDockerAPI) ContainerExecCreate(ctx context.Context, containerID string, config container.ExecOptions) (types.IDResponse, error) {
	return types.IDResponse{ID: "e1"}, nil
}

func (f *fakeDockerAPI) ContainerExecAttach(ctx context.Context, execID string, config container.ExecStartOptions) (types.HijackedResponse, error) {
	server, client := net.Pipe()
	closeAfter := f.closeAfter
	go func() {
		time.Sleep(closeAfter)
		server.Close()
	}()
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil
}

func (f *fakeDockerAPI) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	return container.ExecInspect{ExitCode: f.execCode}, nil
}

func (f *fakeDockerAPI) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
	return nil
}

func (f *fakeDockerAPI) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	return nil
}

func (f *fakeDockerAPI) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	return nil, nil
}

func (f *fakeDockerAPI) ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error) {
	return container.StatsResponseReader{}, nil
}

func (f *fakeDockerAPI) Close() error { return nil }

func fakeContainerSandbox(t *testing.T, api *fakeDockerAPI, execTimeout time.Duration) *dockerSandbox {
	t.Helper()
	return &dockerSandbox{
		id:          "sbx_test",
		containerID: "c1",
		cfg:         Config{WorkspacePath: t.TempDir(), ExecTimeout: execTimeout},
		provider:    NewDockerProviderWithAPI(slog.Default(), api),
		status:      StatusRunning,
		logger:      slog.Default(),
	}
}

func TestDockerExecTimeoutBouncesContainer(t *testing.T) {
	api := &fakeDockerAPI{closeAfter: 50 * time.Millisecond}
	sb := fakeContainerSandbox(t, api, 5*time.Millisecond)

	res, err := sb.Execute(context.Background(), "sleep", []string{"60"}, ExecOptions{})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, ExitCodeTimeout, res.ExitCode)
	assert.Equal(t, 1, api.stopCount(), "timed-out process reaped via container stop")
	assert.Equal(t, 1, api.startCount(), "container restarted so later execs still work")
}

func TestDockerExecCompletionSkipsBounce(t *testing.T) {
	api := &fakeDockerAPI{closeAfter: time.Millisecond}
	sb := fakeContainerSandbox(t, api, time.Second)

	res, err := sb.Execute(context.Background(), "true", nil, ExecOptions{})
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, 0, res.ExitCode)
	assert.Zero(t, api.stopCount())
	assert.Zero(t, api.startCount())
}
