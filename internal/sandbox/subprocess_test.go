package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSandbox(t *testing.T) Sandbox {
	t.Helper()
	p := NewSubprocessProvider(nil)
	sb, err := p.Create(context.Background(), Config{WorkspacePath: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sb.Destroy(context.Background()) })
	return sb
}

func TestCreateRejectsMissingWorkspace(t *testing.T) {
	p := NewSubprocessProvider(nil)
	_, err := p.Create(context.Background(), Config{WorkspacePath: "/does/not/exist"})
	assert.Error(t, err)
}

func TestExecuteCapturesOutput(t *testing.T) {
	sb := newTestSandbox(t)
	res, err := sb.Execute(context.Background(), "sh", []string{"-c", "echo hello; echo oops >&2"}, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))
}

func TestExecuteNonZeroExit(t *testing.T) {
	sb := newTestSandbox(t)
	res, err := sb.Execute(context.Background(), "sh", []string{"-c", "exit 3"}, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestExecuteTimeout(t *testing.T) {
	p := NewSubprocessProvider(nil)
	sb, err := p.Create(context.Background(), Config{
		WorkspacePath: t.TempDir(),
		KillGrace:     100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer sb.Destroy(context.Background())

	res, err := sb.Execute(context.Background(), "sleep", []string{"30"}, ExecOptions{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, ExitCodeTimeout, res.ExitCode)
}

func TestExecuteCancel(t *testing.T) {
	p := NewSubprocessProvider(nil)
	sb, err := p.Create(context.Background(), Config{
		WorkspacePath: t.TempDir(),
		KillGrace:     100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer sb.Destroy(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	res, err := sb.Execute(ctx, "sleep", []string{"30"}, ExecOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ExitCodeForceKill, res.ExitCode)
}

func TestExecuteHonorsCwd(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	p := NewSubprocessProvider(nil)
	sb, err := p.Create(context.Background(), Config{WorkspacePath: root})
	require.NoError(t, err)
	defer sb.Destroy(context.Background())

	res, err := sb.Execute(context.Background(), "pwd", nil, ExecOptions{Cwd: "sub"})
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "sub")

	_, err = sb.Execute(context.Background(), "pwd", nil, ExecOptions{Cwd: "../elsewhere"})
	assert.Error(t, err)
}

func TestFileOperationsStayInMount(t *testing.T) {
	sb := newTestSandbox(t)

	require.NoError(t, sb.WriteFile("notes/a.txt", []byte("hello")))
	data, err := sb.ReadFile("notes/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	names, err := sb.ListFiles("notes")
	require.NoError(t, err)
	assert.Contains(t, names, "a.txt")

	assert.Error(t, sb.WriteFile("../escape.txt", []byte("x")))
	_, err = sb.ReadFile("../../etc/passwd")
	assert.Error(t, err)
}

func TestDestroyIsIdempotentAndBlocksUse(t *testing.T) {
	sb := newTestSandbox(t)
	require.NoError(t, sb.Destroy(context.Background()))
	require.NoError(t, sb.Destroy(context.Background()))
	assert.Equal(t, StatusDestroyed, sb.Status())

	_, err := sb.Execute(context.Background(), "true", nil, ExecOptions{})
	assert.ErrorIs(t, err, ErrDestroyed)
	_, err = sb.ReadFile("a.txt")
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestProviderCleanup(t *testing.T) {
	p := NewSubprocessProvider(nil)
	a, err := p.Create(context.Background(), Config{WorkspacePath: t.TempDir()})
	require.NoError(t, err)
	b, err := p.Create(context.Background(), Config{WorkspacePath: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, p.Cleanup(context.Background()))
	assert.Equal(t, StatusDestroyed, a.Status())
	assert.Equal(t, StatusDestroyed, b.Status())
}
