package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/internal/gitx"
)

// scriptedGit serves HEAD shas from a queue and reports a fixed cleanliness.
type scriptedGit struct {
	gitx.IClient

	heads   []string
	headIdx int
	clean   bool
	stat    gitx.DiffStat
	diff    string

	committed bool
}

func (g *scriptedGit) HeadSHA(ctx context.Context, dir string) (string, error) {
	sha := g.heads[g.headIdx]
	if g.headIdx < len(g.heads)-1 {
		g.headIdx++
	}
	return sha, nil
}
func (g *scriptedGit) AddAll(ctx context.Context, dir string) error { return nil }
func (g *scriptedGit) IsClean(ctx context.Context, dir string) (bool, error) {
	return g.clean, nil
}
func (g *scriptedGit) Commit(ctx context.Context, dir, message string) error {
	g.committed = true
	return nil
}
func (g *scriptedGit) Numstat(ctx context.Context, dir, before, after string) (gitx.DiffStat, error) {
	return g.stat, nil
}
func (g *scriptedGit) ShowStat(ctx context.Context, dir, sha string) (gitx.DiffStat, error) {
	return g.stat, nil
}
func (g *scriptedGit) Diff(ctx context.Context, dir, before, after string) (string, error) {
	return g.diff, nil
}

func TestCaptureCommitsDirtyWorkspace(t *testing.T) {
	git := &scriptedGit{
		heads: []string{"aaa111", "bbb222"},
		clean: false,
		stat:  gitx.DiffStat{FilesChanged: 2, Insertions: 10, Deletions: 3},
	}
	m := NewManager(git)

	snap, err := m.Capture(context.Background(), "/tmp/ws")
	require.NoError(t, err)
	assert.True(t, git.committed)
	assert.Equal(t, "aaa111", snap.BeforeSHA)
	assert.Equal(t, "bbb222", snap.AfterSHA)
	assert.True(t, snap.Changed())
	assert.Equal(t, 2, snap.FilesChanged)
	assert.Equal(t, 10, snap.Insertions)
	assert.Equal(t, 3, snap.Deletions)
	assert.Equal(t, "/tmp/ws", snap.WorkspacePath)
}

func TestCaptureCleanWorkspace(t *testing.T) {
	git := &scriptedGit{heads: []string{"aaa111"}, clean: true}
	m := NewManager(git)

	snap, err := m.Capture(context.Background(), "/tmp/ws")
	require.NoError(t, err)
	assert.False(t, git.committed)
	assert.Equal(t, snap.BeforeSHA, snap.AfterSHA)
	assert.False(t, snap.Changed())
	assert.Zero(t, snap.FilesChanged)
}

func TestCaptureIncludesDiffWhenEnabled(t *testing.T) {
	git := &scriptedGit{
		heads: []string{"aaa111", "bbb222"},
		clean: false,
		diff:  "--- a/main.go\n+++ b/main.go\n",
	}
	m := NewManager(git)
	m.WithDiff = true

	snap, err := m.Capture(context.Background(), "/tmp/ws")
	require.NoError(t, err)
	assert.Equal(t, git.diff, snap.Diff)

	// Diff capture is opt-in.
	git2 := &scriptedGit{heads: []string{"a", "b"}, clean: false, diff: "x"}
	snap, err = NewManager(git2).Capture(context.Background(), "/tmp/ws")
	require.NoError(t, err)
	assert.Empty(t, snap.Diff)
}

func TestCaptureFirstCommitUsesShowStat(t *testing.T) {
	// No prior history: HeadSHA starts empty, so stats come from ShowStat.
	git := &scriptedGit{
		heads: []string{"", "ccc333"},
		clean: false,
		stat:  gitx.DiffStat{FilesChanged: 5, Insertions: 100},
	}
	m := NewManager(git)

	snap, err := m.Capture(context.Background(), "/tmp/ws")
	require.NoError(t, err)
	assert.Empty(t, snap.BeforeSHA)
	assert.Equal(t, "ccc333", snap.AfterSHA)
	assert.Equal(t, 5, snap.FilesChanged)
}
