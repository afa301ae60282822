package snapshot

import (
	"context"
	"fmt"
	"time"

	"agentgate/internal/gitx"
	"agentgate/internal/model"
)

// Manager captures workspace state as content-addressed fingerprints over the
// git history backend.
type Manager struct {
	Git gitx.IClient

	// WithDiff includes the unified diff text in captured snapshots.
	WithDiff bool

	// now is injectable for tests.
	now func() time.Time
}

// NewManager creates a snapshot manager over the given git client.
func NewManager(gitClient gitx.IClient) *Manager {
	return &Manager{Git: gitClient, now: time.Now}
}

// Capture stages all changes in the workspace and, if anything changed,
// commits them with a synthetic message. The result pairs the prior HEAD with
// the new HEAD; for an unchanged workspace the two shas are equal and all
// counts are zero. Capture is deterministic: the same workspace contents on
// the same prior sha always produce the same after sha.
func (m *Manager) Capture(ctx context.Context, workspacePath string) (model.Snapshot, error) {
	if m.now == nil {
		m.now = time.Now
	}
	snap := model.Snapshot{
		WorkspacePath: workspacePath,
		CreatedAt:     m.now().UTC(),
	}

	before, err := m.Git.HeadSHA(ctx, workspacePath)
	if err != nil {
		return snap, fmt.Errorf("failed to resolve prior HEAD: %w", err)
	}
	snap.BeforeSHA = before

	if err := m.Git.AddAll(ctx, workspacePath); err != nil {
		return snap, fmt.Errorf("failed to stage changes: %w", err)
	}

	clean, err := m.Git.IsClean(ctx, workspacePath)
	if err != nil {
		return snap, fmt.Errorf("failed to inspect work tree: %w", err)
	}
	if clean {
		snap.AfterSHA = before
		return snap, nil
	}

	msg := fmt.Sprintf("agentgate snapshot %s", snap.CreatedAt.Format(time.RFC3339))
	if err := m.Git.Commit(ctx, workspacePath, msg); err != nil {
		return snap, fmt.Errorf("failed to commit snapshot: %w", err)
	}

	after, err := m.Git.HeadSHA(ctx, workspacePath)
	if err != nil {
		return snap, fmt.Errorf("failed to resolve new HEAD: %w", err)
	}
	snap.AfterSHA = after

	var stat gitx.DiffStat
	if before == "" {
		// First commit in a repo without history: no parent to diff against.
		stat, err = m.Git.ShowStat(ctx, workspacePath, after)
	} else {
		stat, err = m.Git.Numstat(ctx, workspacePath, before, after)
	}
	if err != nil {
		return snap, fmt.Errorf("failed to compute diff stats: %w", err)
	}
	snap.FilesChanged = stat.FilesChanged
	snap.Insertions = stat.Insertions
	snap.Deletions = stat.Deletions

	if m.WithDiff && before != "" {
		diff, err := m.Git.Diff(ctx, workspacePath, before, after)
		if err == nil {
			snap.Diff = diff
		}
	}

	return snap, nil
}
