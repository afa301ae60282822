package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"agentgate/internal/gitx"
	"agentgate/internal/model"
)

// SeedFile is one file written into a fresh workspace before its initial
// commit.
type SeedFile struct {
	Path    string
	Content string
}

// Template is a named set of seed files for fresh workspaces.
type Template struct {
	Kind          string
	Files         []SeedFile
	CommitMessage string
}

// Manager creates workspaces from their source descriptors and arbitrates
// leases. At most one lease is active per workspace.
type Manager struct {
	Git    gitx.IClient
	Logger *slog.Logger

	mu         sync.Mutex
	workspaces map[string]*model.Workspace
	templates  map[string]Template

	now func() time.Time
}

// NewManager creates a workspace manager.
func NewManager(gitClient gitx.IClient, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		Git:        gitClient,
		Logger:     logger,
		workspaces: make(map[string]*model.Workspace),
		templates:  make(map[string]Template),
		now:        time.Now,
	}
}

// RegisterTemplate makes a seed template available to fresh sources.
func (m *Manager) RegisterTemplate(t Template) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.Kind] = t
}

// Provision materializes a workspace for the given source. The returned
// workspace is available, with history initialized so the first snapshot has
// a parent commit.
func (m *Manager) Provision(ctx context.Context, source model.WorkspaceSource) (*model.Workspace, error) {
	if err := source.Validate(); err != nil {
		return nil, err
	}

	ws := &model.Workspace{
		ID:     model.NewID(model.IDPrefixWorkspace),
		Source: source,
		Status: model.WorkspaceAvailable,
	}

	var err error
	switch source.Kind {
	case model.SourceLocal:
		err = m.provisionLocal(ctx, ws, source)
	case model.SourceGit:
		err = m.provisionGit(ctx, ws, source.URL, source.Branch)
	case model.SourceGitHub:
		url := fmt.Sprintf("https://github.com/%s/%s.git", source.Owner, source.Repo)
		err = m.provisionGit(ctx, ws, url, source.Branch)
	case model.SourceFresh:
		err = m.provisionFresh(ctx, ws, source)
	}
	if err != nil {
		ws.Status = model.WorkspaceError
		return nil, err
	}

	m.mu.Lock()
	m.workspaces[ws.ID] = ws
	m.mu.Unlock()

	m.Logger.Info("workspace provisioned", "workspace_id", ws.ID, "kind", source.Kind, "root", ws.RootPath)
	return ws, nil
}

func (m *Manager) provisionLocal(ctx context.Context, ws *model.Workspace, source model.WorkspaceSource) error {
	info, err := os.Stat(source.Path)
	if err != nil {
		return fmt.Errorf("local workspace path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("local workspace path is not a directory: %s", source.Path)
	}
	ws.RootPath = source.Path
	return m.ensureHistory(ctx, ws, "initial commit")
}

func (m *Manager) provisionGit(ctx context.Context, ws *model.Workspace, url, branch string) error {
	dest, err := os.MkdirTemp("", "agentgate-ws-")
	if err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}
	if err := m.Git.Clone(ctx, url, dest, branch); err != nil {
		os.RemoveAll(dest)
		return fmt.Errorf("failed to clone workspace: %w", err)
	}
	ws.RootPath = dest
	ws.HistoryInitialized = true
	return nil
}

func (m *Manager) provisionFresh(ctx context.Context, ws *model.Workspace, source model.WorkspaceSource) error {
	if err := os.MkdirAll(source.DestPath, 0755); err != nil {
		return fmt.Errorf("failed to create fresh workspace: %w", err)
	}
	ws.RootPath = source.DestPath

	tmpl, _ := m.lookupTemplate(source.TemplateKind)
	for _, f := range tmpl.Files {
		dst := filepath.Join(source.DestPath, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("failed to create seed directory: %w", err)
		}
		content := f.Content
		if source.ProjectName != "" {
			content = expandProjectName(content, source.ProjectName)
		}
		if err := os.WriteFile(dst, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write seed file %s: %w", f.Path, err)
		}
	}
	return m.ensureHistory(ctx, ws, tmpl.CommitMessage)
}

func (m *Manager) lookupTemplate(kind string) (Template, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.templates[kind]; ok {
		return t, true
	}
	// Minimal default seed keeps the initial commit non-empty.
	return Template{
		Kind: "default",
		Files: []SeedFile{
			{Path: "README.md", Content: "# {{project}}\n\nScaffolded by agentgate.\n"},
		},
		CommitMessage: "initial commit",
	}, false
}

func expandProjectName(content, name string) string {
	return strings.ReplaceAll(content, "{{project}}", name)
}

// ensureHistory initializes the git backend and records an initial commit so
// the first snapshot has a parent.
func (m *Manager) ensureHistory(ctx context.Context, ws *model.Workspace, message string) error {
	if message == "" {
		message = "initial commit"
	}
	if m.Git.IsRepo(ctx, ws.RootPath) {
		ws.HistoryInitialized = true
		return nil
	}
	if err := m.Git.Init(ctx, ws.RootPath); err != nil {
		return fmt.Errorf("failed to initialize history: %w", err)
	}
	if err := m.Git.AddAll(ctx, ws.RootPath); err != nil {
		return fmt.Errorf("failed to stage initial state: %w", err)
	}
	clean, err := m.Git.IsClean(ctx, ws.RootPath)
	if err != nil {
		return fmt.Errorf("failed to inspect fresh workspace: %w", err)
	}
	if !clean {
		if err := m.Git.Commit(ctx, ws.RootPath, message); err != nil {
			return fmt.Errorf("failed to record initial commit: %w", err)
		}
	}
	ws.HistoryInitialized = true
	return nil
}

// Lease acquires the workspace for exclusive mutation. It fails if a lease is
// already active.
func (m *Manager) Lease(workspaceID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return "", fmt.Errorf("unknown workspace: %s", workspaceID)
	}
	if ws.Status == model.WorkspaceLeased {
		return "", fmt.Errorf("workspace %s is already leased (lease %s)", workspaceID, ws.LeaseID)
	}
	leaseID := model.NewID(model.IDPrefixLease)
	now := m.now().UTC()
	ws.LeaseID = leaseID
	ws.LeasedAt = &now
	ws.Status = model.WorkspaceLeased
	return leaseID, nil
}

// Release frees a lease. Releasing with a stale lease id is an error; the
// workspace state is left untouched.
func (m *Manager) Release(workspaceID, leaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return fmt.Errorf("unknown workspace: %s", workspaceID)
	}
	if ws.LeaseID != leaseID {
		return fmt.Errorf("lease mismatch for workspace %s", workspaceID)
	}
	ws.LeaseID = ""
	ws.LeasedAt = nil
	ws.Status = model.WorkspaceAvailable
	return nil
}

// Get returns a copy of the workspace record.
func (m *Manager) Get(workspaceID string) (model.Workspace, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return model.Workspace{}, false
	}
	return *ws, true
}
