package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"agentgate/internal/model"
)

const (
	dirWorkOrders = "workorders"
	dirRuns       = "runs"
	dirWorkspaces = "workspaces"
)

// Store persists entities as one JSON file per id under the application
// state directory. Directories are created 0700; timestamps round-trip as
// ISO-8601 strings via encoding/json.
type Store struct {
	root string
	mu   sync.Mutex
}

// New creates the state directory layout.
func New(root string) (*Store, error) {
	for _, dir := range []string{dirWorkOrders, dirRuns, dirWorkspaces} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

func (s *Store) path(dir, id string) string {
	return filepath.Join(s.root, dir, id+".json")
}

func (s *Store) save(dir, id string, v any) error {
	if id == "" {
		return fmt.Errorf("cannot persist entity with empty id")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize %s/%s: %w", dir, id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Write-then-rename so a crash never leaves a torn file behind.
	tmp := s.path(dir, id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", dir, id, err)
	}
	if err := os.Rename(tmp, s.path(dir, id)); err != nil {
		return fmt.Errorf("failed to commit %s/%s: %w", dir, id, err)
	}
	return nil
}

func (s *Store) load(dir, id string, v any) error {
	s.mu.Lock()
	data, err := os.ReadFile(s.path(dir, id))
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to read %s/%s: %w", dir, id, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", dir, id, err)
	}
	return nil
}

func (s *Store) delete(dir, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(dir, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s/%s: %w", dir, id, err)
	}
	return nil
}

func (s *Store) listIDs(dir string) ([]string, error) {
	s.mu.Lock()
	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func (s *Store) SaveWorkOrder(w *model.WorkOrder) error { return s.save(dirWorkOrders, w.ID, w) }

func (s *Store) LoadWorkOrder(id string) (*model.WorkOrder, error) {
	var w model.WorkOrder
	if err := s.load(dirWorkOrders, id, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) DeleteWorkOrder(id string) error { return s.delete(dirWorkOrders, id) }

// ListWorkOrders loads every persisted work order. Unreadable files are
// skipped rather than failing the whole listing.
func (s *Store) ListWorkOrders() ([]*model.WorkOrder, error) {
	ids, err := s.listIDs(dirWorkOrders)
	if err != nil {
		return nil, err
	}
	orders := make([]*model.WorkOrder, 0, len(ids))
	for _, id := range ids {
		w, err := s.LoadWorkOrder(id)
		if err != nil {
			continue
		}
		orders = append(orders, w)
	}
	return orders, nil
}

func (s *Store) SaveRun(r *model.Run) error { return s.save(dirRuns, r.ID, r) }

func (s *Store) LoadRun(id string) (*model.Run, error) {
	var r model.Run
	if err := s.load(dirRuns, id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) DeleteRun(id string) error { return s.delete(dirRuns, id) }

func (s *Store) SaveWorkspace(w *model.Workspace) error { return s.save(dirWorkspaces, w.ID, w) }

func (s *Store) LoadWorkspace(id string) (*model.Workspace, error) {
	var w model.Workspace
	if err := s.load(dirWorkspaces, id, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) DeleteWorkspace(id string) error { return s.delete(dirWorkspaces, id) }
