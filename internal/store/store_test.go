package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/internal/model"
	"agentgate/internal/runstate"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestWorkOrderRoundTrip(t *testing.T) {
	s := newTestStore(t)
	created := time.Date(2025, 7, 1, 9, 30, 0, 0, time.UTC)
	wo := &model.WorkOrder{
		ID:            model.NewID(model.IDPrefixWorkOrder),
		Task:          "wire up the new billing endpoint",
		Driver:        "claude",
		Status:        model.StatusQueued,
		MaxIterations: 3,
		CreatedAt:     created,
		Source:        model.WorkspaceSource{Kind: model.SourceLocal, Path: "/tmp/ws"},
	}
	require.NoError(t, s.SaveWorkOrder(wo))

	got, err := s.LoadWorkOrder(wo.ID)
	require.NoError(t, err)
	assert.Equal(t, wo.Task, got.Task)
	assert.Equal(t, model.StatusQueued, got.Status)
	assert.True(t, got.CreatedAt.Equal(created), "timestamps survive the round trip")
}

func TestLoadMissingWorkOrder(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadWorkOrder("wo_missing")
	assert.Error(t, err)
}

func TestSaveRejectsEmptyID(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.SaveWorkOrder(&model.WorkOrder{}))
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	wo := &model.WorkOrder{ID: "wo_del", Task: "some task to delete here"}
	require.NoError(t, s.SaveWorkOrder(wo))
	require.NoError(t, s.DeleteWorkOrder("wo_del"))
	require.NoError(t, s.DeleteWorkOrder("wo_del"))
	_, err := s.LoadWorkOrder("wo_del")
	assert.Error(t, err)
}

func TestListWorkOrdersSkipsCorruptFiles(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)

	require.NoError(t, s.SaveWorkOrder(&model.WorkOrder{ID: "wo_a", Task: "first valid order"}))
	require.NoError(t, s.SaveWorkOrder(&model.WorkOrder{ID: "wo_b", Task: "second valid order"}))
	require.NoError(t, os.WriteFile(filepath.Join(root, "workorders", "wo_bad.json"), []byte("{torn"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "workorders", "notes.txt"), []byte("x"), 0o600))

	orders, err := s.ListWorkOrders()
	require.NoError(t, err)
	assert.Len(t, orders, 2)
}

func TestRunRoundTrip(t *testing.T) {
	s := newTestStore(t)
	run := &model.Run{ID: "run_1", WorkOrderID: "wo_1", State: runstate.StateVerifying, Iteration: 2}
	require.NoError(t, s.SaveRun(run))

	got, err := s.LoadRun("run_1")
	require.NoError(t, err)
	assert.Equal(t, "wo_1", got.WorkOrderID)
	assert.Equal(t, runstate.StateVerifying, got.State)
	assert.Equal(t, 2, got.Iteration)
	require.NoError(t, s.DeleteRun("run_1"))
}

func TestWorkspaceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ws := &model.Workspace{ID: "ws_1", RootPath: "/tmp/ws", Status: model.WorkspaceAvailable}
	require.NoError(t, s.SaveWorkspace(ws))

	got, err := s.LoadWorkspace("ws_1")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ws", got.RootPath)
	require.NoError(t, s.DeleteWorkspace("ws_1"))
}

func TestStateDirectoriesArePrivate(t *testing.T) {
	root := t.TempDir()
	_, err := New(root)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(root, "workorders"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}
