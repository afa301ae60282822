package converge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/internal/model"
)

// loopHost scripts the per-iteration behavior the controller drives.
type loopHost struct {
	workspace string

	// passAfter makes gates pass from this iteration on; 0 never passes.
	passAfter int
	// sameSHA pins every snapshot to one SHA to trip the loop detector.
	sameSHA bool

	builds    []string // feedback received per build
	buildErr  error
	snapErr   error
	gateErr   error
	buildDone bool
}

func (h *loopHost) callbacks() Callbacks {
	return Callbacks{
		OnBuild: func(ctx context.Context, iteration int, feedback string) (BuildResult, error) {
			if h.buildErr != nil {
				return BuildResult{}, h.buildErr
			}
			h.builds = append(h.builds, feedback)
			return BuildResult{
				AgentSignaledDone: h.buildDone,
				TokensUsed:        1000,
				Cost:              0.25,
				OutputSimilarity:  -1,
			}, nil
		},
		OnSnapshot: func(ctx context.Context, iteration int) (model.Snapshot, error) {
			if h.snapErr != nil {
				return model.Snapshot{}, h.snapErr
			}
			sha := fmt.Sprintf("sha-%d", iteration)
			if h.sameSHA {
				sha = "sha-stuck"
			}
			return model.Snapshot{
				WorkspacePath: h.workspace,
				BeforeSHA:     "base",
				AfterSHA:      sha,
				FilesChanged:  1,
				Insertions:    5,
			}, nil
		},
		OnGateCheck: func(ctx context.Context, iteration int, snap model.Snapshot) ([]model.GateResult, error) {
			if h.gateErr != nil {
				return nil, h.gateErr
			}
			if h.passAfter > 0 && iteration >= h.passAfter {
				return []model.GateResult{{Gate: "tests", CheckType: "tests", Passed: true}}, nil
			}
			return []model.GateResult{{
				Gate: "tests", CheckType: "tests", Passed: false,
				Failures: []model.GateFailure{{Message: "TestX failed", File: fmt.Sprintf("x_%d.go", iteration)}},
			}}, nil
		},
	}
}

func newTestController(t *testing.T, limits Limits) *Controller {
	t.Helper()
	if limits.MaxIterations == 0 {
		limits.MaxIterations = 10
	}
	return NewController(NewFixedStrategy(0), limits)
}

func TestControllerConverges(t *testing.T) {
	h := &loopHost{workspace: t.TempDir(), passAfter: 3}
	c := newTestController(t, Limits{})

	out, err := c.Run(context.Background(), "wo-1", "run-1", h.callbacks())
	require.NoError(t, err)
	assert.Equal(t, StatusConverged, out.Status)
	assert.Equal(t, 3, out.Iterations)
	assert.Len(t, out.History, 3)
	assert.Equal(t, int64(3000), out.TokensUsed)
	assert.InDelta(t, 0.75, out.CostUsed, 1e-9)

	// First build has no feedback; later ones carry the failure report.
	require.Len(t, h.builds, 3)
	assert.Empty(t, h.builds[0])
	assert.Contains(t, h.builds[1], "TestX failed")
}

func TestControllerDivergesAtMaxIterations(t *testing.T) {
	h := &loopHost{workspace: t.TempDir()}
	c := newTestController(t, Limits{MaxIterations: 2})

	out, err := c.Run(context.Background(), "wo-1", "run-1", h.callbacks())
	require.NoError(t, err)
	assert.Equal(t, StatusDiverged, out.Status)
	assert.Equal(t, "max iterations (2) exceeded", out.Reason)
	assert.Equal(t, 2, out.Iterations)
}

func TestControllerTokenCap(t *testing.T) {
	h := &loopHost{workspace: t.TempDir()}
	c := newTestController(t, Limits{MaxTokens: 1500})

	out, err := c.Run(context.Background(), "wo-1", "run-1", h.callbacks())
	require.NoError(t, err)
	assert.Equal(t, StatusDiverged, out.Status)
	assert.Contains(t, out.Reason, "max tokens")
	assert.Equal(t, 2, out.Iterations, "cap is checked before the next iteration starts")
}

func TestControllerCostCap(t *testing.T) {
	h := &loopHost{workspace: t.TempDir()}
	c := newTestController(t, Limits{MaxCost: 0.40})

	out, err := c.Run(context.Background(), "wo-1", "run-1", h.callbacks())
	require.NoError(t, err)
	assert.Equal(t, StatusDiverged, out.Status)
	assert.Contains(t, out.Reason, "max cost")
}

func TestControllerWallClockCap(t *testing.T) {
	h := &loopHost{workspace: t.TempDir()}
	c := newTestController(t, Limits{MaxWallClock: time.Nanosecond})
	time.Sleep(time.Millisecond)

	out, err := c.Run(context.Background(), "wo-1", "run-1", h.callbacks())
	require.NoError(t, err)
	assert.Equal(t, StatusDiverged, out.Status)
	assert.Contains(t, out.Reason, "max wall clock")
	assert.Zero(t, out.Iterations)
}

func TestControllerEscalatesOnLoop(t *testing.T) {
	// Identical snapshots and identical error signatures from iteration two
	// on; the detector should fire well before the iteration budget.
	h := &loopHost{workspace: t.TempDir(), sameSHA: true}
	c := newTestController(t, Limits{MaxIterations: 10})

	out, err := c.Run(context.Background(), "wo-1", "run-1", h.callbacks())
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, out.Status)
	assert.Contains(t, out.Reason, "loop detected")
	assert.Less(t, out.Iterations, 10)
}

func TestControllerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := &loopHost{workspace: t.TempDir()}
	c := newTestController(t, Limits{})

	out, err := c.Run(ctx, "wo-1", "run-1", h.callbacks())
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, out.Status)
}

func TestControllerBuildError(t *testing.T) {
	h := &loopHost{workspace: t.TempDir(), buildErr: errors.New("agent crashed")}
	c := newTestController(t, Limits{})

	out, err := c.Run(context.Background(), "wo-1", "run-1", h.callbacks())
	assert.Error(t, err)
	assert.Equal(t, StatusError, out.Status)
	assert.Contains(t, out.Reason, "build failed")
}

func TestControllerSnapshotError(t *testing.T) {
	h := &loopHost{workspace: t.TempDir(), snapErr: errors.New("git broke")}
	c := newTestController(t, Limits{})

	out, err := c.Run(context.Background(), "wo-1", "run-1", h.callbacks())
	assert.Error(t, err)
	assert.Equal(t, StatusError, out.Status)
}

func TestControllerRequiresCallbacks(t *testing.T) {
	c := newTestController(t, Limits{})
	_, err := c.Run(context.Background(), "wo-1", "run-1", Callbacks{})
	assert.Error(t, err)
}

func TestControllerAgentDoneWithRalph(t *testing.T) {
	h := &loopHost{workspace: t.TempDir(), buildDone: true}
	c := NewController(NewRalphStrategy(3, 0.95, 1), Limits{MaxIterations: 10})

	out, err := c.Run(context.Background(), "wo-1", "run-1", h.callbacks())
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, out.Status)
	assert.Equal(t, "agent signaled completion", out.Reason)
	assert.Equal(t, 1, out.Iterations)
}
