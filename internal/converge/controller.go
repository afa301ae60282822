package converge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentgate/internal/model"
	"agentgate/internal/telemetry"
)

// Status is the terminal outcome of the iteration loop.
type Status string

const (
	StatusConverged Status = "converged"
	StatusDiverged  Status = "diverged"
	StatusStopped   Status = "stopped"
	StatusEscalated Status = "escalated"
	StatusCanceled  Status = "canceled"
	StatusError     Status = "error"
)

// BuildResult is what one agent invocation reports back to the loop.
type BuildResult struct {
	AgentSignaledDone bool
	TokensUsed        int64
	Cost              float64
	OutputSimilarity  float64 // negative when unknown
}

// Callbacks are the host hooks the controller drives each iteration. OnBuild
// and OnSnapshot are required; OnFeedback defaults to GenerateFeedback.
type Callbacks struct {
	OnBuild     func(ctx context.Context, iteration int, feedback string) (BuildResult, error)
	OnSnapshot  func(ctx context.Context, iteration int) (model.Snapshot, error)
	OnGateCheck func(ctx context.Context, iteration int, snap model.Snapshot) ([]model.GateResult, error)
	OnFeedback  func(iteration int, results []model.GateResult) string
}

// Limits caps the loop independently of the strategy.
type Limits struct {
	MaxIterations int
	MaxWallClock  time.Duration
	MaxCost       float64
	MaxTokens     int64
}

// Outcome summarizes a finished loop.
type Outcome struct {
	Status     Status
	Reason     string
	Iterations int
	History    []model.IterationRecord
	TokensUsed int64
	CostUsed   float64
}

// Controller runs the build/snapshot/verify/feedback loop for one run.
type Controller struct {
	strategy Strategy
	detector *LoopDetector
	limits   Limits
	now      func() time.Time
}

func NewController(strategy Strategy, limits Limits) *Controller {
	if limits.MaxIterations <= 0 {
		limits.MaxIterations = 1
	}
	return &Controller{
		strategy: strategy,
		detector: NewLoopDetector(),
		limits:   limits,
		now:      time.Now,
	}
}

// Run drives iterations until the strategy stops, a cap is hit, a loop is
// detected, or the context is canceled.
func (c *Controller) Run(ctx context.Context, workOrderID, runID string, cb Callbacks) (Outcome, error) {
	if cb.OnBuild == nil || cb.OnSnapshot == nil || cb.OnGateCheck == nil {
		return Outcome{Status: StatusError, Reason: "missing loop callbacks"}, fmt.Errorf("controller requires OnBuild, OnSnapshot and OnGateCheck")
	}
	if cb.OnFeedback == nil {
		cb.OnFeedback = GenerateFeedback
	}

	lc := &Context{
		WorkOrderID:   workOrderID,
		RunID:         runID,
		MaxIterations: c.limits.MaxIterations,
		StartedAt:     c.now(),
		Similarity:    -1,
	}
	c.detector.Reset()
	c.strategy.OnLoopStart(lc)

	feedback := ""
	prevErrors := 0
	escalatePending := ""

	for {
		if err := ctx.Err(); err != nil {
			return c.finish(lc, StatusCanceled, "canceled"), nil
		}
		if capReason := c.capExceeded(lc); capReason != "" {
			return c.finish(lc, StatusDiverged, capReason), nil
		}

		lc.Iteration++
		telemetry.TrackIteration()
		c.strategy.OnIterationStart(lc)

		build, err := cb.OnBuild(ctx, lc.Iteration, feedback)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return c.finish(lc, StatusCanceled, "canceled"), nil
			}
			return c.finish(lc, StatusError, fmt.Sprintf("build failed: %v", err)), err
		}
		lc.AgentSignaledDone = build.AgentSignaledDone
		lc.Similarity = build.OutputSimilarity
		lc.TokensUsed += build.TokensUsed
		lc.CostUsed += build.Cost

		snap, err := cb.OnSnapshot(ctx, lc.Iteration)
		if err != nil {
			return c.finish(lc, StatusError, fmt.Sprintf("snapshot failed: %v", err)), err
		}

		results, err := cb.OnGateCheck(ctx, lc.Iteration, snap)
		if err != nil {
			return c.finish(lc, StatusError, fmt.Sprintf("verification failed: %v", err)), err
		}

		curErrors := countFailures(results)
		fixed := prevErrors - curErrors
		if fixed < 0 {
			fixed = 0
		}
		lc.Progress = append(lc.Progress, Progress{
			ErrorsFixed:     fixed,
			ErrorsRemaining: curErrors,
			LinesChanged:    snap.Insertions + snap.Deletions,
			FilesChanged:    snap.FilesChanged,
		})
		prevErrors = curErrors
		lc.AllGatesPassed = curErrors == 0 && allPassed(results)

		signature := ErrorSignature(results)
		fileHashes, hashErr := HashWorkspaceFiles(snap.WorkspacePath)
		if hashErr != nil {
			fileHashes = nil
		}
		c.detector.Record(Fingerprint{
			Iteration:      lc.Iteration,
			SHA:            snap.AfterSHA,
			FileHashes:     fileHashes,
			ErrorSignature: signature,
		})
		if !lc.AllGatesPassed {
			if det, ok := c.detector.Detect(); ok {
				escalatePending = fmt.Sprintf("%s loop detected: %s (confidence %.2f)", det.Kind, det.Reason, det.Confidence)
			}
		}

		decision := c.strategy.ShouldContinue(lc)
		if escalatePending != "" && decision.Kind == DecisionContinue {
			decision = Decision{DecisionEscalate, escalatePending}
		}

		lc.History = append(lc.History, model.IterationRecord{
			Iteration:      lc.Iteration,
			Timestamp:      c.now(),
			GateResults:    results,
			Decision:       string(decision.Kind),
			SnapshotSHA:    snap.AfterSHA,
			ErrorSignature: signature,
		})

		if lc.AllGatesPassed {
			return c.finish(lc, StatusConverged, "all gates passed"), nil
		}
		switch decision.Kind {
		case DecisionStop:
			return c.finish(lc, StatusStopped, decision.Reason), nil
		case DecisionEscalate:
			return c.finish(lc, StatusEscalated, decision.Reason), nil
		}
		if lc.Iteration >= c.limits.MaxIterations {
			return c.finish(lc, StatusDiverged, fmt.Sprintf("max iterations (%d) exceeded", c.limits.MaxIterations)), nil
		}

		feedback = cb.OnFeedback(lc.Iteration, results)
	}
}

// capExceeded names the first violated hard cap, or returns "".
func (c *Controller) capExceeded(lc *Context) string {
	if c.limits.MaxWallClock > 0 && c.now().Sub(lc.StartedAt) >= c.limits.MaxWallClock {
		return fmt.Sprintf("max wall clock (%s) exceeded", c.limits.MaxWallClock)
	}
	if c.limits.MaxTokens > 0 && lc.TokensUsed >= c.limits.MaxTokens {
		return fmt.Sprintf("max tokens (%d) exceeded", c.limits.MaxTokens)
	}
	if c.limits.MaxCost > 0 && lc.CostUsed >= c.limits.MaxCost {
		return fmt.Sprintf("max cost ($%.2f) exceeded", c.limits.MaxCost)
	}
	return ""
}

func (c *Controller) finish(lc *Context, status Status, reason string) Outcome {
	return Outcome{
		Status:     status,
		Reason:     reason,
		Iterations: lc.Iteration,
		History:    lc.History,
		TokensUsed: lc.TokensUsed,
		CostUsed:   lc.CostUsed,
	}
}

func countFailures(results []model.GateResult) int {
	n := 0
	for _, r := range results {
		n += len(r.Failures)
		if !r.Passed && len(r.Failures) == 0 {
			n++
		}
	}
	return n
}

func allPassed(results []model.GateResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}
