package gate

import (
	"context"
	"fmt"
	"time"

	"agentgate/internal/model"
	"agentgate/internal/sandbox"
	"agentgate/internal/telemetry"
)

// RunContext carries everything a runner needs for one evaluation.
type RunContext struct {
	WorkOrderID   string
	RunID         string
	Iteration     int
	WorkspacePath string
	Sandbox       sandbox.Sandbox
	Snapshot      model.Snapshot
}

// Runner evaluates one gate. Runners are constructed once per run and may
// keep per-run state (convergence history); Reset discards it.
type Runner interface {
	Gate() Gate
	Run(ctx context.Context, rc RunContext) model.GateResult
	Reset()
}

// NewRunner builds the runner for a gate, validating check-specific
// configuration eagerly so a bad plan fails before the first iteration.
func NewRunner(g Gate) (Runner, error) {
	switch g.Check.Type {
	case CheckContracts:
		return newContractsRunner(g)
	case CheckTests, CheckBuild, CheckLint, CheckCustom:
		return newCommandRunner(g)
	case CheckConvergence:
		return newConvergenceRunner(g)
	case CheckCI:
		return newCIRunner(g, nil)
	default:
		return nil, fmt.Errorf("gate %q: unknown check type %q", g.Name, g.Check.Type)
	}
}

// BuildRunners constructs runners for every gate in plan order.
func BuildRunners(p *Plan) ([]Runner, error) {
	runners := make([]Runner, 0, len(p.Gates))
	for _, g := range p.Gates {
		r, err := NewRunner(g)
		if err != nil {
			return nil, err
		}
		runners = append(runners, r)
	}
	return runners, nil
}

// result fills the common GateResult fields and records the metric.
func result(g Gate, start time.Time, passed bool, failures []model.GateFailure, details map[string]any) model.GateResult {
	telemetry.TrackGateResult(string(g.Check.Type), passed)
	return model.GateResult{
		Gate:      g.Name,
		CheckType: string(g.Check.Type),
		Passed:    passed,
		Duration:  time.Since(start),
		Details:   details,
		Failures:  failures,
	}
}

// fail is shorthand for a single-message failing result.
func fail(g Gate, start time.Time, msg string) model.GateResult {
	return result(g, start, false, []model.GateFailure{{Message: msg}}, nil)
}
