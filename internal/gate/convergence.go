package gate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agentgate/internal/model"
)

// defaultSimilarityThreshold is the Jaccard similarity above which two
// consecutive diffs count as converged.
const defaultSimilarityThreshold = 0.95

// convergenceRunner passes when consecutive iterations stop producing
// meaningful change. It is stateful across iterations of one run: the first
// evaluation always fails because there is nothing to compare against.
type convergenceRunner struct {
	gate      Gate
	threshold float64

	prevSHA    string
	prevTokens map[string]bool
	evaluated  bool
}

func newConvergenceRunner(g Gate) (*convergenceRunner, error) {
	switch g.Check.Strategy {
	case "", "fingerprint", "similarity":
	default:
		return nil, fmt.Errorf("gate %q: unknown convergence strategy %q", g.Name, g.Check.Strategy)
	}
	threshold := g.Check.Threshold
	if threshold == 0 {
		threshold = defaultSimilarityThreshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("gate %q: threshold %v out of range [0, 1]", g.Name, threshold)
	}
	return &convergenceRunner{gate: g, threshold: threshold}, nil
}

func (r *convergenceRunner) Gate() Gate { return r.gate }

// Reset discards cross-iteration state so the runner can serve a new run.
func (r *convergenceRunner) Reset() {
	r.prevSHA = ""
	r.prevTokens = nil
	r.evaluated = false
}

func (r *convergenceRunner) Run(ctx context.Context, rc RunContext) model.GateResult {
	start := time.Now()

	curSHA := rc.Snapshot.AfterSHA
	curTokens := tokenize(rc.Snapshot.Diff)

	first := !r.evaluated
	prevSHA := r.prevSHA
	prevTokens := r.prevTokens
	r.prevSHA = curSHA
	r.prevTokens = curTokens
	r.evaluated = true

	if first {
		return fail(r.gate, start, "first iteration: no previous state to compare")
	}

	switch r.gate.Check.Strategy {
	case "similarity":
		sim := jaccard(prevTokens, curTokens)
		details := map[string]any{"similarity": sim, "threshold": r.threshold}
		if sim >= r.threshold {
			return result(r.gate, start, true, nil, details)
		}
		return result(r.gate, start, false, []model.GateFailure{{
			Message: fmt.Sprintf("diff similarity %.3f below threshold %.3f", sim, r.threshold),
		}}, details)
	default: // fingerprint
		details := map[string]any{"before": prevSHA, "after": curSHA}
		if !rc.Snapshot.Changed() || curSHA == prevSHA {
			return result(r.gate, start, true, nil, details)
		}
		return result(r.gate, start, false, []model.GateFailure{{
			Message: "workspace still changing between iterations",
		}}, details)
	}
}

// tokenize splits text on whitespace into a set.
func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		tokens[tok] = true
	}
	return tokens
}

// jaccard is |A∩B| / |A∪B|. Two empty sets are identical.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 1.0
	}
	return float64(inter) / float64(union)
}
