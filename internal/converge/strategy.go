package converge

import (
	"fmt"
	"time"

	"agentgate/internal/model"
)

// DecisionKind is what the strategy wants the loop to do next.
type DecisionKind string

const (
	DecisionContinue DecisionKind = "continue"
	DecisionStop     DecisionKind = "stop"
	DecisionRetry    DecisionKind = "retry"
	DecisionEscalate DecisionKind = "escalate"
)

// Decision is a strategy verdict plus the reason it was reached.
type Decision struct {
	Kind   DecisionKind
	Reason string
}

// Progress captures the per-iteration deltas the strategies reason about.
type Progress struct {
	ErrorsFixed     int
	ErrorsRemaining int
	LinesChanged    int
	FilesChanged    int
}

// Context is the loop state shared with strategies. The controller owns it;
// strategies only read and record into their own fields.
type Context struct {
	WorkOrderID   string
	RunID         string
	Iteration     int
	MaxIterations int
	StartedAt     time.Time

	History  []model.IterationRecord
	Progress []Progress

	// AllGatesPassed reflects the most recent verification round.
	AllGatesPassed bool
	// AgentSignaledDone is set when the agent's structured output claims
	// completion.
	AgentSignaledDone bool
	// Similarity is the latest consecutive-output similarity in [0, 1], or
	// negative when unknown.
	Similarity float64

	TokensUsed int64
	CostUsed   float64
}

// Strategy decides when the iteration loop stops.
type Strategy interface {
	Name() string
	OnLoopStart(c *Context)
	OnIterationStart(c *Context)
	ShouldContinue(c *Context) Decision
}

// NewStrategy builds the named strategy from its plan config block.
func NewStrategy(name string, config map[string]any) (Strategy, error) {
	switch name {
	case "fixed":
		n := intConfig(config, "iterations", 0)
		return NewFixedStrategy(n), nil
	case "hybrid", "adaptive":
		return NewHybridStrategy(
			intConfig(config, "base", 3),
			intConfig(config, "bonus", 2),
			floatConfig(config, "threshold", 0.5),
		), nil
	case "ralph":
		return NewRalphStrategy(
			intConfig(config, "window_size", 3),
			floatConfig(config, "threshold", 0.95),
			intConfig(config, "min_iterations", 2),
		), nil
	case "manual":
		return NewManualStrategy(nil), nil
	default:
		return nil, fmt.Errorf("unknown convergence strategy: %q", name)
	}
}

func intConfig(config map[string]any, key string, def int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func floatConfig(config map[string]any, key string, def float64) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// FixedStrategy runs exactly N iterations unless the gates pass early.
type FixedStrategy struct {
	N int
}

func NewFixedStrategy(n int) *FixedStrategy { return &FixedStrategy{N: n} }

func (s *FixedStrategy) Name() string { return "fixed" }
func (s *FixedStrategy) OnLoopStart(c *Context) {}
func (s *FixedStrategy) OnIterationStart(*Context) {}

func (s *FixedStrategy) ShouldContinue(c *Context) Decision {
	if c.AllGatesPassed {
		return Decision{DecisionStop, "all gates passed"}
	}
	limit := s.N
	if limit <= 0 {
		// Defer to the loop's own iteration cap.
		return Decision{DecisionContinue, "iterations remain"}
	}
	if limit > c.MaxIterations {
		limit = c.MaxIterations
	}
	if c.Iteration >= limit {
		return Decision{DecisionStop, fmt.Sprintf("reached fixed iteration limit %d", limit)}
	}
	return Decision{DecisionContinue, "iterations remain"}
}

// HybridStrategy allows up to Base iterations, plus up to Bonus extra while
// progress velocity stays at or above Threshold.
type HybridStrategy struct {
	Base      int
	Bonus     int
	Threshold float64
}

func NewHybridStrategy(base, bonus int, threshold float64) *HybridStrategy {
	return &HybridStrategy{Base: base, Bonus: bonus, Threshold: threshold}
}

func (s *HybridStrategy) Name() string { return "hybrid" }
func (s *HybridStrategy) OnLoopStart(*Context) {}
func (s *HybridStrategy) OnIterationStart(*Context) {}

// velocity is the fraction of previously seen errors fixed in the last
// iteration. No data means zero velocity.
func velocity(c *Context) float64 {
	if len(c.Progress) == 0 {
		return 0
	}
	last := c.Progress[len(c.Progress)-1]
	total := last.ErrorsFixed + last.ErrorsRemaining
	if total == 0 {
		return 0
	}
	return float64(last.ErrorsFixed) / float64(total)
}

func (s *HybridStrategy) ShouldContinue(c *Context) Decision {
	if c.AllGatesPassed {
		return Decision{DecisionStop, "all gates passed"}
	}
	if c.Iteration < s.Base {
		return Decision{DecisionContinue, "within base iteration budget"}
	}
	if c.Iteration >= s.Base+s.Bonus {
		return Decision{DecisionStop, fmt.Sprintf("exhausted base %d plus bonus %d iterations", s.Base, s.Bonus)}
	}
	if v := velocity(c); v >= s.Threshold {
		return Decision{DecisionContinue, fmt.Sprintf("progress velocity %.2f earned a bonus iteration", v)}
	}
	return Decision{DecisionStop, fmt.Sprintf("progress velocity below %.2f, no bonus earned", s.Threshold)}
}

// RalphStrategy continues until the agent signals completion or consecutive
// outputs stabilize: similarity at or above Threshold for WindowSize
// iterations in a row, once MinIterations have run.
type RalphStrategy struct {
	WindowSize    int
	Threshold     float64
	MinIterations int

	stableStreak int
}

func NewRalphStrategy(windowSize int, threshold float64, minIterations int) *RalphStrategy {
	if windowSize <= 0 {
		windowSize = 3
	}
	return &RalphStrategy{WindowSize: windowSize, Threshold: threshold, MinIterations: minIterations}
}

func (s *RalphStrategy) Name() string { return "ralph" }

func (s *RalphStrategy) OnLoopStart(*Context) { s.stableStreak = 0 }

func (s *RalphStrategy) OnIterationStart(*Context) {}

func (s *RalphStrategy) ShouldContinue(c *Context) Decision {
	if c.AllGatesPassed {
		return Decision{DecisionStop, "all gates passed"}
	}
	if c.AgentSignaledDone {
		return Decision{DecisionStop, "agent signaled completion"}
	}
	if c.Similarity >= 0 && c.Similarity >= s.Threshold {
		s.stableStreak++
	} else {
		s.stableStreak = 0
	}
	if c.Iteration >= s.MinIterations && s.stableStreak >= s.WindowSize {
		return Decision{DecisionStop, fmt.Sprintf("output stable for %d iterations", s.stableStreak)}
	}
	return Decision{DecisionContinue, "output still changing"}
}

// ManualStrategy defers every continue/stop decision to an external actor.
// A nil decide function stops immediately rather than looping unattended.
type ManualStrategy struct {
	Decide func(c *Context) Decision
}

func NewManualStrategy(decide func(c *Context) Decision) *ManualStrategy {
	return &ManualStrategy{Decide: decide}
}

func (s *ManualStrategy) Name() string { return "manual" }
func (s *ManualStrategy) OnLoopStart(*Context) {}
func (s *ManualStrategy) OnIterationStart(*Context) {}

func (s *ManualStrategy) ShouldContinue(c *Context) Decision {
	if c.AllGatesPassed {
		return Decision{DecisionStop, "all gates passed"}
	}
	if s.Decide == nil {
		return Decision{DecisionStop, "no manual decider configured"}
	}
	return s.Decide(c)
}
