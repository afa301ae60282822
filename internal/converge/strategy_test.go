package converge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStrategy(t *testing.T) {
	for name, want := range map[string]string{
		"fixed":    "fixed",
		"hybrid":   "hybrid",
		"adaptive": "hybrid",
		"ralph":    "ralph",
		"manual":   "manual",
	} {
		s, err := NewStrategy(name, nil)
		require.NoError(t, err, name)
		assert.Equal(t, want, s.Name(), name)
	}
	_, err := NewStrategy("genetic", nil)
	assert.Error(t, err)
}

func TestNewStrategyReadsConfig(t *testing.T) {
	s, err := NewStrategy("hybrid", map[string]any{
		"base": float64(4), "bonus": 1, "threshold": 0.75,
	})
	require.NoError(t, err)
	h := s.(*HybridStrategy)
	assert.Equal(t, 4, h.Base)
	assert.Equal(t, 1, h.Bonus)
	assert.InDelta(t, 0.75, h.Threshold, 1e-9)
}

func TestFixedStrategy(t *testing.T) {
	s := NewFixedStrategy(3)
	c := &Context{MaxIterations: 10}

	c.Iteration = 1
	assert.Equal(t, DecisionContinue, s.ShouldContinue(c).Kind)

	c.Iteration = 3
	assert.Equal(t, DecisionStop, s.ShouldContinue(c).Kind)

	c.Iteration = 1
	c.AllGatesPassed = true
	d := s.ShouldContinue(c)
	assert.Equal(t, DecisionStop, d.Kind)
	assert.Equal(t, "all gates passed", d.Reason)
}

func TestFixedStrategyClampsToMaxIterations(t *testing.T) {
	s := NewFixedStrategy(50)
	c := &Context{MaxIterations: 5, Iteration: 5}
	assert.Equal(t, DecisionStop, s.ShouldContinue(c).Kind)

	// Zero N falls back to the loop cap too.
	s = NewFixedStrategy(0)
	c = &Context{MaxIterations: 5, Iteration: 4}
	assert.Equal(t, DecisionContinue, s.ShouldContinue(c).Kind)
}

func TestHybridStrategyBonusRequiresVelocity(t *testing.T) {
	s := NewHybridStrategy(2, 2, 0.5)
	c := &Context{MaxIterations: 10, Iteration: 1}
	assert.Equal(t, DecisionContinue, s.ShouldContinue(c).Kind)

	// Past base with strong progress: bonus granted.
	c.Iteration = 2
	c.Progress = []Progress{{ErrorsFixed: 8, ErrorsRemaining: 2}}
	assert.Equal(t, DecisionContinue, s.ShouldContinue(c).Kind)

	// Past base with weak progress: stop.
	c.Progress = []Progress{{ErrorsFixed: 1, ErrorsRemaining: 9}}
	assert.Equal(t, DecisionStop, s.ShouldContinue(c).Kind)

	// Bonus budget exhausted regardless of velocity.
	c.Iteration = 4
	c.Progress = []Progress{{ErrorsFixed: 10}}
	assert.Equal(t, DecisionStop, s.ShouldContinue(c).Kind)
}

func TestHybridStrategyNoProgressDataMeansNoBonus(t *testing.T) {
	s := NewHybridStrategy(2, 2, 0.5)
	c := &Context{MaxIterations: 10, Iteration: 2}
	assert.Equal(t, DecisionStop, s.ShouldContinue(c).Kind)
}

func TestRalphStrategyStableStreak(t *testing.T) {
	s := NewRalphStrategy(2, 0.9, 2)
	s.OnLoopStart(nil)
	c := &Context{MaxIterations: 10}

	c.Iteration, c.Similarity = 1, 0.5
	assert.Equal(t, DecisionContinue, s.ShouldContinue(c).Kind)

	c.Iteration, c.Similarity = 2, 0.95
	assert.Equal(t, DecisionContinue, s.ShouldContinue(c).Kind, "streak of one is not enough")

	c.Iteration, c.Similarity = 3, 0.97
	d := s.ShouldContinue(c)
	assert.Equal(t, DecisionStop, d.Kind)
	assert.Contains(t, d.Reason, "stable")
}

func TestRalphStrategyStreakResetsOnChange(t *testing.T) {
	s := NewRalphStrategy(2, 0.9, 0)
	s.OnLoopStart(nil)
	c := &Context{MaxIterations: 10, Iteration: 1, Similarity: 0.95}
	s.ShouldContinue(c)

	// Similarity drops; the streak starts over.
	c.Iteration, c.Similarity = 2, 0.2
	assert.Equal(t, DecisionContinue, s.ShouldContinue(c).Kind)
	c.Iteration, c.Similarity = 3, 0.95
	assert.Equal(t, DecisionContinue, s.ShouldContinue(c).Kind)
}

func TestRalphStrategyAgentDone(t *testing.T) {
	s := NewRalphStrategy(3, 0.9, 2)
	c := &Context{Iteration: 1, AgentSignaledDone: true}
	d := s.ShouldContinue(c)
	assert.Equal(t, DecisionStop, d.Kind)
	assert.Equal(t, "agent signaled completion", d.Reason)
}

func TestRalphStrategyIgnoresUnknownSimilarity(t *testing.T) {
	s := NewRalphStrategy(1, 0.9, 0)
	s.OnLoopStart(nil)
	c := &Context{Iteration: 5, Similarity: -1}
	assert.Equal(t, DecisionContinue, s.ShouldContinue(c).Kind)
}

func TestManualStrategy(t *testing.T) {
	s := NewManualStrategy(nil)
	c := &Context{Iteration: 1}
	assert.Equal(t, DecisionStop, s.ShouldContinue(c).Kind, "nil decider stops")

	s = NewManualStrategy(func(c *Context) Decision {
		return Decision{DecisionEscalate, "needs human review"}
	})
	assert.Equal(t, DecisionEscalate, s.ShouldContinue(c).Kind)

	c.AllGatesPassed = true
	assert.Equal(t, DecisionStop, s.ShouldContinue(c).Kind)
}
