package driver

import (
	"regexp"
	"time"
)

// phase is an inferred stage of an agent run. Weights feed the percentage
// formula; they are not durations.
type phase struct {
	name   string
	weight int
}

var phases = []phase{
	{"Starting", 5},
	{"Reading", 15},
	{"Planning", 25},
	{"Implementing", 60},
	{"Testing", 85},
	{"Finalizing", 95},
}

const (
	phaseStarting = iota
	phaseReading
	phasePlanning
	phaseImplementing
	phaseTesting
	phaseFinalizing
)

// minPhaseDwell prevents a single stray tool call from bouncing the phase.
const minPhaseDwell = 2 * time.Second

var (
	reTestingText    = regexp.MustCompile(`(?i)\b(test|check|verify|lint|typecheck|build)\b`)
	reFinalizingText = regexp.MustCompile(`(?i)\b(git|commit|push|pr)\b`)
	rePlanningText   = regexp.MustCompile(`(?i)\b(plan|approach|strategy|will do)\b`)
)

const (
	expectedDuration  = 5 * time.Minute
	expectedToolCalls = 30
	// progressEmitEvery throttles progress_update events.
	progressEmitEvery = 2 * time.Second
)

// progressTracker infers the current phase from tool-call categories and
// assistant text, and computes a clamped, monotonically non-decreasing
// percentage. 100 is reserved for completion.
type progressTracker struct {
	startedAt      time.Time
	phaseIndex     int
	phaseEnteredAt time.Time
	toolCalls      int
	lastPercent    int
	lastEmit       time.Time

	now func() time.Time
}

func newProgressTracker() *progressTracker {
	t := &progressTracker{now: time.Now}
	t.startedAt = t.now()
	t.phaseEnteredAt = t.startedAt
	return t
}

func (t *progressTracker) phaseName() string {
	return phases[t.phaseIndex].name
}

// advanceTo moves forward to target if the dwell requirement is met. Phases
// never move backwards.
func (t *progressTracker) advanceTo(target int) {
	if target <= t.phaseIndex {
		return
	}
	if t.now().Sub(t.phaseEnteredAt) < minPhaseDwell {
		return
	}
	t.phaseIndex = target
	t.phaseEnteredAt = t.now()
}

// observeToolCall classifies a tool call into a phase hint.
func (t *progressTracker) observeToolCall(toolName string) {
	t.toolCalls++
	switch toolName {
	case "Read", "Glob", "Grep":
		t.advanceTo(phaseReading)
	case "Write", "Edit", "MultiEdit", "NotebookEdit":
		t.advanceTo(phaseImplementing)
	}
}

// observeText classifies assistant text into a phase hint.
func (t *progressTracker) observeText(text string) {
	switch {
	case reFinalizingText.MatchString(text):
		t.advanceTo(phaseFinalizing)
	case reTestingText.MatchString(text):
		t.advanceTo(phaseTesting)
	case rePlanningText.MatchString(text):
		t.advanceTo(phasePlanning)
	}
}

// percentage blends time progress, tool-call progress and phase weight, then
// clamps to [0, 99]. Monotonicity is enforced against the last reported
// value; 100 is only reported by the caller on completion.
func (t *progressTracker) percentage() int {
	elapsed := t.now().Sub(t.startedAt)
	timeFactor := float64(elapsed) / float64(expectedDuration)
	if timeFactor > 1 {
		timeFactor = 1
	}
	toolFactor := float64(t.toolCalls) / float64(expectedToolCalls)
	if toolFactor > 1 {
		toolFactor = 1
	}
	phaseFactor := float64(phases[t.phaseIndex].weight) / 100.0

	pct := int(100 * (0.3*timeFactor + 0.3*toolFactor + 0.4*phaseFactor))
	if pct < 0 {
		pct = 0
	}
	if pct > 99 {
		pct = 99
	}
	if pct < t.lastPercent {
		pct = t.lastPercent
	}
	t.lastPercent = pct
	return pct
}

// sample returns the current percentage and phase if enough time has passed
// since the last emission.
func (t *progressTracker) sample() (int, string, bool) {
	if t.now().Sub(t.lastEmit) < progressEmitEvery && !t.lastEmit.IsZero() {
		return 0, "", false
	}
	t.lastEmit = t.now()
	return t.percentage(), t.phaseName(), true
}
