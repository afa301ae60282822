package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlPlan = `
version: 1
strategy: hybrid
config:
  baseIterations: 3
  bonusIterations: 2
gates:
  - name: unit-tests
    check:
      type: tests
      commands: ["go test ./..."]
    on_failure:
      action: retry
      max_retries: 2
  - name: workspace-contracts
    check:
      type: contracts
      required_files: ["go.mod", "README.md"]
  - name: stable-output
    check:
      type: convergence
      strategy: fingerprint
    on_failure:
      action: continue
limits:
  max_iterations: 5
  max_wall_clock: 30m
  max_cost: $10.00
`

func TestParsePlanYAML(t *testing.T) {
	plan, err := ParsePlan([]byte(yamlPlan))
	require.NoError(t, err)

	assert.Equal(t, 1, plan.Version)
	assert.Equal(t, "hybrid", plan.Strategy)
	require.Len(t, plan.Gates, 3)
	assert.Equal(t, "unit-tests", plan.Gates[0].Name)
	assert.Equal(t, CheckTests, plan.Gates[0].Check.Type)
	assert.Equal(t, ActionRetry, plan.Gates[0].OnFailure.Action)
	assert.Equal(t, 2, plan.Gates[0].OnFailure.MaxRetries)

	// Unspecified on_failure defaults to retry.
	assert.Equal(t, ActionRetry, plan.Gates[1].OnFailure.Action)
	assert.Equal(t, ActionContinue, plan.Gates[2].OnFailure.Action)

	assert.Equal(t, 5, plan.Limits.MaxIterations)
	assert.Equal(t, "30m", plan.Limits.MaxWallClock)
}

func TestParsePlanJSON(t *testing.T) {
	data := `{
		"version": 1,
		"strategy": "fixed",
		"gates": [
			{"name": "build", "check": {"type": "build", "commands": ["make"]}}
		]
	}`
	plan, err := ParsePlan([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, "fixed", plan.Strategy)
	require.Len(t, plan.Gates, 1)
	assert.Equal(t, CheckBuild, plan.Gates[0].Check.Type)
}

func TestParsePlanRejections(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"bad version", `{"version": 2, "strategy": "fixed", "gates": [{"name": "g", "check": {"type": "build"}}]}`},
		{"bad strategy", `{"version": 1, "strategy": "yolo", "gates": [{"name": "g", "check": {"type": "build"}}]}`},
		{"no gates", `{"version": 1, "strategy": "fixed", "gates": []}`},
		{"unnamed gate", `{"version": 1, "strategy": "fixed", "gates": [{"check": {"type": "build"}}]}`},
		{"duplicate names", `{"version": 1, "strategy": "fixed", "gates": [
			{"name": "g", "check": {"type": "build"}},
			{"name": "g", "check": {"type": "tests"}}
		]}`},
		{"unknown check type", `{"version": 1, "strategy": "fixed", "gates": [{"name": "g", "check": {"type": "vibes"}}]}`},
		{"unknown on_failure", `{"version": 1, "strategy": "fixed", "gates": [
			{"name": "g", "check": {"type": "build"}, "on_failure": {"action": "explode"}}
		]}`},
		{"bad wall clock", `{"version": 1, "strategy": "fixed", "limits": {"max_wall_clock": "30 minutes"},
			"gates": [{"name": "g", "check": {"type": "build"}}]}`},
		{"bad cost", `{"version": 1, "strategy": "fixed", "limits": {"max_cost": "10.00"},
			"gates": [{"name": "g", "check": {"type": "build"}}]}`},
		{"malformed yaml", "version: [unclosed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePlan([]byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestParseWallClock(t *testing.T) {
	cases := map[string]time.Duration{
		"45s": 45 * time.Second,
		"30m": 30 * time.Minute,
		"2h":  2 * time.Hour,
		"1d":  24 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseWallClock(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "30", "m30", "1.5h", "2w"} {
		_, err := ParseWallClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseCost(t *testing.T) {
	got, err := ParseCost("$10.50")
	require.NoError(t, err)
	assert.InDelta(t, 10.50, got, 1e-9)

	got, err = ParseCost("$3")
	require.NoError(t, err)
	assert.InDelta(t, 3.0, got, 1e-9)

	for _, bad := range []string{"10.50", "$10.5", "$-1", "$1,000"} {
		_, err := ParseCost(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseTimeout(t *testing.T) {
	got, err := parseTimeout("90s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, got)

	got, err = parseTimeout("250ms")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, got)

	got, err = parseTimeout("")
	require.NoError(t, err)
	assert.Zero(t, got)

	_, err = parseTimeout("5x")
	assert.Error(t, err)
}

func TestBuildRunnersCoversEveryGate(t *testing.T) {
	plan, err := ParsePlan([]byte(yamlPlan))
	require.NoError(t, err)
	runners, err := BuildRunners(plan)
	require.NoError(t, err)
	require.Len(t, runners, len(plan.Gates))
	for i, r := range runners {
		assert.Equal(t, plan.Gates[i].Name, r.Gate().Name)
	}
}
