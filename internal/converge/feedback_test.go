package converge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"agentgate/internal/model"
)

func failedGate(name, checkType string, failures ...model.GateFailure) model.GateResult {
	return model.GateResult{Gate: name, CheckType: checkType, Passed: false, Failures: failures}
}

func TestGenerateFeedback(t *testing.T) {
	results := []model.GateResult{
		{Gate: "build", CheckType: "build", Passed: true},
		failedGate("unit-tests", "tests",
			model.GateFailure{Message: "TestLogin failed", File: "auth_test.go", Line: 42},
			model.GateFailure{Message: "exit code 1, want 0", Command: "go test ./..."},
		),
		failedGate("deploy-check", "ci",
			model.GateFailure{Message: "job failed", Workflow: "deploy.yml"},
		),
	}
	fb := GenerateFeedback(2, results)

	assert.Contains(t, fb, "iteration 2")
	assert.Contains(t, fb, `Gate "unit-tests" (tests) failed`)
	assert.Contains(t, fb, "TestLogin failed (auth_test.go:42)")
	assert.Contains(t, fb, "(command: go test ./...)")
	assert.Contains(t, fb, "(workflow: deploy.yml)")
	assert.Contains(t, fb, suggestions["tests"])
	assert.NotContains(t, fb, `Gate "build"`, "passing gates are omitted")
}

func TestGenerateFeedbackTruncates(t *testing.T) {
	long := strings.Repeat("x", 500)
	var failures []model.GateFailure
	for i := 0; i < 20; i++ {
		failures = append(failures, model.GateFailure{Message: long})
	}
	fb := GenerateFeedback(1, []model.GateResult{failedGate("g", "tests", failures...)})

	assert.True(t, strings.HasSuffix(fb, "... [feedback truncated]"))
	assert.LessOrEqual(t, len(fb), maxFeedbackLen+len("\n... [feedback truncated]"))
}

func TestErrorSignature(t *testing.T) {
	results := []model.GateResult{
		{Gate: "ok", CheckType: "build", Passed: true, Failures: nil},
		failedGate("build", "build", model.GateFailure{Message: "m", File: "main.go"}),
		failedGate("style", "lint", model.GateFailure{Message: "m", File: "util.go"}),
	}
	sig := ErrorSignature(results)
	assert.Equal(t, "error:build:main.go|warning:lint:util.go", sig)
}

func TestErrorSignatureCapsAtFive(t *testing.T) {
	var failures []model.GateFailure
	for _, f := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		failures = append(failures, model.GateFailure{Message: "m", File: f + ".go"})
	}
	sig := ErrorSignature([]model.GateResult{failedGate("tests", "tests", failures...)})
	assert.Len(t, strings.Split(sig, "|"), 5)
}

func TestErrorSignatureEmptyWhenAllPass(t *testing.T) {
	sig := ErrorSignature([]model.GateResult{{Gate: "g", CheckType: "tests", Passed: true}})
	assert.Empty(t, sig)
}
