package converge

import (
	"fmt"
	"strings"

	"agentgate/internal/model"
)

// maxFeedbackLen bounds the prompt addendum handed to the next iteration.
const maxFeedbackLen = 4000

// suggestions maps check types to a generic remediation hint appended when a
// gate of that type fails.
var suggestions = map[string]string{
	"tests":     "Run the failing tests locally and fix the assertions or the code under test.",
	"build":     "Fix the compilation errors before anything else; nothing runs until the build is green.",
	"lint":      "Apply the linter's suggested fixes; do not suppress rules.",
	"contracts": "Create any missing required files and remove files matching forbidden patterns.",
	"custom":    "Inspect the command output above and make it exit with the expected code.",
	"ci":        "Check the CI logs for the failing job and address the first error.",
}

// GenerateFeedback turns failed gate results into the next iteration's
// prompt addendum. Passing results are skipped. Output is truncated to a
// fixed budget with a marker.
func GenerateFeedback(iteration int, results []model.GateResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The previous attempt (iteration %d) did not pass verification. Address the following issues:\n", iteration)

	for _, r := range results {
		if r.Passed {
			continue
		}
		fmt.Fprintf(&b, "\n## Gate %q (%s) failed\n", r.Gate, r.CheckType)
		for _, f := range r.Failures {
			b.WriteString("- ")
			b.WriteString(f.Message)
			switch {
			case f.File != "" && f.Line > 0:
				fmt.Fprintf(&b, " (%s:%d)", f.File, f.Line)
			case f.File != "":
				fmt.Fprintf(&b, " (%s)", f.File)
			case f.Command != "":
				fmt.Fprintf(&b, " (command: %s)", f.Command)
			case f.Workflow != "":
				fmt.Fprintf(&b, " (workflow: %s)", f.Workflow)
			}
			b.WriteByte('\n')
		}
		if hint, ok := suggestions[r.CheckType]; ok {
			fmt.Fprintf(&b, "Suggested fix: %s\n", hint)
		}
	}

	out := b.String()
	if len(out) > maxFeedbackLen {
		out = out[:maxFeedbackLen] + "\n... [feedback truncated]"
	}
	return out
}

// ErrorSignature builds a compact signature over the top diagnostics of a
// verification round, used by the loop detector to spot repeated failure
// shapes. At most five entries, each level:type:file.
func ErrorSignature(results []model.GateResult) string {
	var parts []string
	for _, r := range results {
		if r.Passed {
			continue
		}
		for _, f := range r.Failures {
			level := "error"
			if r.CheckType == "lint" {
				level = "warning"
			}
			parts = append(parts, fmt.Sprintf("%s:%s:%s", level, r.CheckType, f.File))
			if len(parts) == 5 {
				return strings.Join(parts, "|")
			}
		}
	}
	return strings.Join(parts, "|")
}
