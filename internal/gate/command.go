package gate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agentgate/internal/model"
	"agentgate/internal/sandbox"
)

// maxCapturedOutput bounds how much command output rides along in the gate
// result. Anything beyond it is cut with a marker so feedback stays readable.
const maxCapturedOutput = 10000

// commandRunner executes shell commands inside the run's sandbox. tests,
// build and lint gates run a command list and require exit 0 from every one;
// custom gates run a single command and compare against expected_exit.
type commandRunner struct {
	gate    Gate
	timeout time.Duration
}

func newCommandRunner(g Gate) (*commandRunner, error) {
	switch g.Check.Type {
	case CheckCustom:
		if g.Check.Command == "" {
			return nil, fmt.Errorf("gate %q: custom check needs a command", g.Name)
		}
	default:
		if len(g.Check.Commands) == 0 {
			return nil, fmt.Errorf("gate %q: %s check needs at least one command", g.Name, g.Check.Type)
		}
	}
	timeout, err := parseTimeout(g.Check.Timeout)
	if err != nil {
		return nil, fmt.Errorf("gate %q: %w", g.Name, err)
	}
	return &commandRunner{gate: g, timeout: timeout}, nil
}

func (r *commandRunner) Gate() Gate { return r.gate }

func (r *commandRunner) Reset() {}

func (r *commandRunner) Run(ctx context.Context, rc RunContext) model.GateResult {
	start := time.Now()
	if rc.Sandbox == nil {
		return fail(r.gate, start, "no sandbox available for command execution")
	}

	commands := r.gate.Check.Commands
	expectedExit := 0
	if r.gate.Check.Type == CheckCustom {
		commands = []string{r.gate.Check.Command}
		expectedExit = r.gate.Check.ExpectedExit
	}

	var failures []model.GateFailure
	details := map[string]any{}
	for _, command := range commands {
		res, err := rc.Sandbox.Execute(ctx, "sh", []string{"-c", command}, sandbox.ExecOptions{Timeout: r.timeout})
		if err != nil {
			failures = append(failures, model.GateFailure{
				Message: fmt.Sprintf("execution error: %v", err),
				Command: command,
			})
			continue
		}
		details[command] = map[string]any{
			"exit_code":   res.ExitCode,
			"duration_ms": res.DurationMs,
			"stdout":      truncateOutput(res.Stdout),
			"stderr":      truncateOutput(res.Stderr),
		}
		if res.TimedOut {
			failures = append(failures, model.GateFailure{
				Message: fmt.Sprintf("command timed out after %s", r.effectiveTimeout()),
				Command: command,
			})
			continue
		}
		if res.ExitCode != expectedExit {
			failures = append(failures, model.GateFailure{
				Message: fmt.Sprintf("exit code %d, want %d: %s", res.ExitCode, expectedExit, firstOutputLine(res)),
				Command: command,
			})
		}
	}
	return result(r.gate, start, len(failures) == 0, failures, details)
}

func (r *commandRunner) effectiveTimeout() time.Duration {
	if r.timeout > 0 {
		return r.timeout
	}
	return sandbox.DefaultExecTimeout
}

// firstOutputLine picks the most useful single diagnostic line, preferring
// stderr.
func firstOutputLine(res sandbox.ExecResult) string {
	for _, out := range []string{res.Stderr, res.Stdout} {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				return line
			}
		}
	}
	return "(no output)"
}

func truncateOutput(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[:maxCapturedOutput] + "\n... [output truncated]"
}
