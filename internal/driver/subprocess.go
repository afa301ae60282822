package driver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"agentgate/internal/telemetry"
)

// billingEnvDenyList names provider API-key variables that must never leak
// into a subscription-mode agent child. The list is explicit by design:
// pattern matching over the whole environment risks stripping unrelated vars.
var billingEnvDenyList = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"OPENROUTER_API_KEY",
	"MISTRAL_API_KEY",
	"XAI_API_KEY",
	"DEEPSEEK_API_KEY",
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
}

var execCommand = exec.Command

// ArgvBuilder turns a request into the agent binary's argument vector.
type ArgvBuilder func(req Request) []string

// SubprocessDriver invokes an external agent CLI. One instance serves one
// binary; behavior differences between agents live in the ArgvBuilder.
type SubprocessDriver struct {
	BinaryName string
	BuildArgv  ArgvBuilder
	// SubscriptionMode strips provider billing keys from the child env so a
	// locally authenticated agent can never fall back to direct API billing.
	SubscriptionMode bool
	// Caps advertised to callers.
	Caps   Capabilities
	Logger *slog.Logger

	// KillGrace is the SIGTERM-to-SIGKILL window.
	KillGrace time.Duration
}

// NewSubprocessDriver creates a driver for the given binary.
func NewSubprocessDriver(binary string, buildArgv ArgvBuilder, caps Capabilities, logger *slog.Logger) *SubprocessDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubprocessDriver{
		BinaryName: binary,
		BuildArgv:  buildArgv,
		Caps:       caps,
		Logger:     logger,
		KillGrace:  5 * time.Second,
	}
}

// Name returns the binary name; registry keys are lowercased on insert.
func (d *SubprocessDriver) Name() string { return d.BinaryName }

// IsAvailable reports whether the binary resolves on PATH.
func (d *SubprocessDriver) IsAvailable() bool {
	_, err := exec.LookPath(d.BinaryName)
	return err == nil
}

// Capabilities returns the advertised capability set.
func (d *SubprocessDriver) Capabilities() Capabilities { return d.Caps }

// buildEnv constructs the child environment: the host env minus billing keys
// (subscription mode), with color output disabled so stream parsing never
// sees ANSI escapes.
func (d *SubprocessDriver) buildEnv() []string {
	denied := make(map[string]bool, len(billingEnvDenyList))
	if d.SubscriptionMode {
		for _, name := range billingEnvDenyList {
			denied[name] = true
		}
	}
	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if denied[name] {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, "NO_COLOR=1", "FORCE_COLOR=0")
	return env
}

// Execute spawns the agent binary and waits for completion. With an event
// callback plus work-order and run ids in opts, stdout is consumed line by
// line as NDJSON and typed events are emitted as they arrive; otherwise the
// last valid JSON object in stdout becomes the structured output.
func (d *SubprocessDriver) Execute(ctx context.Context, req Request, opts ExecOptions) (Result, error) {
	argv := d.BuildArgv(req)
	cmd := execCommand(d.BinaryName, argv...)
	cmd.Dir = req.WorkspacePath
	cmd.Env = d.buildEnv()
	cmd.Stdin = nil // stdin closed immediately; the agent must not prompt
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	streaming := opts.Callback != nil && opts.WorkOrderID != "" && opts.RunID != ""

	var stdoutBuf, stderrBuf bytes.Buffer
	var stdoutPipe io.ReadCloser
	var err error
	if streaming {
		stdoutPipe, err = cmd.StdoutPipe()
		if err != nil {
			return Result{}, fmt.Errorf("failed to open stdout pipe: %w", err)
		}
	} else {
		cmd.Stdout = &stdoutBuf
	}
	cmd.Stderr = &stderrBuf

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to spawn agent %s: %w", d.BinaryName, err)
	}
	d.Logger.Info("agent started", "driver", d.BinaryName, "pid", cmd.Process.Pid, "streaming", streaming)
	if opts.OnSpawn != nil {
		opts.OnSpawn(cmd.Process.Pid)
	}

	var parser *streamParser
	var wg sync.WaitGroup
	if streaming {
		parser = newStreamParser(opts, d.Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			scanner := bufio.NewScanner(stdoutPipe)
			scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
			for scanner.Scan() {
				line := scanner.Bytes()
				stdoutBuf.Write(line)
				stdoutBuf.WriteByte('\n')
				parser.consumeLine(line)
			}
		}()
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := req.Timeout
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	result := Result{}
	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		d.terminate(cmd, done)
		result.Cancelled = true
		waitErr = ctx.Err()
	case <-timeoutCh:
		d.Logger.Warn("agent timed out", "driver", d.BinaryName, "timeout", timeout)
		d.terminate(cmd, done)
		result.TimedOut = true
	}
	if streaming {
		wg.Wait()
		parser.finish()
	}

	result.DurationMs = time.Since(start).Milliseconds()
	telemetry.ObserveAgentLatency(float64(result.DurationMs) / 1000.0)
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()

	switch {
	case result.TimedOut:
		result.ExitCode = 124
	case result.Cancelled:
		result.ExitCode = 137
	case waitErr == nil:
		result.ExitCode = 0
		result.Success = true
	default:
		if cmd.ProcessState != nil {
			result.ExitCode = cmd.ProcessState.ExitCode()
		} else {
			result.ExitCode = 1
		}
	}

	d.parseFinalOutput(&result)
	if parser != nil {
		if result.SessionID == "" {
			result.SessionID = parser.sessionID
		}
		if result.TokensUsed == 0 {
			result.TokensUsed = parser.tokensUsed
		}
	}

	if result.Cancelled {
		return result, waitErr
	}
	return result, nil
}

// terminate sends SIGTERM to the agent's process group and escalates to
// SIGKILL after the grace period.
func (d *SubprocessDriver) terminate(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	grace := d.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-done:
		return
	case <-time.After(grace):
	}
	_ = syscall.Kill(pgid, syscall.SIGKILL)
	<-done
}

// parseFinalOutput scans stdout from the bottom for the last line that opens
// a JSON object and decodes it. When nothing parses, the raw stdout is
// wrapped as {"result": stdout} so callers always see structured output.
func (d *SubprocessDriver) parseFinalOutput(result *Result) {
	lines := strings.Split(strings.TrimSpace(result.Stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}
		result.StructuredOutput = obj
		if sid, ok := obj["session_id"].(string); ok {
			result.SessionID = sid
		}
		if usage, ok := obj["usage"].(map[string]any); ok {
			if in, ok := usage["input_tokens"].(float64); ok {
				result.TokensUsed += int64(in)
			}
			if out, ok := usage["output_tokens"].(float64); ok {
				result.TokensUsed += int64(out)
			}
		}
		return
	}
	result.StructuredOutput = map[string]any{"result": result.Stdout}
}
