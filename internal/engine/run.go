package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"agentgate/internal/audit"
	"agentgate/internal/converge"
	"agentgate/internal/driver"
	"agentgate/internal/enforce"
	"agentgate/internal/events"
	"agentgate/internal/gate"
	"agentgate/internal/model"
	"agentgate/internal/queue"
	"agentgate/internal/runstate"
	"agentgate/internal/sandbox"
)

// maxScanFileSize keeps the enforcement scan away from binaries and build
// artifacts.
const maxScanFileSize = 1 << 20

// runExec bundles the per-run mutable state threaded through the loop
// callbacks.
type runExec struct {
	app     *Application
	order   *model.WorkOrder
	run     *model.Run
	machine *runstate.Machine
	sandbox sandbox.Sandbox
	agent   driver.Driver
	runners []gate.Runner
	plan    *gate.Plan
}

// executeRun drives one run from workspace acquisition to a terminal state.
func (a *Application) executeRun(ctx context.Context, order *model.WorkOrder) {
	run := &model.Run{
		ID:          model.NewID("run"),
		WorkOrderID: order.ID,
		State:       runstate.StateQueued,
		StartedAt:   time.Now().UTC(),
	}
	a.mu.Lock()
	a.runs[run.ID] = run
	order.Status = model.StatusRunning
	order.RunID = run.ID
	plan := a.plans[order.ID]
	a.mu.Unlock()
	a.deps.Store.SaveWorkOrder(order)

	exec := &runExec{
		app:     a,
		order:   order,
		run:     run,
		machine: runstate.NewMachine(),
		plan:    plan,
	}

	status, errMsg := exec.execute(ctx)
	if a.deps.History != nil {
		a.deps.History.DeleteSignal(order.ID, "CANCEL_REQUESTED")
	}
	a.completeOrder(order, status, errMsg)
	a.persistRun(run)
	a.logger.Info("run finished", "work_order", order.ID, "run", run.ID, "status", string(status))
}

func (a *Application) persistRun(run *model.Run) {
	if err := a.deps.Store.SaveRun(run); err != nil {
		a.logger.Warn("failed to persist run", "run", run.ID, "error", err)
	}
}

// updateRun mutates the shared run record under the application lock. GetRun
// copies the struct concurrently, so every field write after the run is
// published goes through here.
func (e *runExec) updateRun(fn func(r *model.Run)) {
	e.app.mu.Lock()
	fn(e.run)
	e.app.mu.Unlock()
}

// transition applies a state machine event, mirrors it onto the run, and
// fans out a state_transition event.
func (e *runExec) transition(ev runstate.Event) error {
	from := e.machine.State()
	next, err := e.machine.Fire(ev)
	if err != nil {
		return err
	}
	e.updateRun(func(r *model.Run) { r.State = next })
	out := events.New(events.TypeStateTransition, e.order.ID, e.run.ID)
	out.FromState = string(from)
	out.ToState = string(next)
	e.app.broadcaster.Emit(out)
	return nil
}

// fail drives the machine to FAILED (unless already terminal) and stamps the
// run.
func (e *runExec) fail(result model.RunResult, reason string) (model.WorkOrderStatus, string) {
	if !e.machine.State().Terminal() {
		e.transition(runstate.EventSystemError)
	}
	e.updateRun(func(r *model.Run) {
		r.Complete(result, time.Now())
		r.Error = reason
	})
	return model.StatusFailed, reason
}

func (e *runExec) execute(ctx context.Context) (model.WorkOrderStatus, string) {
	a := e.app

	agent, err := a.deps.Drivers.Get(e.order.Driver)
	if err != nil {
		return e.fail(model.ResultFailedError, err.Error())
	}
	e.agent = agent

	// Workspace acquisition.
	ws, err := a.deps.Workspaces.Provision(ctx, e.order.Source)
	if err != nil {
		return e.fail(model.ResultFailedError, fmt.Sprintf("workspace provisioning failed: %v", err))
	}
	leaseID, err := a.deps.Workspaces.Lease(ws.ID)
	if err != nil {
		return e.fail(model.ResultFailedError, fmt.Sprintf("workspace lease failed: %v", err))
	}
	defer a.deps.Workspaces.Release(ws.ID, leaseID)
	e.updateRun(func(r *model.Run) { r.WorkspaceID = ws.ID })
	if err := e.transition(runstate.EventWorkspaceAcquired); err != nil {
		return e.fail(model.ResultFailedError, err.Error())
	}

	// Sandbox for gate commands and agent-adjacent execution.
	provider, ok := a.deps.Providers[a.opts.SandboxProvider]
	if !ok {
		return e.fail(model.ResultFailedError, fmt.Sprintf("unknown sandbox provider: %q", a.opts.SandboxProvider))
	}
	sb, err := provider.Create(ctx, sandbox.Config{
		WorkspacePath:  ws.RootPath,
		NetworkAllowed: e.order.Policy.NetworkAllowed,
		Image:          a.opts.SandboxImage,
		MemoryBytes:    a.opts.MemoryBytes,
		CPUQuota:       a.opts.CPUQuota,
		PidsLimit:      a.opts.PidsLimit,
		ExecTimeout:    a.opts.ExecTimeout,
		KillGrace:      a.opts.KillGrace,
	})
	if err != nil {
		return e.fail(model.ResultFailedError, fmt.Sprintf("sandbox creation failed: %v", err))
	}
	defer sb.Destroy(context.Background())
	e.sandbox = sb

	runners, err := gate.BuildRunners(e.plan)
	if err != nil {
		return e.fail(model.ResultFailedError, err.Error())
	}
	e.runners = runners

	strategy, err := converge.NewStrategy(e.plan.Strategy, e.plan.Config)
	if err != nil {
		return e.fail(model.ResultFailedError, err.Error())
	}

	limits, err := e.loopLimits()
	if err != nil {
		return e.fail(model.ResultFailedError, err.Error())
	}

	controller := converge.NewController(strategy, limits)
	outcome, loopErr := controller.Run(ctx, e.order.ID, e.run.ID, converge.Callbacks{
		OnBuild:     e.onBuild,
		OnSnapshot:  e.onSnapshot,
		OnGateCheck: e.onGateCheck,
		OnFeedback:  e.onFeedback,
	})
	e.updateRun(func(r *model.Run) { r.Iteration = outcome.Iterations })
	e.recordHistory(outcome)

	switch outcome.Status {
	case converge.StatusConverged:
		if err := e.transition(runstate.EventVerifyPassed); err != nil {
			return e.fail(model.ResultFailedError, err.Error())
		}
		e.updateRun(func(r *model.Run) { r.Complete(model.ResultPassed, time.Now()) })
		return model.StatusSucceeded, ""
	case converge.StatusCanceled:
		if !e.machine.State().Terminal() {
			e.transition(runstate.EventUserCanceled)
		}
		e.updateRun(func(r *model.Run) { r.Complete(model.ResultCanceled, time.Now()) })
		return model.StatusCanceled, "canceled"
	case converge.StatusError:
		reason := outcome.Reason
		if loopErr != nil {
			reason = loopErr.Error()
		}
		result := model.ResultFailedError
		switch {
		case strings.Contains(reason, "timed out"):
			result = model.ResultFailedTimeout
		case e.machine.State() == runstate.StateFailed:
			// BUILD_FAILED or SNAPSHOT_FAILED already fired.
			result = model.ResultFailedBuild
		}
		if !e.machine.State().Terminal() {
			e.transition(runstate.EventSystemError)
		}
		e.updateRun(func(r *model.Run) {
			r.Complete(result, time.Now())
			r.Error = reason
		})
		return model.StatusFailed, reason
	default: // diverged, stopped, escalated
		result := model.ResultFailedVerification
		if strings.Contains(outcome.Reason, "wall clock") {
			result = model.ResultFailedTimeout
		}
		if e.machine.State() == runstate.StateVerifying {
			e.transition(runstate.EventVerifyFailedTerminal)
		} else if !e.machine.State().Terminal() {
			e.transition(runstate.EventSystemError)
		}
		e.updateRun(func(r *model.Run) {
			r.Complete(result, time.Now())
			r.Error = outcome.Reason
		})
		return model.StatusFailed, outcome.Reason
	}
}

// loopLimits merges work-order caps with plan limits.
func (e *runExec) loopLimits() (converge.Limits, error) {
	limits := converge.Limits{
		MaxIterations: e.order.MaxIterations,
		MaxWallClock:  time.Duration(e.order.MaxWallClockSeconds) * time.Second,
	}
	pl := e.plan.Limits
	if pl.MaxIterations > 0 && pl.MaxIterations < limits.MaxIterations {
		limits.MaxIterations = pl.MaxIterations
	}
	if pl.MaxWallClock != "" {
		d, err := gate.ParseWallClock(pl.MaxWallClock)
		if err != nil {
			return converge.Limits{}, err
		}
		if d < limits.MaxWallClock {
			limits.MaxWallClock = d
		}
	}
	if pl.MaxCost != "" {
		cost, err := gate.ParseCost(pl.MaxCost)
		if err != nil {
			return converge.Limits{}, err
		}
		limits.MaxCost = cost
	}
	limits.MaxTokens = pl.MaxTokens
	return limits, nil
}

// onBuild invokes the agent for one iteration.
func (e *runExec) onBuild(ctx context.Context, iteration int, feedback string) (converge.BuildResult, error) {
	if e.cancelRequested() {
		return converge.BuildResult{}, context.Canceled
	}
	if e.machine.State() == runstate.StateLeased {
		if err := e.transition(runstate.EventBuildStarted); err != nil {
			return converge.BuildResult{}, err
		}
	}

	e.app.mu.Lock()
	sessionID := e.run.SessionID
	e.app.mu.Unlock()

	req := driver.Request{
		WorkspacePath:   e.workspacePath(),
		Task:            e.order.Task,
		Feedback:        feedback,
		SessionID:       sessionID,
		Timeout:         e.app.opts.ExecTimeout,
		GatePlanSummary: planSummary(e.plan),
	}
	result, err := e.agent.Execute(ctx, req, driver.ExecOptions{
		Callback:    e.app.broadcaster.Emit,
		WorkOrderID: e.order.ID,
		RunID:       e.run.ID,
		OnSpawn:     e.registerProcess,
	})
	if result.SessionID != "" {
		e.updateRun(func(r *model.Run) { r.SessionID = result.SessionID })
	}
	if err != nil || result.Cancelled {
		if ctx.Err() != nil || result.Cancelled {
			return converge.BuildResult{}, context.Canceled
		}
		e.transition(runstate.EventBuildFailed)
		return converge.BuildResult{}, fmt.Errorf("agent execution failed: %w", err)
	}
	if result.TimedOut {
		e.transition(runstate.EventBuildFailed)
		return converge.BuildResult{}, fmt.Errorf("agent timed out after %s", e.app.opts.ExecTimeout)
	}
	if !result.Success {
		e.transition(runstate.EventBuildFailed)
		return converge.BuildResult{}, fmt.Errorf("agent exited with code %d: %s", result.ExitCode, firstLine(result.Stderr))
	}

	if err := e.transition(runstate.EventBuildCompleted); err != nil {
		return converge.BuildResult{}, err
	}
	return converge.BuildResult{
		AgentSignaledDone: agentSignaledDone(result.StructuredOutput),
		TokensUsed:        result.TokensUsed,
		OutputSimilarity:  -1,
	}, nil
}

// cancelRequested consults the shared signal store between iterations, so a
// cancel issued through another process (or straight in the database) still
// lands.
func (e *runExec) cancelRequested() bool {
	if e.app.deps.History == nil {
		return false
	}
	val, err := e.app.deps.History.GetSignal(e.order.ID, "CANCEL_REQUESTED")
	return err == nil && val == "true"
}

// registerProcess hands the spawned agent pid to the process manager. The
// handle signals the whole process group, matching how the driver spawns.
func (e *runExec) registerProcess(pid int) {
	exited := make(chan queue.ExitStatus, 1)
	err := e.app.procs.Register(e.order.ID, e.run.ID, queue.Handle{
		PID: pid,
		Signal: func(sig syscall.Signal) error {
			return syscall.Kill(-pid, sig)
		},
		Exited: exited,
	})
	if err != nil {
		e.app.logger.Warn("failed to register agent process", "work_order", e.order.ID, "error", err)
		return
	}
	// Poll for process exit; the driver owns the real wait.
	go func() {
		for {
			if syscall.Kill(pid, 0) != nil {
				exited <- queue.ExitStatus{Code: 0}
				return
			}
			time.Sleep(200 * time.Millisecond)
		}
	}()
}

func (e *runExec) onSnapshot(ctx context.Context, iteration int) (model.Snapshot, error) {
	snap, err := e.app.deps.Snapshots.Capture(ctx, e.workspacePath())
	if err != nil {
		e.transition(runstate.EventSnapshotFailed)
		return model.Snapshot{}, err
	}
	e.updateRun(func(r *model.Run) {
		if r.BeforeSHA == "" {
			r.BeforeSHA = snap.BeforeSHA
		}
		r.AfterSHA = snap.AfterSHA
	})
	if err := e.transition(runstate.EventSnapshotCompleted); err != nil {
		return model.Snapshot{}, err
	}
	return snap, nil
}

// onGateCheck runs the plan's gates plus the enforcement scan. A gate whose
// onFailure action is "stop" aborts the remaining gates.
func (e *runExec) onGateCheck(ctx context.Context, iteration int, snap model.Snapshot) ([]model.GateResult, error) {
	rc := gate.RunContext{
		WorkOrderID:   e.order.ID,
		RunID:         e.run.ID,
		Iteration:     iteration,
		WorkspacePath: e.workspacePath(),
		Sandbox:       e.sandbox,
		Snapshot:      snap,
	}
	var results []model.GateResult
	for _, runner := range e.runners {
		res := runner.Run(ctx, rc)
		results = append(results, res)
		if !res.Passed && runner.Gate().OnFailure.Action == gate.ActionStop {
			break
		}
	}

	if sec := e.securityScan(); sec != nil {
		results = append(results, *sec)
	}
	return results, nil
}

// securityScan runs the enforcement detectors over the workspace and
// reports a failing pseudo-gate when anything is blocked. A clean scan adds
// nothing to the results.
func (e *runExec) securityScan() *model.GateResult {
	start := time.Now()
	contents, err := collectScannable(e.workspacePath())
	if err != nil {
		e.app.logger.Warn("enforcement scan skipped", "work_order", e.order.ID, "error", err)
		return nil
	}
	detectors := []enforce.Detector{enforce.NewSecretDetector(), enforce.NewCommandDetector()}
	decision, err := enforce.ScanFiles(detectors, contents, enforce.DefaultPolicy())
	if err != nil {
		e.app.logger.Warn("enforcement scan failed", "work_order", e.order.ID, "error", err)
		return nil
	}
	for _, f := range decision.Warned {
		e.app.logger.Warn("security finding", "rule", f.RuleID, "file", f.File, "line", f.Line)
	}
	if decision.Allowed {
		return nil
	}

	failures := make([]model.GateFailure, 0, len(decision.Blocked))
	for _, f := range decision.Blocked {
		failures = append(failures, model.GateFailure{
			Message: fmt.Sprintf("%s: %s", f.RuleID, f.Message),
			File:    f.File,
			Line:    f.Line,
		})
		e.app.auditRecord(audit.Record{
			Action:      "finding_blocked",
			WorkOrderID: e.order.ID,
			RunID:       e.run.ID,
			Outcome:     f.RuleID,
			Details:     map[string]any{"file": f.File, "line": f.Line, "sensitivity": string(f.Sensitivity)},
		})
	}
	return &model.GateResult{
		Gate:      "security-enforcement",
		CheckType: "security",
		Passed:    false,
		Duration:  time.Since(start),
		Details:   map[string]any{"files_scanned": decision.Summary.FilesScanned},
		Failures:  failures,
	}
}

// onFeedback advances the machine through FEEDBACK and produces the next
// prompt addendum.
func (e *runExec) onFeedback(iteration int, results []model.GateResult) string {
	if e.machine.State() == runstate.StateVerifying {
		e.transition(runstate.EventVerifyFailedRetryable)
		e.transition(runstate.EventFeedbackGenerated)
	}
	return converge.GenerateFeedback(iteration, results)
}

// recordHistory persists iteration records to the relational backend when
// one is configured.
func (e *runExec) recordHistory(outcome converge.Outcome) {
	if e.app.deps.History == nil {
		return
	}
	for _, rec := range outcome.History {
		payload, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if err := e.app.deps.History.SaveIteration(e.run.ID, e.order.ID, rec.Iteration, string(payload)); err != nil {
			e.app.logger.Warn("failed to persist iteration record", "run", e.run.ID, "error", err)
			return
		}
	}
}

func (e *runExec) workspacePath() string {
	ws, ok := e.app.deps.Workspaces.Get(e.run.WorkspaceID)
	if !ok {
		return ""
	}
	return ws.RootPath
}

// collectScannable reads regular text-sized files for the enforcement scan.
func collectScannable(root string) (map[string]string, error) {
	contents := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if entry.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		info, err := entry.Info()
		if err != nil || info.Size() > maxScanFileSize {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		contents[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return contents, nil
}

// agentSignaledDone checks the agent's structured output for an explicit
// completion claim.
func agentSignaledDone(output map[string]any) bool {
	if output == nil {
		return false
	}
	if done, ok := output["done"].(bool); ok {
		return done
	}
	if status, ok := output["status"].(string); ok {
		return strings.EqualFold(status, "complete") || strings.EqualFold(status, "done")
	}
	return false
}

// planSummary renders a one-line description of what will be verified.
func planSummary(p *gate.Plan) string {
	parts := make([]string, 0, len(p.Gates))
	for _, g := range p.Gates {
		parts = append(parts, fmt.Sprintf("%s (%s)", g.Name, g.Check.Type))
	}
	return "Verification gates: " + strings.Join(parts, ", ")
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return "(no output)"
}
