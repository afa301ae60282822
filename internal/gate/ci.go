package gate

import (
	"context"
	"fmt"
	"time"

	"agentgate/internal/model"
)

// CIStatus is the reported state of an external workflow run.
type CIStatus string

const (
	CIPending   CIStatus = "pending"
	CIRunning   CIStatus = "running"
	CISuccess   CIStatus = "success"
	CIFailure   CIStatus = "failure"
	CICancelled CIStatus = "cancelled"
	CIError     CIStatus = "error"
)

// Terminal reports whether a status will no longer change.
func (s CIStatus) Terminal() bool {
	return s == CISuccess || s == CIFailure || s == CICancelled || s == CIError
}

// StatusPoller fetches the current status of a named workflow. Implementations
// wrap a CI provider's API; tests use a scripted poller.
type StatusPoller interface {
	Poll(ctx context.Context, workflow string) (CIStatus, string, error)
}

// defaultCIPollInterval is used when the plan does not set poll_seconds.
const defaultCIPollInterval = 15 * time.Second

// ciRunner polls an external CI workflow until it reaches a terminal status.
// The gate timeout bounds the whole wait, not one poll.
type ciRunner struct {
	gate    Gate
	poller  StatusPoller
	timeout time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// ctxSleep waits d, or returns early with the context error on cancel.
func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newCIRunner(g Gate, poller StatusPoller) (*ciRunner, error) {
	if g.Check.Workflow == "" {
		return nil, fmt.Errorf("gate %q: ci check needs a workflow", g.Name)
	}
	timeout, err := parseTimeout(g.Check.Timeout)
	if err != nil {
		return nil, fmt.Errorf("gate %q: %w", g.Name, err)
	}
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	return &ciRunner{gate: g, poller: poller, timeout: timeout, sleep: ctxSleep}, nil
}

// SetPoller installs the CI backend. Runners without a poller fail closed.
func (r *ciRunner) SetPoller(p StatusPoller) { r.poller = p }

func (r *ciRunner) Gate() Gate { return r.gate }

func (r *ciRunner) Reset() {}

func (r *ciRunner) pollInterval() time.Duration {
	if r.gate.Check.PollSeconds > 0 {
		return time.Duration(r.gate.Check.PollSeconds) * time.Second
	}
	return defaultCIPollInterval
}

func (r *ciRunner) Run(ctx context.Context, rc RunContext) model.GateResult {
	start := time.Now()
	if r.poller == nil {
		return fail(r.gate, start, "no CI poller configured")
	}

	workflow := r.gate.Check.Workflow
	deadline := time.Now().Add(r.timeout)
	for {
		status, detail, err := r.poller.Poll(ctx, workflow)
		if err != nil {
			return result(r.gate, start, false, []model.GateFailure{{
				Message:  fmt.Sprintf("poll failed: %v", err),
				Workflow: workflow,
			}}, nil)
		}
		if status.Terminal() {
			details := map[string]any{"status": string(status), "detail": detail}
			if status == CISuccess {
				return result(r.gate, start, true, nil, details)
			}
			return result(r.gate, start, false, []model.GateFailure{{
				Message:  fmt.Sprintf("workflow finished with status %s: %s", status, detail),
				Workflow: workflow,
			}}, details)
		}
		if time.Now().After(deadline) {
			return result(r.gate, start, false, []model.GateFailure{{
				Message:  fmt.Sprintf("workflow still %s after %s", status, r.timeout),
				Workflow: workflow,
			}}, nil)
		}
		if ctx.Err() != nil {
			return fail(r.gate, start, "canceled while waiting for CI")
		}
		if err := r.sleep(ctx, r.pollInterval()); err != nil {
			return fail(r.gate, start, "canceled while waiting for CI")
		}
	}
}
