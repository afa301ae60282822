package model

import (
	"time"

	"agentgate/internal/runstate"
)

// RunResult classifies how a run ended.
type RunResult string

const (
	ResultPassed             RunResult = "passed"
	ResultFailedVerification RunResult = "failed-verification"
	ResultFailedBuild        RunResult = "failed-build"
	ResultFailedTimeout      RunResult = "failed-timeout"
	ResultFailedError        RunResult = "failed-error"
	ResultCanceled           RunResult = "canceled"
)

// Run is one execution attempt at a work order. Runs reference their work
// order by id; the order never holds a pointer back.
type Run struct {
	ID          string         `json:"id"`
	WorkOrderID string         `json:"work_order_id"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	Iteration   int            `json:"iteration"`
	State       runstate.State `json:"state"`
	Result      RunResult      `json:"result,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	BeforeSHA   string         `json:"before_sha,omitempty"`
	AfterSHA    string         `json:"after_sha,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Branch      string         `json:"branch,omitempty"`
	PRNumber    int            `json:"pr_number,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Complete stamps the run terminal with the given result. It is a no-op when
// CompletedAt is already set so the first terminal observation wins.
func (r *Run) Complete(result RunResult, now time.Time) {
	if r.CompletedAt != nil {
		return
	}
	r.Result = result
	t := now.UTC()
	r.CompletedAt = &t
}
