package model

import (
	"fmt"
	"time"
)

// WorkOrderStatus tracks the coarse lifecycle of a submission.
type WorkOrderStatus string

const (
	StatusQueued    WorkOrderStatus = "queued"
	StatusRunning   WorkOrderStatus = "running"
	StatusSucceeded WorkOrderStatus = "succeeded"
	StatusFailed    WorkOrderStatus = "failed"
	StatusCanceled  WorkOrderStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s WorkOrderStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// SourceKind discriminates the workspace source union.
type SourceKind string

const (
	SourceLocal  SourceKind = "local"
	SourceGit    SourceKind = "git"
	SourceFresh  SourceKind = "fresh"
	SourceGitHub SourceKind = "github"
)

// WorkspaceSource describes where a workspace comes from. Kind selects which
// of the payload fields are meaningful.
type WorkspaceSource struct {
	Kind SourceKind `json:"kind"`

	// local
	Path string `json:"path,omitempty"`

	// git
	URL    string `json:"url,omitempty"`
	Branch string `json:"branch,omitempty"`

	// fresh
	DestPath     string `json:"dest_path,omitempty"`
	TemplateKind string `json:"template_kind,omitempty"`
	ProjectName  string `json:"project_name,omitempty"`

	// github
	Owner string `json:"owner,omitempty"`
	Repo  string `json:"repo,omitempty"`
}

// Validate checks that the fields required by the declared kind are present.
func (s WorkspaceSource) Validate() error {
	switch s.Kind {
	case SourceLocal:
		if s.Path == "" {
			return fmt.Errorf("local source requires path")
		}
	case SourceGit:
		if s.URL == "" {
			return fmt.Errorf("git source requires url")
		}
	case SourceFresh:
		if s.DestPath == "" {
			return fmt.Errorf("fresh source requires dest_path")
		}
	case SourceGitHub:
		if s.Owner == "" || s.Repo == "" {
			return fmt.Errorf("github source requires owner and repo")
		}
	default:
		return fmt.Errorf("unknown workspace source kind: %q", s.Kind)
	}
	return nil
}

// SecurityPolicy carries the per-order sandbox restrictions.
type SecurityPolicy struct {
	NetworkAllowed bool     `json:"network_allowed"`
	ForbiddenPaths []string `json:"forbidden_paths,omitempty"`
}

// WorkOrder is a single task submission. It is immutable after Submit except
// for Status, CompletedAt, Error and RunID, which the queue manager owns.
type WorkOrder struct {
	ID                  string          `json:"id"`
	Task                string          `json:"task"`
	Source              WorkspaceSource `json:"source"`
	Driver              string          `json:"driver"`
	MaxIterations       int             `json:"max_iterations"`
	MaxWallClockSeconds int             `json:"max_wall_clock_seconds"`
	GatePlanSource      string          `json:"gate_plan_source,omitempty"`
	Policy              SecurityPolicy  `json:"policy"`

	Status      WorkOrderStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	RunID       string          `json:"run_id,omitempty"`
}

const (
	minTaskLen          = 10
	minIterations       = 1
	maxIterations       = 10
	minWallClockSeconds = 60
	maxWallClockSeconds = 86400
)

// Validate rejects malformed submissions at the boundary. It does not mutate
// the order.
func (w *WorkOrder) Validate() error {
	if len(w.Task) < minTaskLen {
		return fmt.Errorf("task prompt too short: need at least %d characters, got %d", minTaskLen, len(w.Task))
	}
	if err := w.Source.Validate(); err != nil {
		return fmt.Errorf("invalid workspace source: %w", err)
	}
	if w.Driver == "" {
		return fmt.Errorf("agent driver is required")
	}
	if w.MaxIterations < minIterations || w.MaxIterations > maxIterations {
		return fmt.Errorf("max_iterations must be between %d and %d, got %d", minIterations, maxIterations, w.MaxIterations)
	}
	if w.MaxWallClockSeconds < minWallClockSeconds || w.MaxWallClockSeconds > maxWallClockSeconds {
		return fmt.Errorf("max_wall_clock_seconds must be between %d and %d, got %d", minWallClockSeconds, maxWallClockSeconds, w.MaxWallClockSeconds)
	}
	if w.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}
