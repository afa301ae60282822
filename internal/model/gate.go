package model

import "time"

// GateFailure describes one reason a gate did not pass.
type GateFailure struct {
	Message  string `json:"message"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Command  string `json:"command,omitempty"`
	Workflow string `json:"workflow,omitempty"`
}

// GateResult is the outcome of one gate evaluation. Details preserves
// check-specific data for feedback generation.
type GateResult struct {
	Gate      string         `json:"gate"`
	CheckType string         `json:"check_type"`
	Passed    bool           `json:"passed"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Failures  []GateFailure  `json:"failures,omitempty"`
}

// IterationRecord is one entry of a run's iteration history. ErrorSignature
// is a compact signature over the top diagnostics, used for loop detection.
type IterationRecord struct {
	Iteration      int          `json:"iteration"`
	Timestamp      time.Time    `json:"timestamp"`
	GateResults    []GateResult `json:"gate_results"`
	Decision       string       `json:"decision"`
	SnapshotSHA    string       `json:"snapshot_sha,omitempty"`
	ErrorSignature string       `json:"error_signature,omitempty"`
}
