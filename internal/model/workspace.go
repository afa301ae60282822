package model

import "time"

// WorkspaceStatus tracks lease state.
type WorkspaceStatus string

const (
	WorkspaceAvailable WorkspaceStatus = "available"
	WorkspaceLeased    WorkspaceStatus = "leased"
	WorkspaceError     WorkspaceStatus = "error"
)

// Workspace is a filesystem root with a git-backed history. Files under
// RootPath are only mutated while a lease is held.
type Workspace struct {
	ID                 string          `json:"id"`
	RootPath           string          `json:"root_path"`
	Source             WorkspaceSource `json:"source"`
	LeaseID            string          `json:"lease_id,omitempty"`
	LeasedAt           *time.Time      `json:"leased_at,omitempty"`
	Status             WorkspaceStatus `json:"status"`
	HistoryInitialized bool            `json:"history_initialized"`
}
