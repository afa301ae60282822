package model

import "time"

// Snapshot is a content-addressed record of workspace state after an
// iteration. When nothing changed, AfterSHA equals BeforeSHA and the counts
// are zero.
type Snapshot struct {
	BeforeSHA     string    `json:"before_sha"`
	AfterSHA      string    `json:"after_sha"`
	FilesChanged  int       `json:"files_changed"`
	Insertions    int       `json:"insertions"`
	Deletions     int       `json:"deletions"`
	Diff          string    `json:"diff,omitempty"`
	WorkspacePath string    `json:"workspace_path"`
	CreatedAt     time.Time `json:"created_at"`
}

// Changed reports whether the snapshot captured any modification.
func (s Snapshot) Changed() bool {
	return s.AfterSHA != s.BeforeSHA
}
