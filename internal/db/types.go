package db

import "time"

// IterationRow is one persisted iteration record. Payload is the JSON-encoded
// iteration history entry; keeping it a blob lets the schema survive record
// changes without migrations.
type IterationRow struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	WorkOrderID string    `json:"work_order_id"`
	Iteration   int       `json:"iteration"`
	Payload     string    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the relational backend for iteration history and run signals.
// Signals are small key/value flags (e.g. "agent_done") scoped to a run.
type Store interface {
	Close() error

	SaveIteration(runID, workOrderID string, iteration int, payload string) error
	QueryIterations(runID string, limit int) ([]IterationRow, error)

	SetSignal(runID, key, value string) error
	GetSignal(runID, key string) (string, error)
	DeleteSignal(runID, key string) error

	// Cleanup removes rows for runs older than the retention window.
	Cleanup(olderThan time.Duration) error
}
