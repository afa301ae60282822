package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database file and applies migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS iterations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		work_order_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_iterations_run ON iterations(run_id);
	CREATE TABLE IF NOT EXISTS signals (
		run_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id, key)
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveIteration appends one iteration record.
func (s *SQLiteStore) SaveIteration(runID, workOrderID string, iteration int, payload string) error {
	query := `INSERT INTO iterations (run_id, work_order_id, iteration, payload, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query, runID, workOrderID, iteration, payload, time.Now())
	return err
}

// QueryIterations retrieves the most recent iterations for a run.
func (s *SQLiteStore) QueryIterations(runID string, limit int) ([]IterationRow, error) {
	query := `SELECT id, run_id, work_order_id, iteration, payload, created_at
		FROM iterations WHERE run_id = ? ORDER BY iteration DESC LIMIT ?`
	rows, err := s.db.Query(query, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IterationRow
	for rows.Next() {
		var row IterationRow
		if err := rows.Scan(&row.ID, &row.RunID, &row.WorkOrderID, &row.Iteration, &row.Payload, &row.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// SetSignal upserts a run-scoped key/value flag.
func (s *SQLiteStore) SetSignal(runID, key, value string) error {
	query := `INSERT INTO signals (run_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	_, err := s.db.Exec(query, runID, key, value, time.Now())
	return err
}

// GetSignal returns the value, or sql.ErrNoRows when unset.
func (s *SQLiteStore) GetSignal(runID, key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM signals WHERE run_id = ? AND key = ?`, runID, key).Scan(&value)
	return value, err
}

// DeleteSignal removes the flag; deleting a missing flag is not an error.
func (s *SQLiteStore) DeleteSignal(runID, key string) error {
	_, err := s.db.Exec(`DELETE FROM signals WHERE run_id = ? AND key = ?`, runID, key)
	return err
}

// Cleanup deletes rows older than the retention window.
func (s *SQLiteStore) Cleanup(olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	if _, err := s.db.Exec(`DELETE FROM iterations WHERE created_at < ?`, cutoff); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM signals WHERE updated_at < ?`, cutoff)
	return err
}
