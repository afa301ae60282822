package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects with the given DSN and applies migrations.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS iterations (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL,
		work_order_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_iterations_run ON iterations(run_id);
	CREATE TABLE IF NOT EXISTS signals (
		run_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ DEFAULT NOW(),
		PRIMARY KEY (run_id, key)
	);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) SaveIteration(runID, workOrderID string, iteration int, payload string) error {
	query := `INSERT INTO iterations (run_id, work_order_id, iteration, payload, created_at) VALUES ($1, $2, $3, $4, $5)`
	_, err := s.db.Exec(query, runID, workOrderID, iteration, payload, time.Now())
	return err
}

func (s *PostgresStore) QueryIterations(runID string, limit int) ([]IterationRow, error) {
	query := `SELECT id, run_id, work_order_id, iteration, payload, created_at
		FROM iterations WHERE run_id = $1 ORDER BY iteration DESC LIMIT $2`
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

func (s *PostgresStore) SetSignal(runID, key, value string) error {
	query := `INSERT INTO signals (run_id, key, value, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
	_, err := s.db.Exec(query, runID, key, value, time.Now())
	return err
}

func (s *PostgresStore) GetSignal(runID, key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM signals WHERE run_id = $1 AND key = $2`, runID, key).Scan(&value)
	return value, err
}

func (s *PostgresStore) DeleteSignal(runID, key string) error {
	_, err := s.db.Exec(`DELETE FROM signals WHERE run_id = $1 AND key = $2`, runID, key)
	return err
}

func (s *PostgresStore) Cleanup(olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	if _, err := s.db.Exec(`DELETE FROM iterations WHERE created_at < $1`, cutoff); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM signals WHERE updated_at < $1`, cutoff)
	return err
}

var _ Store = (*PostgresStore)(nil)
