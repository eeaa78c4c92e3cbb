package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS checkpoint_writes (
    thread_id VARCHAR(255) NOT NULL,
    namespace VARCHAR(64) NOT NULL,
    step_id VARCHAR(64) NOT NULL,
    channel VARCHAR(128) NOT NULL,
    value_json TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (thread_id, namespace, step_id, channel)
)`

const createIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_checkpoint_writes_thread ON checkpoint_writes(thread_id, namespace)`

// SQLStore implements Store against postgres, mysql, or sqlite, following
// the same dialect-parameterization pattern used elsewhere in this module
// for SQL-backed stores: placeholders chosen per dialect, upsert expressed
// per dialect, everything else shared.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore opens a checkpoint store against db using the given dialect
// ("postgres", "mysql", or "sqlite").
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("checkpoint: database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("checkpoint: unsupported dialect %q (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("checkpoint: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, stmt := range []string{createTableSQL, createIndexSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Put(ctx context.Context, w Write) error {
	now := time.Now()
	var query string
	switch s.dialect {
	case "postgres":
		query = `
			INSERT INTO checkpoint_writes (thread_id, namespace, step_id, channel, value_json, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (thread_id, namespace, step_id, channel)
			DO UPDATE SET value_json = EXCLUDED.value_json, updated_at = EXCLUDED.updated_at`
	case "mysql":
		query = `
			INSERT INTO checkpoint_writes (thread_id, namespace, step_id, channel, value_json, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE value_json = VALUES(value_json), updated_at = VALUES(updated_at)`
	default: // sqlite
		query = `
			INSERT OR REPLACE INTO checkpoint_writes (thread_id, namespace, step_id, channel, value_json, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`
	}
	_, err := s.db.ExecContext(ctx, query, w.ThreadID, w.Namespace, w.StepID, w.Channel, string(w.ValueJSON), now)
	if err != nil {
		return fmt.Errorf("checkpoint: put: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, threadID, namespace, channel string) (Write, bool, error) {
	query := `
		SELECT step_id, value_json FROM checkpoint_writes
		WHERE thread_id = ? AND namespace = ? AND channel = ?
		ORDER BY step_id DESC LIMIT 1`
	if s.dialect == "postgres" {
		query = `
			SELECT step_id, value_json FROM checkpoint_writes
			WHERE thread_id = $1 AND namespace = $2 AND channel = $3
			ORDER BY step_id DESC LIMIT 1`
	}

	var stepID, valueJSON string
	err := s.db.QueryRowContext(ctx, query, threadID, namespace, channel).Scan(&stepID, &valueJSON)
	if err == sql.ErrNoRows {
		return Write{}, false, nil
	}
	if err != nil {
		return Write{}, false, fmt.Errorf("checkpoint: get: %w", err)
	}
	return Write{ThreadID: threadID, Namespace: namespace, StepID: stepID, Channel: channel, ValueJSON: []byte(valueJSON)}, true, nil
}

func (s *SQLStore) ListWrites(ctx context.Context, threadID, namespace string) ([]Write, error) {
	query := `
		SELECT step_id, channel, value_json FROM checkpoint_writes
		WHERE thread_id = ? AND namespace = ?
		ORDER BY step_id ASC`
	if s.dialect == "postgres" {
		query = `
			SELECT step_id, channel, value_json FROM checkpoint_writes
			WHERE thread_id = $1 AND namespace = $2
			ORDER BY step_id ASC`
	}

	rows, err := s.db.QueryContext(ctx, query, threadID, namespace)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list writes: %w", err)
	}
	defer rows.Close()

	var out []Write
	for rows.Next() {
		var stepID, channel, valueJSON string
		if err := rows.Scan(&stepID, &channel, &valueJSON); err != nil {
			return nil, fmt.Errorf("checkpoint: scan write: %w", err)
		}
		out = append(out, Write{ThreadID: threadID, Namespace: namespace, StepID: stepID, Channel: channel, ValueJSON: []byte(valueJSON)})
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, threadID string) error {
	query := `DELETE FROM checkpoint_writes WHERE thread_id = ?`
	if s.dialect == "postgres" {
		query = `DELETE FROM checkpoint_writes WHERE thread_id = $1`
	}
	_, err := s.db.ExecContext(ctx, query, threadID)
	if err != nil {
		return fmt.Errorf("checkpoint: delete: %w", err)
	}
	return nil
}

func (s *SQLStore) ListThreadIDs(ctx context.Context, namespace string) ([]string, error) {
	query := `SELECT DISTINCT thread_id FROM checkpoint_writes WHERE namespace = ?`
	if s.dialect == "postgres" {
		query = `SELECT DISTINCT thread_id FROM checkpoint_writes WHERE namespace = $1`
	}
	rows, err := s.db.QueryContext(ctx, query, namespace)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list thread ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var threadID string
		if err := rows.Scan(&threadID); err != nil {
			return nil, fmt.Errorf("checkpoint: scan thread id: %w", err)
		}
		out = append(out, threadID)
	}
	return out, rows.Err()
}

// Close does not close the underlying *sql.DB, which may be shared with
// other stores (e.g. the Session or rate-limit tables).
func (s *SQLStore) Close() error { return nil }

// Dialect reports the configured SQL dialect (for tests/diagnostics).
func (s *SQLStore) Dialect() string { return s.dialect }
