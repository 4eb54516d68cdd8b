// Package persistence archives completed task results in sqlite for
// post-mortem queries. The live queue and result store stay in memory; this
// is history only.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/conductor/internal/task"
)

const (
	schemaVersion = 1

	schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_info (
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS task_results (
	task_id        TEXT PRIMARY KEY,
	agent_id       TEXT NOT NULL,
	status         TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	execution_time REAL NOT NULL DEFAULT 0,
	result_json    TEXT NOT NULL DEFAULT '{}',
	completed_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_results_completed_at ON task_results(completed_at);
CREATE INDEX IF NOT EXISTS idx_task_results_agent ON task_results(agent_id);
`
)

// Store wraps the sqlite database holding archived results.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (or opens) the archive database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := ensureVersion(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger.With("component", "persistence")}, nil
}

func ensureVersion(db *sql.DB) error {
	var version int
	err := db.QueryRow(`SELECT version FROM schema_info LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		_, err = db.Exec(`INSERT INTO schema_info (version) VALUES (?)`, schemaVersion)
		return err
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema v%d is newer than supported v%d", version, schemaVersion)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record upserts one completed result.
func (s *Store) Record(ctx context.Context, res task.Result) error {
	resultJSON, err := json.Marshal(res.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	ts := res.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO task_results (task_id, agent_id, status, error, execution_time, result_json, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
	agent_id = excluded.agent_id,
	status = excluded.status,
	error = excluded.error,
	execution_time = excluded.execution_time,
	result_json = excluded.result_json,
	completed_at = excluded.completed_at`,
		res.TaskID, res.AgentID, string(res.Status), res.Error, res.ExecutionTime, string(resultJSON), ts)
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	return nil
}

// GetResult fetches the archived result for a task id.
func (s *Store) GetResult(ctx context.Context, taskID string) (task.Result, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT task_id, agent_id, status, error, execution_time, result_json, completed_at
FROM task_results WHERE task_id = ?`, taskID)

	res, err := scanResult(row)
	if err == sql.ErrNoRows {
		return task.Result{}, false, nil
	}
	if err != nil {
		return task.Result{}, false, fmt.Errorf("get result: %w", err)
	}
	return res, true, nil
}

// ListRecent returns up to limit results, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]task.Result, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id, agent_id, status, error, execution_time, result_json, completed_at
FROM task_results ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var results []task.Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// PruneOlderThan deletes archived results completed before the cutoff.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	out, err := s.db.ExecContext(ctx, `DELETE FROM task_results WHERE completed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune results: %w", err)
	}
	n, _ := out.RowsAffected()
	if n > 0 {
		s.logger.Info("pruned archived results", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (task.Result, error) {
	var res task.Result
	var status, resultJSON string
	var ts time.Time
	if err := row.Scan(&res.TaskID, &res.AgentID, &status, &res.Error, &res.ExecutionTime, &resultJSON, &ts); err != nil {
		return task.Result{}, err
	}
	res.Status = task.Status(status)
	res.Timestamp = ts
	if err := json.Unmarshal([]byte(resultJSON), &res.Result); err != nil {
		res.Result = map[string]any{"raw": resultJSON}
	}
	return res, nil
}
