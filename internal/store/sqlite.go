package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/lumina-media/indexer-backend/internal/models"
)

// SQLiteTaskStore implements TaskStore on an embedded SQLite database.
// It is the default durable store for single-node deployments.
type SQLiteTaskStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteTaskStore opens (or creates) the database file at path.
func NewSQLiteTaskStore(path string, logger *zap.Logger) (*SQLiteTaskStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	return &SQLiteTaskStore{db: db, logger: logger}, nil
}

// Initialize creates the tasks table and its indexes if they don't exist.
func (s *SQLiteTaskStore) Initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id             TEXT PRIMARY KEY,
		type           TEXT NOT NULL,
		owner_file_id  TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		type_weight    INTEGER NOT NULL,
		file_weight    INTEGER NOT NULL,
		payload        TEXT,
		depends_on     TEXT,
		progress       REAL NOT NULL DEFAULT 0,
		progress_label TEXT NOT NULL DEFAULT '',
		retry_count    INTEGER NOT NULL DEFAULT 0,
		max_retries    INTEGER NOT NULL DEFAULT 0,
		error          TEXT NOT NULL DEFAULT '',
		output         TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL,
		started_at     INTEGER,
		completed_at   INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
	CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks (owner_file_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks (type);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create tasks schema: %w", err)
	}
	s.logger.Info("SQLite task store initialized")
	return nil
}

func (s *SQLiteTaskStore) Put(ctx context.Context, task *models.Task) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}
	deps, err := json.Marshal(task.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to marshal task dependencies: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, type, owner_file_id, status, type_weight, file_weight,
			payload, depends_on, progress, progress_label,
			retry_count, max_retries, error, output,
			created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			file_weight = excluded.file_weight,
			progress = excluded.progress,
			progress_label = excluded.progress_label,
			retry_count = excluded.retry_count,
			error = excluded.error,
			output = excluded.output,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		task.ID, string(task.Type), task.OwnerFileID, string(task.Status),
		task.Priority.TypeWeight, task.Priority.FileWeight,
		string(payload), string(deps), task.Progress, task.ProgressLabel,
		task.RetryCount, task.MaxRetries, task.Error, task.Output,
		task.CreatedAt.UnixNano(), nanosOrNull(task.StartedAt), nanosOrNull(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
	}
	return nil
}

func (s *SQLiteTaskStore) Get(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTaskNotFound
	}
	return task, err
}

func (s *SQLiteTaskStore) UpdateStatus(ctx context.Context, id string, status models.TaskStatus, update StatusUpdate) error {
	query := "UPDATE tasks SET status = ?"
	args := []any{string(status)}
	if update.Error != nil {
		query += ", error = ?"
		args = append(args, *update.Error)
	}
	if update.Output != nil {
		query += ", output = ?"
		args = append(args, *update.Output)
	}
	if update.RetryCount != nil {
		query += ", retry_count = ?"
		args = append(args, *update.RetryCount)
	}
	if update.StartedAt != nil {
		query += ", started_at = ?"
		args = append(args, update.StartedAt.UnixNano())
	}
	if update.CompletedAt != nil {
		query += ", completed_at = ?"
		args = append(args, update.CompletedAt.UnixNano())
	}
	if update.Progress != nil {
		query += ", progress = ?"
		args = append(args, *update.Progress)
	}
	if update.Label != nil {
		query += ", progress_label = ?"
		args = append(args, *update.Label)
	}
	query += " WHERE id = ?"
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update status for task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrTaskNotFound
	}
	return nil
}

func (s *SQLiteTaskStore) UpdateProgress(ctx context.Context, id string, progress float64, label string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET progress = ?, progress_label = CASE WHEN ? = '' THEN progress_label ELSE ? END WHERE id = ?",
		progress, label, label, id)
	if err != nil {
		return fmt.Errorf("failed to update progress for task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrTaskNotFound
	}
	return nil
}

func (s *SQLiteTaskStore) UpdateFileWeight(ctx context.Context, id string, fileWeight int) error {
	res, err := s.db.ExecContext(ctx, "UPDATE tasks SET file_weight = ? WHERE id = ?", fileWeight, id)
	if err != nil {
		return fmt.Errorf("failed to update file weight for task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrTaskNotFound
	}
	return nil
}

func (s *SQLiteTaskStore) ListByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	return s.list(ctx, "status = ?", string(status), limit)
}

func (s *SQLiteTaskStore) ListByType(ctx context.Context, taskType models.TaskType, limit int) ([]*models.Task, error) {
	return s.list(ctx, "type = ?", string(taskType), limit)
}

func (s *SQLiteTaskStore) ListByFile(ctx context.Context, fileID string) ([]*models.Task, error) {
	return s.list(ctx, "owner_file_id = ?", fileID, 0)
}

func (s *SQLiteTaskStore) ListDependents(ctx context.Context, id string) ([]*models.Task, error) {
	// depends_on is a JSON array of task IDs; a LIKE probe narrows the scan
	// and the decoded list is checked exactly.
	rows, err := s.db.QueryContext(ctx,
		selectColumns+" FROM tasks WHERE depends_on LIKE ? ORDER BY created_at ASC",
		"%"+id+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to query dependents of %s: %w", id, err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		for _, dep := range task.DependsOn {
			if dep == id {
				out = append(out, task)
				break
			}
		}
	}
	return out, rows.Err()
}

func (s *SQLiteTaskStore) CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteTaskStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM tasks WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at IS NOT NULL AND completed_at < ?",
		cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteTaskStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteTaskStore) list(ctx context.Context, where string, arg any, limit int) ([]*models.Task, error) {
	query := selectColumns + " FROM tasks WHERE " + where + " ORDER BY created_at ASC"
	args := []any{arg}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

const selectColumns = `SELECT
	id, type, owner_file_id, status, type_weight, file_weight,
	payload, depends_on, progress, progress_label,
	retry_count, max_retries, error, output,
	created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t              models.Task
		typ, status    string
		payload, deps  sql.NullString
		createdNanos   int64
		startedNanos   sql.NullInt64
		completedNanos sql.NullInt64
	)
	err := row.Scan(
		&t.ID, &typ, &t.OwnerFileID, &status,
		&t.Priority.TypeWeight, &t.Priority.FileWeight,
		&payload, &deps, &t.Progress, &t.ProgressLabel,
		&t.RetryCount, &t.MaxRetries, &t.Error, &t.Output,
		&createdNanos, &startedNanos, &completedNanos,
	)
	if err != nil {
		return nil, err
	}
	t.Type = models.TaskType(typ)
	t.Status = models.TaskStatus(status)
	t.CreatedAt = time.Unix(0, createdNanos).UTC()
	if startedNanos.Valid {
		ts := time.Unix(0, startedNanos.Int64).UTC()
		t.StartedAt = &ts
	}
	if completedNanos.Valid {
		ts := time.Unix(0, completedNanos.Int64).UTC()
		t.CompletedAt = &ts
	}
	if payload.Valid && payload.String != "" && payload.String != "null" {
		if err := json.Unmarshal([]byte(payload.String), &t.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload for task %s: %w", t.ID, err)
		}
	}
	if deps.Valid && deps.String != "" && deps.String != "null" {
		if err := json.Unmarshal([]byte(deps.String), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dependencies for task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func nanosOrNull(ts *time.Time) any {
	if ts == nil {
		return nil
	}
	return ts.UnixNano()
}
