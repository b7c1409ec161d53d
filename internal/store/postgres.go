package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lumina-media/indexer-backend/internal/models"
)

// PostgresTaskStore implements TaskStore on a PostgreSQL database, for
// deployments where the task history is shared with other services.
type PostgresTaskStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresTaskStore creates a store backed by a connected pgxpool.Pool.
func NewPostgresTaskStore(db *pgxpool.Pool, logger *zap.Logger) *PostgresTaskStore {
	return &PostgresTaskStore{db: db, logger: logger}
}

// ConnectPostgres dials the database and verifies the connection.
func ConnectPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// Initialize creates the 'tasks' table if it doesn't already exist.
// A migrations tool would own this in a larger deployment; a guarded
// CREATE TABLE keeps the store self-contained here.
func (p *PostgresTaskStore) Initialize(ctx context.Context) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS tasks (
		id             VARCHAR(64) PRIMARY KEY,
		type           VARCHAR(64) NOT NULL,
		owner_file_id  VARCHAR(255) NOT NULL DEFAULT '',
		status         VARCHAR(32) NOT NULL,
		type_weight    INTEGER NOT NULL,
		file_weight    INTEGER NOT NULL,
		payload        JSONB,
		depends_on     JSONB,
		progress       DOUBLE PRECISION NOT NULL DEFAULT 0,
		progress_label TEXT NOT NULL DEFAULT '',
		retry_count    INTEGER NOT NULL DEFAULT 0,
		max_retries    INTEGER NOT NULL DEFAULT 0,
		error          TEXT NOT NULL DEFAULT '',
		output         TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL,
		started_at     TIMESTAMPTZ,
		completed_at   TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
	CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks (owner_file_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks (type);
	CREATE INDEX IF NOT EXISTS idx_tasks_depends_on ON tasks USING GIN (depends_on);
	`
	if _, err := p.db.Exec(ctx, createTableSQL); err != nil {
		p.logger.Error("Failed to create 'tasks' table", zap.Error(err))
		return fmt.Errorf("initializing tasks table: %w", err)
	}
	p.logger.Info("'tasks' table checked/created successfully")
	return nil
}

func (p *PostgresTaskStore) Put(ctx context.Context, task *models.Task) error {
	payloadJSON, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("marshalling payload for task %s: %w", task.ID, err)
	}
	depsJSON, err := json.Marshal(task.DependsOn)
	if err != nil {
		return fmt.Errorf("marshalling depends_on for task %s: %w", task.ID, err)
	}

	sqlQuery := `
	INSERT INTO tasks (
		id, type, owner_file_id, status, type_weight, file_weight,
		payload, depends_on, progress, progress_label,
		retry_count, max_retries, error, output,
		created_at, started_at, completed_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		file_weight = EXCLUDED.file_weight,
		progress = EXCLUDED.progress,
		progress_label = EXCLUDED.progress_label,
		retry_count = EXCLUDED.retry_count,
		error = EXCLUDED.error,
		output = EXCLUDED.output,
		started_at = EXCLUDED.started_at,
		completed_at = EXCLUDED.completed_at
	`
	_, err = p.db.Exec(ctx, sqlQuery,
		task.ID, string(task.Type), task.OwnerFileID, string(task.Status),
		task.Priority.TypeWeight, task.Priority.FileWeight,
		payloadJSON, depsJSON, task.Progress, task.ProgressLabel,
		task.RetryCount, task.MaxRetries, task.Error, task.Output,
		task.CreatedAt, task.StartedAt, task.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return fmt.Errorf("saving task %s (SQL state %s): %w", task.ID, pgErr.Code, err)
		}
		return fmt.Errorf("saving task %s: %w", task.ID, err)
	}
	return nil
}

func (p *PostgresTaskStore) Get(ctx context.Context, id string) (*models.Task, error) {
	row := p.db.QueryRow(ctx, pgSelectColumns+" FROM tasks WHERE id = $1", id)
	task, err := p.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrTaskNotFound
	}
	return task, err
}

func (p *PostgresTaskStore) UpdateStatus(ctx context.Context, id string, status models.TaskStatus, update StatusUpdate) error {
	query := "UPDATE tasks SET status = $1"
	args := []any{string(status)}
	n := 1
	add := func(col string, v any) {
		n++
		query += fmt.Sprintf(", %s = $%d", col, n)
		args = append(args, v)
	}
	if update.Error != nil {
		add("error", *update.Error)
	}
	if update.Output != nil {
		add("output", *update.Output)
	}
	if update.RetryCount != nil {
		add("retry_count", *update.RetryCount)
	}
	if update.StartedAt != nil {
		add("started_at", *update.StartedAt)
	}
	if update.CompletedAt != nil {
		add("completed_at", *update.CompletedAt)
	}
	if update.Progress != nil {
		add("progress", *update.Progress)
	}
	if update.Label != nil {
		add("progress_label", *update.Label)
	}
	query += fmt.Sprintf(" WHERE id = $%d", n+1)
	args = append(args, id)

	tag, err := p.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating status for task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrTaskNotFound
	}
	return nil
}

func (p *PostgresTaskStore) UpdateProgress(ctx context.Context, id string, progress float64, label string) error {
	tag, err := p.db.Exec(ctx,
		"UPDATE tasks SET progress = $1, progress_label = CASE WHEN $2 = '' THEN progress_label ELSE $2 END WHERE id = $3",
		progress, label, id)
	if err != nil {
		return fmt.Errorf("updating progress for task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrTaskNotFound
	}
	return nil
}

func (p *PostgresTaskStore) UpdateFileWeight(ctx context.Context, id string, fileWeight int) error {
	tag, err := p.db.Exec(ctx, "UPDATE tasks SET file_weight = $1 WHERE id = $2", fileWeight, id)
	if err != nil {
		return fmt.Errorf("updating file weight for task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrTaskNotFound
	}
	return nil
}

func (p *PostgresTaskStore) ListByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	return p.list(ctx, "status = $1", string(status), limit)
}

func (p *PostgresTaskStore) ListByType(ctx context.Context, taskType models.TaskType, limit int) ([]*models.Task, error) {
	return p.list(ctx, "type = $1", string(taskType), limit)
}

func (p *PostgresTaskStore) ListByFile(ctx context.Context, fileID string) ([]*models.Task, error) {
	return p.list(ctx, "owner_file_id = $1", fileID, 0)
}

func (p *PostgresTaskStore) ListDependents(ctx context.Context, id string) ([]*models.Task, error) {
	rows, err := p.db.Query(ctx,
		pgSelectColumns+" FROM tasks WHERE depends_on @> jsonb_build_array($1::text) ORDER BY created_at ASC",
		id)
	if err != nil {
		return nil, fmt.Errorf("querying dependents of %s: %w", id, err)
	}
	defer rows.Close()
	return p.collect(rows)
}

func (p *PostgresTaskStore) CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows, err := p.db.Query(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("counting tasks by status: %w", err)
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

func (p *PostgresTaskStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.db.Exec(ctx,
		"DELETE FROM tasks WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at IS NOT NULL AND completed_at < $1",
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging terminal tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresTaskStore) Close() error {
	p.db.Close()
	return nil
}

const pgSelectColumns = `SELECT
	id, type, owner_file_id, status, type_weight, file_weight,
	payload, depends_on, progress, progress_label,
	retry_count, max_retries, error, output,
	created_at, started_at, completed_at`

func (p *PostgresTaskStore) list(ctx context.Context, where string, arg any, limit int) ([]*models.Task, error) {
	query := pgSelectColumns + " FROM tasks WHERE " + where + " ORDER BY created_at ASC"
	args := []any{arg}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()
	return p.collect(rows)
}

func (p *PostgresTaskStore) collect(rows pgx.Rows) ([]*models.Task, error) {
	var out []*models.Task
	for rows.Next() {
		task, err := p.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (p *PostgresTaskStore) scan(row pgx.Row) (*models.Task, error) {
	var (
		t            models.Task
		typ, status  string
		payloadBytes []byte
		depsBytes    []byte
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)
	err := row.Scan(
		&t.ID, &typ, &t.OwnerFileID, &status,
		&t.Priority.TypeWeight, &t.Priority.FileWeight,
		&payloadBytes, &depsBytes, &t.Progress, &t.ProgressLabel,
		&t.RetryCount, &t.MaxRetries, &t.Error, &t.Output,
		&t.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Type = models.TaskType(typ)
	t.Status = models.TaskStatus(status)
	if startedAt.Valid {
		ts := startedAt.Time
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	if len(payloadBytes) > 0 && string(payloadBytes) != "null" {
		if err := json.Unmarshal(payloadBytes, &t.Payload); err != nil {
			return nil, fmt.Errorf("unmarshalling payload for task %s: %w", t.ID, err)
		}
	}
	if len(depsBytes) > 0 && string(depsBytes) != "null" {
		if err := json.Unmarshal(depsBytes, &t.DependsOn); err != nil {
			return nil, fmt.Errorf("unmarshalling depends_on for task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}
