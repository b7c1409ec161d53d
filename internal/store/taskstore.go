package store

import (
	"context"
	"time"

	"github.com/lumina-media/indexer-backend/internal/models"
)

// TaskStore defines the interface for persisting task state. This allows
// for different backend implementations (in-memory, SQLite, PostgreSQL).
type TaskStore interface {
	// Put saves the complete state of a task, for initial creation or full
	// updates.
	Put(ctx context.Context, task *models.Task) error

	// Get retrieves a task by ID. Returns models.ErrTaskNotFound when the
	// ID is unknown.
	Get(ctx context.Context, id string) (*models.Task, error)

	// UpdateStatus transitions a task's status and records the associated
	// bookkeeping (timestamps, retry count, error, output).
	UpdateStatus(ctx context.Context, id string, status models.TaskStatus, update StatusUpdate) error

	// UpdateProgress records handler-reported progress for a running task.
	UpdateProgress(ctx context.Context, id string, progress float64, label string) error

	// UpdateFileWeight changes a task's file weight without touching any
	// other field.
	UpdateFileWeight(ctx context.Context, id string, fileWeight int) error

	// ListByStatus retrieves up to limit tasks in the given status,
	// oldest first. limit <= 0 means no limit.
	ListByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error)

	// ListByType retrieves up to limit tasks of the given type, oldest
	// first. limit <= 0 means no limit.
	ListByType(ctx context.Context, taskType models.TaskType, limit int) ([]*models.Task, error)

	// ListByFile retrieves every task owned by the given file.
	ListByFile(ctx context.Context, fileID string) ([]*models.Task, error)

	// ListDependents retrieves tasks that name the given task ID in their
	// dependency list.
	ListDependents(ctx context.Context, id string) ([]*models.Task, error)

	// CountByStatus returns the number of tasks per status.
	CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error)

	// DeleteTerminalBefore removes terminal tasks completed before the
	// cutoff, returning how many were removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Initialize sets up the store, e.g. creates tables if they don't exist.
	Initialize(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// StatusUpdate carries the optional fields written alongside a status
// transition. Nil pointers leave the stored value untouched.
type StatusUpdate struct {
	Error       *string
	Output      *string
	RetryCount  *int
	StartedAt   *time.Time
	CompletedAt *time.Time
	Progress    *float64
	Label       *string
}
