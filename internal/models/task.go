package models

import (
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusRetrying  TaskStatus = "retrying" // transient: re-enters pending after the backoff delay
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal tasks are
// immutable; only the janitor may remove them.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// AllStatuses lists every task status, used for stats aggregation.
var AllStatuses = []TaskStatus{
	StatusPending, StatusRunning, StatusRetrying,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// PriorityInputs are the static inputs to the priority key, fixed at
// creation time. The dynamic aging component is derived from CreatedAt.
type PriorityInputs struct {
	TypeWeight int `json:"type_weight"`
	FileWeight int `json:"file_weight"`
}

// Task is the unit of schedulable work in the indexing pipeline.
// A task belongs to at most one content item (OwnerFileID); tasks without
// an owner are never subject to file-group locking.
type Task struct {
	ID          string         `json:"id"`
	Type        TaskType       `json:"type"`
	OwnerFileID string         `json:"owner_file_id,omitempty"`
	Status      TaskStatus     `json:"status"`
	Priority    PriorityInputs `json:"priority"`
	Payload     map[string]any `json:"payload,omitempty"`

	// DependsOn lists task IDs that must reach completed before this task
	// becomes eligible for dispatch.
	DependsOn []string `json:"depends_on,omitempty"`

	Progress      float64 `json:"progress"`
	ProgressLabel string  `json:"progress_label,omitempty"`

	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	Error      string `json:"error,omitempty"`
	Output     string `json:"output,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Seq is assigned by the scheduler at first enqueue and breaks ties
	// between tasks with identical keys and creation timestamps.
	Seq uint64 `json:"-"`
}

// Key computes the current priority key for the task. Lower values are
// dispatched first. The wait bonus grows by one per full minute waited,
// capped at 999, so any pending task eventually climbs past fresher work.
func (t *Task) Key(now time.Time) int {
	base := BaseWeight(t.Type)
	key := base*1000 + t.Priority.FileWeight*100 + t.Priority.TypeWeight*10
	wait := int(now.Sub(t.CreatedAt).Seconds()) / 60
	if wait > MaxWaitBonus {
		wait = MaxWaitBonus
	}
	if wait < 0 {
		wait = 0
	}
	return key - wait
}

// MaxWaitBonus caps the aging compensation subtracted from the priority key.
const MaxWaitBonus = 999

// DefaultFileWeight is the mid-range file importance used when the caller
// does not supply one. File weights run 1 (most urgent) to 10.
const DefaultFileWeight = 5

// TaskView is the external read model returned by status queries. The
// retrying sub-state is surfaced through the progress label rather than as
// a distinct status.
type TaskView struct {
	ID            string     `json:"id"`
	Type          TaskType   `json:"type"`
	OwnerFileID   string     `json:"owner_file_id,omitempty"`
	Status        TaskStatus `json:"status"`
	Progress      float64    `json:"progress"`
	ProgressLabel string     `json:"progress_label,omitempty"`
	RetryCount    int        `json:"retry_count"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// View converts the task into its external representation.
func (t *Task) View() TaskView {
	v := TaskView{
		ID:            t.ID,
		Type:          t.Type,
		OwnerFileID:   t.OwnerFileID,
		Status:        t.Status,
		Progress:      t.Progress,
		ProgressLabel: t.ProgressLabel,
		RetryCount:    t.RetryCount,
		Error:         t.Error,
		CreatedAt:     t.CreatedAt,
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
	}
	if t.Status == StatusRetrying {
		v.Status = StatusPending
		v.ProgressLabel = "retrying"
	}
	return v
}
