package models

import "errors"

// Sentinel errors shared across components. Callers match these with
// errors.Is; the HTTP layer maps them to status codes.
var (
	// ErrTaskNotFound is returned when a task ID does not exist in the store.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTerminalTask is returned when an operation targets a task that has
	// already reached a terminal state.
	ErrTerminalTask = errors.New("task is terminal")

	// ErrUnknownType is returned when a submission names a task type outside
	// the closed set.
	ErrUnknownType = errors.New("unknown task type")

	// ErrNoHandler indicates no handler is registered for a task's type.
	// This is a deployment defect: the task fails permanently, unretried.
	ErrNoHandler = errors.New("no handler registered for task type")

	// ErrIntakeThrottled is returned by Submit while the system is in the
	// warning state and the intake rate limit has been exhausted.
	ErrIntakeThrottled = errors.New("task intake throttled under resource pressure")

	// ErrDependencyFailed marks tasks failed because a dependency failed
	// permanently. Never retried: the dependency cannot become satisfiable.
	ErrDependencyFailed = errors.New("dependency failed")
)
