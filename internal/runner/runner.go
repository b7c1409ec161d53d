package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumina-media/indexer-backend/internal/config"
	"github.com/lumina-media/indexer-backend/internal/filegroup"
	"github.com/lumina-media/indexer-backend/internal/models"
	"github.com/lumina-media/indexer-backend/internal/store"
)

// ReadySet is the scheduler surface the runner needs: retry re-entry and
// removing dependents that can no longer run.
type ReadySet interface {
	Enqueue(task *models.Task)
	Cancel(taskID string) bool
}

// EventPublisher receives task lifecycle updates. Implementations must be
// nil-safe no-ops when the transport is down.
type EventPublisher interface {
	PublishTaskStatus(task *models.Task)
}

// Result is the outcome of one Run invocation.
type Result struct {
	Success bool
	Output  string
	Err     error
}

// Runner invokes the registered handler for a dispatched task, tracks
// progress, applies bounded retry with exponential backoff on failure, and
// reports completion back to the store and the file-group coordinator.
type Runner struct {
	registry *Registry
	store    store.TaskStore
	coord    *filegroup.Coordinator
	ready    ReadySet
	events   EventPublisher
	cfg      config.RunnerConfig
	logger   *zap.Logger

	mu      sync.Mutex
	running map[string]*execution
}

type execution struct {
	cancel          context.CancelFunc
	cancelRequested bool
}

// New creates a runner. events may be nil.
func New(registry *Registry, st store.TaskStore, coord *filegroup.Coordinator, ready ReadySet, events EventPublisher, cfg config.RunnerConfig, logger *zap.Logger) *Runner {
	return &Runner{
		registry: registry,
		store:    st,
		coord:    coord,
		ready:    ready,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		running:  make(map[string]*execution),
	}
}

// Run executes the task synchronously and returns its result. The caller
// (the dispatch loop) invokes Run on its own goroutine while holding a
// concurrency slot.
func (r *Runner) Run(ctx context.Context, task *models.Task) Result {
	handler := r.registry.Lookup(task.Type)
	if handler == nil {
		// Deployment defect, not a transient failure: fail immediately and
		// permanently, no retry.
		err := fmt.Errorf("%w: %s", models.ErrNoHandler, task.Type)
		r.logger.Error("Task has no registered handler",
			zap.String("task_id", task.ID),
			zap.String("type", string(task.Type)),
		)
		r.failPermanently(ctx, task, err)
		return Result{Err: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.track(task.ID, cancel)
	defer r.untrack(task.ID)

	started := time.Now().UTC()
	task.Status = models.StatusRunning
	task.StartedAt = &started
	if err := r.store.UpdateStatus(ctx, task.ID, models.StatusRunning, store.StatusUpdate{
		StartedAt: &started,
	}); err != nil {
		r.logger.Error("Failed to mark task running", zap.String("task_id", task.ID), zap.Error(err))
	}
	r.publish(task)

	r.logger.Info("Running task",
		zap.String("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.String("file_id", task.OwnerFileID),
		zap.Int("retry_count", task.RetryCount),
	)

	output, err := handler(runCtx, task)
	if err == nil {
		r.complete(ctx, task, output)
		return Result{Success: true, Output: output}
	}

	if r.cancelRequested(task.ID) {
		r.markCancelled(ctx, task)
		return Result{Err: err}
	}

	if task.RetryCount < task.MaxRetries {
		r.scheduleRetry(ctx, task, err)
		return Result{Err: err}
	}

	r.failPermanently(ctx, task, err)
	return Result{Err: err}
}

// Progress records handler-reported progress for a running task. Exposed to
// handlers through the orchestrator.
func (r *Runner) Progress(ctx context.Context, taskID string, progress float64, label string) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if err := r.store.UpdateProgress(ctx, taskID, progress, label); err != nil {
		r.logger.Warn("Failed to record task progress", zap.String("task_id", taskID), zap.Error(err))
	}
}

// CancelRunning requests cooperative cancellation of a running task. The
// handler is expected to observe its context and exit promptly; the runner
// never forcibly kills handler goroutines.
func (r *Runner) CancelRunning(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.running[taskID]
	if !ok {
		return false
	}
	exec.cancelRequested = true
	exec.cancel()
	return true
}

// FailDependents marks every task that depends on failedID, directly or
// transitively, as permanently failed. Retrying a task whose dependency
// failed cannot make the dependency satisfiable.
func (r *Runner) FailDependents(ctx context.Context, failedID string, reason string) {
	dependents, err := r.store.ListDependents(ctx, failedID)
	if err != nil {
		r.logger.Error("Failed to list dependents for failure cascade",
			zap.String("task_id", failedID),
			zap.Error(err),
		)
		return
	}
	for _, dep := range dependents {
		if dep.Status.IsTerminal() {
			continue
		}
		r.ready.Cancel(dep.ID)
		completed := time.Now().UTC()
		errMsg := fmt.Sprintf("%s: %s", reason, failedID)
		if err := r.store.UpdateStatus(ctx, dep.ID, models.StatusFailed, store.StatusUpdate{
			Error:       &errMsg,
			CompletedAt: &completed,
		}); err != nil {
			r.logger.Error("Failed to persist cascaded failure",
				zap.String("task_id", dep.ID),
				zap.Error(err),
			)
			continue
		}
		dep.Status = models.StatusFailed
		dep.Error = errMsg
		dep.CompletedAt = &completed
		r.publish(dep)
		r.logger.Warn("Task failed due to failed dependency",
			zap.String("task_id", dep.ID),
			zap.String("dependency_id", failedID),
		)
		r.releaseLock(ctx, dep)
		r.FailDependents(ctx, dep.ID, "dependency failed")
	}
}

func (r *Runner) complete(ctx context.Context, task *models.Task, output string) {
	completed := time.Now().UTC()
	progress := 100.0
	if err := r.store.UpdateStatus(ctx, task.ID, models.StatusCompleted, store.StatusUpdate{
		Output:      &output,
		CompletedAt: &completed,
		Progress:    &progress,
	}); err != nil {
		r.logger.Error("Failed to mark task completed", zap.String("task_id", task.ID), zap.Error(err))
	}
	task.Status = models.StatusCompleted
	task.Output = output
	task.Progress = 100
	task.CompletedAt = &completed
	r.publish(task)

	r.logger.Info("Task completed",
		zap.String("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.Duration("duration", completed.Sub(valueOr(task.StartedAt, completed))),
	)
	r.releaseLock(ctx, task)
}

func (r *Runner) scheduleRetry(ctx context.Context, task *models.Task, cause error) {
	task.RetryCount++
	delay := r.backoff(task.RetryCount)

	retryCount := task.RetryCount
	errMsg := cause.Error()
	label := "retrying"
	if err := r.store.UpdateStatus(ctx, task.ID, models.StatusRetrying, store.StatusUpdate{
		Error:      &errMsg,
		RetryCount: &retryCount,
		Label:      &label,
	}); err != nil {
		r.logger.Error("Failed to mark task retrying", zap.String("task_id", task.ID), zap.Error(err))
	}
	task.Status = models.StatusRetrying
	task.Error = errMsg
	r.publish(task)

	r.logger.Warn("Task failed, scheduling retry",
		zap.String("task_id", task.ID),
		zap.Int("retry_count", task.RetryCount),
		zap.Int("max_retries", task.MaxRetries),
		zap.Duration("backoff", delay),
		zap.Error(cause),
	)

	// The file lock is deliberately not released: the file's pipeline stays
	// in flight across the backoff window.
	time.AfterFunc(delay, func() {
		requeueCtx := context.Background()
		// The task may have been cancelled during the backoff window; only a
		// still-retrying task re-enters the queue.
		current, err := r.store.Get(requeueCtx, task.ID)
		if err != nil || current.Status != models.StatusRetrying {
			return
		}
		if err := r.store.UpdateStatus(requeueCtx, task.ID, models.StatusPending, store.StatusUpdate{}); err != nil {
			r.logger.Error("Failed to re-enter task to pending after backoff",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
			return
		}
		task.Status = models.StatusPending
		r.ready.Enqueue(task)
	})
}

func (r *Runner) failPermanently(ctx context.Context, task *models.Task, cause error) {
	completed := time.Now().UTC()
	errMsg := cause.Error()
	if err := r.store.UpdateStatus(ctx, task.ID, models.StatusFailed, store.StatusUpdate{
		Error:       &errMsg,
		CompletedAt: &completed,
	}); err != nil {
		r.logger.Error("Failed to mark task failed", zap.String("task_id", task.ID), zap.Error(err))
	}
	task.Status = models.StatusFailed
	task.Error = errMsg
	task.CompletedAt = &completed
	r.publish(task)

	r.logger.Error("Task failed permanently",
		zap.String("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.Int("retry_count", task.RetryCount),
		zap.Error(cause),
	)

	// A permanently failed core task must not deadlock the file's lock.
	r.releaseLock(ctx, task)
	r.FailDependents(ctx, task.ID, "dependency failed")
}

func (r *Runner) markCancelled(ctx context.Context, task *models.Task) {
	completed := time.Now().UTC()
	errMsg := "cancelled while running"
	if err := r.store.UpdateStatus(ctx, task.ID, models.StatusCancelled, store.StatusUpdate{
		Error:       &errMsg,
		CompletedAt: &completed,
	}); err != nil {
		r.logger.Error("Failed to mark task cancelled", zap.String("task_id", task.ID), zap.Error(err))
	}
	task.Status = models.StatusCancelled
	task.CompletedAt = &completed
	r.publish(task)

	r.logger.Info("Task cancelled cooperatively", zap.String("task_id", task.ID))
	r.releaseLock(ctx, task)
	r.FailDependents(ctx, task.ID, "dependency cancelled")
}

// releaseLock triggers the coordinator's release evaluation for core tasks.
// The store must already reflect the task's terminal state so the pending-
// core check sees it.
func (r *Runner) releaseLock(ctx context.Context, task *models.Task) {
	if task.OwnerFileID == "" || !models.IsCore(task.Type) {
		return
	}
	released := r.coord.Release(ctx, task.OwnerFileID, task.ID)
	if released {
		r.logger.Info("File pipeline drained, lock released",
			zap.String("file_id", task.OwnerFileID),
			zap.String("task_id", task.ID),
		)
	}
}

func (r *Runner) backoff(retryCount int) time.Duration {
	delay := r.cfg.BackoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= r.cfg.BackoffCap {
			return r.cfg.BackoffCap
		}
	}
	return delay
}

func (r *Runner) track(taskID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[taskID] = &execution{cancel: cancel}
}

func (r *Runner) untrack(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, taskID)
}

func (r *Runner) cancelRequested(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.running[taskID]
	return ok && exec.cancelRequested
}

func (r *Runner) publish(task *models.Task) {
	if r.events != nil {
		r.events.PublishTaskStatus(task)
	}
}

func valueOr(ts *time.Time, fallback time.Time) time.Time {
	if ts != nil {
		return *ts
	}
	return fallback
}
