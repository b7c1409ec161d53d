package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lumina-media/indexer-backend/internal/concurrency"
	"github.com/lumina-media/indexer-backend/internal/config"
	"github.com/lumina-media/indexer-backend/internal/filegroup"
	"github.com/lumina-media/indexer-backend/internal/models"
	"github.com/lumina-media/indexer-backend/internal/resource"
	"github.com/lumina-media/indexer-backend/internal/runner"
	"github.com/lumina-media/indexer-backend/internal/scheduler"
	"github.com/lumina-media/indexer-backend/internal/store"
)

// SubmitRequest carries the caller-supplied fields for a new task.
type SubmitRequest struct {
	Type        models.TaskType `json:"type"`
	OwnerFileID string          `json:"owner_file_id,omitempty"`
	Payload     map[string]any  `json:"payload,omitempty"`
	FileWeight  int             `json:"file_weight,omitempty"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	MaxRetries  *int            `json:"max_retries,omitempty"`
}

// Orchestrator owns the dispatch loop, wires the scheduling components
// together and exposes the public task operations. Handlers that schedule
// follow-on work (preprocessing completion scheduling feature extraction,
// for example) submit through the same Submit entry point.
type Orchestrator struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      store.TaskStore
	sched      *scheduler.Scheduler
	coord      *filegroup.Coordinator
	runner     *runner.Runner
	controller *concurrency.Controller
	monitor    *resource.Monitor
	events     runner.EventPublisher

	limiter   *rate.Limiter
	throttled atomic.Uint64

	wake chan struct{}
	wg   sync.WaitGroup
}

// New wires an orchestrator from its components. events may be nil.
func New(
	cfg *config.Config,
	st store.TaskStore,
	sched *scheduler.Scheduler,
	coord *filegroup.Coordinator,
	run *runner.Runner,
	controller *concurrency.Controller,
	monitor *resource.Monitor,
	events runner.EventPublisher,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		sched:      sched,
		coord:      coord,
		runner:     run,
		controller: controller,
		monitor:    monitor,
		events:     events,
		limiter:    rate.NewLimiter(rate.Limit(cfg.Scheduler.IntakeRate), cfg.Scheduler.IntakeBurst),
		wake:       make(chan struct{}, 1),
	}
}

// Start subscribes to overload notifications, recovers persisted work,
// and launches the dispatch loop, the resource monitor, the concurrency
// controller and the history janitor. It returns once everything is
// running; cancel ctx to stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.monitor.Subscribe(resource.Subscription{
		OnWarning: func() {
			o.sched.SetOverload(models.ResourceWarning)
		},
		OnCritical: func() {
			o.sched.SetOverload(models.ResourceCritical)
			shed := o.sched.Shed(ctx)
			for _, victim := range shed {
				if o.events != nil {
					o.events.PublishTaskStatus(victim)
				}
				o.runner.FailDependents(ctx, victim.ID, "dependency cancelled")
			}
		},
		OnRecovered: func() {
			o.sched.SetOverload(models.ResourceNormal)
			o.notify()
		},
	})

	if err := o.recover(ctx); err != nil {
		return fmt.Errorf("failed to recover persisted tasks: %w", err)
	}

	o.monitor.Start(ctx)
	o.controller.Start(ctx)
	o.startJanitor(ctx)

	o.wg.Add(1)
	go o.dispatchLoop(ctx)

	o.logger.Info("Orchestrator started",
		zap.Int("concurrency_limit", o.controller.CurrentLimit()),
		zap.Int("queue_depth", o.sched.QueueDepth()),
	)
	return nil
}

// Wait blocks until the dispatch loop has exited and all in-flight task
// goroutines have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Submit validates and persists a new task and enqueues it for dispatch.
// While the system is under resource pressure, intake is rate-limited and
// callers may receive models.ErrIntakeThrottled.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if !models.KnownType(req.Type) {
		return "", fmt.Errorf("%w: %q", models.ErrUnknownType, req.Type)
	}

	if o.monitor.State() != models.ResourceNormal {
		if !o.limiter.Allow() {
			o.throttled.Add(1)
			return "", models.ErrIntakeThrottled
		}
	}

	// A dependency that already failed or was cancelled can never be
	// satisfied; the submission is dead on arrival and fails immediately
	// instead of sitting pending forever.
	var deadDep *models.Task
	for _, depID := range req.DependsOn {
		dep, err := o.store.Get(ctx, depID)
		if err != nil {
			return "", fmt.Errorf("dependency %s: %w", depID, err)
		}
		if dep.Status.IsTerminal() && dep.Status != models.StatusCompleted {
			deadDep = dep
		}
	}

	fileWeight := req.FileWeight
	if fileWeight == 0 {
		fileWeight = models.DefaultFileWeight
	}
	if fileWeight < 1 {
		fileWeight = 1
	}
	if fileWeight > 10 {
		fileWeight = 10
	}

	maxRetries := o.cfg.Runner.DefaultMaxRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}

	task := &models.Task{
		ID:          uuid.New().String(),
		Type:        req.Type,
		OwnerFileID: req.OwnerFileID,
		Status:      models.StatusPending,
		Priority: models.PriorityInputs{
			TypeWeight: models.TypeWeight(req.Type),
			FileWeight: fileWeight,
		},
		Payload:    req.Payload,
		DependsOn:  append([]string(nil), req.DependsOn...),
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
	}

	if deadDep != nil {
		reason := "dependency failed"
		if deadDep.Status == models.StatusCancelled {
			reason = "dependency cancelled"
		}
		completed := task.CreatedAt
		task.Status = models.StatusFailed
		task.Error = fmt.Sprintf("%s: %s", reason, deadDep.ID)
		task.CompletedAt = &completed
		if err := o.store.Put(ctx, task); err != nil {
			return "", fmt.Errorf("failed to persist task: %w", err)
		}
		if o.events != nil {
			o.events.PublishTaskStatus(task)
		}
		o.logger.Warn("Task submitted with an unsatisfiable dependency",
			zap.String("task_id", task.ID),
			zap.String("type", string(task.Type)),
			zap.String("dependency_id", deadDep.ID),
			zap.String("dependency_status", string(deadDep.Status)),
		)
		return task.ID, nil
	}

	if err := o.store.Put(ctx, task); err != nil {
		return "", fmt.Errorf("failed to persist task: %w", err)
	}
	o.sched.Enqueue(task)
	o.notify()

	o.logger.Info("Task submitted",
		zap.String("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.String("file_id", task.OwnerFileID),
		zap.Int("file_weight", fileWeight),
		zap.Int("dependencies", len(task.DependsOn)),
	)
	if o.events != nil {
		o.events.PublishTaskStatus(task)
	}
	return task.ID, nil
}

// Cancel cancels a task. Pending tasks leave the queue immediately;
// running tasks are cancelled cooperatively through their context. Returns
// false when the task is already terminal.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (bool, error) {
	task, err := o.store.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status.IsTerminal() {
		return false, nil
	}

	switch task.Status {
	case models.StatusRunning:
		// Cooperative: the handler observes its context and exits; the
		// runner records the terminal state when it returns.
		if o.runner.CancelRunning(taskID) {
			o.logger.Info("Cancellation requested for running task", zap.String("task_id", taskID))
			return true, nil
		}
		// Raced with completion; re-read and report.
		task, err = o.store.Get(ctx, taskID)
		if err != nil {
			return false, err
		}
		return !task.Status.IsTerminal(), nil

	default: // pending or retrying
		o.sched.Cancel(taskID)
		completed := time.Now().UTC()
		errMsg := "cancelled by caller"
		if err := o.store.UpdateStatus(ctx, taskID, models.StatusCancelled, store.StatusUpdate{
			Error:       &errMsg,
			CompletedAt: &completed,
		}); err != nil {
			return false, err
		}
		task.Status = models.StatusCancelled
		task.CompletedAt = &completed
		if o.events != nil {
			o.events.PublishTaskStatus(task)
		}
		// A retrying core task still holds the pipeline lock.
		if task.OwnerFileID != "" && models.IsCore(task.Type) {
			o.coord.Release(ctx, task.OwnerFileID, taskID)
		}
		o.runner.FailDependents(ctx, taskID, "dependency cancelled")
		o.notify()
		o.logger.Info("Task cancelled", zap.String("task_id", taskID))
		return true, nil
	}
}

// Reprioritize updates a task's file weight system-wide. Returns false for
// terminal tasks.
func (o *Orchestrator) Reprioritize(ctx context.Context, taskID string, fileWeight int) (bool, error) {
	if fileWeight < 1 {
		fileWeight = 1
	}
	if fileWeight > 10 {
		fileWeight = 10
	}
	task, err := o.store.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status.IsTerminal() {
		return false, nil
	}
	// A targeted column update: a full Put here could write the stale row
	// over a concurrent terminal transition.
	if err := o.store.UpdateFileWeight(ctx, taskID, fileWeight); err != nil {
		return false, fmt.Errorf("failed to persist new priority: %w", err)
	}
	o.sched.Reprioritize(taskID, fileWeight)
	o.notify()
	o.logger.Info("Task reprioritized",
		zap.String("task_id", taskID),
		zap.Int("file_weight", fileWeight),
	)
	return true, nil
}

// GetStatus returns the external view of a task.
func (o *Orchestrator) GetStatus(ctx context.Context, taskID string) (models.TaskView, error) {
	task, err := o.store.Get(ctx, taskID)
	if err != nil {
		return models.TaskView{}, err
	}
	return task.View(), nil
}

// ListByFile returns the views of every task owned by a file.
func (o *Orchestrator) ListByFile(ctx context.Context, fileID string) ([]models.TaskView, error) {
	tasks, err := o.store.ListByFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	views := make([]models.TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, t.View())
	}
	return views, nil
}

// Progress records handler-reported progress; exposed so registered
// handlers can annotate their current step.
func (o *Orchestrator) Progress(ctx context.Context, taskID string, progress float64, label string) {
	o.runner.Progress(ctx, taskID, progress, label)
}

// Stats returns the aggregate system view.
func (o *Orchestrator) Stats(ctx context.Context) (models.Stats, error) {
	counts, err := o.store.CountByStatus(ctx)
	if err != nil {
		return models.Stats{}, fmt.Errorf("failed to count tasks: %w", err)
	}
	for _, status := range models.AllStatuses {
		if _, ok := counts[status]; !ok {
			counts[status] = 0
		}
	}
	return models.Stats{
		Counts:      counts,
		QueueDepth:  o.sched.QueueDepth(),
		Concurrency: o.controller.Snapshot(),
		Resource:    o.monitor.State(),
		ShedTotal:   o.sched.ShedTotal(),
		Throttled:   o.throttled.Load(),
	}, nil
}

// recover re-enqueues persisted work on startup. Tasks found running or
// retrying were in flight when the previous process died; they re-enter
// pending and run again.
func (o *Orchestrator) recover(ctx context.Context) error {
	recovered := 0
	for _, status := range []models.TaskStatus{models.StatusRunning, models.StatusRetrying, models.StatusPending} {
		tasks, err := o.store.ListByStatus(ctx, status, 0)
		if err != nil {
			return fmt.Errorf("listing %s tasks: %w", status, err)
		}
		for _, task := range tasks {
			if status != models.StatusPending {
				if err := o.store.UpdateStatus(ctx, task.ID, models.StatusPending, store.StatusUpdate{}); err != nil {
					return fmt.Errorf("resetting task %s to pending: %w", task.ID, err)
				}
				task.Status = models.StatusPending
			}
			o.sched.Enqueue(task)
			recovered++
		}
	}
	if recovered > 0 {
		o.logger.Info("Recovered persisted tasks into the ready queue", zap.Int("count", recovered))
	}
	return nil
}

// notify wakes the dispatch loop. Non-blocking: one pending wake is enough.
func (o *Orchestrator) notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}
