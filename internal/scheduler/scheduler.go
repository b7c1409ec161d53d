package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumina-media/indexer-backend/internal/filegroup"
	"github.com/lumina-media/indexer-backend/internal/models"
	"github.com/lumina-media/indexer-backend/internal/store"
)

// Scheduler maintains the ready set and selects the next task to dispatch.
//
// Ordering follows the priority key (lower dispatches first) with aging:
// every full minute a task waits subtracts one from its key, capped, so
// low-priority work cannot starve. Ties break on creation time, then on
// enqueue sequence, which keeps dispatch order deterministic.
//
// The scheduler also owns the two-tier overload response: in warning state
// auxiliary tasks are excluded from dequeue candidates and the in-flight
// headroom it honors is halved; in critical state pending tasks beyond the
// shed floor are cancelled outright.
type Scheduler struct {
	store  store.TaskStore
	coord  *filegroup.Coordinator
	logger *zap.Logger

	// shedFloor is the priority key beyond which pending tasks are shed
	// under critical load.
	shedFloor int

	mu        sync.Mutex
	ready     map[string]*models.Task
	seq       uint64
	overload  models.ResourceState
	shedTotal uint64

	now func() time.Time
}

// New creates an empty scheduler.
func New(st store.TaskStore, coord *filegroup.Coordinator, shedFloor int, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:     st,
		coord:     coord,
		logger:    logger,
		shedFloor: shedFloor,
		ready:     make(map[string]*models.Task),
		overload:  models.ResourceNormal,
		now:       time.Now,
	}
}

// Enqueue adds a pending task to the ready set. Re-enqueueing an ID already
// present replaces the stored copy (used by retry re-entry).
func (s *Scheduler) Enqueue(task *models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.Seq == 0 {
		s.seq++
		task.Seq = s.seq
	}
	s.ready[task.ID] = task
}

// Dequeue returns the highest-priority eligible task, or nil when none is
// eligible right now. It never blocks; the dispatch loop backs off and
// retries. Ineligible tasks (unsatisfied dependencies, unobtainable lock,
// gated auxiliaries) are skipped, not removed.
//
// For core tasks the pipeline lock is acquired before the task is returned,
// so a returned task is immediately dispatchable.
func (s *Scheduler) Dequeue(ctx context.Context) *models.Task {
	s.mu.Lock()
	now := s.now()
	candidates := make([]*models.Task, 0, len(s.ready))
	for _, t := range s.ready {
		candidates = append(candidates, t)
	}
	overload := s.overload
	s.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		ki, kj := candidates[i].Key(now), candidates[j].Key(now)
		if ki != kj {
			return ki < kj
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].Seq < candidates[j].Seq
	})

	// Eligibility checks consult the store and the coordinator, so they run
	// outside the scheduler's own lock.
	for _, task := range candidates {
		if !s.eligible(ctx, task, overload) {
			continue
		}

		isCore := models.IsCore(task.Type) && task.OwnerFileID != ""
		if isCore && !s.coord.TryAcquire(task.OwnerFileID, task.ID) {
			continue
		}

		s.mu.Lock()
		if _, still := s.ready[task.ID]; !still {
			// Cancelled or claimed since the snapshot; put the lock back.
			s.mu.Unlock()
			if isCore {
				s.coord.Release(ctx, task.OwnerFileID, task.ID)
			}
			continue
		}
		delete(s.ready, task.ID)
		s.mu.Unlock()
		return task
	}
	return nil
}

func (s *Scheduler) eligible(ctx context.Context, task *models.Task, overload models.ResourceState) bool {
	// Auxiliary work is excluded from candidates for as long as the system
	// is degraded, and may only run once the owning file's core chain has
	// fully drained.
	if models.IsAuxiliary(task.Type) {
		if overload != models.ResourceNormal {
			return false
		}
		if task.OwnerFileID != "" {
			if s.coord.IsLocked(task.OwnerFileID) || s.coord.HasPendingCoreTasks(ctx, task.OwnerFileID) {
				return false
			}
		}
	}

	for _, depID := range task.DependsOn {
		dep, err := s.store.Get(ctx, depID)
		if err != nil {
			s.logger.Warn("Failed to resolve task dependency, skipping task",
				zap.String("task_id", task.ID),
				zap.String("dependency_id", depID),
				zap.Error(err),
			)
			return false
		}
		if dep.Status != models.StatusCompleted {
			return false
		}
	}

	if models.IsCore(task.Type) && task.OwnerFileID != "" && !s.coord.CanAcquire(task.OwnerFileID) {
		return false
	}
	return true
}

// Reprioritize updates the file weight of a queued task. Returns false when
// the task is not currently in the ready set.
func (s *Scheduler) Reprioritize(taskID string, fileWeight int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.ready[taskID]
	if !ok {
		return false
	}
	task.Priority.FileWeight = fileWeight
	return true
}

// Cancel removes a pending task from the ready set. Returns false when the
// task is not queued (already dispatched or unknown).
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ready[taskID]; !ok {
		return false
	}
	delete(s.ready, taskID)
	return true
}

// SetOverload records the current resource state. Warning excludes
// auxiliary candidates and halves headroom; recovery lifts both.
func (s *Scheduler) SetOverload(state models.ResourceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overload != state {
		s.logger.Info("Scheduler overload state changed",
			zap.String("from", string(s.overload)),
			zap.String("to", string(state)),
		)
	}
	s.overload = state
}

// Shed cancels every pending task whose current priority key exceeds the
// shed floor, freeing queue space under critical load. The cancelled tasks
// are marked in the store and returned so the caller can emit events.
func (s *Scheduler) Shed(ctx context.Context) []*models.Task {
	s.mu.Lock()
	now := s.now()
	var victims []*models.Task
	for id, t := range s.ready {
		if t.Key(now) > s.shedFloor {
			victims = append(victims, t)
			delete(s.ready, id)
		}
	}
	s.shedTotal += uint64(len(victims))
	s.mu.Unlock()

	for _, t := range victims {
		completed := now
		errMsg := "shed under critical resource pressure"
		if err := s.store.UpdateStatus(ctx, t.ID, models.StatusCancelled, store.StatusUpdate{
			Error:       &errMsg,
			CompletedAt: &completed,
		}); err != nil {
			s.logger.Error("Failed to persist shed cancellation",
				zap.String("task_id", t.ID),
				zap.Error(err),
			)
		}
		t.Status = models.StatusCancelled
	}
	if len(victims) > 0 {
		s.logger.Warn("Shed pending tasks under critical load",
			zap.Int("count", len(victims)),
			zap.Int("floor", s.shedFloor),
		)
	}
	return victims
}

// MaxInFlight returns the in-flight ceiling the scheduler will honor for a
// given concurrency limit: the full limit under normal load, half (at
// least one) while degraded.
func (s *Scheduler) MaxInFlight(limit int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overload == models.ResourceNormal {
		return limit
	}
	reduced := limit / 2
	if reduced < 1 {
		reduced = 1
	}
	return reduced
}

// QueueDepth returns the number of tasks in the ready set.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}

// ShedTotal returns the cumulative number of shed tasks.
func (s *Scheduler) ShedTotal() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shedTotal
}
