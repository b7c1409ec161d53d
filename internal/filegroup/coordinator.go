package filegroup

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumina-media/indexer-backend/internal/models"
)

// LockScope selects how widely a pipeline lock excludes other work.
type LockScope string

const (
	// ScopeFile is the default: a lock only keeps other files' core tasks
	// from interleaving with the owning file's core chain.
	ScopeFile LockScope = "scoped"
	// ScopeGlobal serializes core chains system-wide: at most one file's
	// core tasks run at a time. Intended for deployments with a single
	// shared accelerator.
	ScopeGlobal LockScope = "global"
)

// CoreTaskSource is the narrow store view the coordinator needs to decide
// whether a file still has outstanding core work.
type CoreTaskSource interface {
	ListByFile(ctx context.Context, fileID string) ([]*models.Task, error)
}

// pipelineLock is the ownership token for one file's core chain. It is
// reentrant: every in-flight core task of the same file is recorded as a
// holder, and the lock only disappears once the file has no pending core
// tasks left.
type pipelineLock struct {
	fileID     string
	holders    map[string]struct{}
	acquiredAt time.Time
}

// Coordinator arbitrates per-file execution-continuity locks so one file's
// core processing stages run back-to-back instead of interleaving with
// unrelated files' work.
type Coordinator struct {
	store  CoreTaskSource
	scope  LockScope
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*pipelineLock
}

// NewCoordinator creates a coordinator with the given lock scope.
func NewCoordinator(store CoreTaskSource, scope LockScope, logger *zap.Logger) *Coordinator {
	if scope != ScopeGlobal {
		scope = ScopeFile
	}
	return &Coordinator{
		store:  store,
		scope:  scope,
		logger: logger,
		locks:  make(map[string]*pipelineLock),
	}
}

// TryAcquire attempts to take (or re-enter) the pipeline lock for fileID on
// behalf of taskID. It succeeds when no lock exists for the file, or when
// the existing lock belongs to the same file (reentrant). It fails when
// another file conflicts; the caller re-queues and retries later.
func (c *Coordinator) TryAcquire(fileID, taskID string) bool {
	if fileID == "" {
		return true // ownerless tasks are never lock-subject
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if lock, ok := c.locks[fileID]; ok {
		lock.holders[taskID] = struct{}{}
		return true
	}
	if c.scope == ScopeGlobal && len(c.locks) > 0 {
		return false
	}

	c.locks[fileID] = &pipelineLock{
		fileID:     fileID,
		holders:    map[string]struct{}{taskID: {}},
		acquiredAt: time.Now(),
	}
	c.logger.Debug("Pipeline lock acquired",
		zap.String("file_id", fileID),
		zap.String("task_id", taskID),
	)
	return true
}

// CanAcquire reports whether TryAcquire would currently succeed, without
// taking the lock. The scheduler uses it during eligibility checks.
func (c *Coordinator) CanAcquire(fileID string) bool {
	if fileID == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.locks[fileID]; ok {
		return true
	}
	return c.scope != ScopeGlobal || len(c.locks) == 0
}

// Release drops taskID from the lock's holder set (when it is one) and
// releases the lock itself only when the file has no pending core tasks
// left. Intermediate calls as individual tasks finish are no-ops that
// return false; the call that finds the chain drained returns true.
//
// The caller does not have to be a holder: a core task terminated by a
// dependency cascade never acquired the lock itself, but its release must
// still drop a fully drained lock, or a failed chain would leave the file
// locked with zero holders.
//
// The pending-core query deliberately happens before the coordinator's own
// lock is taken, so the store is never consulted under it.
func (c *Coordinator) Release(ctx context.Context, fileID, taskID string) bool {
	if fileID == "" {
		return false
	}
	pending := c.HasPendingCoreTasks(ctx, fileID)

	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[fileID]
	if !ok {
		return false
	}
	delete(lock.holders, taskID)

	if pending {
		return false
	}
	delete(c.locks, fileID)
	c.logger.Debug("Pipeline lock released",
		zap.String("file_id", fileID),
		zap.String("task_id", taskID),
		zap.Duration("held_for", time.Since(lock.acquiredAt)),
	)
	return true
}

// IsLocked reports whether the file currently holds a pipeline lock.
func (c *Coordinator) IsLocked(fileID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.locks[fileID]
	return ok
}

// HasPendingCoreTasks reports whether the file has any core task that has
// not reached a terminal state. A store failure counts as "pending" so a
// transient read error can never release a lock early.
func (c *Coordinator) HasPendingCoreTasks(ctx context.Context, fileID string) bool {
	tasks, err := c.store.ListByFile(ctx, fileID)
	if err != nil {
		c.logger.Warn("Failed to list file tasks for lock release check",
			zap.String("file_id", fileID),
			zap.Error(err),
		)
		return true
	}
	for _, t := range tasks {
		if models.IsCore(t.Type) && !t.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// HolderCount returns the number of in-flight holders for a file's lock.
func (c *Coordinator) HolderCount(fileID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lock, ok := c.locks[fileID]; ok {
		return len(lock.holders)
	}
	return 0
}
