package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lumina-media/indexer-backend/internal/models"
)

// MemoryTaskStore is a mutex-guarded in-memory TaskStore. It backs tests
// and deployments that do not need tasks to survive a restart.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

// NewMemoryTaskStore creates an empty in-memory store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*models.Task)}
}

func (m *MemoryTaskStore) Put(_ context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneTask(task)
	m.tasks[task.ID] = cp
	return nil
}

func (m *MemoryTaskStore) Get(_ context.Context, id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (m *MemoryTaskStore) UpdateStatus(_ context.Context, id string, status models.TaskStatus, update StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.ErrTaskNotFound
	}
	t.Status = status
	applyStatusUpdate(t, update)
	return nil
}

func (m *MemoryTaskStore) UpdateProgress(_ context.Context, id string, progress float64, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.ErrTaskNotFound
	}
	t.Progress = progress
	if label != "" {
		t.ProgressLabel = label
	}
	return nil
}

func (m *MemoryTaskStore) UpdateFileWeight(_ context.Context, id string, fileWeight int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.ErrTaskNotFound
	}
	t.Priority.FileWeight = fileWeight
	return nil
}

func (m *MemoryTaskStore) ListByStatus(_ context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if t.Status == status {
			out = append(out, cloneTask(t))
		}
	}
	sortByCreation(out)
	return truncate(out, limit), nil
}

func (m *MemoryTaskStore) ListByType(_ context.Context, taskType models.TaskType, limit int) ([]*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if t.Type == taskType {
			out = append(out, cloneTask(t))
		}
	}
	sortByCreation(out)
	return truncate(out, limit), nil
}

func (m *MemoryTaskStore) ListByFile(_ context.Context, fileID string) ([]*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if t.OwnerFileID == fileID {
			out = append(out, cloneTask(t))
		}
	}
	sortByCreation(out)
	return out, nil
}

func (m *MemoryTaskStore) ListDependents(_ context.Context, id string) ([]*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Task
	for _, t := range m.tasks {
		for _, dep := range t.DependsOn {
			if dep == id {
				out = append(out, cloneTask(t))
				break
			}
		}
	}
	sortByCreation(out)
	return out, nil
}

func (m *MemoryTaskStore) CountByStatus(_ context.Context) (map[models.TaskStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[models.TaskStatus]int)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *MemoryTaskStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, t := range m.tasks {
		if t.Status.IsTerminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(m.tasks, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryTaskStore) Initialize(_ context.Context) error { return nil }

func (m *MemoryTaskStore) Close() error { return nil }

func applyStatusUpdate(t *models.Task, update StatusUpdate) {
	if update.Error != nil {
		t.Error = *update.Error
	}
	if update.Output != nil {
		t.Output = *update.Output
	}
	if update.RetryCount != nil {
		t.RetryCount = *update.RetryCount
	}
	if update.StartedAt != nil {
		t.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		t.CompletedAt = update.CompletedAt
	}
	if update.Progress != nil {
		t.Progress = *update.Progress
	}
	if update.Label != nil {
		t.ProgressLabel = *update.Label
	}
}

func cloneTask(t *models.Task) *models.Task {
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Payload != nil {
		cp.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}

func sortByCreation(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

func truncate(tasks []*models.Task, limit int) []*models.Task {
	if limit > 0 && len(tasks) > limit {
		return tasks[:limit]
	}
	return tasks
}
