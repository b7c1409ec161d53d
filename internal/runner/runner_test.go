package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumina-media/indexer-backend/internal/config"
	"github.com/lumina-media/indexer-backend/internal/filegroup"
	"github.com/lumina-media/indexer-backend/internal/models"
	"github.com/lumina-media/indexer-backend/internal/store"
)

// recordingReadySet captures re-enqueued and cancelled task IDs.
type recordingReadySet struct {
	mu        sync.Mutex
	enqueued  []string
	cancelled []string
}

func (r *recordingReadySet) Enqueue(task *models.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueued = append(r.enqueued, task.ID)
}

func (r *recordingReadySet) Cancel(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, taskID)
	return true
}

func (r *recordingReadySet) enqueuedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.enqueued...)
}

func testRunnerConfig() config.RunnerConfig {
	return config.RunnerConfig{
		DefaultMaxRetries: 3,
		BackoffBase:       time.Millisecond,
		BackoffCap:        10 * time.Millisecond,
	}
}

func newTestRunner(t *testing.T) (*Runner, *Registry, *store.MemoryTaskStore, *filegroup.Coordinator, *recordingReadySet) {
	t.Helper()
	st := store.NewMemoryTaskStore()
	coord := filegroup.NewCoordinator(st, filegroup.ScopeFile, zap.NewNop())
	registry := NewRegistry()
	ready := &recordingReadySet{}
	r := New(registry, st, coord, ready, nil, testRunnerConfig(), zap.NewNop())
	return r, registry, st, coord, ready
}

func putTask(t *testing.T, st *store.MemoryTaskStore, task *models.Task) *models.Task {
	t.Helper()
	if task.Status == "" {
		task.Status = models.StatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	require.NoError(t, st.Put(context.Background(), task))
	return task
}

func TestRunSuccess(t *testing.T) {
	r, registry, st, _, _ := newTestRunner(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(models.TypeScan, func(ctx context.Context, task *models.Task) (string, error) {
		return "found 3 files", nil
	}))

	task := putTask(t, st, &models.Task{ID: "t1", Type: models.TypeScan, MaxRetries: 3})
	result := r.Run(ctx, task)

	require.True(t, result.Success)
	assert.Equal(t, "found 3 files", result.Output)

	stored, err := st.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 100.0, stored.Progress)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.CompletedAt)
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	r, registry, st, _, ready := newTestRunner(t)
	ctx := context.Background()

	attempts := 0
	require.NoError(t, registry.Register(models.TypeExtractImage, func(ctx context.Context, task *models.Task) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("model not warmed up")
		}
		return "embeddings written", nil
	}))

	task := putTask(t, st, &models.Task{ID: "t1", Type: models.TypeExtractImage, OwnerFileID: "f1", MaxRetries: 3})

	// Drive the retry cycle the way the dispatch loop would: Run, wait for
	// the backoff re-entry, Run again.
	result := r.Run(ctx, task)
	require.Error(t, result.Err)

	for attempt := 2; attempt <= 3; attempt++ {
		require.Eventually(t, func() bool {
			current, err := st.Get(ctx, task.ID)
			return err == nil && current.Status == models.StatusPending
		}, time.Second, 2*time.Millisecond, "backoff re-entry must reach pending")

		current, err := st.Get(ctx, task.ID)
		require.NoError(t, err)
		result = r.Run(ctx, current)
	}

	require.True(t, result.Success)
	stored, err := st.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.RetryCount)
	assert.Len(t, ready.enqueuedIDs(), 2)
}

func TestRunRetryKeepsPipelineLock(t *testing.T) {
	r, registry, st, coord, _ := newTestRunner(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(models.TypePreprocessVideo, func(ctx context.Context, task *models.Task) (string, error) {
		return "", errors.New("transient")
	}))

	task := putTask(t, st, &models.Task{ID: "t1", Type: models.TypePreprocessVideo, OwnerFileID: "f1", MaxRetries: 3})
	require.True(t, coord.TryAcquire("f1", "t1"))

	result := r.Run(ctx, task)
	require.Error(t, result.Err)
	assert.True(t, coord.IsLocked("f1"), "retrying task keeps the file lock across the backoff window")
}

func TestRunExhaustedRetriesFailsAndCascades(t *testing.T) {
	r, registry, st, coord, ready := newTestRunner(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(models.TypePreprocessImage, func(ctx context.Context, task *models.Task) (string, error) {
		return "", errors.New("corrupt input")
	}))

	parent := putTask(t, st, &models.Task{ID: "parent", Type: models.TypePreprocessImage, OwnerFileID: "f1", MaxRetries: 0})
	putTask(t, st, &models.Task{ID: "child", Type: models.TypeExtractImage, OwnerFileID: "f1", DependsOn: []string{"parent"}})
	putTask(t, st, &models.Task{ID: "grandchild", Type: models.TypeGenerateThumbnail, OwnerFileID: "f1", DependsOn: []string{"child"}})

	require.True(t, coord.TryAcquire("f1", "parent"))
	result := r.Run(ctx, parent)
	require.Error(t, result.Err)

	for _, id := range []string{"parent", "child", "grandchild"} {
		stored, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, stored.Status, "%s must fail", id)
	}

	childStored, _ := st.Get(ctx, "child")
	assert.Contains(t, childStored.Error, "dependency failed")
	assert.Contains(t, childStored.Error, "parent")

	assert.False(t, coord.IsLocked("f1"), "permanent failure releases the pipeline lock")
	assert.Contains(t, ready.cancelled, "child")
	assert.Contains(t, ready.cancelled, "grandchild")
}

func TestRunNoHandlerFailsPermanently(t *testing.T) {
	r, _, st, _, _ := newTestRunner(t)
	ctx := context.Background()

	task := putTask(t, st, &models.Task{ID: "t1", Type: models.TypeSliceVideo, MaxRetries: 3})
	result := r.Run(ctx, task)

	require.Error(t, result.Err)
	assert.True(t, errors.Is(result.Err, models.ErrNoHandler))

	stored, err := st.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status, "missing handler fails without retry")
	assert.Equal(t, 0, stored.RetryCount)
}

func TestCancelRunningIsCooperative(t *testing.T) {
	r, registry, st, _, _ := newTestRunner(t)
	ctx := context.Background()

	started := make(chan struct{})
	require.NoError(t, registry.Register(models.TypeExtractVideo, func(ctx context.Context, task *models.Task) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}))

	task := putTask(t, st, &models.Task{ID: "t1", Type: models.TypeExtractVideo, MaxRetries: 3})

	done := make(chan Result, 1)
	go func() { done <- r.Run(ctx, task) }()

	<-started
	require.True(t, r.CancelRunning("t1"))

	result := <-done
	require.Error(t, result.Err)

	stored, err := st.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status, "cancelled task never retries")
}

func TestCancelRunningUnknownTask(t *testing.T) {
	r, _, _, _, _ := newTestRunner(t)
	assert.False(t, r.CancelRunning("nope"))
}

func TestRetryAbortedWhenTaskCancelledDuringBackoff(t *testing.T) {
	r, registry, st, _, ready := newTestRunner(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(models.TypePreprocessAudio, func(ctx context.Context, task *models.Task) (string, error) {
		return "", errors.New("transient")
	}))

	// Long base keeps the AfterFunc from firing before we cancel.
	r.cfg.BackoffBase = 50 * time.Millisecond
	r.cfg.BackoffCap = 50 * time.Millisecond

	task := putTask(t, st, &models.Task{ID: "t1", Type: models.TypePreprocessAudio, MaxRetries: 3})
	result := r.Run(ctx, task)
	require.Error(t, result.Err)

	require.NoError(t, st.UpdateStatus(ctx, "t1", models.StatusCancelled, store.StatusUpdate{}))

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, ready.enqueuedIDs(), "cancelled task must not re-enter the queue")
	stored, err := st.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
}

func TestBackoffGrowthAndCap(t *testing.T) {
	r, _, _, _, _ := newTestRunner(t)
	r.cfg.BackoffBase = 2 * time.Second
	r.cfg.BackoffCap = 5 * time.Minute

	assert.Equal(t, 4*time.Second, r.backoff(1))
	assert.Equal(t, 8*time.Second, r.backoff(2))
	assert.Equal(t, 16*time.Second, r.backoff(3))
	assert.Equal(t, 5*time.Minute, r.backoff(20), "backoff caps")
}

func TestProgressClamped(t *testing.T) {
	r, _, st, _, _ := newTestRunner(t)
	ctx := context.Background()

	putTask(t, st, &models.Task{ID: "t1", Type: models.TypeScan, Status: models.StatusRunning})

	r.Progress(ctx, "t1", 150, "over")
	stored, err := st.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, stored.Progress)

	r.Progress(ctx, "t1", -3, "under")
	stored, err = st.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, stored.Progress)
	assert.Equal(t, "under", stored.ProgressLabel)
}
