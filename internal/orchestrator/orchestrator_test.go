package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumina-media/indexer-backend/internal/concurrency"
	"github.com/lumina-media/indexer-backend/internal/config"
	"github.com/lumina-media/indexer-backend/internal/filegroup"
	"github.com/lumina-media/indexer-backend/internal/models"
	"github.com/lumina-media/indexer-backend/internal/resource"
	"github.com/lumina-media/indexer-backend/internal/runner"
	"github.com/lumina-media/indexer-backend/internal/scheduler"
	"github.com/lumina-media/indexer-backend/internal/store"
)

// stubSampler returns a settable utilization figure.
type stubSampler struct {
	mu  sync.Mutex
	cpu float64
}

func (s *stubSampler) Sample(context.Context) (resource.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return resource.Reading{CPUPct: s.cpu}, nil
}

func (s *stubSampler) set(cpu float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cpu = cpu
}

type testStack struct {
	orch     *Orchestrator
	store    *store.MemoryTaskStore
	coord    *filegroup.Coordinator
	registry *runner.Registry
	monitor  *resource.Monitor
	sampler  *stubSampler
}

func testConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{
			LockScope:         "scoped",
			ShedPriorityFloor: 4000,
			DispatchIdleSleep: 2 * time.Millisecond,
			IntakeRate:        0.001,
			IntakeBurst:       1,
			JanitorSchedule:   "@hourly",
			HistoryRetention:  time.Hour,
		},
		Resource: config.ResourceConfig{
			SampleInterval:         time.Hour, // sampled manually in tests
			HistorySize:            8,
			WarningThreshold:       85,
			CriticalThreshold:      95,
			WarningRecovery:        80,
			CriticalRecovery:       85,
			WarningRecoveryWindow:  time.Second,
			CriticalRecoveryWindow: time.Second,
			ConcurrencyMode:        "static",
			StaticLimit:            2,
			MinLimit:               1,
			MaxLimit:               4,
			AdjustStep:             1,
			AdjustInterval:         time.Hour,
			LowWaterMark:           50,
			HighWaterMark:          80,
		},
		Runner: config.RunnerConfig{
			DefaultMaxRetries: 3,
			BackoffBase:       time.Millisecond,
			BackoffCap:        4 * time.Millisecond,
		},
	}
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	cfg := testConfig()
	logger := zap.NewNop()

	st := store.NewMemoryTaskStore()
	sampler := &stubSampler{}
	monitor := resource.NewMonitor(sampler, cfg.Resource, logger)
	controller := concurrency.NewController(cfg.Resource, monitor, logger)
	coord := filegroup.NewCoordinator(st, filegroup.ScopeFile, logger)
	sched := scheduler.New(st, coord, cfg.Scheduler.ShedPriorityFloor, logger)
	registry := runner.NewRegistry()
	run := runner.New(registry, st, coord, sched, nil, cfg.Runner, logger)
	orch := New(cfg, st, sched, coord, run, controller, monitor, nil, logger)

	return &testStack{
		orch:     orch,
		store:    st,
		coord:    coord,
		registry: registry,
		monitor:  monitor,
		sampler:  sampler,
	}
}

func (ts *testStack) start(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ts.orch.Start(ctx))
	t.Cleanup(func() {
		cancel()
		ts.orch.Wait()
	})
	return cancel
}

func waitForStatus(t *testing.T, st store.TaskStore, id string, want models.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := st.Get(context.Background(), id)
		return err == nil && task.Status == want
	}, 3*time.Second, 2*time.Millisecond, "task %s never reached %s", id, want)
}

func TestPipelineRunsInOrder(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []models.TaskType
	record := func(taskType models.TaskType) runner.HandlerFunc {
		return func(ctx context.Context, task *models.Task) (string, error) {
			mu.Lock()
			order = append(order, taskType)
			mu.Unlock()
			return "ok", nil
		}
	}
	for _, taskType := range []models.TaskType{
		models.TypePreprocessImage, models.TypeExtractImage, models.TypeGenerateThumbnail,
	} {
		require.NoError(t, ts.registry.Register(taskType, record(taskType)))
	}

	ts.start(t)

	preID, err := ts.orch.Submit(ctx, SubmitRequest{Type: models.TypePreprocessImage, OwnerFileID: "f1"})
	require.NoError(t, err)
	extractID, err := ts.orch.Submit(ctx, SubmitRequest{Type: models.TypeExtractImage, OwnerFileID: "f1", DependsOn: []string{preID}})
	require.NoError(t, err)
	thumbID, err := ts.orch.Submit(ctx, SubmitRequest{Type: models.TypeGenerateThumbnail, OwnerFileID: "f1", DependsOn: []string{extractID}})
	require.NoError(t, err)

	waitForStatus(t, ts.store, thumbID, models.StatusCompleted)
	waitForStatus(t, ts.store, preID, models.StatusCompleted)
	waitForStatus(t, ts.store, extractID, models.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []models.TaskType{
		models.TypePreprocessImage, models.TypeExtractImage, models.TypeGenerateThumbnail,
	}, order)

	assert.False(t, ts.coord.IsLocked("f1"), "lock released once the core chain drained")
}

func TestDependencyFailureCascades(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, ts.registry.Register(models.TypePreprocessVideo, func(ctx context.Context, task *models.Task) (string, error) {
		return "", errors.New("unreadable container")
	}))
	require.NoError(t, ts.registry.Register(models.TypeExtractVideo, func(ctx context.Context, task *models.Task) (string, error) {
		return "ok", nil
	}))

	ts.start(t)

	preID, err := ts.orch.Submit(ctx, SubmitRequest{Type: models.TypePreprocessVideo, OwnerFileID: "f1", MaxRetries: intPtr(0)})
	require.NoError(t, err)
	extractID, err := ts.orch.Submit(ctx, SubmitRequest{Type: models.TypeExtractVideo, OwnerFileID: "f1", DependsOn: []string{preID}})
	require.NoError(t, err)

	waitForStatus(t, ts.store, preID, models.StatusFailed)
	waitForStatus(t, ts.store, extractID, models.StatusFailed)

	extract, err := ts.store.Get(ctx, extractID)
	require.NoError(t, err)
	assert.Contains(t, extract.Error, "dependency failed")
	assert.False(t, ts.coord.IsLocked("f1"))
}

func TestSubmitValidation(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	_, err := ts.orch.Submit(ctx, SubmitRequest{Type: "transmogrify"})
	assert.ErrorIs(t, err, models.ErrUnknownType)

	_, err = ts.orch.Submit(ctx, SubmitRequest{Type: models.TypeScan, DependsOn: []string{"ghost"}})
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
}

func TestSubmitWithDeadDependencyFailsImmediately(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	completed := time.Now().UTC()
	require.NoError(t, ts.store.Put(ctx, &models.Task{
		ID: "dead-parent", Type: models.TypeScan, Status: models.StatusFailed,
		Error: "decode failure", CreatedAt: time.Now(), CompletedAt: &completed,
	}))
	require.NoError(t, ts.store.Put(ctx, &models.Task{
		ID: "gone-parent", Type: models.TypeScan, Status: models.StatusCancelled,
		CreatedAt: time.Now(), CompletedAt: &completed,
	}))

	// A dependent of a failed task never enters the queue: it fails at
	// submission instead of sitting pending forever.
	id, err := ts.orch.Submit(ctx, SubmitRequest{
		Type:      models.TypeGenerateThumbnail,
		DependsOn: []string{"dead-parent"},
	})
	require.NoError(t, err)
	task, err := ts.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, task.Status)
	assert.Contains(t, task.Error, "dependency failed")
	assert.Contains(t, task.Error, "dead-parent")
	require.NotNil(t, task.CompletedAt)

	id, err = ts.orch.Submit(ctx, SubmitRequest{
		Type:      models.TypeGenerateThumbnail,
		DependsOn: []string{"gone-parent"},
	})
	require.NoError(t, err)
	task, err = ts.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, task.Status)
	assert.Contains(t, task.Error, "dependency cancelled")

	stats, err := ts.orch.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.QueueDepth, "dead-on-arrival tasks never enqueue")

	// A completed dependency still admits the dependent normally.
	require.NoError(t, ts.store.Put(ctx, &models.Task{
		ID: "done-parent", Type: models.TypeScan, Status: models.StatusCompleted,
		CreatedAt: time.Now(), CompletedAt: &completed,
	}))
	id, err = ts.orch.Submit(ctx, SubmitRequest{
		Type:      models.TypeGenerateThumbnail,
		DependsOn: []string{"done-parent"},
	})
	require.NoError(t, err)
	task, err = ts.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, task.Status)
}

func TestSubmitThrottledUnderPressure(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	// Push the monitor into warning; the limiter (burst 1) then throttles
	// the second submission.
	ts.sampler.set(90)
	ts.monitor.Sample(ctx)
	require.Equal(t, models.ResourceWarning, ts.monitor.State())

	_, err := ts.orch.Submit(ctx, SubmitRequest{Type: models.TypeScan})
	require.NoError(t, err)
	_, err = ts.orch.Submit(ctx, SubmitRequest{Type: models.TypeScan})
	assert.ErrorIs(t, err, models.ErrIntakeThrottled)

	stats, err := ts.orch.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Throttled)
}

func TestCancelPendingCascades(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	// No dispatch loop: tasks stay pending.
	parent := &models.Task{
		ID: "parent", Type: models.TypePreprocessImage, OwnerFileID: "f1",
		Status: models.StatusPending, CreatedAt: time.Now(),
	}
	child := &models.Task{
		ID: "child", Type: models.TypeExtractImage, OwnerFileID: "f1",
		Status: models.StatusPending, DependsOn: []string{"parent"}, CreatedAt: time.Now(),
	}
	require.NoError(t, ts.store.Put(ctx, parent))
	require.NoError(t, ts.store.Put(ctx, child))

	cancelled, err := ts.orch.Cancel(ctx, "parent")
	require.NoError(t, err)
	require.True(t, cancelled)

	got, err := ts.orch.GetStatus(ctx, "parent")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	childTask, err := ts.store.Get(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, childTask.Status)
	assert.Contains(t, childTask.Error, "dependency cancelled")

	// Terminal tasks cannot be cancelled again.
	cancelled, err = ts.orch.Cancel(ctx, "parent")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestStartupRecovery(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	// Simulate a previous process dying mid-flight.
	for _, seed := range []struct {
		id     string
		status models.TaskStatus
	}{
		{"was-running", models.StatusRunning},
		{"was-retrying", models.StatusRetrying},
		{"was-pending", models.StatusPending},
		{"was-done", models.StatusCompleted},
	} {
		require.NoError(t, ts.store.Put(ctx, &models.Task{
			ID: seed.id, Type: models.TypeScan, Status: seed.status, CreatedAt: time.Now(),
		}))
	}

	require.NoError(t, ts.registry.Register(models.TypeScan, func(ctx context.Context, task *models.Task) (string, error) {
		return "ok", nil
	}))

	ts.start(t)

	for _, id := range []string{"was-running", "was-retrying", "was-pending"} {
		waitForStatus(t, ts.store, id, models.StatusCompleted)
	}
	done, err := ts.store.Get(ctx, "was-done")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
}

func TestReprioritizePersists(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, ts.store.Put(ctx, &models.Task{
		ID: "t1", Type: models.TypePreprocessImage, Status: models.StatusPending,
		Priority: models.PriorityInputs{TypeWeight: 1, FileWeight: 5}, CreatedAt: time.Now(),
	}))

	updated, err := ts.orch.Reprioritize(ctx, "t1", 1)
	require.NoError(t, err)
	require.True(t, updated)

	got, err := ts.store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Priority.FileWeight)

	// Out-of-range weights clamp.
	_, err = ts.orch.Reprioritize(ctx, "t1", 42)
	require.NoError(t, err)
	got, _ = ts.store.Get(ctx, "t1")
	assert.Equal(t, 10, got.Priority.FileWeight)
}

func TestStatsAggregates(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, ts.store.Put(ctx, &models.Task{
		ID: "t1", Type: models.TypeScan, Status: models.StatusPending, CreatedAt: time.Now(),
	}))

	stats, err := ts.orch.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Counts[models.StatusPending])
	assert.Equal(t, 0, stats.Counts[models.StatusFailed], "all statuses present even when zero")
	assert.Equal(t, models.ResourceNormal, stats.Resource)
	assert.Equal(t, 2, stats.Concurrency.CurrentLimit)
}

func intPtr(v int) *int { return &v }
