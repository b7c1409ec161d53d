package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumina-media/indexer-backend/internal/models"
)

// storeUnderTest runs the shared suite against each backend.
func storeUnderTest(t *testing.T) map[string]TaskStore {
	t.Helper()
	sqlite, err := NewSQLiteTaskStore(filepath.Join(t.TempDir(), "tasks.db"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, sqlite.Initialize(context.Background()))
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]TaskStore{
		"memory": NewMemoryTaskStore(),
		"sqlite": sqlite,
	}
}

func sampleTask(id string, createdAt time.Time) *models.Task {
	return &models.Task{
		ID:          id,
		Type:        models.TypeExtractImage,
		OwnerFileID: "file-1",
		Status:      models.StatusPending,
		Priority:    models.PriorityInputs{TypeWeight: 1, FileWeight: 5},
		Payload:     map[string]any{"path": "/media/cat.jpg"},
		DependsOn:   []string{"dep-1"},
		MaxRetries:  3,
		CreatedAt:   createdAt,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			created := time.Now().UTC().Truncate(time.Microsecond)
			task := sampleTask("t1", created)
			require.NoError(t, st.Put(ctx, task))

			got, err := st.Get(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, task.ID, got.ID)
			assert.Equal(t, task.Type, got.Type)
			assert.Equal(t, task.OwnerFileID, got.OwnerFileID)
			assert.Equal(t, models.StatusPending, got.Status)
			assert.Equal(t, task.Priority, got.Priority)
			assert.Equal(t, "/media/cat.jpg", got.Payload["path"])
			assert.Equal(t, []string{"dep-1"}, got.DependsOn)
			assert.True(t, created.Equal(got.CreatedAt))
			assert.Nil(t, got.StartedAt)
		})
	}
}

func TestGetUnknownTask(t *testing.T) {
	ctx := context.Background()
	for name, st := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.Get(ctx, "nope")
			assert.ErrorIs(t, err, models.ErrTaskNotFound)
		})
	}
}

func TestUpdateStatusPartialFields(t *testing.T) {
	ctx := context.Background()
	for name, st := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Put(ctx, sampleTask("t1", time.Now().UTC())))

			started := time.Now().UTC().Truncate(time.Microsecond)
			require.NoError(t, st.UpdateStatus(ctx, "t1", models.StatusRunning, StatusUpdate{
				StartedAt: &started,
			}))

			got, err := st.Get(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, models.StatusRunning, got.Status)
			require.NotNil(t, got.StartedAt)
			assert.True(t, started.Equal(*got.StartedAt))
			assert.Empty(t, got.Error, "unset fields stay untouched")

			errMsg := "decode failure"
			retries := 2
			require.NoError(t, st.UpdateStatus(ctx, "t1", models.StatusRetrying, StatusUpdate{
				Error:      &errMsg,
				RetryCount: &retries,
			}))

			got, err = st.Get(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, models.StatusRetrying, got.Status)
			assert.Equal(t, "decode failure", got.Error)
			assert.Equal(t, 2, got.RetryCount)
			require.NotNil(t, got.StartedAt, "earlier fields persist")

			assert.ErrorIs(t, st.UpdateStatus(ctx, "missing", models.StatusFailed, StatusUpdate{}), models.ErrTaskNotFound)
		})
	}
}

func TestUpdateProgressKeepsLabelWhenEmpty(t *testing.T) {
	ctx := context.Background()
	for name, st := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Put(ctx, sampleTask("t1", time.Now().UTC())))

			require.NoError(t, st.UpdateProgress(ctx, "t1", 40, "decoding"))
			require.NoError(t, st.UpdateProgress(ctx, "t1", 60, ""))

			got, err := st.Get(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, 60.0, got.Progress)
			assert.Equal(t, "decoding", got.ProgressLabel)
		})
	}
}

func TestUpdateFileWeightTouchesNothingElse(t *testing.T) {
	ctx := context.Background()
	for name, st := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Put(ctx, sampleTask("t1", time.Now().UTC())))

			// The task reaches a terminal state concurrently with a
			// reprioritization; the weight update must not revert it.
			completed := time.Now().UTC().Truncate(time.Microsecond)
			require.NoError(t, st.UpdateStatus(ctx, "t1", models.StatusCompleted, StatusUpdate{
				CompletedAt: &completed,
			}))
			require.NoError(t, st.UpdateFileWeight(ctx, "t1", 2))

			got, err := st.Get(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, 2, got.Priority.FileWeight)
			assert.Equal(t, models.StatusCompleted, got.Status)
			require.NotNil(t, got.CompletedAt)

			assert.ErrorIs(t, st.UpdateFileWeight(ctx, "missing", 3), models.ErrTaskNotFound)
		})
	}
}

func TestListScans(t *testing.T) {
	ctx := context.Background()
	for name, st := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Now().UTC().Add(-time.Hour)
			for i, id := range []string{"a", "b", "c"} {
				task := sampleTask(id, base.Add(time.Duration(i)*time.Minute))
				require.NoError(t, st.Put(ctx, task))
			}
			other := sampleTask("d", base.Add(10*time.Minute))
			other.Type = models.TypeGenerateThumbnail
			other.OwnerFileID = "file-2"
			other.Status = models.StatusRunning
			require.NoError(t, st.Put(ctx, other))

			pending, err := st.ListByStatus(ctx, models.StatusPending, 0)
			require.NoError(t, err)
			require.Len(t, pending, 3)
			assert.Equal(t, "a", pending[0].ID, "oldest first")

			limited, err := st.ListByStatus(ctx, models.StatusPending, 2)
			require.NoError(t, err)
			assert.Len(t, limited, 2)

			thumbs, err := st.ListByType(ctx, models.TypeGenerateThumbnail, 0)
			require.NoError(t, err)
			require.Len(t, thumbs, 1)
			assert.Equal(t, "d", thumbs[0].ID)

			file1, err := st.ListByFile(ctx, "file-1")
			require.NoError(t, err)
			assert.Len(t, file1, 3)

			counts, err := st.CountByStatus(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, counts[models.StatusPending])
			assert.Equal(t, 1, counts[models.StatusRunning])
		})
	}
}

func TestListDependents(t *testing.T) {
	ctx := context.Background()
	for name, st := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			parent := sampleTask("parent", time.Now().UTC())
			parent.DependsOn = nil
			require.NoError(t, st.Put(ctx, parent))

			child := sampleTask("child", time.Now().UTC())
			child.DependsOn = []string{"parent"}
			require.NoError(t, st.Put(ctx, child))

			// "parent" is a substring of "parent-2": a naive substring probe
			// would match; the exact decode check must reject it.
			unrelated := sampleTask("other", time.Now().UTC())
			unrelated.DependsOn = []string{"parent-2"}
			require.NoError(t, st.Put(ctx, unrelated))

			deps, err := st.ListDependents(ctx, "parent")
			require.NoError(t, err)
			require.Len(t, deps, 1)
			assert.Equal(t, "child", deps[0].ID)
		})
	}
}

func TestDeleteTerminalBefore(t *testing.T) {
	ctx := context.Background()
	for name, st := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			old := now.Add(-2 * time.Hour)

			done := sampleTask("done", now.Add(-3*time.Hour))
			done.Status = models.StatusCompleted
			done.CompletedAt = &old
			require.NoError(t, st.Put(ctx, done))

			recent := now.Add(-time.Minute)
			fresh := sampleTask("fresh", now.Add(-time.Hour))
			fresh.Status = models.StatusFailed
			fresh.CompletedAt = &recent
			require.NoError(t, st.Put(ctx, fresh))

			active := sampleTask("active", now.Add(-3*time.Hour))
			require.NoError(t, st.Put(ctx, active))

			removed, err := st.DeleteTerminalBefore(ctx, now.Add(-time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			_, err = st.Get(ctx, "done")
			assert.ErrorIs(t, err, models.ErrTaskNotFound)
			_, err = st.Get(ctx, "fresh")
			assert.NoError(t, err)
			_, err = st.Get(ctx, "active")
			assert.NoError(t, err, "non-terminal tasks are never purged")
		})
	}
}

func TestPutUpsertsExistingTask(t *testing.T) {
	ctx := context.Background()
	for name, st := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			task := sampleTask("t1", time.Now().UTC())
			require.NoError(t, st.Put(ctx, task))

			task.Status = models.StatusRunning
			task.Priority.FileWeight = 2
			task.Progress = 50
			require.NoError(t, st.Put(ctx, task))

			got, err := st.Get(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, models.StatusRunning, got.Status)
			assert.Equal(t, 2, got.Priority.FileWeight)
			assert.Equal(t, 50.0, got.Progress)
		})
	}
}
