package jobstate_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/audiobook-service/internal/core"
	"github.com/book-expert/audiobook-service/internal/jobstate"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKVStore(t *testing.T) *jobstate.KVStore {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)
	t.Cleanup(natsServer.Shutdown)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	require.NoError(t, err)
	t.Cleanup(natsConnection.Close)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := jobstate.NewKV(jetstreamContext, "TEST_JOBS")
	require.NoError(t, err)

	return store
}

func newSQLiteStore(t *testing.T) *jobstate.SQLiteStore {
	t.Helper()

	store, err := jobstate.OpenSQLite(filepath.Join(t.TempDir(), "jobs", "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func newState(jobID string, createdAt time.Time) *core.JobState {
	return &core.JobState{
		JobID:     jobID,
		UserID:    "user-1",
		BookTitle: "Moby Dick",
		Status:    core.JobStatusProcessing,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

// exerciseStore runs the behaviour every core.JobStateStore must share.
func exerciseStore(t *testing.T, store core.JobStateStore) {
	t.Helper()

	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, core.ErrNotFound)

	states, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)

	first := newState("job-b", base)
	require.NoError(t, store.Save(ctx, first))

	first.TotalChapters = 3
	first.CompletedChapters = 1
	first.Progress = 33
	first.SourceKey = "user-1/epubs/moby.epub"
	require.NoError(t, store.Save(ctx, first))

	regressed := first.Clone()
	regressed.Progress = 10
	require.ErrorIs(t, store.Save(ctx, regressed), jobstate.ErrStateRegression)

	completedAt := base.Add(time.Minute)
	first.Status = core.JobStatusCompleted
	first.Progress = 100
	first.CompletedChapters = 2
	first.CompletedAt = &completedAt
	require.NoError(t, store.Save(ctx, first))

	reopened := first.Clone()
	reopened.Status = core.JobStatusProcessing
	require.ErrorIs(t, store.Save(ctx, reopened), jobstate.ErrStateRegression)

	second := newState("job-a", base.Add(time.Second))
	require.NoError(t, store.Save(ctx, second))

	failedAt := base.Add(2 * time.Second)
	second.Status = core.JobStatusFailed
	second.Error = "no chapters found"
	second.FailedAt = &failedAt
	require.NoError(t, store.Save(ctx, second))

	got, err := store.Get(ctx, "job-b")
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 3, got.TotalChapters)
	assert.Equal(t, 2, got.CompletedChapters)
	assert.Equal(t, "user-1/epubs/moby.epub", got.SourceKey)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, completedAt.Equal(*got.CompletedAt))
	assert.Nil(t, got.FailedAt)

	states, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "job-b", states[0].JobID)
	assert.Equal(t, "job-a", states[1].JobID)
	assert.Equal(t, "no chapters found", states[1].Error)
}

func TestKVStore(t *testing.T) {
	t.Parallel()

	exerciseStore(t, newKVStore(t))
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	exerciseStore(t, jobstate.NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	exerciseStore(t, newSQLiteStore(t))
}

func TestSQLiteStore_CountByStatus(t *testing.T) {
	t.Parallel()

	store := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Save(ctx, newState("job-1", now)))
	require.NoError(t, store.Save(ctx, newState("job-2", now)))

	done := newState("job-3", now)
	require.NoError(t, store.Save(ctx, done))
	done.Status = core.JobStatusCompleted
	done.Progress = 100
	require.NoError(t, store.Save(ctx, done))

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[core.JobStatusProcessing])
	assert.Equal(t, 1, counts[core.JobStatusCompleted])
	assert.Equal(t, 0, counts[core.JobStatusFailed])
}

func TestSQLiteStore_ReopenKeepsState(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	store, err := jobstate.OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, newState("job-1", time.Now().UTC())))
	require.NoError(t, store.Close())

	reopened, err := jobstate.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "Moby Dick", got.BookTitle)
}
