package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/audiobook-service/internal/core"
	"github.com/book-expert/audiobook-service/internal/jobstate"
	"github.com/book-expert/audiobook-service/internal/library"
	"github.com/book-expert/audiobook-service/internal/objectstore"
	"github.com/book-expert/audiobook-service/internal/server"
	"github.com/book-expert/audiobook-service/internal/status"
	"github.com/book-expert/audiobook-service/internal/streaming"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type recordingStarter struct {
	mu        sync.Mutex
	userID    string
	bookTitle string
	source    []byte
}

func (r *recordingStarter) StartJob(_ context.Context, userID, bookTitle string, source []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.userID, r.bookTitle, r.source = userID, bookTitle, source

	return "job-77", nil
}

type testEnv struct {
	url     string
	objects *objectstore.MemoryStore
	jobs    *jobstate.MemoryStore
	starter *recordingStarter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log, err := logger.New(t.TempDir(), "client-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	env := &testEnv{
		objects: objectstore.NewMemory(),
		jobs:    jobstate.NewMemory(),
		starter: &recordingStarter{},
	}

	router := server.NewRouter(server.Dependencies{
		Jobs:         env.starter,
		Status:       status.NewService(env.jobs),
		Library:      library.New(env.objects, log),
		Streaming:    streaming.NewServer(env.objects, log),
		StorageName:  "memory",
		JobStateName: "memory",
		Logger:       log,
	})

	httpServer := httptest.NewServer(router)
	t.Cleanup(httpServer.Close)

	env.url = httpServer.URL

	return env
}

func runCLI(t *testing.T, env *testEnv, args ...string) (string, error) {
	t.Helper()

	var stdout bytes.Buffer

	cmd := newRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs(append([]string{"--server", env.url}, args...))

	err := cmd.ExecuteContext(context.Background())

	return stdout.String(), err
}

func (env *testEnv) completeBook(t *testing.T, userID, jobID, title string, chapters map[int]string) {
	t.Helper()

	ctx := context.Background()
	metadata := core.Metadata{
		JobID:     jobID,
		UserID:    userID,
		BookTitle: title,
		Status:    core.JobStatusCompleted,
		CreatedAt: time.Now().UTC(),
	}

	for number := 1; number <= len(chapters); number++ {
		key := core.ChapterKey(userID, jobID, number)
		require.NoError(t, env.objects.Upload(ctx, key, []byte(chapters[number])))

		metadata.Chapters = append(metadata.Chapters, core.ChapterRecord{
			Number:     number,
			Title:      "Part: " + chapters[number],
			StorageKey: key,
			URL:        core.StreamURL(key),
			Duration:   90,
		})
	}

	metadata.TotalChapters = len(metadata.Chapters)

	data, err := json.Marshal(metadata)
	require.NoError(t, err)
	require.NoError(t, env.objects.Upload(ctx, core.MetadataKey(userID, jobID), data))
}

func TestSubmitCommand(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "Moby Dick.epub")
	require.NoError(t, os.WriteFile(path, []byte("PK-book"), 0o600))

	output, err := runCLI(t, env, "submit", "--user", "alice", path)
	require.NoError(t, err)

	var response server.ProcessEpubResponse

	require.NoError(t, json.Unmarshal([]byte(output), &response))
	assert.Equal(t, "job-77", response.JobID)

	env.starter.mu.Lock()
	assert.Equal(t, "alice", env.starter.userID)
	assert.Equal(t, "Moby Dick", env.starter.bookTitle)
	assert.Equal(t, []byte("PK-book"), env.starter.source)
	env.starter.mu.Unlock()

	_, err = runCLI(t, env, "submit", path)
	require.ErrorIs(t, err, errMissingUser)

	_, err = runCLI(t, env, "submit", "--user", "alice", filepath.Join(t.TempDir(), "notes.txt"))
	require.ErrorIs(t, err, errNotEPUB)
}

func TestStatusCommand(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	now := time.Now().UTC()
	require.NoError(t, env.jobs.Save(context.Background(), &core.JobState{
		JobID:         "job-5",
		UserID:        "alice",
		BookTitle:     "Emma",
		Status:        core.JobStatusProcessing,
		Progress:      50,
		TotalChapters: 4,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))

	output, err := runCLI(t, env, "status", "job-5")
	require.NoError(t, err)

	var state core.JobState

	require.NoError(t, json.Unmarshal([]byte(output), &state))
	assert.Equal(t, 50, state.Progress)

	output, err = runCLI(t, env, "status")
	require.NoError(t, err)
	assert.Contains(t, output, `"active_jobs": 1`)

	_, err = runCLI(t, env, "status", "missing")
	require.ErrorIs(t, err, ErrAPIStatus)
	assert.Contains(t, err.Error(), "404")
}

func TestListAndDownloadCommands(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.completeBook(t, "alice", "job-1", "War/Peace", map[int]string{1: "first", 2: "second"})

	output, err := runCLI(t, env, "list", "--user", "alice")
	require.NoError(t, err)

	var list server.AudiobookList

	require.NoError(t, json.Unmarshal([]byte(output), &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "job-1", list.Audiobooks[0].ID)

	outDir := t.TempDir()

	output, err = runCLI(t, env, "download", "job-1", "--out", outDir)
	require.NoError(t, err)
	assert.Contains(t, output, "Saved 2 chapters")
	assert.Contains(t, output, "3m 0s")

	data, err := os.ReadFile(filepath.Join(outDir, "War_Peace", "001 - Part_ first.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	data, err = os.ReadFile(filepath.Join(outDir, "War_Peace", "002 - Part_ second.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	_, err = runCLI(t, env, "download", "job-404", "--out", outDir)
	require.ErrorIs(t, err, ErrAPIStatus)
}

func TestHealthAndScanCommands(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	output, err := runCLI(t, env, "health")
	require.NoError(t, err)

	var health server.HealthResponse

	require.NoError(t, json.Unmarshal([]byte(output), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "not_configured", health.TTS)

	_, err = runCLI(t, env, "scan")
	require.ErrorIs(t, err, ErrAPIStatus)
	assert.Contains(t, err.Error(), "Scanning is not configured")
}

func TestFormatting(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "45s", formatDuration(45))
	assert.Equal(t, "5m 30s", formatDuration(330))
	assert.Equal(t, "1h 15m", formatDuration(4500))

	assert.Equal(t, "512 B", formatFileSize(512))
	assert.Equal(t, "1.5 KB", formatFileSize(1536))
	assert.Equal(t, "2.0 MB", formatFileSize(2*megabyte))
	assert.Equal(t, "1.0 GB", formatFileSize(gigabyte))

	assert.Equal(t, "a_b_c", sanitizeFileName("a/b:c"))
	assert.Equal(t, "_", sanitizeFileName("  "))
	assert.Equal(t, "007 - Storm_.mp3", chapterFileName(7, "Storm?"))

	rendered := renderTable([]string{"ID", "Chapters"}, [][]string{{"job-1", "12"}, {"job-2"}}, 2)
	assert.Contains(t, rendered, "job-1")
	assert.Contains(t, rendered, "Chapters")
	assert.Contains(t, rendered, "job-2")
}
