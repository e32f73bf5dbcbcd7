package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/audiobook-service/internal/config"
	"github.com/book-expert/audiobook-service/internal/core"
	"github.com/book-expert/audiobook-service/internal/jobstate"
	"github.com/book-expert/audiobook-service/internal/objectstore"
	"github.com/book-expert/audiobook-service/internal/pipeline"
)

var errSynthesis = errors.New("voice model unavailable")

type fakeExtractor struct {
	chapters []core.Chapter
	err      error
	panicMsg string
}

func (f *fakeExtractor) Extract(_ context.Context, _ []byte) ([]core.Chapter, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}

	return f.chapters, f.err
}

// fakeSynthesizer returns the chapter text as audio. Texts containing "FAIL" error out,
// texts containing "PANIC" panic and texts containing "BLOCK" wait for cancellation.
type fakeSynthesizer struct {
	delay       time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string) (*core.SpeechResult, error) {
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	for {
		seen := f.maxInFlight.Load()
		if current <= seen || f.maxInFlight.CompareAndSwap(seen, current) {
			break
		}
	}

	switch {
	case strings.Contains(text, "FAIL"):
		return nil, errSynthesis
	case strings.Contains(text, "PANIC"):
		panic("decoder exploded")
	case strings.Contains(text, "BLOCK"):
		<-ctx.Done()

		return nil, ctx.Err()
	}

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	return &core.SpeechResult{Audio: []byte("mp3:" + text), DurationSeconds: len(text)}, nil
}

// recordingJobs keeps every accepted write so tests can inspect the progress history.
type recordingJobs struct {
	*jobstate.MemoryStore

	mu      sync.Mutex
	history []*core.JobState
	reject  func(state *core.JobState) bool
}

func (r *recordingJobs) Save(ctx context.Context, state *core.JobState) error {
	if r.reject != nil && r.reject(state) {
		return errors.New("kv timeout")
	}

	err := r.MemoryStore.Save(ctx, state)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.history = append(r.history, state.Clone())
	r.mu.Unlock()

	return nil
}

func (r *recordingJobs) progressHistory() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	values := make([]int, 0, len(r.history))
	for _, state := range r.history {
		values = append(values, state.Progress)
	}

	return values
}

// failingObjects rejects uploads whose key ends with failSuffix.
type failingObjects struct {
	*objectstore.MemoryStore

	failSuffix string
}

func (f *failingObjects) Upload(ctx context.Context, key string, data []byte) error {
	if f.failSuffix != "" && strings.HasSuffix(key, f.failSuffix) {
		return errors.New("bucket quota exceeded")
	}

	return f.MemoryStore.Upload(ctx, key, data)
}

type harness struct {
	orchestrator *pipeline.Orchestrator
	objects      *failingObjects
	jobs         *recordingJobs
	synthesizer  *fakeSynthesizer
}

func newHarness(t *testing.T, extractor core.ChapterExtractor, batchSize int) *harness {
	t.Helper()

	log, err := logger.New(t.TempDir(), "pipeline-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	h := &harness{
		objects:     &failingObjects{MemoryStore: objectstore.NewMemory()},
		jobs:        &recordingJobs{MemoryStore: jobstate.NewMemory()},
		synthesizer: &fakeSynthesizer{},
	}

	h.orchestrator = pipeline.New(extractor, h.synthesizer, h.objects, h.jobs, log, pipeline.Options{
		BatchSize:       batchSize,
		InterBatchDelay: time.Millisecond,
	})

	return h
}

func (h *harness) run(t *testing.T) *core.JobState {
	t.Helper()

	jobID, err := h.orchestrator.StartJob(context.Background(), "user-7", "Dracula", []byte("epub"))
	require.NoError(t, err)

	h.orchestrator.Wait()

	state, err := h.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)

	return state
}

func (h *harness) metadata(t *testing.T, state *core.JobState) core.Metadata {
	t.Helper()

	data, err := h.objects.Download(context.Background(), core.MetadataKey(state.UserID, state.JobID))
	require.NoError(t, err)

	var metadata core.Metadata

	require.NoError(t, json.Unmarshal(data, &metadata))

	return metadata
}

func chapters(texts ...string) []core.Chapter {
	result := make([]core.Chapter, 0, len(texts))
	for index, text := range texts {
		result = append(result, core.Chapter{Title: "Part " + string(rune('A'+index)), Text: text})
	}

	return result
}

func TestOrchestrator_SkipsFailedChapters(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeExtractor{chapters: chapters("one", "two FAIL", "three")}, 2)

	state := h.run(t)

	assert.Equal(t, core.JobStatusCompleted, state.Status)
	assert.Equal(t, 100, state.Progress)
	assert.Equal(t, 3, state.TotalChapters)
	assert.Equal(t, 2, state.CompletedChapters)
	assert.Empty(t, state.Error)
	require.NotNil(t, state.CompletedAt)

	metadata := h.metadata(t, state)
	assert.Equal(t, core.JobStatusCompleted, metadata.Status)
	assert.Equal(t, 3, metadata.TotalChapters)
	require.Len(t, metadata.Chapters, 2)

	assert.Equal(t, 1, metadata.Chapters[0].Number)
	assert.Equal(t, "Part A", metadata.Chapters[0].Title)
	assert.Equal(t, 3, metadata.Chapters[1].Number)
	assert.Equal(t, "Part C", metadata.Chapters[1].Title)

	key := core.ChapterKey("user-7", state.JobID, 3)
	assert.Equal(t, key, metadata.Chapters[1].StorageKey)
	assert.Equal(t, "/api/stream/"+key, metadata.Chapters[1].URL)
	assert.Equal(t, len("three"), metadata.Chapters[1].Duration)

	audio, err := h.objects.Download(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3:three"), audio)

	_, err = h.objects.Download(context.Background(), core.ChapterKey("user-7", state.JobID, 2))
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestOrchestrator_ProgressIsMonotonic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeExtractor{chapters: chapters("a", "b", "c", "d", "e", "f", "g")}, 3)
	h.synthesizer.delay = 2 * time.Millisecond

	state := h.run(t)
	require.Equal(t, core.JobStatusCompleted, state.Status)

	history := h.jobs.progressHistory()
	require.NotEmpty(t, history)
	assert.Equal(t, 0, history[0])
	assert.Equal(t, 100, history[len(history)-1])

	for index := 1; index < len(history); index++ {
		assert.GreaterOrEqual(t, history[index], history[index-1])
	}

	assert.Contains(t, history, 14)
	assert.Contains(t, history, 86)
	assert.LessOrEqual(t, h.synthesizer.maxInFlight.Load(), int32(3))
}

func TestOrchestrator_FailsOnExtractionErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		extractor *fakeExtractor
		contains  string
	}{
		{name: "parse error", extractor: &fakeExtractor{err: errors.New("zip: not a valid zip file")}, contains: "zip"},
		{name: "no chapters", extractor: &fakeExtractor{chapters: []core.Chapter{}}, contains: "no chapters"},
		{name: "panic", extractor: &fakeExtractor{panicMsg: "nil manifest"}, contains: "nil manifest"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, testCase.extractor, 2)

			state := h.run(t)

			assert.Equal(t, core.JobStatusFailed, state.Status)
			assert.Contains(t, state.Error, testCase.contains)
			assert.NotNil(t, state.FailedAt)

			metadata := h.metadata(t, state)
			assert.Equal(t, core.JobStatusFailed, metadata.Status)
			assert.Contains(t, metadata.Error, testCase.contains)
			assert.Empty(t, metadata.Chapters)
		})
	}
}

func TestOrchestrator_FailsOnStoreWriteError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeExtractor{chapters: chapters("one", "two", "three")}, 2)
	h.objects.failSuffix = "chapter_2.mp3"

	state := h.run(t)

	assert.Equal(t, core.JobStatusFailed, state.Status)
	assert.Contains(t, state.Error, "quota exceeded")
	assert.Equal(t, 1, state.CompletedChapters)
	assert.Equal(t, 33, state.Progress)

	metadata := h.metadata(t, state)
	assert.Equal(t, core.JobStatusFailed, metadata.Status)
}

func TestOrchestrator_KeepsCompletedMetadataWhenStateWriteFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeExtractor{chapters: chapters("one", "two", "three")}, 2)
	h.jobs.reject = func(state *core.JobState) bool {
		return state.Status == core.JobStatusCompleted
	}

	state := h.run(t)

	// The last accepted write is the final progress update.
	assert.Equal(t, core.JobStatusProcessing, state.Status)
	assert.Equal(t, 100, state.Progress)
	assert.Equal(t, 3, state.CompletedChapters)

	metadata := h.metadata(t, state)
	assert.Equal(t, core.JobStatusCompleted, metadata.Status)
	assert.Empty(t, metadata.Error)
	require.Len(t, metadata.Chapters, 3)

	for index, record := range metadata.Chapters {
		assert.Equal(t, index+1, record.Number)
	}
}

func TestOrchestrator_ProgressWriteFailuresDoNotFailJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeExtractor{chapters: chapters("one", "two", "three")}, 2)
	h.jobs.reject = func(state *core.JobState) bool {
		return state.Status == core.JobStatusProcessing && state.TotalChapters > 0
	}

	state := h.run(t)

	assert.Equal(t, core.JobStatusCompleted, state.Status)
	assert.Equal(t, 100, state.Progress)
	assert.Empty(t, state.Error)

	metadata := h.metadata(t, state)
	assert.Equal(t, core.JobStatusCompleted, metadata.Status)
	assert.Len(t, metadata.Chapters, 3)
}

func TestOrchestrator_IsolatesPanickingSynthesis(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeExtractor{chapters: chapters("PANIC", "two")}, 2)

	state := h.run(t)

	assert.Equal(t, core.JobStatusCompleted, state.Status)
	assert.Equal(t, 1, state.CompletedChapters)
	assert.Len(t, h.metadata(t, state).Chapters, 1)
}

func TestOrchestrator_RejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeExtractor{}, 2)
	ctx := context.Background()

	_, err := h.orchestrator.StartJob(ctx, "", "Dracula", []byte("epub"))
	require.ErrorIs(t, err, pipeline.ErrInvalidRequest)

	_, err = h.orchestrator.StartJob(ctx, "a/b", "Dracula", []byte("epub"))
	require.ErrorIs(t, err, pipeline.ErrInvalidRequest)

	_, err = h.orchestrator.StartJob(ctx, "user-7", " ", []byte("epub"))
	require.ErrorIs(t, err, pipeline.ErrInvalidRequest)

	_, err = h.orchestrator.StartJob(ctx, "user-7", "Dracula", nil)
	require.ErrorIs(t, err, pipeline.ErrInvalidRequest)

	states, err := h.jobs.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestOrchestrator_ShutdownFailsRunningJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeExtractor{chapters: chapters("BLOCK", "BLOCK")}, 2)
	ctx := context.Background()

	jobID, err := h.orchestrator.StartJobFromSource(ctx, "user-7", "Dracula", "user-7/epubs/Dracula.epub", []byte("epub"))
	require.NoError(t, err)

	state, err := h.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusProcessing, state.Status)
	assert.Equal(t, "user-7/epubs/Dracula.epub", state.SourceKey)

	require.Eventually(t, func() bool { return h.synthesizer.inFlight.Load() == 2 },
		5*time.Second, 5*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	require.NoError(t, h.orchestrator.Shutdown(shutdownCtx))
	assert.Equal(t, 0, h.orchestrator.ActiveJobs())

	state, err = h.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusFailed, state.Status)
	assert.Contains(t, state.Error, context.Canceled.Error())

	_, err = h.orchestrator.StartJob(ctx, "user-7", "Carmilla", []byte("epub"))
	require.ErrorIs(t, err, pipeline.ErrShuttingDown)
}

func TestNew_DefaultsBatchSize(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeExtractor{chapters: chapters("a", "b", "c")}, 0)

	state := h.run(t)
	assert.Equal(t, core.JobStatusCompleted, state.Status)
	assert.LessOrEqual(t, h.synthesizer.maxInFlight.Load(), int32(2))
}

func TestOptionsFromConfig(t *testing.T) {
	t.Parallel()

	options := pipeline.OptionsFromConfig(config.PipelineConfig{BatchSize: 4, InterBatchDelayMS: 250})

	assert.Equal(t, 4, options.BatchSize)
	assert.Equal(t, 250*time.Millisecond, options.InterBatchDelay)
}
