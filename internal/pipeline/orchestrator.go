// Package pipeline runs the background conversion of an e-book into stored chapter audio.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/audiobook-service/internal/config"
	"github.com/book-expert/audiobook-service/internal/core"
)

const (
	defaultBatchSize       = 2
	defaultInterBatchDelay = 100 * time.Millisecond
	// failureWriteTimeout bounds the writes that record a failed job after its context ended.
	failureWriteTimeout = 30 * time.Second
)

const (
	logFmtJobStarted       = "Job %s started for user %s: '%s'"
	logFmtChaptersFound    = "Job %s: %d chapters extracted"
	logFmtChapterSkipped   = "Job %s: skipping chapter %d '%s' after synthesis failure: %v"
	logFmtChapterStored    = "Job %s: stored chapter %d/%d (%d bytes)"
	logFmtJobCompleted     = "Job %s completed with %d of %d chapters"
	logFmtJobFailed        = "Job %s failed: %v"
	logFmtFailureNotStored = "Job %s: failed to record failure (%s): %v"
	logFmtJobPanicked      = "Job %s panicked: %v"
	logFmtStateNotSaved    = "Job %s: job state not saved (%s): %v"
	logFmtAlreadyComplete  = "Job %s: metadata already completed, not recording failure: %v"
)

var (
	// ErrInvalidRequest indicates a submission without a usable user id, title or source.
	ErrInvalidRequest = errors.New("invalid job request")
	// ErrJobActive indicates a job id that is already running in this orchestrator.
	ErrJobActive = errors.New("job already active")
	// ErrShuttingDown indicates the orchestrator no longer accepts jobs.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
	// ErrNoChapters indicates extraction produced nothing to narrate.
	ErrNoChapters = errors.New("no chapters extracted")
	// ErrJobPanicked wraps a panic raised while a job was running.
	ErrJobPanicked = errors.New("job panicked")
)

// Options tunes batching.
type Options struct {
	// BatchSize caps the synthesis calls in flight for one job.
	BatchSize int
	// InterBatchDelay is the pause between two batches.
	InterBatchDelay time.Duration
}

// OptionsFromConfig maps the pipeline configuration section to Options.
func OptionsFromConfig(cfg config.PipelineConfig) Options {
	return Options{
		BatchSize:       cfg.BatchSize,
		InterBatchDelay: time.Duration(cfg.InterBatchDelayMS) * time.Millisecond,
	}
}

// Orchestrator owns every running job. Jobs outlive the request that started them and
// stop only when they finish or when Shutdown is called.
type Orchestrator struct {
	extractor   core.ChapterExtractor
	synthesizer core.Synthesizer
	objects     core.ObjectStore
	jobs        core.JobStateStore
	logger      *logger.Logger
	options     Options
	now         func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	active   map[string]struct{}
	stopping bool
}

// New creates an orchestrator. Zero options fall back to a batch size of 2 and a 100ms pause.
func New(
	extractor core.ChapterExtractor,
	synthesizer core.Synthesizer,
	objects core.ObjectStore,
	jobs core.JobStateStore,
	log *logger.Logger,
	options Options,
) *Orchestrator {
	if options.BatchSize <= 0 {
		options.BatchSize = defaultBatchSize
	}

	if options.InterBatchDelay <= 0 {
		options.InterBatchDelay = defaultInterBatchDelay
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		extractor:   extractor,
		synthesizer: synthesizer,
		objects:     objects,
		jobs:        jobs,
		logger:      log,
		options:     options,
		now:         func() time.Time { return time.Now().UTC() },
		baseCtx:     baseCtx,
		cancel:      cancel,
		active:      make(map[string]struct{}),
	}
}

// StartJob records a new job and converts source in the background. It returns as soon as
// the initial job state is stored.
func (o *Orchestrator) StartJob(ctx context.Context, userID, bookTitle string, source []byte) (string, error) {
	return o.StartJobFromSource(ctx, userID, bookTitle, "", source)
}

// StartJobFromSource is StartJob for an e-book that already lives in the object store
// under sourceKey.
func (o *Orchestrator) StartJobFromSource(
	ctx context.Context,
	userID, bookTitle, sourceKey string,
	source []byte,
) (string, error) {
	err := validateRequest(userID, bookTitle, source)
	if err != nil {
		return "", err
	}

	jobID := uuid.NewString()

	err = o.register(jobID)
	if err != nil {
		return "", err
	}

	now := o.now()
	state := &core.JobState{
		JobID:     jobID,
		UserID:    userID,
		BookTitle: bookTitle,
		Status:    core.JobStatusProcessing,
		SourceKey: sourceKey,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = o.jobs.Save(ctx, state)
	if err != nil {
		o.release(jobID)

		return "", fmt.Errorf("failed to record job %s: %w", jobID, err)
	}

	o.logger.Info(logFmtJobStarted, jobID, userID, bookTitle)

	o.wg.Add(1)

	go o.run(state, source)

	return jobID, nil
}

// Wait blocks until every running job has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown stops accepting jobs, cancels the running ones and waits for them to record
// their outcome, or until ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.stopping = true
	o.mu.Unlock()

	o.cancel()

	done := make(chan struct{})

	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown interrupted: %w", ctx.Err())
	}
}

// ActiveJobs returns the number of jobs currently running in this process.
func (o *Orchestrator) ActiveJobs() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.active)
}

func validateRequest(userID, bookTitle string, source []byte) error {
	switch {
	case strings.TrimSpace(userID) == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	case strings.Contains(userID, "/"):
		return fmt.Errorf("%w: user_id must not contain '/'", ErrInvalidRequest)
	case strings.TrimSpace(bookTitle) == "":
		return fmt.Errorf("%w: book_title is required", ErrInvalidRequest)
	case len(source) == 0:
		return fmt.Errorf("%w: e-book data is empty", ErrInvalidRequest)
	}

	return nil
}

func (o *Orchestrator) register(jobID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopping {
		return ErrShuttingDown
	}

	if _, exists := o.active[jobID]; exists {
		return fmt.Errorf("%w: %s", ErrJobActive, jobID)
	}

	o.active[jobID] = struct{}{}

	return nil
}

func (o *Orchestrator) release(jobID string) {
	o.mu.Lock()
	delete(o.active, jobID)
	o.mu.Unlock()
}

func (o *Orchestrator) run(state *core.JobState, source []byte) {
	defer o.wg.Done()
	defer o.release(state.JobID)

	defer func() {
		if recovered := recover(); recovered != nil {
			o.logger.Error(logFmtJobPanicked, state.JobID, recovered)
			o.fail(state, fmt.Errorf("%w: %v", ErrJobPanicked, recovered))
		}
	}()

	err := o.process(o.baseCtx, state, source)
	if err != nil {
		o.fail(state, err)
	}
}

// process performs extraction, batched synthesis and the final metadata write.
// Any returned error fails the job.
func (o *Orchestrator) process(ctx context.Context, state *core.JobState, source []byte) error {
	chapters, err := o.extractor.Extract(ctx, source)
	if err != nil {
		return fmt.Errorf("failed to extract chapters: %w", err)
	}

	if len(chapters) == 0 {
		return ErrNoChapters
	}

	o.logger.Info(logFmtChaptersFound, state.JobID, len(chapters))

	state.TotalChapters = len(chapters)
	o.saveState(ctx, state)

	records := make([]core.ChapterRecord, 0, len(chapters))

	for start := 0; start < len(chapters); start += o.options.BatchSize {
		end := min(start+o.options.BatchSize, len(chapters))

		results := o.synthesizeBatch(ctx, state.JobID, chapters[start:end], start)

		if ctx.Err() != nil {
			return fmt.Errorf("job interrupted: %w", ctx.Err())
		}

		for offset, result := range results {
			if result == nil {
				continue
			}

			record, storeErr := o.storeChapter(ctx, state, start+offset+1, chapters[start+offset].Title, result)
			if storeErr != nil {
				return storeErr
			}

			records = append(records, record)
		}

		if end < len(chapters) {
			err = sleep(ctx, o.options.InterBatchDelay)
			if err != nil {
				return fmt.Errorf("job interrupted: %w", err)
			}
		}
	}

	return o.complete(ctx, state, records)
}

// synthesizeBatch runs one synthesis call per chapter concurrently, so at most BatchSize
// calls are in flight. A failed chapter leaves a nil entry so the caller can skip it
// without renumbering.
func (o *Orchestrator) synthesizeBatch(
	ctx context.Context,
	jobID string,
	batch []core.Chapter,
	firstIndex int,
) []*core.SpeechResult {
	results := make([]*core.SpeechResult, len(batch))

	var waitGroup sync.WaitGroup

	for index, chapter := range batch {
		waitGroup.Add(1)

		go func(index int, chapter core.Chapter) {
			defer waitGroup.Done()

			result, err := o.synthesize(ctx, chapter)
			if err != nil {
				o.logger.Warn(logFmtChapterSkipped, jobID, firstIndex+index+1, chapter.Title, err)

				return
			}

			results[index] = result
		}(index, chapter)
	}

	waitGroup.Wait()

	return results
}

// synthesize isolates a panicking synthesizer to the chapter it was narrating.
func (o *Orchestrator) synthesize(ctx context.Context, chapter core.Chapter) (result *core.SpeechResult, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, recovered)
		}
	}()

	result, err = o.synthesizer.Synthesize(ctx, chapter.Text)
	if err == nil && (result == nil || len(result.Audio) == 0) {
		err = errors.New("synthesizer returned no audio")
	}

	return result, err
}

func (o *Orchestrator) storeChapter(
	ctx context.Context,
	state *core.JobState,
	number int,
	title string,
	result *core.SpeechResult,
) (core.ChapterRecord, error) {
	key := core.ChapterKey(state.UserID, state.JobID, number)

	err := o.objects.Upload(ctx, key, result.Audio)
	if err != nil {
		return core.ChapterRecord{}, fmt.Errorf("failed to store chapter %d: %w", number, err)
	}

	state.CompletedChapters++
	state.Progress = progress(state.CompletedChapters, state.TotalChapters)
	o.saveState(ctx, state)

	o.logger.Info(logFmtChapterStored, state.JobID, number, state.TotalChapters, len(result.Audio))

	return core.ChapterRecord{
		Number:     number,
		Title:      title,
		StorageKey: key,
		URL:        core.StreamURL(key),
		Duration:   result.DurationSeconds,
	}, nil
}

func (o *Orchestrator) complete(ctx context.Context, state *core.JobState, records []core.ChapterRecord) error {
	completedAt := o.now()

	err := o.writeMetadata(ctx, &core.Metadata{
		JobID:         state.JobID,
		UserID:        state.UserID,
		BookTitle:     state.BookTitle,
		Chapters:      records,
		TotalChapters: state.TotalChapters,
		Status:        core.JobStatusCompleted,
		CreatedAt:     state.CreatedAt,
		CompletedAt:   &completedAt,
	})
	if err != nil {
		return err
	}

	state.Status = core.JobStatusCompleted
	state.Progress = 100
	state.CompletedAt = &completedAt
	o.saveState(ctx, state)

	o.logger.Info(logFmtJobCompleted, state.JobID, len(records), state.TotalChapters)

	return nil
}

// fail records a failed job in both stores. Writes use a fresh deadline so a cancelled
// job is still recorded. A job whose completed metadata is stored is never rewritten.
func (o *Orchestrator) fail(state *core.JobState, cause error) {
	if state.Status == core.JobStatusCompleted {
		o.logger.Error(logFmtAlreadyComplete, state.JobID, cause)

		return
	}

	o.logger.Error(logFmtJobFailed, state.JobID, cause)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.baseCtx), failureWriteTimeout)
	defer cancel()

	failedAt := o.now()

	err := o.writeMetadata(ctx, &core.Metadata{
		JobID:         state.JobID,
		UserID:        state.UserID,
		BookTitle:     state.BookTitle,
		Chapters:      []core.ChapterRecord{},
		TotalChapters: state.TotalChapters,
		Status:        core.JobStatusFailed,
		Error:         cause.Error(),
		CreatedAt:     state.CreatedAt,
	})
	if err != nil {
		o.logger.Error(logFmtFailureNotStored, state.JobID, "metadata", err)
	}

	failed := state.Clone()
	failed.Status = core.JobStatusFailed
	failed.Error = cause.Error()
	failed.FailedAt = &failedAt
	failed.UpdatedAt = failedAt

	err = o.jobs.Save(ctx, failed)
	if err != nil {
		o.logger.Error(logFmtFailureNotStored, state.JobID, "job state", err)
	}
}

func (o *Orchestrator) writeMetadata(ctx context.Context, metadata *core.Metadata) error {
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	err = o.objects.Upload(ctx, core.MetadataKey(metadata.UserID, metadata.JobID), data)
	if err != nil {
		return fmt.Errorf("failed to store metadata: %w", err)
	}

	return nil
}

// saveState writes progress to the job state store. The store is advisory: audio and
// metadata stay authoritative, so a failed write is logged and the job carries on.
func (o *Orchestrator) saveState(ctx context.Context, state *core.JobState) {
	state.UpdatedAt = o.now()

	err := o.jobs.Save(ctx, state.Clone())
	if err != nil {
		o.logger.Warn(logFmtStateNotSaved, state.JobID, state.Status, err)
	}
}

// progress returns round(100 * completed / total).
func progress(completed, total int) int {
	if total <= 0 {
		return 0
	}

	return int(math.Round(100 * float64(completed) / float64(total)))
}

func sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
