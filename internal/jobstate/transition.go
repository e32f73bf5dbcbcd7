// Package jobstate provides the durable job progress stores polled by the status API.
package jobstate

import (
	"errors"
	"fmt"

	"github.com/book-expert/audiobook-service/internal/core"
)

var (
	// ErrStateRegression indicates a write that would move a job backwards.
	ErrStateRegression = errors.New("job state regression")
	// ErrInvalidState indicates a malformed job state record.
	ErrInvalidState = errors.New("invalid job state")
)

const maxProgress = 100

// CheckTransition validates that next may replace prev. prev is nil for a new job.
func CheckTransition(prev, next *core.JobState) error {
	err := validate(next)
	if err != nil {
		return err
	}

	if prev == nil {
		return nil
	}

	if prev.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is already %s", ErrStateRegression, prev.JobID, prev.Status)
	}

	if next.UserID != prev.UserID || next.BookTitle != prev.BookTitle {
		return fmt.Errorf("%w: job %s owner and title are immutable", ErrInvalidState, prev.JobID)
	}

	if prev.TotalChapters != 0 && next.TotalChapters != prev.TotalChapters {
		return fmt.Errorf("%w: job %s total chapters changed from %d to %d",
			ErrStateRegression, prev.JobID, prev.TotalChapters, next.TotalChapters)
	}

	if next.CompletedChapters < prev.CompletedChapters {
		return fmt.Errorf("%w: job %s completed chapters %d -> %d",
			ErrStateRegression, prev.JobID, prev.CompletedChapters, next.CompletedChapters)
	}

	if next.Status == core.JobStatusProcessing && next.Progress < prev.Progress {
		return fmt.Errorf("%w: job %s progress %d -> %d", ErrStateRegression, prev.JobID, prev.Progress, next.Progress)
	}

	return nil
}

func validate(state *core.JobState) error {
	if state == nil || state.JobID == "" {
		return fmt.Errorf("%w: job id is required", ErrInvalidState)
	}

	switch state.Status {
	case core.JobStatusProcessing, core.JobStatusCompleted, core.JobStatusFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidState, state.Status)
	}

	if state.Progress < 0 || state.Progress > maxProgress {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidState, state.Progress)
	}

	if state.CompletedChapters < 0 || (state.TotalChapters > 0 && state.CompletedChapters > state.TotalChapters) {
		return fmt.Errorf("%w: completed chapters %d of %d", ErrInvalidState, state.CompletedChapters, state.TotalChapters)
	}

	if state.Status == core.JobStatusFailed && state.Error == "" {
		return fmt.Errorf("%w: failed job %s has no error", ErrInvalidState, state.JobID)
	}

	if state.Status != core.JobStatusFailed && state.Error != "" {
		return fmt.Errorf("%w: job %s has an error but status %s", ErrInvalidState, state.JobID, state.Status)
	}

	return nil
}
