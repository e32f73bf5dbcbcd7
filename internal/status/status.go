// Package status answers job progress queries from the job state store.
package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/audiobook-service/internal/core"
)

// ErrJobNotFound indicates no state exists for the requested job.
var ErrJobNotFound = errors.New("job not found")

// StatusCounter is implemented by stores that can aggregate job counts without a full scan.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[core.JobStatus]int, error)
}

// JobSummary is one entry of the processing summary.
type JobSummary struct {
	JobID     string         `json:"job_id"`
	BookTitle string         `json:"book_title"`
	Progress  int            `json:"progress"`
	Status    core.JobStatus `json:"status"`
}

// Summary aggregates job counts and lists the jobs still processing.
type Summary struct {
	ActiveJobs    int          `json:"active_jobs"`
	CompletedJobs int          `json:"completed_jobs"`
	FailedJobs    int          `json:"failed_jobs"`
	Jobs          []JobSummary `json:"jobs"`
}

// Service is a read-only view over the job state store.
type Service struct {
	jobs core.JobStateStore
}

// NewService creates a status service.
func NewService(jobs core.JobStateStore) *Service {
	return &Service{jobs: jobs}
}

// GetStatus returns the latest recorded state of jobID.
func (s *Service) GetStatus(ctx context.Context, jobID string) (*core.JobState, error) {
	state, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}

		return nil, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}

	return state, nil
}

// ListActiveJobs returns processing jobs, restricted to userID when it is not empty.
func (s *Service) ListActiveJobs(ctx context.Context, userID string) ([]*core.JobState, error) {
	states, err := s.jobs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	active := make([]*core.JobState, 0, len(states))

	for _, state := range states {
		if state.Status != core.JobStatusProcessing {
			continue
		}

		if userID != "" && state.UserID != userID {
			continue
		}

		active = append(active, state)
	}

	return active, nil
}

// Summary counts jobs by status and lists every job still processing.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	active, err := s.ListActiveJobs(ctx, "")
	if err != nil {
		return nil, err
	}

	counts, err := s.counts(ctx)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		ActiveJobs:    len(active),
		CompletedJobs: counts[core.JobStatusCompleted],
		FailedJobs:    counts[core.JobStatusFailed],
		Jobs:          make([]JobSummary, 0, len(active)),
	}

	for _, state := range active {
		summary.Jobs = append(summary.Jobs, JobSummary{
			JobID:     state.JobID,
			BookTitle: state.BookTitle,
			Progress:  state.Progress,
			Status:    state.Status,
		})
	}

	return summary, nil
}

func (s *Service) counts(ctx context.Context) (map[core.JobStatus]int, error) {
	if counter, ok := s.jobs.(StatusCounter); ok {
		counts, err := counter.CountByStatus(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count jobs: %w", err)
		}

		return counts, nil
	}

	states, err := s.jobs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	counts := make(map[core.JobStatus]int, 3)
	for _, state := range states {
		counts[state.Status]++
	}

	return counts, nil
}
