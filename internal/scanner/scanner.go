// Package scanner finds e-books uploaded to the object store and submits the ones that
// have not been converted yet.
package scanner

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/book-expert/logger"

	"github.com/book-expert/audiobook-service/internal/core"
)

const (
	epubFolderMarker = "/epubs/"
	epubExtension    = ".epub"
	// JobMarkerSuffix is appended to an e-book key to record the job it was submitted as.
	JobMarkerSuffix = ".job"
)

// Submitter hands one stored e-book to the conversion pipeline and returns its job id.
type Submitter interface {
	Submit(ctx context.Context, userID, bookTitle, epubKey string) (string, error)
}

// JobStarter starts a conversion from e-book bytes.
type JobStarter interface {
	StartJobFromSource(ctx context.Context, userID, bookTitle, sourceKey string, source []byte) (string, error)
}

// DirectSubmitter downloads the e-book and starts the job in this process.
type DirectSubmitter struct {
	objects core.ObjectStore
	starter JobStarter
}

// NewDirectSubmitter creates a Submitter backed by an in-process orchestrator.
func NewDirectSubmitter(objects core.ObjectStore, starter JobStarter) *DirectSubmitter {
	return &DirectSubmitter{objects: objects, starter: starter}
}

// Submit downloads epubKey and starts its conversion.
func (d *DirectSubmitter) Submit(ctx context.Context, userID, bookTitle, epubKey string) (string, error) {
	source, err := d.objects.Download(ctx, epubKey)
	if err != nil {
		return "", fmt.Errorf("failed to download e-book '%s': %w", epubKey, err)
	}

	jobID, err := d.starter.StartJobFromSource(ctx, userID, bookTitle, epubKey, source)
	if err != nil {
		return "", fmt.Errorf("failed to start job for '%s': %w", epubKey, err)
	}

	return jobID, nil
}

// Submission records one e-book handed to the pipeline by a scan.
type Submission struct {
	EpubKey   string `json:"epub_key"`
	UserID    string `json:"user_id"`
	BookTitle string `json:"book_title"`
	JobID     string `json:"job_id"`
}

// Result is the outcome of one scan.
type Result struct {
	Found       []string
	Submissions []Submission
}

// Scanner walks the whole object store for e-books in "<user>/.../epubs/" folders.
type Scanner struct {
	objects   core.ObjectStore
	submitter Submitter
	logger    *logger.Logger
}

// New creates a scanner.
func New(objects core.ObjectStore, submitter Submitter, log *logger.Logger) *Scanner {
	return &Scanner{objects: objects, submitter: submitter, logger: log}
}

// Scan submits every stored e-book without a job marker. A failed submission is logged and
// left unmarked so the next scan retries it.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	keys, err := s.objects.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}

	marked := make(map[string]bool)

	for _, key := range keys {
		if strings.HasSuffix(key, epubExtension+JobMarkerSuffix) {
			marked[strings.TrimSuffix(key, JobMarkerSuffix)] = true
		}
	}

	result := &Result{Found: []string{}, Submissions: []Submission{}}

	for _, key := range keys {
		userID, bookTitle, ok := ParseEpubKey(key)
		if !ok || marked[key] {
			continue
		}

		result.Found = append(result.Found, key)

		jobID, submitErr := s.submitter.Submit(ctx, userID, bookTitle, key)
		if submitErr != nil {
			s.logger.Error("Failed to submit '%s': %v", key, submitErr)

			continue
		}

		markErr := s.objects.Upload(ctx, key+JobMarkerSuffix, []byte(jobID))
		if markErr != nil {
			s.logger.Warn("Submitted '%s' as job %s but failed to mark it: %v", key, jobID, markErr)
		}

		s.logger.Info("Submitted '%s' for user %s as job %s", key, userID, jobID)

		result.Submissions = append(result.Submissions, Submission{
			EpubKey:   key,
			UserID:    userID,
			BookTitle: bookTitle,
			JobID:     jobID,
		})
	}

	return result, nil
}

// ParseEpubKey derives the owner and title of an e-book key such as
// "alice/epubs/Moby Dick.epub". It reports false for keys outside an epubs folder.
func ParseEpubKey(key string) (string, string, bool) {
	if !strings.Contains(key, epubFolderMarker) || !strings.HasSuffix(key, epubExtension) {
		return "", "", false
	}

	parts := strings.Split(key, "/")
	if len(parts) < 3 || parts[0] == "" {
		return "", "", false
	}

	bookTitle := strings.TrimSuffix(path.Base(key), epubExtension)
	if bookTitle == "" {
		return "", "", false
	}

	return parts[0], bookTitle, true
}
