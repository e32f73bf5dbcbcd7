package core

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus is the lifecycle stage of a conversion job.
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed from status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Object key layout shared by the orchestrator, the listing and the streaming server.
const (
	MetadataFileName   = "metadata.json"
	chapterFileFormat  = "chapter_%d.mp3"
	streamPathPrefix   = "/api/stream/"
	downloadPathPrefix = "/api/download/"
)

// JobState is the progress record polled by clients while a book converts.
type JobState struct {
	JobID             string     `json:"job_id"`
	UserID            string     `json:"user_id"`
	BookTitle         string     `json:"book_title"`
	Status            JobStatus  `json:"status"`
	Progress          int        `json:"progress"`
	TotalChapters     int        `json:"total_chapters"`
	CompletedChapters int        `json:"completed_chapters"`
	SourceKey         string     `json:"source_key,omitempty"`
	Error             string     `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate without touching stored values.
func (s *JobState) Clone() *JobState {
	if s == nil {
		return nil
	}

	clone := *s

	if s.CompletedAt != nil {
		completedAt := *s.CompletedAt
		clone.CompletedAt = &completedAt
	}

	if s.FailedAt != nil {
		failedAt := *s.FailedAt
		clone.FailedAt = &failedAt
	}

	return &clone
}

// ChapterRecord describes one synthesized chapter inside a job's metadata.
type ChapterRecord struct {
	Number      int    `json:"chapter"`
	Title       string `json:"title"`
	StorageKey  string `json:"storage_key"`
	URL         string `json:"url"`
	Duration    int    `json:"duration"`
	DownloadURL string `json:"download_url,omitempty"`
}

// Metadata is the durable record written once when a job reaches a terminal status.
type Metadata struct {
	JobID         string          `json:"job_id"`
	UserID        string          `json:"user_id"`
	BookTitle     string          `json:"book_title"`
	Chapters      []ChapterRecord `json:"chapters"`
	TotalChapters int             `json:"total_chapters"`
	Status        JobStatus       `json:"status"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// ChapterKey returns the object key for chapter n of a job.
func ChapterKey(userID, jobID string, n int) string {
	return JobPrefix(userID, jobID) + fmt.Sprintf(chapterFileFormat, n)
}

// MetadataKey returns the object key of a job's metadata.
func MetadataKey(userID, jobID string) string {
	return JobPrefix(userID, jobID) + MetadataFileName
}

// JobPrefix returns the folder holding every object of a job.
func JobPrefix(userID, jobID string) string {
	return userID + "/" + jobID + "/"
}

// UserPrefix returns the folder holding every job of a user.
func UserPrefix(userID string) string {
	return userID + "/"
}

// StreamURL returns the streaming endpoint path for an object key.
func StreamURL(key string) string {
	return streamPathPrefix + key
}

// DownloadURL returns the details endpoint path for a job.
func DownloadURL(jobID string) string {
	return downloadPathPrefix + jobID
}

// JobFolder returns the "{user_id}/{job_id}/" folder of key, or false when key does not
// have at least two path segments before the file name.
func JobFolder(key string) (string, bool) {
	parts := strings.Split(key, "/")
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" {
		return "", false
	}

	return parts[0] + "/" + parts[1] + "/", true
}
