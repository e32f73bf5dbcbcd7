// Package core defines the shared contracts and domain types of the audiobook service.
package core

import (
	"context"
	"errors"
)

// ErrNotFound is returned by ObjectStore and JobStateStore implementations when a key is absent.
var ErrNotFound = errors.New("not found")

// ObjectStore defines the interface for interacting with a key-value blob store.
// Keys are slash separated paths such as "{user_id}/{job_id}/chapter_1.mp3".
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	// List returns every key starting with prefix. An empty prefix lists the whole store.
	List(ctx context.Context, prefix string) ([]string, error)
}

// JobStateStore persists the advisory progress record of each job.
type JobStateStore interface {
	Get(ctx context.Context, jobID string) (*JobState, error)
	// Save writes state, rejecting transitions that would regress a job.
	Save(ctx context.Context, state *JobState) error
	List(ctx context.Context) ([]*JobState, error)
}

// Chapter is one unit of extracted book text.
type Chapter struct {
	Title string
	Text  string
}

// ChapterExtractor turns raw e-book bytes into chapters in reading order.
type ChapterExtractor interface {
	Extract(ctx context.Context, source []byte) ([]Chapter, error)
}

// SpeechResult is the encoded audio of one chapter.
type SpeechResult struct {
	Audio           []byte
	DurationSeconds int
}

// Synthesizer converts a chapter's text to encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*SpeechResult, error)
}
