// Package library lists finished audiobooks by scanning the object store.
package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/audiobook-service/internal/core"
)

// ErrAudiobookNotFound indicates no metadata exists for the requested job.
var ErrAudiobookNotFound = errors.New("audiobook not found")

// Audiobook is one entry of a user's library.
type Audiobook struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Chapters    int       `json:"chapters"`
	CreatedAt   time.Time `json:"created_at"`
	DownloadURL string    `json:"download_url"`
}

// Library reads job metadata from the object store. It never writes.
type Library struct {
	objects core.ObjectStore
	logger  *logger.Logger
}

// New creates a library over objects.
func New(objects core.ObjectStore, log *logger.Logger) *Library {
	return &Library{objects: objects, logger: log}
}

// ListAudiobooks returns the completed audiobooks of userID, newest first. Job folders
// whose metadata is missing, unreadable or not completed are skipped.
func (l *Library) ListAudiobooks(ctx context.Context, userID string) ([]Audiobook, error) {
	keys, err := l.objects.List(ctx, core.UserPrefix(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to list objects of user %s: %w", userID, err)
	}

	folders := make(map[string]struct{})

	for _, key := range keys {
		folder, ok := core.JobFolder(key)
		if ok {
			folders[folder] = struct{}{}
		}
	}

	audiobooks := make([]Audiobook, 0, len(folders))

	for folder := range folders {
		metadata, loadErr := l.loadMetadata(ctx, folder+core.MetadataFileName)
		if loadErr != nil {
			if !errors.Is(loadErr, core.ErrNotFound) {
				l.logger.Warn("Skipping job folder '%s': %v", folder, loadErr)
			}

			continue
		}

		if metadata.Status != core.JobStatusCompleted {
			continue
		}

		audiobooks = append(audiobooks, Audiobook{
			ID:          metadata.JobID,
			Title:       metadata.BookTitle,
			Chapters:    len(metadata.Chapters),
			CreatedAt:   metadata.CreatedAt,
			DownloadURL: core.DownloadURL(metadata.JobID),
		})
	}

	sort.Slice(audiobooks, func(i, j int) bool {
		if !audiobooks[i].CreatedAt.Equal(audiobooks[j].CreatedAt) {
			return audiobooks[i].CreatedAt.After(audiobooks[j].CreatedAt)
		}

		return audiobooks[i].ID < audiobooks[j].ID
	})

	return audiobooks, nil
}

// GetAudiobookDetails finds the metadata of jobID under any user and adds a download URL
// to every chapter.
func (l *Library) GetAudiobookDetails(ctx context.Context, jobID string) (*core.Metadata, error) {
	if jobID == "" || strings.Contains(jobID, "/") {
		return nil, fmt.Errorf("%w: %q", ErrAudiobookNotFound, jobID)
	}

	keys, err := l.objects.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}

	suffix := "/" + jobID + "/" + core.MetadataFileName

	for _, key := range keys {
		if !strings.HasSuffix(key, suffix) {
			continue
		}

		if _, ok := core.JobFolder(key); !ok {
			continue
		}

		metadata, loadErr := l.loadMetadata(ctx, key)
		if loadErr != nil {
			l.logger.Warn("Unreadable metadata '%s': %v", key, loadErr)

			continue
		}

		for index := range metadata.Chapters {
			metadata.Chapters[index].DownloadURL = core.StreamURL(metadata.Chapters[index].StorageKey)
		}

		return metadata, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrAudiobookNotFound, jobID)
}

func (l *Library) loadMetadata(ctx context.Context, key string) (*core.Metadata, error) {
	data, err := l.objects.Download(ctx, key)
	if err != nil {
		return nil, err
	}

	var metadata core.Metadata

	err = json.Unmarshal(data, &metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to decode metadata '%s': %w", key, err)
	}

	if metadata.JobID == "" {
		return nil, fmt.Errorf("metadata '%s' has no job id", key)
	}

	return &metadata, nil
}
