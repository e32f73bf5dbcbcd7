package core_test

import (
	"testing"
	"time"

	"github.com/book-expert/audiobook-service/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLayout(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "user-1/job-9/chapter_3.mp3", core.ChapterKey("user-1", "job-9", 3))
	assert.Equal(t, "user-1/job-9/metadata.json", core.MetadataKey("user-1", "job-9"))
	assert.Equal(t, "/api/stream/user-1/job-9/chapter_3.mp3", core.StreamURL("user-1/job-9/chapter_3.mp3"))
	assert.Equal(t, "/api/download/job-9", core.DownloadURL("job-9"))
}

func TestJobFolder(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		key    string
		folder string
		ok     bool
	}{
		{key: "user-1/job-9/metadata.json", folder: "user-1/job-9/", ok: true},
		{key: "user-1/job-9/chapter_1.mp3", folder: "user-1/job-9/", ok: true},
		{key: "user-1/epubs/book.epub", folder: "user-1/epubs/", ok: true},
		{key: "user-1/loose.mp3", folder: "", ok: false},
		{key: "/job-9/metadata.json", folder: "", ok: false},
	}

	for _, testCase := range testCases {
		folder, ok := core.JobFolder(testCase.key)
		assert.Equal(t, testCase.ok, ok, testCase.key)
		assert.Equal(t, testCase.folder, folder, testCase.key)
	}
}

func TestJobStateClone(t *testing.T) {
	t.Parallel()

	completedAt := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	original := &core.JobState{JobID: "job-1", Status: core.JobStatusCompleted, CompletedAt: &completedAt}

	clone := original.Clone()
	require.NotNil(t, clone)

	*clone.CompletedAt = clone.CompletedAt.Add(time.Hour)
	clone.Progress = 50

	assert.Equal(t, completedAt, *original.CompletedAt)
	assert.Equal(t, 0, original.Progress)
	assert.True(t, original.Status.IsTerminal())
	assert.False(t, core.JobStatusProcessing.IsTerminal())
}
