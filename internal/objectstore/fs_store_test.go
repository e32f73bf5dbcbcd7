package objectstore_test

import (
	"context"
	"testing"

	"github.com/book-expert/audiobook-service/internal/core"
	"github.com/book-expert/audiobook-service/internal/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStore_RoundTripAndList(t *testing.T) {
	t.Parallel()

	store, err := objectstore.NewFS(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.Upload(ctx, "user-1/job-1/chapter_1.mp3", []byte("audio-1")))
	require.NoError(t, store.Upload(ctx, "user-1/job-1/metadata.json", []byte("{}")))
	require.NoError(t, store.Upload(ctx, "user-2/epubs/book.epub", []byte("epub")))

	// Overwrites replace the whole object.
	require.NoError(t, store.Upload(ctx, "user-1/job-1/chapter_1.mp3", []byte("audio-2")))

	data, err := store.Download(ctx, "user-1/job-1/chapter_1.mp3")
	require.NoError(t, err)
	assert.Equal(t, []byte("audio-2"), data)

	keys, err := store.List(ctx, "user-1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1/job-1/chapter_1.mp3", "user-1/job-1/metadata.json"}, keys)

	keys, err = store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	_, err = store.Download(ctx, "user-1/job-1/chapter_2.mp3")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestFSStore_RejectsEscapingKeys(t *testing.T) {
	t.Parallel()

	store, err := objectstore.NewFS(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()

	for _, key := range []string{"", "/etc/passwd", "user/../../secret", "user//job", "user/.hidden"} {
		err := store.Upload(ctx, key, []byte("x"))
		require.ErrorIs(t, err, objectstore.ErrInvalidKey, key)
	}
}

func TestFSStore_SingleOwner(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	first, err := objectstore.NewFS(root)
	require.NoError(t, err)

	_, err = objectstore.NewFS(root)
	require.ErrorIs(t, err, objectstore.ErrStoreLocked)

	require.NoError(t, first.Close())

	second, err := objectstore.NewFS(root)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	store := objectstore.NewMemory()
	ctx := context.Background()

	payload := []byte("chapter")
	require.NoError(t, store.Upload(ctx, "u/j/chapter_1.mp3", payload))

	payload[0] = 'X'

	data, err := store.Download(ctx, "u/j/chapter_1.mp3")
	require.NoError(t, err)
	assert.Equal(t, []byte("chapter"), data)

	_, err = store.Download(ctx, "u/j/chapter_2.mp3")
	require.ErrorIs(t, err, core.ErrNotFound)

	keys, err := store.List(ctx, "u/")
	require.NoError(t, err)
	assert.Equal(t, []string{"u/j/chapter_1.mp3"}, keys)
}

func TestContentTypeFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "audio/mpeg", objectstore.ContentTypeFor("u/j/chapter_1.mp3"))
	assert.Equal(t, "application/json", objectstore.ContentTypeFor("u/j/metadata.json"))
	assert.Equal(t, "application/epub+zip", objectstore.ContentTypeFor("u/epubs/book.epub"))
	assert.Equal(t, "application/octet-stream", objectstore.ContentTypeFor("u/epubs/book.epub.job"))
}
