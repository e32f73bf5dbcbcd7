package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/book-expert/audiobook-service/internal/core"
	"github.com/gofrs/flock"
)

const (
	lockFileName    = ".audiobook-store.lock"
	tempFilePattern = ".upload-*"
	filePermissions = 0o600
	dirPermissions  = 0o750
)

var (
	// ErrInvalidKey indicates a key that would escape the store root.
	ErrInvalidKey = errors.New("invalid object key")
	// ErrStoreLocked indicates another process already owns the store directory.
	ErrStoreLocked = errors.New("object store directory is locked by another process")
)

// FSStore implements core.ObjectStore on a local directory.
// Only one process may open a directory at a time.
type FSStore struct {
	root string
	lock *flock.Flock
}

// NewFS opens root as an object store, creating it when needed.
func NewFS(root string) (*FSStore, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store root '%s': %w", root, err)
	}

	err = os.MkdirAll(absRoot, dirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create store root '%s': %w", absRoot, err)
	}

	lock := flock.New(filepath.Join(absRoot, lockFileName))

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire store lock: %w", err)
	}

	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrStoreLocked, absRoot)
	}

	return &FSStore{root: absRoot, lock: lock}, nil
}

// Close releases the directory lock.
func (s *FSStore) Close() error {
	err := s.lock.Unlock()
	if err != nil {
		return fmt.Errorf("failed to release store lock: %w", err)
	}

	return nil
}

// Download reads the object stored at key.
func (s *FSStore) Download(_ context.Context, key string) ([]byte, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("object '%s': %w", key, core.ErrNotFound)
		}

		return nil, fmt.Errorf("failed to read object '%s': %w", key, err)
	}

	return data, nil
}

// Upload writes data at key. The file is renamed into place so readers never see partial content.
func (s *FSStore) Upload(_ context.Context, key string, data []byte) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)

	err = os.MkdirAll(dir, dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create directory for '%s': %w", key, err)
	}

	tempFile, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("failed to create temp file for '%s': %w", key, err)
	}

	tempName := tempFile.Name()

	_, writeErr := tempFile.Write(data)
	closeErr := tempFile.Close()

	if writeErr == nil {
		writeErr = closeErr
	}

	if writeErr == nil {
		writeErr = os.Chmod(tempName, filePermissions)
	}

	if writeErr == nil {
		writeErr = os.Rename(tempName, path)
	}

	if writeErr != nil {
		_ = os.Remove(tempName)

		return fmt.Errorf("failed to write object '%s': %w", key, writeErr)
	}

	return nil
}

// List walks the store root and returns every key starting with prefix.
func (s *FSStore) List(_ context.Context, prefix string) ([]string, error) {
	keys := []string{}

	err := filepath.WalkDir(s.root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}

		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list store root '%s': %w", s.root, err)
	}

	sort.Strings(keys)

	return keys, nil
}

func (s *FSStore) pathFor(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." || strings.HasPrefix(segment, ".") {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}

	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}
