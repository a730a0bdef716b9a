package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zen-systems/modelgate/pkg/fsutil"
)

// FileStore keeps one JSON file per entry in a sharded directory structure:
// <root>/<key[:2]>/<key>.json.
type FileStore struct {
	BasePath string
}

// NewFileStore creates the cache root.
func NewFileStore(basePath string) (*FileStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("cache: base path is required")
	}
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, err
	}
	return &FileStore{BasePath: basePath}, nil
}

func (s *FileStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, false, err
	}
	// A missing file is a miss; do not spin on it.
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	var entry Entry
	if err := fsutil.ReadJSON(path, &entry); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read cache entry %s: %w", key[:12], err)
	}
	return &entry, true, nil
}

func (s *FileStore) Put(_ context.Context, entry *Entry) error {
	path, err := s.path(entry.CacheKey)
	if err != nil {
		return err
	}
	if err := fsutil.WriteJSON(path, entry); err != nil {
		return fmt.Errorf("write cache entry %s: %w", entry.CacheKey[:12], err)
	}
	return nil
}

func (s *FileStore) path(key string) (string, error) {
	if len(key) < 12 {
		return "", fmt.Errorf("cache: malformed key %q", key)
	}
	// Shard by first 2 chars
	return filepath.Join(s.BasePath, key[:2], key+".json"), nil
}
