package cursor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zen-systems/modelgate/pkg/fsutil"
)

// lockWait bounds how long Advance waits for the advisory lock before
// falling back to an unlocked read-modify-write.
const lockWait = 250 * time.Millisecond

type fileRecord struct {
	Key       string    `json:"key"`
	NextIndex int       `json:"next_index"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileStore keeps one JSON file per key under Dir. Updates are
// read-modify-write under a best-effort flock and land via atomic rename.
type FileStore struct {
	Dir    string
	logger *zap.Logger
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cursor: directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{Dir: dir, logger: logger}, nil
}

func (s *FileStore) Get(_ context.Context, key string) (int, error) {
	rec, err := s.read(key)
	if err != nil {
		return 0, err
	}
	return rec.NextIndex, nil
}

func (s *FileStore) Advance(ctx context.Context, key string, chainLen int) (int, error) {
	if err := checkLen(chainLen); err != nil {
		return 0, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, lockWait)
	lock, err := fsutil.TryLock(lockCtx, s.path(key)+".lock")
	cancel()
	if err != nil {
		s.logger.Warn("Cursor lock unavailable; updating unlocked",
			zap.String("key", key),
			zap.Error(err),
		)
	}
	defer lock.Unlock()

	rec, err := s.read(key)
	if err != nil {
		return 0, err
	}
	rec.Key = key
	rec.NextIndex = Offset(rec.NextIndex+1, chainLen)
	rec.UpdatedAt = time.Now().UTC()
	if err := fsutil.WriteJSON(s.path(key), rec); err != nil {
		return 0, fmt.Errorf("write cursor %s: %w", key, err)
	}
	return rec.NextIndex, nil
}

func (s *FileStore) Reset(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) List(_ context.Context) (map[string]int, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		var rec fileRecord
		if err := fsutil.ReadJSON(filepath.Join(s.Dir, name), &rec); err != nil {
			continue
		}
		out[rec.Key] = rec.NextIndex
	}
	return out, nil
}

func (s *FileStore) read(key string) (fileRecord, error) {
	var rec fileRecord
	err := fsutil.ReadJSON(s.path(key), &rec)
	if errors.Is(err, fs.ErrNotExist) {
		return fileRecord{Key: key}, nil
	}
	if err != nil {
		return fileRecord{}, fmt.Errorf("read cursor %s: %w", key, err)
	}
	return rec, nil
}

// path maps a key to a filesystem-safe name. The hash suffix keeps keys that
// sanitize identically apart.
func (s *FileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.Dir, sanitize(key)+"-"+hex.EncodeToString(sum[:])[:8]+".json")
}

func sanitize(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
