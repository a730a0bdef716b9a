package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zen-systems/modelgate/pkg/fsutil"
	"github.com/zen-systems/modelgate/pkg/logging"
)

const lockWait = 250 * time.Millisecond

// JSONLRecorder appends one JSON object per line. Appends from several
// processes are serialized with an advisory lock on <path>.lock; if the lock
// cannot be taken in time the line is appended unlocked.
type JSONLRecorder struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewJSONL creates a recorder writing to path.
func NewJSONL(path string, logger *zap.Logger) (*JSONLRecorder, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &JSONLRecorder{path: path, logger: logging.OrNop(logger)}, nil
}

// Path returns the ledger file path.
func (r *JSONLRecorder) Path() string { return r.path }

func (r *JSONLRecorder) Record(ctx context.Context, e *Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	lctx, cancel := context.WithTimeout(ctx, lockWait)
	lock, err := fsutil.TryLock(lctx, r.path+".lock")
	cancel()
	if err != nil {
		r.logger.Warn("ledger lock unavailable, appending unlocked", zap.Error(err))
	}
	defer lock.Unlock()

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append ledger: %w", err)
	}
	return f.Close()
}

// ReadAll parses every entry in a ledger file. A missing file is empty.
// Malformed lines, such as a torn final write, are skipped.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// Tail returns the last n entries of a ledger file.
func Tail(path string, n int) ([]Entry, error) {
	all, err := ReadAll(path)
	if err != nil || n <= 0 || len(all) <= n {
		return all, err
	}
	return all[len(all)-n:], nil
}
