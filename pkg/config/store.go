package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Store holds the current Snapshot. The snapshot is replaced only by an
// explicit Reload (or Watch, which calls Reload); a failed reload keeps the
// previous snapshot.
type Store struct {
	base     string
	overlays []string
	logger   *zap.Logger

	current  atomic.Pointer[Snapshot]
	reloadMu sync.Mutex
}

// NewStore loads the initial snapshot. Malformed config fails here.
func NewStore(base string, overlays []string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{base: base, overlays: append([]string(nil), overlays...), logger: logger}
	snap, err := Load(base, overlays...)
	if err != nil {
		return nil, err
	}
	s.current.Store(snap)
	return s, nil
}

// NewStaticStore wraps an already-built snapshot. Reload is a no-op error.
func NewStaticStore(snap *Snapshot) *Store {
	s := &Store{logger: zap.NewNop()}
	s.current.Store(snap)
	return s
}

// Snapshot returns the current immutable snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Reload re-reads all config files and swaps the snapshot on success.
func (s *Store) Reload() (*Snapshot, error) {
	if s.base == "" {
		return s.Snapshot(), fmt.Errorf("store has no backing files")
	}
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	snap, err := Load(s.base, s.overlays...)
	if err != nil {
		s.logger.Error("Config reload rejected; keeping previous snapshot",
			zap.String("base", s.base),
			zap.Error(err),
		)
		return s.Snapshot(), err
	}
	prev := s.current.Swap(snap)
	s.logger.Info("Config reloaded",
		zap.Strings("sources", snap.Sources()),
		zap.String("digest", snap.Digest()),
		zap.String("previous_digest", digestOf(prev)),
	)
	return snap, nil
}

// Watch reloads the snapshot whenever one of the config files changes and
// calls onChange with each successfully loaded snapshot. It blocks until ctx
// is done. Directories are watched rather than files so editor
// rename-on-save is observed.
func (s *Store) Watch(ctx context.Context, onChange func(*Snapshot)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	files := make(map[string]struct{})
	dirs := make(map[string]struct{})
	for _, p := range append([]string{s.base}, s.overlays...) {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		files[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
		}
	}

	s.logger.Info("Watching routing config", zap.Int("files", len(files)))

	// Editors often emit several events per save; coalesce them.
	const debounce = 150 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			abs, _ := filepath.Abs(event.Name)
			if _, tracked := files[abs]; !tracked {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounce)
			fire = timer.C
		case <-fire:
			fire = nil
			snap, err := s.Reload()
			if err == nil && onChange != nil {
				onChange(snap)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func digestOf(s *Snapshot) string {
	if s == nil {
		return ""
	}
	return s.Digest()
}
