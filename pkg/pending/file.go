package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zen-systems/modelgate/pkg/artifact"
	"github.com/zen-systems/modelgate/pkg/fsutil"
	"github.com/zen-systems/modelgate/pkg/routeerr"
)

// FileQueue stores records as JSON files under a root directory:
//
//	pending/<id>.json
//	ready/<id>.json
//	archive/completed/<id>-<nanos>.json
//	archive/stale/<id>-<nanos>.json
//
// Every transition is a create-if-absent link or an atomic rename, so several
// processes may share the directory. Files are never edited in place.
type FileQueue struct {
	root   string
	logger *zap.Logger
}

// NewFileQueue creates the directory layout under root.
func NewFileQueue(root string, logger *zap.Logger) (*FileQueue, error) {
	if root == "" {
		return nil, fmt.Errorf("pending: root directory is required")
	}
	q := &FileQueue{root: root, logger: logger}
	if q.logger == nil {
		q.logger = zap.NewNop()
	}
	for _, dir := range []string{q.dir(StatusPending), q.dir(StatusReady), q.dir(StatusCompleted), q.dir(StatusStale)} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// Root returns the queue directory.
func (q *FileQueue) Root() string { return q.root }

func (q *FileQueue) Enqueue(_ context.Context, req EnqueueRequest) (*Record, bool, error) {
	if req.Task == "" {
		return nil, false, fmt.Errorf("pending: task is required")
	}
	rec := newRecord(req)

	// Work already fulfilled but not yet consumed is not re-created.
	if existing, err := q.read(q.openPath(StatusReady, rec.ID)); err == nil {
		return existing, false, nil
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, false, err
	}
	err = fsutil.CreateExclusive(q.openPath(StatusPending, rec.ID), data, 0600)
	if errors.Is(err, fsutil.ErrExists) {
		existing, rerr := q.read(q.openPath(StatusPending, rec.ID))
		if rerr == nil {
			return existing, false, nil
		}
		// Fulfilled between the link attempt and the read.
		if existing, rerr := q.read(q.openPath(StatusReady, rec.ID)); rerr == nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("pending: record %s exists but cannot be read: %w", rec.ID, rerr)
	}
	if err != nil {
		return nil, false, fmt.Errorf("pending: create %s: %w", rec.ID, err)
	}
	// A fulfill that claimed the previous pending file may have published
	// meanwhile; the ready record is the one callers must see.
	if existing, err := q.read(q.openPath(StatusReady, rec.ID)); err == nil {
		if rerr := os.Remove(q.openPath(StatusPending, rec.ID)); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			q.logger.Warn("Failed to drop duplicate pending file", zap.String("id", rec.ID), zap.Error(rerr))
		}
		return existing, false, nil
	}

	q.logger.Info("Pending record created",
		zap.String("id", rec.ID),
		zap.String("task", rec.Task),
		zap.String("routing_key", rec.RoutingKey),
	)
	return rec, true, nil
}

func (q *FileQueue) Find(_ context.Context, task, routingKey string) ([]*Record, error) {
	prefix := groupPrefix(task, routingKey)
	var out []*Record
	for _, status := range []Status{StatusReady, StatusPending} {
		recs, err := q.listDir(status, prefix)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (q *FileQueue) Get(_ context.Context, id string) (*Record, error) {
	for _, status := range []Status{StatusReady, StatusPending} {
		rec, err := q.read(q.openPath(status, id))
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	var newest string
	var newestStatus Status
	for _, status := range []Status{StatusCompleted, StatusStale} {
		path, err := q.latestArchive(status, id)
		if err != nil {
			return nil, err
		}
		if path != "" && (newest == "" || filepath.Base(path) > filepath.Base(newest)) {
			newest, newestStatus = path, status
		}
	}
	if newest != "" {
		rec, err := q.read(newest)
		if err != nil {
			return nil, err
		}
		// The directory is authoritative while the stamp is in flight.
		rec.Status = newestStatus
		return rec, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (q *FileQueue) Poll(ctx context.Context, id, fingerprint string) (Status, error) {
	rec, err := q.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if fingerprint != "" && rec.InputFingerprint != fingerprint &&
		(rec.Status == StatusPending || rec.Status == StatusReady) {
		return StatusStale, nil
	}
	return rec.Status, nil
}

func (q *FileQueue) Fulfill(_ context.Context, id string, payload *artifact.Artifact) (*Record, error) {
	if payload == nil {
		return nil, fmt.Errorf("pending: payload is required")
	}
	claimed, err := q.claim(id)
	if err != nil {
		return nil, err
	}
	rec, err := q.publish(claimed, payload)
	if err != nil {
		return nil, err
	}
	q.logger.Info("Pending record fulfilled", zap.String("id", id), zap.String("task", rec.Task))
	return rec, nil
}

// claim takes a pending record out of the shared namespace by renaming it to
// a hidden name. Only one of Fulfill and MarkStale can win the rename.
func (q *FileQueue) claim(id string) (string, error) {
	src := q.openPath(StatusPending, id)
	claimed := filepath.Join(q.dir(StatusPending), ".claim-"+id+"-"+strconv.FormatInt(time.Now().UTC().UnixNano(), 10))
	if err := os.Rename(src, claimed); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("pending: claim %s: %w", id, err)
		}
		if _, gerr := q.Get(context.Background(), id); gerr == nil {
			return "", fmt.Errorf("%w: %s", ErrNotPending, id)
		}
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return claimed, nil
}

// publish writes the ready record for a claimed file and drops the claim.
func (q *FileQueue) publish(claimed string, payload *artifact.Artifact) (*Record, error) {
	rec, err := q.read(claimed)
	if err != nil {
		return nil, fmt.Errorf("pending: read claimed record: %w", err)
	}
	rec.Status = StatusReady
	rec.Payload = payload
	rec.FulfilledAt = now()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := fsutil.CreateExclusive(q.openPath(StatusReady, rec.ID), data, 0600); err != nil {
		if errors.Is(err, fsutil.ErrExists) {
			err = fmt.Errorf("%w: %s", ErrNotPending, rec.ID)
		} else {
			err = fmt.Errorf("pending: write ready %s: %w", rec.ID, err)
		}
		// Hand the record back rather than lose it.
		if rerr := os.Rename(claimed, q.openPath(StatusPending, rec.ID)); rerr != nil {
			q.logger.Warn("Failed to release claimed record", zap.String("id", rec.ID), zap.Error(rerr))
		}
		return nil, err
	}
	if err := os.Remove(claimed); err != nil && !errors.Is(err, fs.ErrNotExist) {
		q.logger.Warn("Failed to remove claimed pending file", zap.String("id", rec.ID), zap.Error(err))
	}
	return rec, nil
}

func (q *FileQueue) Consume(ctx context.Context, id, fingerprint string) (*Record, error) {
	readyPath := q.openPath(StatusReady, id)
	rec, err := q.read(readyPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, q.closedError(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	if rec.InputFingerprint != fingerprint {
		if err := q.MarkStale(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, &routeerr.StalenessError{RecordID: id, Expected: rec.InputFingerprint, Actual: fingerprint}
	}

	dest := q.archivePath(StatusCompleted, id)
	if err := os.Rename(readyPath, dest); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyConsumed, id)
		}
		return nil, fmt.Errorf("pending: archive %s: %w", id, err)
	}

	// The rename winner owns the archived file and may rewrite it.
	rec.Status = StatusCompleted
	rec.ClosedAt = now()
	if err := fsutil.WriteJSON(dest, rec); err != nil {
		q.logger.Warn("Failed to stamp completed record", zap.String("id", id), zap.Error(err))
	}
	q.logger.Info("Pending record consumed", zap.String("id", id), zap.String("task", rec.Task))
	return rec, nil
}

func (q *FileQueue) MarkStale(_ context.Context, id string) error {
	for _, status := range []Status{StatusReady, StatusPending} {
		src := q.openPath(status, id)
		rec, err := q.read(src)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		dest := q.archivePath(StatusStale, id)
		if err := os.Rename(src, dest); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("pending: archive stale %s: %w", id, err)
		}
		rec.Status = StatusStale
		rec.ClosedAt = now()
		if err := fsutil.WriteJSON(dest, rec); err != nil {
			q.logger.Warn("Failed to stamp stale record", zap.String("id", id), zap.Error(err))
		}
		q.logger.Info("Pending record marked stale", zap.String("id", id), zap.String("task", rec.Task))
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (q *FileQueue) List(_ context.Context, status Status) ([]*Record, error) {
	statuses := []Status{status}
	if status == "" {
		statuses = []Status{StatusPending, StatusReady, StatusCompleted, StatusStale}
	}
	var out []*Record
	for _, s := range statuses {
		recs, err := q.listDir(s, "")
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (q *FileQueue) closedError(_ context.Context, id string) error {
	if _, err := os.Stat(q.openPath(StatusPending, id)); err == nil {
		return fmt.Errorf("%w: %s", ErrNotReady, id)
	}
	if path, err := q.latestArchive(StatusCompleted, id); err != nil {
		return err
	} else if path != "" {
		return fmt.Errorf("%w: %s", ErrAlreadyConsumed, id)
	}
	if path, err := q.latestArchive(StatusStale, id); err != nil {
		return err
	} else if path != "" {
		rec, rerr := q.read(path)
		if rerr != nil {
			return &routeerr.StalenessError{RecordID: id}
		}
		return &routeerr.StalenessError{RecordID: id, Expected: rec.InputFingerprint}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (q *FileQueue) listDir(status Status, prefix string) ([]*Record, error) {
	entries, err := os.ReadDir(q.dir(status))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		rec, err := q.read(filepath.Join(q.dir(status), name))
		if err != nil {
			// Moved by another process since ReadDir.
			continue
		}
		rec.Status = status
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (q *FileQueue) latestArchive(status Status, id string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(q.dir(status), id+"-*.json"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// read fails fast on a missing file: transitions are renames, so an absent
// path means the record has moved, not that a writer is mid-flight.
func (q *FileQueue) read(path string) (*Record, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	var rec Record
	if err := fsutil.ReadJSON(path, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (q *FileQueue) dir(status Status) string {
	switch status {
	case StatusCompleted:
		return filepath.Join(q.root, "archive", "completed")
	case StatusStale:
		return filepath.Join(q.root, "archive", "stale")
	default:
		return filepath.Join(q.root, string(status))
	}
}

func (q *FileQueue) openPath(status Status, id string) string {
	return filepath.Join(q.dir(status), id+".json")
}

// archivePath is unique per transition so re-enqueued work never overwrites
// an earlier archive entry.
func (q *FileQueue) archivePath(status Status, id string) string {
	stamp := strconv.FormatInt(time.Now().UTC().UnixNano(), 10)
	return filepath.Join(q.dir(status), id+"-"+stamp+".json")
}
