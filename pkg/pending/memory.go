package pending

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zen-systems/modelgate/pkg/artifact"
	"github.com/zen-systems/modelgate/pkg/routeerr"
)

// MemoryQueue is an in-process Queue with the same semantics as FileQueue.
type MemoryQueue struct {
	mu      sync.Mutex
	open    map[string]*Record
	archive []*Record
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{open: make(map[string]*Record)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, req EnqueueRequest) (*Record, bool, error) {
	if req.Task == "" {
		return nil, false, fmt.Errorf("pending: task is required")
	}
	rec := newRecord(req)

	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.open[rec.ID]; ok {
		return clone(existing), false, nil
	}
	q.open[rec.ID] = rec
	return clone(rec), true, nil
}

func (q *MemoryQueue) Find(_ context.Context, task, routingKey string) ([]*Record, error) {
	prefix := groupPrefix(task, routingKey)
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Record
	for id, rec := range q.open {
		if strings.HasPrefix(id, prefix) {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status == StatusReady
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (q *MemoryQueue) Get(_ context.Context, id string) (*Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if rec, ok := q.open[id]; ok {
		return clone(rec), nil
	}
	for i := len(q.archive) - 1; i >= 0; i-- {
		if q.archive[i].ID == id {
			return clone(q.archive[i]), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (q *MemoryQueue) Poll(ctx context.Context, id, fingerprint string) (Status, error) {
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

func (q *MemoryQueue) Fulfill(_ context.Context, id string, payload *artifact.Artifact) (*Record, error) {
	if payload == nil {
		return nil, fmt.Errorf("pending: payload is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.open[id]
	if !ok {
		if q.archivedLocked(id) {
			return nil, fmt.Errorf("%w: %s", ErrNotPending, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	rec.Status = StatusReady
	rec.Payload = payload
	rec.FulfilledAt = now()
	return clone(rec), nil
}

func (q *MemoryQueue) Consume(_ context.Context, id, fingerprint string) (*Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.open[id]
	if !ok {
		for i := len(q.archive) - 1; i >= 0; i-- {
			if q.archive[i].ID != id {
				continue
			}
			if q.archive[i].Status == StatusStale {
				return nil, &routeerr.StalenessError{RecordID: id, Expected: q.archive[i].InputFingerprint}
			}
			return nil, fmt.Errorf("%w: %s", ErrAlreadyConsumed, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.Status != StatusReady {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, id)
	}
	if rec.InputFingerprint != fingerprint {
		q.closeLocked(id, StatusStale)
		return nil, &routeerr.StalenessError{RecordID: id, Expected: rec.InputFingerprint, Actual: fingerprint}
	}
	q.closeLocked(id, StatusCompleted)
	return clone(rec), nil
}

func (q *MemoryQueue) MarkStale(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.open[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	q.closeLocked(id, StatusStale)
	return nil
}

func (q *MemoryQueue) List(_ context.Context, status Status) ([]*Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Record
	for _, rec := range q.open {
		if status == "" || rec.Status == status {
			out = append(out, clone(rec))
		}
	}
	for _, rec := range q.archive {
		if status == "" || rec.Status == status {
			out = append(out, clone(rec))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (q *MemoryQueue) closeLocked(id string, status Status) {
	rec := q.open[id]
	delete(q.open, id)
	rec.Status = status
	rec.ClosedAt = now()
	q.archive = append(q.archive, rec)
}

func (q *MemoryQueue) archivedLocked(id string) bool {
	for _, rec := range q.archive {
		if rec.ID == id {
			return true
		}
	}
	return false
}

func clone(r *Record) *Record {
	cp := *r
	return &cp
}
