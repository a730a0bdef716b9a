// Package pending implements the deferred-task queue: records move from
// pending to ready when an external fulfiller supplies a payload, and from
// ready to completed when the original caller consumes it exactly once.
// A record whose input changed before consumption becomes stale. Records are
// archived, never deleted.
package pending

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/zen-systems/modelgate/pkg/artifact"
	"github.com/zen-systems/modelgate/pkg/cache"
)

// Status is a record lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusCompleted Status = "completed"
	StatusStale     Status = "stale"
)

var (
	// ErrNotFound is returned when no record has the given id.
	ErrNotFound = errors.New("pending record not found")
	// ErrAlreadyConsumed is returned to every consumer but the first.
	ErrAlreadyConsumed = errors.New("pending record already consumed")
	// ErrNotPending is returned when fulfilling a record that is not pending.
	ErrNotPending = errors.New("pending record is not awaiting fulfillment")
	// ErrNotReady is returned when consuming a record that has no payload yet.
	ErrNotReady = errors.New("pending record is not ready")
)

// Record is one deferred unit of work.
type Record struct {
	ID               string             `json:"id"`
	Task             string             `json:"task"`
	RoutingKey       string             `json:"routing_key"`
	InputFingerprint string             `json:"input_fingerprint"`
	Status           Status             `json:"status"`
	Model            string             `json:"model,omitempty"`
	Provider         string             `json:"provider,omitempty"`
	Input            string             `json:"input,omitempty"`
	Payload          *artifact.Artifact `json:"payload,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	FulfilledAt      *time.Time         `json:"fulfilled_at,omitempty"`
	ClosedAt         *time.Time         `json:"closed_at,omitempty"`
}

// EnqueueRequest describes a record to create.
type EnqueueRequest struct {
	Task       string
	RoutingKey string
	Input      string
	Model      string
	Provider   string
}

// Queue is the deferred-result channel. Implementations must guarantee
// exactly-once consumption and fingerprint-checked staleness.
type Queue interface {
	// Enqueue creates a pending record, or returns the existing one for the
	// same (task, routing key, fingerprint) with created=false.
	Enqueue(ctx context.Context, req EnqueueRequest) (rec *Record, created bool, err error)

	// Find returns open (pending or ready) records for a task and routing
	// key, ready records first.
	Find(ctx context.Context, task, routingKey string) ([]*Record, error)

	// Get returns a record in any state.
	Get(ctx context.Context, id string) (*Record, error)

	// Poll reports the state of a record for a caller holding fingerprint.
	// A mismatching fingerprint reports StatusStale without archiving.
	Poll(ctx context.Context, id, fingerprint string) (Status, error)

	// Fulfill attaches a payload and moves the record to ready.
	Fulfill(ctx context.Context, id string, payload *artifact.Artifact) (*Record, error)

	// Consume checks the fingerprint and moves a ready record to completed.
	// Only one caller receives the payload; others get ErrAlreadyConsumed.
	// A mismatch archives the record as stale and returns a StalenessError.
	Consume(ctx context.Context, id, fingerprint string) (*Record, error)

	// MarkStale archives an open record as stale.
	MarkStale(ctx context.Context, id string) error

	// List returns records in a state, or all records when status is empty.
	List(ctx context.Context, status Status) ([]*Record, error)
}

// Fingerprint hashes normalized input.
func Fingerprint(input string) string {
	sum := sha256.Sum256([]byte(cache.Normalize(input)))
	return hex.EncodeToString(sum[:])
}

// RecordID derives a deterministic id so concurrent enqueues of the same work
// collide on one record.
func RecordID(task, routingKey, fingerprint string) string {
	return groupPrefix(task, routingKey) + shortHash(fingerprint, 12)
}

func groupPrefix(task, routingKey string) string {
	h := sha256.New()
	h.Write([]byte(task))
	h.Write([]byte{0})
	h.Write([]byte(routingKey))
	return hex.EncodeToString(h.Sum(nil))[:16] + "-"
}

func shortHash(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:n]
}

func newRecord(req EnqueueRequest) *Record {
	fp := Fingerprint(req.Input)
	return &Record{
		ID:               RecordID(req.Task, req.RoutingKey, fp),
		Task:             req.Task,
		RoutingKey:       req.RoutingKey,
		InputFingerprint: fp,
		Status:           StatusPending,
		Model:            req.Model,
		Provider:         req.Provider,
		Input:            req.Input,
		CreatedAt:        time.Now().UTC(),
	}
}

func now() *time.Time {
	t := time.Now().UTC()
	return &t
}
