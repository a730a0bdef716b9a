// Package ledger records every dispatch outcome with its routing decision,
// per-attempt usage and estimated cost.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/zen-systems/modelgate/pkg/adapter"
	"github.com/zen-systems/modelgate/pkg/router"
	"github.com/zen-systems/modelgate/pkg/routeerr"
)

// Entry is one dispatch outcome.
type Entry struct {
	ID             string               `json:"id"`
	Timestamp      time.Time            `json:"timestamp"`
	Task           string               `json:"task"`
	RoutingKey     string               `json:"routing_key,omitempty"`
	Family         string               `json:"family,omitempty"`
	Status         string               `json:"status"`
	Outcome        string               `json:"outcome,omitempty"`
	Provider       string               `json:"provider,omitempty"`
	Model          string               `json:"model,omitempty"`
	PendingID      string               `json:"pending_id,omitempty"`
	CacheHit       bool                 `json:"cache_hit,omitempty"`
	Decision       *router.Decision     `json:"decision,omitempty"`
	Attempts       []adapter.CallReport `json:"attempts,omitempty"`
	Usage          adapter.Usage        `json:"usage"`
	Cost           adapter.Cost         `json:"cost"`
	ErrorClass     routeerr.Class       `json:"error_class,omitempty"`
	Error          string               `json:"error,omitempty"`
	DurationMillis int64                `json:"duration_ms"`
}

// Recorder persists entries.
type Recorder interface {
	Record(ctx context.Context, e *Entry) error
}

// Stamp fills the id, timestamp and totals of an entry that lacks them.
func Stamp(e *Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Usage, e.Cost = Totals(e.Attempts)
}

// Multi fans an entry out to several recorders. Every recorder sees the
// entry; errors are joined.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, e *Entry) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops entries.
type Discard struct{}

func (Discard) Record(context.Context, *Entry) error { return nil }
