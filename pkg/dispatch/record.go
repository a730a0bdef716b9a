package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zen-systems/modelgate/pkg/ledger"
	"github.com/zen-systems/modelgate/pkg/routeerr"
)

// record appends the outcome to the ledger. A ledger failure is logged and
// never changes the dispatch result.
func (d *Dispatcher) record(ctx context.Context, req Request, res *Result, elapsed time.Duration) {
	e := &ledger.Entry{
		Task:           req.Task,
		RoutingKey:     req.RoutingKey,
		Status:         string(res.Status),
		Outcome:        string(res.Outcome),
		Provider:       res.Provider,
		Model:          res.Model,
		CacheHit:       res.Outcome == OutcomeCache,
		Decision:       res.Decision,
		Attempts:       res.Attempts,
		ErrorClass:     routeerr.ClassOf(res.Err),
		DurationMillis: elapsed.Milliseconds(),
	}
	if res.Decision != nil {
		e.Family = res.Decision.Family
	}
	if res.Pending != nil {
		e.PendingID = res.Pending.ID
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	ledger.Stamp(e)
	res.LedgerID = e.ID

	if err := d.ledger.Record(context.WithoutCancel(ctx), e); err != nil {
		d.logger.Warn("Ledger record failed", zap.String("task", req.Task), zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("task", req.Task),
		zap.String("family", e.Family),
		zap.String("status", e.Status),
		zap.String("outcome", e.Outcome),
		zap.String("model", e.Model),
		zap.Int("attempts", len(e.Attempts)),
		zap.Duration("elapsed", elapsed),
	}
	switch res.Status {
	case StatusRejected:
		d.logger.Warn("Dispatch rejected", append(fields, zap.String("class", string(e.ErrorClass)), zap.Error(res.Err))...)
	case StatusFailed:
		d.logger.Error("Dispatch failed", append(fields, zap.String("reason", res.Reason), zap.Error(res.Err))...)
	default:
		d.logger.Info("Dispatch finished", fields...)
	}
}
