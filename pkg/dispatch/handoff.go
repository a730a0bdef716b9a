package dispatch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/zen-systems/modelgate/pkg/artifact"
	"github.com/zen-systems/modelgate/pkg/pending"
	"github.com/zen-systems/modelgate/pkg/routeerr"
	"github.com/zen-systems/modelgate/pkg/router"
)

// fromCache answers from the result cache. Any candidate of the authorized
// chain may supply the hit, in try order.
func (d *Dispatcher) fromCache(ctx context.Context, req Request, dec *router.Decision) *Result {
	if d.cache == nil {
		return nil
	}
	for _, cand := range dec.Candidates {
		entry, ok, err := d.cache.Lookup(ctx, dec.Task, req.Input, cand.Model)
		if err != nil {
			d.logger.Warn("Cache lookup failed", zap.String("task", dec.Task), zap.Error(err))
			return nil
		}
		if !ok || entry.Response == nil {
			continue
		}
		return &Result{
			Status:   StatusCompleted,
			Outcome:  OutcomeCache,
			Artifact: entry.Response,
			Decision: dec,
			Model:    cand.Model,
			Provider: cand.Provider,
		}
	}
	return nil
}

func (d *Dispatcher) saveCache(ctx context.Context, req Request, model string, art *artifact.Artifact) {
	if d.cache == nil || art == nil {
		return
	}
	if _, err := d.cache.Save(ctx, req.Task, req.Input, model, art); err != nil {
		d.logger.Warn("Cache store failed",
			zap.String("task", req.Task),
			zap.String("model", model),
			zap.Error(err),
		)
	}
}

// fromPending reconciles open pending records for the task and routing key.
// A ready record with the caller's fingerprint is consumed exactly once; a
// pending one is returned as the same handle. Records for the same routing
// key with a different fingerprint are archived as stale, and when no record
// matched the caller receives a StalenessError. Without a routing key only
// exact fingerprint matches are considered.
func (d *Dispatcher) fromPending(ctx context.Context, req Request, dec *router.Decision) *Result {
	recs, err := d.queue.Find(ctx, dec.Task, req.RoutingKey)
	if err != nil {
		d.logger.Warn("Pending lookup failed", zap.String("task", dec.Task), zap.Error(err))
		return nil
	}
	if len(recs) == 0 {
		return nil
	}

	fp := pending.Fingerprint(req.Input)
	var match *Result
	var stale *routeerr.StalenessError
	for _, rec := range recs {
		if rec.InputFingerprint != fp {
			if req.RoutingKey == "" {
				continue
			}
			if err := d.queue.MarkStale(ctx, rec.ID); err != nil && !errors.Is(err, pending.ErrNotFound) {
				d.logger.Warn("Marking pending record stale failed", zap.String("id", rec.ID), zap.Error(err))
				continue
			}
			d.logger.Info("Pending record is stale",
				zap.String("id", rec.ID),
				zap.String("task", dec.Task),
				zap.String("routing_key", req.RoutingKey),
			)
			if stale == nil {
				stale = &routeerr.StalenessError{RecordID: rec.ID, Expected: rec.InputFingerprint, Actual: fp}
			}
			continue
		}
		if match != nil {
			continue
		}

		switch rec.Status {
		case pending.StatusReady:
			done, err := d.queue.Consume(ctx, rec.ID, fp)
			switch {
			case err == nil:
				match = &Result{
					Status:   StatusCompleted,
					Outcome:  OutcomePendingConsumed,
					Artifact: done.Payload,
					Pending:  done,
					Decision: dec,
					Model:    done.Model,
					Provider: done.Provider,
				}
				d.saveCache(ctx, req, done.Model, done.Payload)
			case errors.Is(err, pending.ErrAlreadyConsumed), errors.Is(err, pending.ErrNotFound):
				// Another caller won the payload; carry on as if absent.
			case routeerr.IsStale(err):
				match = rejected(dec, err)
			default:
				d.logger.Warn("Consuming pending record failed", zap.String("id", rec.ID), zap.Error(err))
			}
		case pending.StatusPending:
			match = &Result{
				Status:   StatusPending,
				Outcome:  OutcomeDeferred,
				Pending:  rec,
				Decision: dec,
				Model:    rec.Model,
				Provider: rec.Provider,
				Reason:   "awaiting fulfillment",
			}
		}
	}

	if match != nil {
		return match
	}
	if stale != nil {
		return rejected(dec, stale)
	}
	return nil
}

// deferTo creates a pending record for the first candidate and returns its
// handle without blocking.
func (d *Dispatcher) deferTo(ctx context.Context, req Request, dec *router.Decision, outcome Outcome, reason string) *Result {
	cand := dec.Candidates[0]
	rec, created, err := d.queue.Enqueue(ctx, pending.EnqueueRequest{
		Task:       dec.Task,
		RoutingKey: req.RoutingKey,
		Input:      req.Input,
		Model:      cand.Model,
		Provider:   cand.Provider,
	})
	if err != nil {
		return &Result{Status: StatusFailed, Outcome: outcome, Decision: dec, Reason: "enqueue failed", Err: err}
	}
	if reason == "" {
		reason = "deferred by exec slot"
	}
	if !created {
		reason = "existing pending record"
	}
	d.logger.Info("Task deferred",
		zap.String("id", rec.ID),
		zap.String("task", dec.Task),
		zap.String("routing_key", req.RoutingKey),
		zap.Bool("created", created),
	)
	return &Result{
		Status:   StatusPending,
		Outcome:  outcome,
		Pending:  rec,
		Decision: dec,
		Model:    cand.Model,
		Provider: cand.Provider,
		Reason:   reason,
	}
}
