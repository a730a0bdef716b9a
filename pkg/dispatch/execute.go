package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/zen-systems/modelgate/pkg/adapter"
	"github.com/zen-systems/modelgate/pkg/artifact"
	"github.com/zen-systems/modelgate/pkg/config"
	"github.com/zen-systems/modelgate/pkg/ledger"
	"github.com/zen-systems/modelgate/pkg/routeerr"
	"github.com/zen-systems/modelgate/pkg/router"
)

type execution struct {
	artifact *artifact.Artifact
	winner   router.Candidate
	reports  []adapter.CallReport
	err      error
}

// execute tries each candidate in order. A candidate gets one attempt bounded
// by the attempt timeout; transient errors other than timeouts are retried on
// the same candidate up to retry.max_retries times. Nothing outside cands is
// ever called.
func (d *Dispatcher) execute(ctx context.Context, snap *config.Snapshot, req Request, dec *router.Decision, cands []router.Candidate, local bool) execution {
	retryCfg := snap.Retry()
	timeout := dec.Timeout
	if timeout <= 0 {
		timeout = d.attemptTimeout
	}
	kind := kindFor(req, dec)

	var ex execution
	for idx, cand := range cands {
		impl, err := d.adapterFor(cand, local)
		if err != nil {
			ex.err = &routeerr.ProviderError{Provider: cand.Provider, Model: cand.Model, Err: err}
			ex.reports = append(ex.reports, adapter.CallReport{
				Provider:       cand.Provider,
				Model:          cand.Model,
				BackendModelID: cand.BackendModelID,
				Result:         adapter.ResultSkipped,
				Cost:           adapter.Cost{Currency: "USD"},
				FallbackUsed:   idx > 0,
				Error:          err.Error(),
			})
			d.logger.Warn("Candidate skipped",
				zap.String("task", dec.Task),
				zap.String("model", cand.Model),
				zap.Error(err),
			)
			continue
		}

		for attempt := 0; ; attempt++ {
			start := time.Now()
			resp, err := d.attempt(ctx, impl, cand, timeout, adapter.Request{
				Model:   cand.BackendModelID,
				Prompt:  req.Input,
				Kind:    kind,
				Task:    dec.Task,
				Options: dec.Options,
			})
			report := adapter.CallReport{
				Provider:       cand.Provider,
				Model:          cand.Model,
				BackendModelID: cand.BackendModelID,
				Retries:        attempt,
				FallbackUsed:   idx > 0,
				DurationMillis: time.Since(start).Milliseconds(),
				Cost:           adapter.Cost{Currency: "USD"},
			}

			if err == nil {
				usage := ledger.NormalizeUsage(resp.Usage)
				model, _ := snap.Model(cand.Model)
				report.Result = adapter.ResultOK
				report.Usage = usage
				report.Cost, _ = ledger.EstimateCost(model.Pricing, usage)
				ex.reports = append(ex.reports, report)
				ex.artifact = resp.Artifact.
					WithMetadata("task", dec.Task).
					WithMetadata("model_key", cand.Model)
				ex.winner = cand
				ex.err = nil
				return ex
			}

			ex.err = &routeerr.ProviderError{Provider: cand.Provider, Model: cand.Model, Err: err}
			report.Error = err.Error()
			report.Result = adapter.ResultError
			if ctx.Err() != nil {
				ex.reports = append(ex.reports, report)
				ex.err = fmt.Errorf("dispatch canceled: %w", ctx.Err())
				return ex
			}
			if adapter.IsTimeout(err) {
				// A timed-out candidate is consumed: it is not retried.
				report.Result = adapter.ResultTimeout
				ex.reports = append(ex.reports, report)
				d.logger.Warn("Candidate timed out",
					zap.String("task", dec.Task),
					zap.String("model", cand.Model),
					zap.Duration("timeout", timeout),
				)
				break
			}
			if !adapter.IsTransient(err) || attempt >= retryCfg.MaxRetries {
				ex.reports = append(ex.reports, report)
				d.logger.Warn("Candidate failed",
					zap.String("task", dec.Task),
					zap.String("model", cand.Model),
					zap.Int("retries", attempt),
					zap.Error(err),
				)
				break
			}

			backoff := computeBackoff(retryCfg.BaseBackoffMs, retryCfg.MaxBackoffMs, attempt)
			if err := sleepWithContext(ctx, backoff); err != nil {
				ex.reports = append(ex.reports, report)
				ex.err = fmt.Errorf("dispatch canceled: %w", err)
				return ex
			}
		}
	}

	if ex.err == nil {
		ex.err = errors.New("no candidates to execute")
	}
	return ex
}

func (d *Dispatcher) attempt(ctx context.Context, impl adapter.Adapter, cand router.Candidate, timeout time.Duration, areq adapter.Request) (*adapter.Response, error) {
	ctx, span := d.tracer.Start(ctx, "modelgate.attempt")
	span.SetAttributes(
		attribute.String("modelgate.provider", cand.Provider),
		attribute.String("modelgate.model", cand.Model),
	)
	defer span.End()

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := impl.Generate(actx, areq)
	if err == nil && (resp == nil || resp.Artifact == nil) {
		err = fmt.Errorf("%s returned no artifact", impl.Name())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

func (d *Dispatcher) adapterFor(cand router.Candidate, local bool) (adapter.Adapter, error) {
	if local {
		return d.adapters.Local()
	}
	return d.adapters.Get(cand.Provider)
}

func computeBackoff(baseMs, maxMs, attempt int) time.Duration {
	backoff := time.Duration(baseMs) * time.Millisecond
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= time.Duration(maxMs)*time.Millisecond {
			return time.Duration(maxMs) * time.Millisecond
		}
	}
	if backoff > time.Duration(maxMs)*time.Millisecond {
		return time.Duration(maxMs) * time.Millisecond
	}
	return backoff
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
