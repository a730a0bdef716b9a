// Package dispatch executes routed calls. Each call is resolved, authorized,
// served from the result cache or the pending queue when possible, and
// otherwise executed according to its exec slot's mode: synchronously against
// the candidate chain, on the privileged local backend, or deferred to the
// pending queue. Every call ends in exactly one status and is recorded.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zen-systems/modelgate/pkg/adapter"
	"github.com/zen-systems/modelgate/pkg/artifact"
	"github.com/zen-systems/modelgate/pkg/cache"
	"github.com/zen-systems/modelgate/pkg/config"
	"github.com/zen-systems/modelgate/pkg/cursor"
	"github.com/zen-systems/modelgate/pkg/ledger"
	"github.com/zen-systems/modelgate/pkg/logging"
	"github.com/zen-systems/modelgate/pkg/pending"
	"github.com/zen-systems/modelgate/pkg/policy"
	"github.com/zen-systems/modelgate/pkg/routeerr"
	"github.com/zen-systems/modelgate/pkg/router"
)

const tracerName = "github.com/zen-systems/modelgate/pkg/dispatch"

// DefaultAttemptTimeout bounds one candidate attempt when neither the exec
// slot nor the dispatcher sets a timeout.
const DefaultAttemptTimeout = 120 * time.Second

// Status is the terminal state of one dispatch.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPending   Status = "pending"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// Outcome names the path that produced the status.
type Outcome string

const (
	OutcomeAPI              Outcome = "API"
	OutcomePrivilegedLocal  Outcome = "PRIVILEGED_LOCAL"
	OutcomeDeferred         Outcome = "DEFERRED"
	OutcomeFailoverDisabled Outcome = "FAILOVER_DISABLED"
	OutcomeCache            Outcome = "CACHE"
	OutcomePendingConsumed  Outcome = "PENDING_CONSUMED"
)

// Request is one routed call.
type Request struct {
	Task       string            `json:"task"`
	RoutingKey string            `json:"routing_key,omitempty"`
	Input      string            `json:"input"`
	Kind       artifact.Kind     `json:"kind,omitempty"`
	Slot       int               `json:"slot"`
	ExecSlot   int               `json:"exec_slot"`
	Options    map[string]string `json:"options,omitempty"`

	ForceModel    string       `json:"force_model,omitempty"`
	ForceProvider string       `json:"force_provider,omitempty"`
	FamilyEscape  bool         `json:"family_escape,omitempty"`
	Flags         policy.Flags `json:"flags"`
}

// NewRequest returns a request using the default slot and exec slot.
func NewRequest(task, routingKey, input string) Request {
	return Request{
		Task:       task,
		RoutingKey: routingKey,
		Input:      input,
		Slot:       router.UseDefault,
		ExecSlot:   router.UseDefault,
		Flags:      policy.Flags{Lockdown: true},
	}
}

// Result is the single outcome of a dispatch.
type Result struct {
	Status   Status               `json:"status"`
	Outcome  Outcome              `json:"outcome,omitempty"`
	Artifact *artifact.Artifact   `json:"artifact,omitempty"`
	Pending  *pending.Record      `json:"pending,omitempty"`
	Decision *router.Decision     `json:"decision,omitempty"`
	Model    string               `json:"model,omitempty"`
	Provider string               `json:"provider,omitempty"`
	Attempts []adapter.CallReport `json:"attempts,omitempty"`
	Reason   string               `json:"reason,omitempty"`
	LedgerID string               `json:"ledger_id,omitempty"`
	Err      error                `json:"-"`
}

// SnapshotSource yields the current routing configuration.
type SnapshotSource interface {
	Snapshot() *config.Snapshot
}

// Options wires the dispatcher's collaborators. Cursors, Queue and Adapters
// are required.
type Options struct {
	Cursors        cursor.Store
	Queue          pending.Queue
	Cache          *cache.Cache
	Adapters       *adapter.Registry
	Ledger         ledger.Recorder
	Logger         *zap.Logger
	Tracer         trace.Tracer
	AttemptTimeout time.Duration
}

// Dispatcher routes and executes calls.
type Dispatcher struct {
	source         SnapshotSource
	cursors        cursor.Store
	queue          pending.Queue
	cache          *cache.Cache
	adapters       *adapter.Registry
	ledger         ledger.Recorder
	logger         *zap.Logger
	tracer         trace.Tracer
	attemptTimeout time.Duration
}

// New creates a dispatcher.
func New(source SnapshotSource, opts Options) (*Dispatcher, error) {
	if source == nil {
		return nil, errors.New("dispatch: snapshot source is required")
	}
	if opts.Cursors == nil || opts.Queue == nil || opts.Adapters == nil {
		return nil, errors.New("dispatch: cursors, queue and adapters are required")
	}
	d := &Dispatcher{
		source:         source,
		cursors:        opts.Cursors,
		queue:          opts.Queue,
		cache:          opts.Cache,
		adapters:       opts.Adapters,
		ledger:         opts.Ledger,
		logger:         logging.OrNop(opts.Logger),
		tracer:         opts.Tracer,
		attemptTimeout: opts.AttemptTimeout,
	}
	if d.ledger == nil {
		d.ledger = ledger.Discard{}
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	if d.attemptTimeout <= 0 {
		d.attemptTimeout = DefaultAttemptTimeout
	}
	return d, nil
}

// Dispatch runs one call to completion. The returned Result is never nil;
// the error is set exactly when the status is rejected or failed.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "modelgate.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("modelgate.task", req.Task),
			attribute.String("modelgate.routing_key", req.RoutingKey),
		),
	)
	defer span.End()

	res := d.dispatch(ctx, req)
	elapsed := time.Since(start)

	if res.Decision != nil {
		span.SetAttributes(
			attribute.String("modelgate.family", res.Decision.Family),
			attribute.String("modelgate.mode", string(res.Decision.Mode)),
		)
	}
	span.SetAttributes(
		attribute.String("modelgate.status", string(res.Status)),
		attribute.String("modelgate.outcome", string(res.Outcome)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	d.record(ctx, req, res, elapsed)
	return res, res.Err
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) *Result {
	snap := d.source.Snapshot()
	resolver := router.NewResolver(snap, d.cursors, d.logger)
	force := policy.Force{
		Model:        req.ForceModel,
		Provider:     req.ForceProvider,
		FamilyEscape: req.FamilyEscape,
	}

	if err := policy.ScanForced(snap, req.Task, force, req.Options); err != nil {
		return rejected(partialDecision(snap, resolver, req), err)
	}

	resolved, err := resolver.Resolve(ctx, router.Request{
		Task:     req.Task,
		Slot:     req.Slot,
		ExecSlot: req.ExecSlot,
		Options:  req.Options,
	})
	if err != nil {
		return rejected(partialDecision(snap, resolver, req), err)
	}

	gate := policy.NewGate(snap, resolver, d.logger)
	dec, err := gate.Authorize(policy.Request{
		Decision: resolved,
		Force:    force,
		Flags:    req.Flags,
	})
	if err != nil {
		rejectedDec := resolved.Clone()
		rejectedDec.Policy.Lockdown = req.Flags.Lockdown
		rejectedDec.Policy.EmergencyOverride = req.Flags.EmergencyOverride
		return rejected(rejectedDec, err)
	}
	// Staleness is tracked per routing key; unkeyed work cannot be queued.
	if dec.Mode == config.ModeDeferred && req.RoutingKey == "" {
		return rejected(dec, routeerr.Resolutionf(dec.Task, "a routing key is required for deferred execution"))
	}

	d.logger.Debug("Routing decision",
		zap.String("task", dec.Task),
		zap.String("family", dec.Family),
		zap.String("tier", dec.Tier),
		zap.String("source", string(dec.Source)),
		zap.Strings("candidates", dec.Models()),
		zap.String("mode", string(dec.Mode)),
	)

	if res := d.fromCache(ctx, req, dec); res != nil {
		return res
	}
	if res := d.fromPending(ctx, req, dec); res != nil {
		return res
	}

	switch dec.Mode {
	case config.ModeDeferred:
		return d.deferTo(ctx, req, dec, OutcomeDeferred, "")
	case config.ModeFailoverDisabled:
		return d.run(ctx, snap, req, dec, dec.Candidates[:1], false)
	case config.ModePrivilegedLocal:
		return d.run(ctx, snap, req, dec, dec.Candidates, true)
	default:
		return d.run(ctx, snap, req, dec, dec.Candidates, false)
	}
}

// run executes the candidates and applies the exhaustion policy.
func (d *Dispatcher) run(ctx context.Context, snap *config.Snapshot, req Request, dec *router.Decision, cands []router.Candidate, local bool) *Result {
	outcome := OutcomeAPI
	if local {
		outcome = OutcomePrivilegedLocal
	}

	ex := d.execute(ctx, snap, req, dec, cands, local)
	if ex.err == nil {
		d.onSuccess(ctx, req, dec, ex.winner, ex.artifact)
		return &Result{
			Status:   StatusCompleted,
			Outcome:  outcome,
			Artifact: ex.artifact,
			Decision: dec,
			Model:    ex.winner.Model,
			Provider: ex.winner.Provider,
			Attempts: ex.reports,
		}
	}

	res := &Result{Status: StatusFailed, Decision: dec, Attempts: ex.reports, Err: ex.err}
	switch {
	case ctx.Err() != nil:
		res.Outcome = outcome
		res.Reason = "canceled"
	case dec.Mode == config.ModeFailoverDisabled:
		res.Outcome = OutcomeFailoverDisabled
		res.Reason = "exec slot disables failover"
	case dec.Protected:
		res.Outcome = OutcomeFailoverDisabled
		res.Reason = fmt.Sprintf("family %q is protected: no deferral or substitution after failure", dec.Family)
	case dec.DeferOnExhaustion && req.RoutingKey == "":
		res.Outcome = outcome
		res.Reason = "candidates exhausted; deferral needs a routing key"
	case dec.DeferOnExhaustion:
		deferred := d.deferTo(ctx, req, dec, OutcomeDeferred, "candidates exhausted")
		deferred.Attempts = ex.reports
		return deferred
	default:
		res.Outcome = outcome
		res.Reason = "candidates exhausted"
	}
	return res
}

// onSuccess advances the rotation cursor by one and stores the result.
func (d *Dispatcher) onSuccess(ctx context.Context, req Request, dec *router.Decision, winner router.Candidate, art *artifact.Artifact) {
	if dec.Source != router.SourceForced && dec.CursorKey != "" {
		next, err := d.cursors.Advance(ctx, dec.CursorKey, len(dec.Chain))
		if err != nil {
			d.logger.Warn("Cursor advance failed",
				zap.String("cursor_key", dec.CursorKey),
				zap.Error(err),
			)
		} else {
			d.logger.Debug("Cursor advanced",
				zap.String("cursor_key", dec.CursorKey),
				zap.Int("next", next),
			)
		}
	}
	d.saveCache(ctx, req, winner.Model, art)
}

// partialDecision carries what is known about a request that failed before
// a full decision existed.
func partialDecision(snap *config.Snapshot, resolver *router.Resolver, req Request) *router.Decision {
	dec := &router.Decision{
		Task:         req.Task,
		Family:       resolver.Family(req.Task),
		Slot:         req.Slot,
		ExecSlot:     req.ExecSlot,
		Options:      req.Options,
		ConfigDigest: snap.Digest(),
		Policy: router.PolicyState{
			Lockdown:          req.Flags.Lockdown,
			EmergencyOverride: req.Flags.EmergencyOverride,
		},
	}
	if fam, ok := snap.Family(dec.Family); ok {
		dec.Protected = fam.Protected
	}
	if dec.Slot == router.UseDefault {
		dec.Slot = snap.DefaultSlot()
	}
	if dec.ExecSlot == router.UseDefault {
		dec.ExecSlot = snap.DefaultExecSlot()
	}
	return dec
}

func rejected(dec *router.Decision, err error) *Result {
	return &Result{Status: StatusRejected, Decision: dec, Reason: err.Error(), Err: err}
}

func kindFor(req Request, dec *router.Decision) artifact.Kind {
	if req.Kind != "" {
		return req.Kind
	}
	for _, c := range dec.Requires {
		if c == string(artifact.KindImage) {
			return artifact.KindImage
		}
	}
	return artifact.KindText
}
