// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package abac is the decision core: it orchestrates attribute resolution,
// policy evaluation, combining, and audit into the single checkAccess
// operation callers see.
package abac

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	attrres "github.com/gatehouse/gatehouse/internal/abac/attribute"
	"github.com/gatehouse/gatehouse/internal/abac/audit"
	"github.com/gatehouse/gatehouse/internal/abac/condition"
	"github.com/gatehouse/gatehouse/internal/abac/store"
	"github.com/gatehouse/gatehouse/internal/abac/types"
)

// DefaultEvaluationTimeout bounds one whole checkAccess call.
const DefaultEvaluationTimeout = 5 * time.Second

// auditDeadline is the independent best-effort deadline for audit writes
// after the evaluation context is already dead.
const auditDeadline = time.Second

// Engine is the access control facade. It is stateless between requests and
// safe for concurrent use.
type Engine struct {
	resolver *attrres.Resolver
	reader   store.AttributeReader
	catalog  store.PolicyCatalog
	env      *attrres.EnvironmentProvider
	audit    audit.Writer
	timeout  time.Duration
	tracer   trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout overrides the default evaluation timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithEnvironmentProvider overrides the environment provider, mainly to
// inject a fixed clock in tests.
func WithEnvironmentProvider(p *attrres.EnvironmentProvider) Option {
	return func(e *Engine) { e.env = p }
}

// NewEngine creates the facade over its collaborators.
func NewEngine(reader store.AttributeReader, catalog store.PolicyCatalog, auditWriter audit.Writer, opts ...Option) *Engine {
	e := &Engine{
		resolver: attrres.NewResolver(reader),
		reader:   reader,
		catalog:  catalog,
		env:      attrres.NewEnvironmentProvider(),
		audit:    auditWriter,
		timeout:  DefaultEvaluationTimeout,
		tracer:   otel.Tracer("gatehouse/abac"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckAccess answers one access question. The returned Decision is valid
// only when err is nil; fatal conditions (store outage, audit write failure,
// timeout, unknown resource) surface as coded errors with no decision.
func (e *Engine) CheckAccess(ctx context.Context, req types.Request) (types.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "abac.CheckAccess",
		trace.WithAttributes(
			attribute.String("abac.subject_id", req.SubjectID),
			attribute.String("abac.resource_id", req.ResourceID),
			attribute.String("abac.action_id", req.ActionID),
		))
	defer span.End()

	start := time.Now()

	if err := req.Validate(); err != nil {
		return types.Decision{}, oops.Code("INVALID_REQUEST").Wrap(err)
	}

	// T is sampled once; every temporal read and clock-derived environment
	// fact in this evaluation sees the same instant.
	at := e.env.Now()

	var (
		subjectBag  map[string]any
		resourceBag map[string]any
		policies    []store.Policy
		resourceOK  bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		resourceOK, err = e.reader.ResourceExists(gctx, req.ResourceID)
		return err
	})
	g.Go(func() error {
		var err error
		subjectBag, err = e.resolver.SubjectBag(gctx, req.SubjectID, at)
		return err
	})
	g.Go(func() error {
		var err error
		resourceBag, err = e.resolver.ResourceBag(gctx, req.ResourceID)
		return err
	})
	g.Go(func() error {
		var err error
		policies, err = e.catalog.ListApplicablePolicies(gctx, req.ActionID)
		return err
	})
	if err := g.Wait(); err != nil {
		return types.Decision{}, e.fatal(ctx, req, at, err)
	}

	envBag := e.env.Bag(at, req.Origin, req.Environment)

	if !resourceOK {
		e.auditError(ctx, req, envBag, "Resource not found")
		return types.Decision{}, oops.Code("RESOURCE_NOT_FOUND").
			With("resource_id", req.ResourceID).
			Errorf("resource not found")
	}

	bags := &types.AttributeBags{
		Subject:     subjectBag,
		Resource:    resourceBag,
		Environment: envBag,
	}

	outcomes := make([]types.PolicyOutcome, 0, len(policies))
	for _, p := range policies {
		outcomes = append(outcomes, types.PolicyOutcome{
			PolicyID: p.ID,
			Priority: p.Priority,
			Outcome:  condition.EvaluatePolicy(p.Conditions, p.Effect, bags),
		})
	}
	for _, o := range outcomes {
		if o.Outcome.Kind == types.OutcomeIndeterminate {
			indeterminateCounter.WithLabelValues(o.Outcome.Err.Kind.String()).Inc()
		}
	}

	decision := combine(outcomes)
	if err := decision.Validate(); err != nil {
		return types.Decision{}, oops.Wrapf(err, "decision validation failed")
	}

	if err := e.writeAudit(ctx, req, envBag, decision); err != nil {
		auditWriteFailures.Inc()
		return types.Decision{}, oops.Code("AUDIT_WRITE_FAILED").Wrap(err)
	}

	span.SetAttributes(
		attribute.String("abac.result", decision.Result.String()),
		attribute.String("abac.policy_id", decision.PolicyID),
		attribute.Int("abac.policies_evaluated", len(outcomes)),
	)
	recordDecisionMetrics(time.Since(start), decision.Result.String(), len(outcomes))
	slog.DebugContext(ctx, "access decision",
		"subject_id", req.SubjectID,
		"resource_id", req.ResourceID,
		"action_id", req.ActionID,
		"result", decision.Result.String(),
		"policy_id", decision.PolicyID,
		"duration_us", time.Since(start).Microseconds())

	return decision, nil
}

// fatal classifies a load failure, attempts a best-effort error audit, and
// returns the coded error the caller sees.
func (e *Engine) fatal(ctx context.Context, req types.Request, at time.Time, err error) error {
	// Caller cancellation before the audit write produces no log at all.
	if errors.Is(err, context.Canceled) {
		return oops.Wrapf(err, "evaluation cancelled")
	}

	reason := "Store unavailable"
	code := "STORE_UNAVAILABLE"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "Evaluation timeout"
		code = "EVALUATION_TIMEOUT"
	}
	e.auditError(ctx, req, e.env.Bag(at, req.Origin, req.Environment), reason)
	decisionsCounter.WithLabelValues(types.ResultError.String()).Inc()
	return oops.Code(code).
		With("subject_id", req.SubjectID).
		With("resource_id", req.ResourceID).
		Wrapf(err, "%s", reason)
}

// auditError attempts an Error audit record on a best-effort basis. It runs
// on a fresh short deadline detached from the evaluation context, which may
// already be cancelled or expired. Failures are logged, never surfaced.
func (e *Engine) auditError(ctx context.Context, req types.Request, envBag map[string]any, reason string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditDeadline)
	defer cancel()

	entry := e.newEntry(req, envBag)
	entry.Result = types.ResultError
	entry.Reason = reason
	if blob, err := audit.BuildContext(envBag, nil); err == nil {
		entry.Context = blob
	}
	err := retry.Do(actx, retry.WithMaxRetries(2, retry.NewConstant(100*time.Millisecond)), func(ctx context.Context) error {
		if werr := e.audit.Write(ctx, entry); werr != nil {
			return retry.RetryableError(werr)
		}
		return nil
	})
	if err != nil {
		auditWriteFailures.Inc()
		slog.WarnContext(actx, "best-effort audit write failed",
			"subject_id", req.SubjectID, "reason", reason, "error", err)
	}
}

// writeAudit persists the decision record synchronously. A failure here is
// fatal to the decision.
func (e *Engine) writeAudit(ctx context.Context, req types.Request, envBag map[string]any, d types.Decision) error {
	entry := e.newEntry(req, envBag)
	entry.Result = d.Result
	entry.Reason = d.Reason
	if d.PolicyID != "" {
		pid := d.PolicyID
		entry.PolicyID = &pid
	}
	blob, err := audit.BuildContext(envBag, d.Evaluated)
	if err != nil {
		return oops.Wrapf(err, "serializing audit context")
	}
	entry.Context = blob
	return e.audit.Write(ctx, entry)
}

func (e *Engine) newEntry(req types.Request, envBag map[string]any) *audit.Entry {
	entry := &audit.Entry{
		SubjectID:  req.SubjectID,
		ResourceID: req.ResourceID,
		ActionID:   req.ActionID,
	}
	if ip, ok := envBag[types.EnvIPAddress].(string); ok {
		entry.IPAddress = ip
	}
	if ua, ok := envBag[types.EnvUserAgent].(string); ok {
		entry.UserAgent = ua
	}
	return entry
}
