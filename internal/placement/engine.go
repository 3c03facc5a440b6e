// Package placement orchestrates one placement registration end to end:
// audience evaluation, paywall content loading, occurrence commit, assignment
// confirmation and telemetry.
package placement

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/paygate/internal/audience"
	"github.com/kalambet/paygate/internal/content"
	"github.com/kalambet/paygate/internal/telemetry"
)

// maxCommitAttempts bounds how often a registration re-evaluates after losing
// an occurrence commit to a concurrent registration.
const maxCommitAttempts = 3

// AudienceEvaluator matches a placement against its trigger.
// Implemented by audience.Evaluator.
type AudienceEvaluator interface {
	Evaluate(ctx context.Context, p audience.Placement) audience.Outcome
}

// ContentLoader loads paywall content. Implemented by content.Cache.
type ContentLoader interface {
	Get(ctx context.Context, req content.Request) (*content.Paywall, error)
}

// Store commits occurrences and records placement history.
// Implemented by storage.Store.
type Store interface {
	TryRecordOccurrence(key string, since time.Time, max int, at time.Time) (bool, error)
	RecordPlacement(name string, at time.Time) error
}

// Confirmer confirms consumed assignments. Implemented by assignment.Manager.
type Confirmer interface {
	Confirm(ctx context.Context, experimentID, variantID string) error
}

// Recorder receives telemetry records. Implemented by telemetry.Queue.
type Recorder interface {
	Enqueue(rec telemetry.Record)
}

// Deps groups the collaborators of an Engine. Now and Locale are optional.
type Deps struct {
	Audience    AudienceEvaluator
	Content     ContentLoader
	Store       Store
	Assignments Confirmer
	Events      Recorder
	Locale      string
	Debug       bool
	Now         func() time.Time
}

// Request is one registration from the host app.
type Request struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`

	// Substitutions replace the product bound to a paywall slot.
	Substitutions map[string]string `json:"substitutions,omitempty"`
	Locale        string            `json:"locale,omitempty"`
}

// Result is what the host app acts on.
type Result struct {
	Outcome audience.Outcome `json:"outcome"`
	Paywall *content.Paywall `json:"paywall,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Present reports whether the host app should show a paywall.
func (r Result) Present() bool {
	return r.Outcome.Kind == audience.OutcomePaywall && r.Paywall != nil
}

// Engine runs registrations. It holds no mutable state of its own; the
// collaborators serialize their own state.
type Engine struct {
	deps   Deps
	tracer trace.Tracer
	logger *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(deps Deps) *Engine {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{
		deps:   deps,
		tracer: otel.Tracer("github.com/kalambet/paygate/internal/placement"),
		logger: slog.Default(),
	}
}

// Register evaluates the placement and, on a paywall outcome, loads its
// content. The matched rule's occurrence is committed and the assignment
// confirmed only once the outcome is accepted: a holdout always, a paywall
// after its content loaded. Errors never propagate; they are reported in the
// Result so the host app can skip presentation.
func (e *Engine) Register(ctx context.Context, req Request) Result {
	ctx, span := e.tracer.Start(ctx, "placement.register",
		trace.WithAttributes(attribute.String("placement.name", req.Name)))
	defer span.End()

	logger := e.logger.With("placement", req.Name)
	e.deps.Events.Enqueue(telemetry.NewSession(telemetry.PlacementRegistered, map[string]any{
		"placement": req.Name,
		"params":    req.Params,
	}))

	res := e.register(ctx, logger, req)

	span.SetAttributes(attribute.String("placement.outcome", res.Outcome.Kind.String()))
	if res.Error != "" {
		span.SetStatus(codes.Error, res.Error)
	}

	// History is written after evaluation so "since last" properties describe
	// earlier registrations only.
	if err := e.deps.Store.RecordPlacement(req.Name, e.deps.Now()); err != nil {
		logger.Warn("recording placement history failed", "error", err)
	}

	e.deps.Events.Enqueue(telemetry.NewSession(telemetry.TriggerFire, triggerParams(req.Name, res)))
	logger.Debug("placement registered", "outcome", res.Outcome.Kind, "rule_id", res.Outcome.RuleID)
	return res
}

func (e *Engine) register(ctx context.Context, logger *slog.Logger, req Request) Result {
	p := audience.Placement{Name: req.Name, Params: req.Params}

	var out audience.Outcome
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		out = e.deps.Audience.Evaluate(ctx, p)

		var res Result
		switch out.Kind {
		case audience.OutcomeError:
			if out.Err != nil {
				logger.Warn("placement evaluation failed", "rule_id", out.RuleID, "error", out.Err)
				return Result{Outcome: out, Error: out.Err.Error()}
			}
			return Result{Outcome: out}
		case audience.OutcomeHoldout:
			res = Result{Outcome: out}
		case audience.OutcomePaywall:
			pw, err := e.deps.Content.Get(ctx, content.Request{
				PaywallID:     out.PaywallID(),
				PlacementName: req.Name,
				Locale:        e.locale(req),
				Substitutions: req.Substitutions,
				Experiment:    out.Experiment,
				Debug:         e.deps.Debug,
			})
			if err != nil {
				logger.Warn("loading paywall content failed", "paywall_id", out.PaywallID(), "error", err)
				return Result{Outcome: out, Error: err.Error()}
			}
			res = Result{Outcome: out, Paywall: pw}
		default:
			return Result{Outcome: out}
		}

		if !e.commitOccurrence(logger, out) {
			logger.Debug("occurrence limit reached concurrently, re-evaluating", "rule_id", out.RuleID, "attempt", attempt)
			continue
		}
		e.confirm(ctx, logger, out)
		return res
	}

	return Result{Outcome: audience.Outcome{Kind: audience.OutcomeNoAudienceMatch}}
}

// commitOccurrence consumes the matched rule's occurrence atomically. It
// returns false when a concurrent registration used up the limit first.
// Store failures fail open.
func (e *Engine) commitOccurrence(logger *slog.Logger, out audience.Outcome) bool {
	u := out.UnsavedOccurrence
	if u == nil {
		return true
	}
	now := e.deps.Now()
	ok, err := e.deps.Store.TryRecordOccurrence(u.Key, u.Since(now), u.MaxCount, now)
	if err != nil {
		logger.Warn("committing occurrence failed", "key", u.Key, "error", err)
		return true
	}
	return ok
}

func (e *Engine) confirm(ctx context.Context, logger *slog.Logger, out audience.Outcome) {
	a := out.ConfirmableAssignment
	if a == nil {
		return
	}
	if err := e.deps.Assignments.Confirm(ctx, a.ExperimentID, a.VariantID); err != nil {
		logger.Warn("confirming assignment failed", "experiment_id", a.ExperimentID, "error", err)
		return
	}
	e.deps.Events.Enqueue(telemetry.NewSession(telemetry.AssignmentConfirmed, map[string]any{
		"experiment_id": a.ExperimentID,
		"variant_id":    a.VariantID,
	}))
}

func (e *Engine) locale(req Request) string {
	if req.Locale != "" {
		return req.Locale
	}
	return e.deps.Locale
}

func triggerParams(name string, res Result) map[string]any {
	params := map[string]any{
		"placement": name,
		"outcome":   res.Outcome.Kind.String(),
	}
	if exp := res.Outcome.Experiment; exp != nil {
		params["experiment_id"] = exp.ID
		params["variant_id"] = exp.Variant.ID
		if exp.Variant.PaywallID != "" {
			params["paywall_id"] = exp.Variant.PaywallID
		}
	}
	if res.Outcome.RuleID != "" {
		params["rule_id"] = res.Outcome.RuleID
	}
	if res.Error != "" {
		params["error"] = res.Error
	}
	return params
}
