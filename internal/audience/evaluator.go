// Package audience matches a placement against the ordered rules of its
// trigger and resolves the winning rule to an experiment variant.
package audience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/paygate/internal/expression"
	"github.com/kalambet/paygate/internal/remoteconfig"
	"github.com/kalambet/paygate/internal/storage"
)

// ConfigSource provides the current remote config snapshot.
type ConfigSource interface {
	Snapshot() *remoteconfig.Snapshot
}

// VariantResolver resolves the assigned variant of an experiment.
// Implemented by assignment.Manager.
type VariantResolver interface {
	Resolve(experimentID string) (remoteconfig.Variant, bool, error)
}

// OccurrenceCounter counts recorded rule occurrences. Implemented by storage.Store.
type OccurrenceCounter interface {
	CountOccurrences(key string, since time.Time) (int, error)
}

// History answers questions about past placement registrations.
// Implemented by storage.Store.
type History interface {
	CountPlacements(name string, since time.Time) (int, error)
	LastPlacement(name string) (time.Time, error)
}

// UserAttributes supplies the attributes exposed as `user`.
// Implemented by identity.Provider.
type UserAttributes interface {
	Attributes() (map[string]any, error)
}

// DeviceAttributes supplies the attributes exposed as `device`.
type DeviceAttributes interface {
	DeviceAttributes() map[string]any
}

// Installation reports when this installation first produced an identity.
// Implemented by identity.Provider.
type Installation interface {
	InstallTime() time.Time
}

// StaticDevice is a fixed set of device attributes.
type StaticDevice map[string]any

func (d StaticDevice) DeviceAttributes() map[string]any { return d }

// Deps groups the collaborators of an Evaluator.
type Deps struct {
	Config      ConfigSource
	Variants    VariantResolver
	Occurrences OccurrenceCounter
	History     History
	User        UserAttributes
	Device      DeviceAttributes
	Install     Installation
	Expressions expression.Evaluator
	Now         func() time.Time
	Logger      *slog.Logger
}

// Evaluator runs audience rules. It holds no mutable state of its own.
type Evaluator struct {
	deps Deps
}

// NewEvaluator creates an Evaluator. Device, Install, Now and Logger are
// optional; without Install, placementsSinceInstall counts the whole history.
func NewEvaluator(deps Deps) *Evaluator {
	if deps.Device == nil {
		deps.Device = StaticDevice{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Evaluator{deps: deps}
}

// OccurrenceKey is the occurrence store key of a rate-limited rule.
func OccurrenceKey(rule remoteconfig.Rule) string {
	key := rule.ID
	if rule.Occurrence != nil && rule.Occurrence.Key != "" {
		key = rule.Occurrence.Key
	}
	return rule.ExperimentID + ":" + key
}

// Evaluate looks up the trigger for p in the current config and evaluates it.
func (e *Evaluator) Evaluate(ctx context.Context, p Placement) Outcome {
	snap := e.deps.Config.Snapshot()
	trigger, ok := snap.Trigger(p.Name)
	if !ok {
		return Outcome{Kind: OutcomePlacementNotFound}
	}
	return e.evaluate(ctx, snap, p, trigger)
}

func (e *Evaluator) evaluate(ctx context.Context, snap *remoteconfig.Snapshot, p Placement, trigger remoteconfig.Trigger) Outcome {
	logger := e.deps.Logger.With("placement", p.Name)
	base := e.baseContext(p)
	now := e.deps.Now()

	for _, rule := range trigger.Rules {
		env := base
		if len(rule.ComputedProperties) > 0 {
			env = e.withComputedProperties(base, rule.ComputedProperties, now)
		}

		matched, err := e.deps.Expressions.Evaluate(ctx, rule.Expression, env)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Outcome{Kind: OutcomeError, RuleID: rule.ID, Err: ctxErr}
			}
			logger.Warn("audience expression failed, treating as no match",
				"rule_id", rule.ID, "error", err)
			continue
		}
		if !matched {
			continue
		}

		var unsaved *UnsavedOccurrence
		if limit := rule.Occurrence; limit != nil {
			u := UnsavedOccurrence{Key: OccurrenceKey(rule), MaxCount: limit.MaxCount}
			if !limit.Unbounded() {
				u.Window = limit.Window()
			}
			count, err := e.deps.Occurrences.CountOccurrences(u.Key, u.Since(now))
			if err != nil {
				logger.Warn("reading occurrence count failed, assuming zero",
					"rule_id", rule.ID, "key", u.Key, "error", err)
				count = 0
			}
			if count >= limit.MaxCount {
				logger.Debug("occurrence limit reached", "rule_id", rule.ID, "count", count, "max", limit.MaxCount)
				continue
			}
			unsaved = &u
		}

		out := e.resolve(snap, rule)
		out.UnsavedOccurrence = unsaved
		return out
	}

	return Outcome{Kind: OutcomeNoAudienceMatch}
}

func (e *Evaluator) resolve(snap *remoteconfig.Snapshot, rule remoteconfig.Rule) Outcome {
	out := Outcome{RuleID: rule.ID}

	variant, confirmable, err := e.deps.Variants.Resolve(rule.ExperimentID)
	if err != nil {
		out.Kind = OutcomeError
		out.Err = fmt.Errorf("resolving variant for rule %s: %w", rule.ID, err)
		return out
	}

	ref := &ExperimentRef{ID: rule.ExperimentID, Variant: variant}
	if exp, ok := snap.Experiment(rule.ExperimentID); ok {
		ref.GroupID = exp.GroupID
	}
	out.Experiment = ref
	if confirmable {
		out.ConfirmableAssignment = &remoteconfig.Assignment{ExperimentID: rule.ExperimentID, VariantID: variant.ID}
	}

	switch {
	case variant.Kind == remoteconfig.VariantHoldout:
		out.Kind = OutcomeHoldout
	case variant.PaywallID == "":
		out.Kind = OutcomeError
		out.Err = fmt.Errorf("variant %s of experiment %s has no paywall", variant.ID, rule.ExperimentID)
	default:
		out.Kind = OutcomePaywall
	}
	return out
}

// baseContext builds the expression environment shared by every rule:
// user, device and params maps plus the placement name.
func (e *Evaluator) baseContext(p Placement) expression.Value {
	user, err := e.deps.User.Attributes()
	if err != nil {
		e.deps.Logger.Warn("reading user attributes failed", "error", err)
		user = nil
	}
	return expression.Map(map[string]expression.Value{
		"user":      expression.Map(mapValues(user)),
		"device":    expression.Map(mapValues(e.deps.Device.DeviceAttributes())),
		"params":    expression.Map(mapValues(p.Params)),
		"placement": expression.String(p.Name),
	})
}

func mapValues(m map[string]any) map[string]expression.Value {
	out := make(map[string]expression.Value, len(m))
	for k, v := range m {
		out[k] = expression.FromAny(v)
	}
	return out
}

func (e *Evaluator) withComputedProperties(base expression.Value, reqs []remoteconfig.ComputedPropertyRequest, now time.Time) expression.Value {
	device, _ := base.Get("device")
	for _, req := range reqs {
		v, ok, err := e.computedProperty(req, now)
		if err != nil {
			e.deps.Logger.Warn("computing property failed", "property", req.Name(), "error", err)
			continue
		}
		if ok {
			device = device.With(req.Name(), v)
		}
	}
	return base.With("device", device)
}

func (e *Evaluator) computedProperty(req remoteconfig.ComputedPropertyRequest, now time.Time) (expression.Value, bool, error) {
	switch req.Type {
	case remoteconfig.MinutesSince, remoteconfig.HoursSince, remoteconfig.DaysSince, remoteconfig.MonthsSince:
		last, err := e.deps.History.LastPlacement(req.PlacementName)
		if errors.Is(err, storage.ErrNotFound) {
			return expression.Value{}, false, nil
		}
		if err != nil {
			return expression.Value{}, false, err
		}
		elapsed := now.Sub(last)
		if elapsed < 0 {
			elapsed = 0
		}
		hours := int64(elapsed / time.Hour)
		switch req.Type {
		case remoteconfig.MinutesSince:
			return expression.Int(int64(elapsed / time.Minute)), true, nil
		case remoteconfig.HoursSince:
			return expression.Int(hours), true, nil
		case remoteconfig.DaysSince:
			return expression.Int(hours / 24), true, nil
		default:
			return expression.Int(hours / 24 / 30), true, nil
		}
	case remoteconfig.PlacementsInHour:
		return e.countSince(req.PlacementName, now.Add(-time.Hour))
	case remoteconfig.PlacementsInDay:
		return e.countSince(req.PlacementName, now.Add(-24*time.Hour))
	case remoteconfig.PlacementsInWeek:
		return e.countSince(req.PlacementName, now.Add(-7*24*time.Hour))
	case remoteconfig.PlacementsInMonth:
		return e.countSince(req.PlacementName, now.Add(-30*24*time.Hour))
	case remoteconfig.PlacementsSinceInstall:
		var since time.Time
		if e.deps.Install != nil {
			since = e.deps.Install.InstallTime()
		}
		return e.countSince(req.PlacementName, since)
	default:
		return expression.Value{}, false, fmt.Errorf("unknown computed property type %q", req.Type)
	}
}

func (e *Evaluator) countSince(name string, since time.Time) (expression.Value, bool, error) {
	n, err := e.deps.History.CountPlacements(name, since)
	if err != nil {
		return expression.Value{}, false, err
	}
	return expression.Int(int64(n)), true, nil
}
