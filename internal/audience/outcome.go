package audience

import (
	"time"

	"github.com/kalambet/paygate/internal/remoteconfig"
)

// OutcomeKind is the result class of evaluating a placement.
type OutcomeKind int

const (
	OutcomePlacementNotFound OutcomeKind = iota
	OutcomeNoAudienceMatch
	OutcomeHoldout
	OutcomePaywall
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomePlacementNotFound:
		return "placement_not_found"
	case OutcomeNoAudienceMatch:
		return "no_audience_match"
	case OutcomeHoldout:
		return "holdout"
	case OutcomePaywall:
		return "paywall"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Placement is one registration of a named placement by the host app.
type Placement struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// ExperimentRef identifies the experiment and variant an outcome came from.
type ExperimentRef struct {
	ID      string               `json:"id"`
	GroupID string               `json:"groupId"`
	Variant remoteconfig.Variant `json:"variant"`
}

// UnsavedOccurrence is the occurrence a matched rule will consume once the
// caller accepts the match. A zero Window counts the whole history.
type UnsavedOccurrence struct {
	Key      string        `json:"key"`
	MaxCount int           `json:"maxCount"`
	Window   time.Duration `json:"window"`
}

// Since returns the start of the occurrence window relative to now, or the
// zero time when unbounded.
func (u UnsavedOccurrence) Since(now time.Time) time.Time {
	if u.Window <= 0 {
		return time.Time{}
	}
	return now.Add(-u.Window)
}

// Outcome is the result of evaluating a placement against its trigger.
type Outcome struct {
	Kind       OutcomeKind    `json:"kind"`
	Experiment *ExperimentRef `json:"experiment,omitempty"`
	RuleID     string         `json:"ruleId,omitempty"`

	// ConfirmableAssignment is set when the variant came from the unconfirmed
	// map and should be confirmed once the outcome is acted on.
	ConfirmableAssignment *remoteconfig.Assignment `json:"confirmableAssignment,omitempty"`
	UnsavedOccurrence     *UnsavedOccurrence       `json:"unsavedOccurrence,omitempty"`

	Err error `json:"-"`
}

// PaywallID returns the paywall a Paywall outcome should present.
func (o Outcome) PaywallID() string {
	if o.Kind != OutcomePaywall || o.Experiment == nil {
		return ""
	}
	return o.Experiment.Variant.PaywallID
}
