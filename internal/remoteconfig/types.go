// Package remoteconfig holds the placement configuration served by the remote
// service: triggers with their ordered audience rules, experiments and their
// variants, and optional static paywall definitions.
package remoteconfig

import (
	"encoding/json"
	"time"
)

// Config is one complete remote configuration. A new Config replaces the
// previous one wholesale.
type Config struct {
	BuildID            string              `json:"buildId"`
	AssignmentsVersion int                 `json:"assignmentsVersion,omitempty"`
	Triggers           []Trigger           `json:"triggers"`
	Experiments        []Experiment        `json:"experiments"`
	StaticPaywalls     []PaywallDefinition `json:"staticPaywalls,omitempty"`
}

// Trigger maps a placement name to its ordered audience rules.
type Trigger struct {
	PlacementName string `json:"placementName"`
	Rules         []Rule `json:"rules"`
}

// Rule is one audience filter. The first rule whose expression holds and
// whose occurrence limit is not exhausted wins.
type Rule struct {
	ID                 string                    `json:"id"`
	ExperimentID       string                    `json:"experimentId"`
	Expression         string                    `json:"expression,omitempty"`
	Occurrence         *OccurrenceLimit          `json:"occurrence,omitempty"`
	ComputedProperties []ComputedPropertyRequest `json:"computedProperties,omitempty"`
}

// OccurrenceLimit caps how often a rule may fire within a window.
// A zero WindowMinutes means the window is unbounded.
type OccurrenceLimit struct {
	Key           string `json:"key,omitempty"`
	MaxCount      int    `json:"maxCount"`
	WindowMinutes int    `json:"windowMinutes,omitempty"`
}

// Window returns the limit's window, or zero when unbounded.
func (o OccurrenceLimit) Window() time.Duration {
	return time.Duration(o.WindowMinutes) * time.Minute
}

// Unbounded reports whether the limit counts the whole history.
func (o OccurrenceLimit) Unbounded() bool {
	return o.WindowMinutes <= 0
}

// ComputedPropertyType names a property derived from placement history.
type ComputedPropertyType string

const (
	MinutesSince           ComputedPropertyType = "minutesSince"
	HoursSince             ComputedPropertyType = "hoursSince"
	DaysSince              ComputedPropertyType = "daysSince"
	MonthsSince            ComputedPropertyType = "monthsSince"
	PlacementsInHour       ComputedPropertyType = "placementsInHour"
	PlacementsInDay        ComputedPropertyType = "placementsInDay"
	PlacementsInWeek       ComputedPropertyType = "placementsInWeek"
	PlacementsInMonth      ComputedPropertyType = "placementsInMonth"
	PlacementsSinceInstall ComputedPropertyType = "placementsSinceInstall"
)

// ComputedPropertyRequest asks for a property about a placement's history,
// exposed to expressions as device.<type>_<placementName>.
type ComputedPropertyRequest struct {
	Type          ComputedPropertyType `json:"type"`
	PlacementName string               `json:"placementName"`
}

// Name is the attribute name the property is published under.
func (r ComputedPropertyRequest) Name() string {
	return string(r.Type) + "_" + r.PlacementName
}

// Experiment is an A/B unit with weighted variants.
type Experiment struct {
	ID       string    `json:"id"`
	GroupID  string    `json:"groupId"`
	Variants []Variant `json:"variants"`
}

// Variant returns the variant with the given id.
func (e Experiment) Variant(id string) (Variant, bool) {
	for _, v := range e.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// VariantKind distinguishes the control group from treatments.
type VariantKind string

const (
	VariantHoldout   VariantKind = "HOLDOUT"
	VariantTreatment VariantKind = "TREATMENT"
)

// Variant is one possible outcome of an experiment.
type Variant struct {
	ID        string      `json:"id"`
	Kind      VariantKind `json:"type"`
	PaywallID string      `json:"paywallId,omitempty"`
	Weight    int         `json:"percentage"`
}

// Assignment pins an experiment to one of its variants.
type Assignment struct {
	ExperimentID string `json:"experimentId"`
	VariantID    string `json:"variantId"`
}

// PaywallDefinition is the raw definition of a paywall as served by the
// remote service or embedded in the config for offline use.
type PaywallDefinition struct {
	ID         string          `json:"id"`
	Identifier string          `json:"identifier,omitempty"`
	Name       string          `json:"name"`
	URL        string          `json:"url"`
	Products   []ProductSlot   `json:"products"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// ProductSlot binds a named position on a paywall (e.g. "primary") to a
// product identifier.
type ProductSlot struct {
	Name      string `json:"name"`
	ProductID string `json:"productId"`
}
