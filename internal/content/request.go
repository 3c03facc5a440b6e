// Package content loads paywalls for placement outcomes: the raw definition,
// its resolved products and the template variables derived from them.
// Identical concurrent requests share one load and successful loads are
// cached by request key.
package content

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/language"

	"github.com/kalambet/paygate/internal/audience"
	"github.com/kalambet/paygate/internal/products"
	"github.com/kalambet/paygate/internal/remoteconfig"
)

// Request asks for the content of one paywall.
type Request struct {
	PaywallID     string
	PlacementName string
	Locale        string

	// Substitutions replace the product bound to a named slot.
	Substitutions map[string]string

	// Experiment is stamped onto the returned paywall. It is not part of the
	// cache key, so one cached paywall can serve several experiments.
	Experiment *audience.ExperimentRef

	// Debug requests bypass the cache entirely.
	Debug bool
}

// Key hashes the fields that determine the loaded content. Every field is
// length-prefixed, so separators inside ids cannot make two requests collide.
func (r Request) Key() string {
	h := xxhash.New()
	writeField(h, r.PaywallID)
	writeField(h, canonicalLocale(r.Locale))
	for _, slot := range slices.Sorted(maps.Keys(r.Substitutions)) {
		writeField(h, slot)
		writeField(h, r.Substitutions[slot])
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func writeField(h *xxhash.Digest, s string) {
	h.WriteString(strconv.Itoa(len(s)))
	h.WriteString(":")
	h.WriteString(s)
}

func canonicalLocale(locale string) string {
	if locale == "" {
		return ""
	}
	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return strings.ToLower(locale)
	}
	return tag.String()
}

// Timings records when each load stage started and finished.
type Timings struct {
	DefinitionStart time.Time `json:"definitionStart"`
	DefinitionEnd   time.Time `json:"definitionEnd"`
	ProductsStart   time.Time `json:"productsStart"`
	ProductsEnd     time.Time `json:"productsEnd"`
}

// Paywall is loaded paywall content ready for presentation.
type Paywall struct {
	Definition           remoteconfig.PaywallDefinition `json:"definition"`
	Products             map[string]products.Product    `json:"products"`
	TemplateVariables    map[string]any                 `json:"templateVariables"`
	IsFreeTrialAvailable bool                           `json:"isFreeTrialAvailable"`
	Locale               string                         `json:"locale,omitempty"`
	Experiment           *audience.ExperimentRef        `json:"experiment,omitempty"`
	Timings              Timings                        `json:"timings"`
}

// stamped returns a copy of p carrying exp. Cached entries are never handed
// out directly.
func (p *Paywall) stamped(exp *audience.ExperimentRef) *Paywall {
	out := *p
	out.Definition.Products = slices.Clone(p.Definition.Products)
	out.Products = maps.Clone(p.Products)
	out.TemplateVariables = maps.Clone(p.TemplateVariables)
	if exp != nil {
		e := *exp
		out.Experiment = &e
	} else {
		out.Experiment = nil
	}
	return &out
}

// FetchErrorKind classifies a failed load.
type FetchErrorKind string

const (
	ContentNotFound    FetchErrorKind = "not_found"
	ContentFetchFailed FetchErrorKind = "fetch_failed"
)

// ErrNotFound matches a *FetchError of kind ContentNotFound via errors.Is.
var ErrNotFound = errors.New("paywall not found")

// FetchError is returned when paywall content could not be loaded. Failed
// loads are never cached.
type FetchError struct {
	Kind      FetchErrorKind
	PaywallID string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("loading paywall %s (%s): %v", e.PaywallID, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool {
	return target == ErrNotFound && e.Kind == ContentNotFound
}
