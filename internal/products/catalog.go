// Package products resolves the store products a paywall references and
// derives the template variables paywalls render prices with.
package products

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/currency"

	"github.com/kalambet/paygate/internal/storage"
)

// ErrUnknownProduct is returned when a referenced product was never registered.
var ErrUnknownProduct = errors.New("unknown product")

var validPeriods = map[string]bool{"": true, "day": true, "week": true, "month": true, "year": true}

// Product is a store product as registered by the host app.
type Product struct {
	ID              string  `json:"id" yaml:"id"`
	Price           float64 `json:"price" yaml:"price"`
	CurrencyCode    string  `json:"currencyCode" yaml:"currencyCode"`
	Period          string  `json:"period,omitempty" yaml:"period,omitempty"`
	TrialPeriodDays int     `json:"trialPeriodDays,omitempty" yaml:"trialPeriodDays,omitempty"`
	TrialConsumed   bool    `json:"trialConsumed,omitempty" yaml:"trialConsumed,omitempty"`
}

// Validate checks the product can be stored and formatted.
func (p Product) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("product id is required")
	}
	if p.Price < 0 {
		return fmt.Errorf("product %s: price must not be negative", p.ID)
	}
	if _, err := currency.ParseISO(p.CurrencyCode); err != nil {
		return fmt.Errorf("product %s: invalid currency code %q", p.ID, p.CurrencyCode)
	}
	if !validPeriods[p.Period] {
		return fmt.Errorf("product %s: invalid period %q", p.ID, p.Period)
	}
	if p.TrialPeriodDays < 0 {
		return fmt.Errorf("product %s: trial period must not be negative", p.ID)
	}
	return nil
}

// HasTrial reports whether the product offers an introductory trial.
func (p Product) HasTrial() bool { return p.TrialPeriodDays > 0 }

func (p Product) toStored() storage.Product {
	return storage.Product{
		ID:              p.ID,
		PriceMicros:     int64(math.Round(p.Price * 1e6)),
		CurrencyCode:    strings.ToUpper(p.CurrencyCode),
		Period:          p.Period,
		TrialPeriodDays: p.TrialPeriodDays,
		TrialConsumed:   p.TrialConsumed,
	}
}

func fromStored(s storage.Product) Product {
	return Product{
		ID:              s.ID,
		Price:           float64(s.PriceMicros) / 1e6,
		CurrencyCode:    s.CurrencyCode,
		Period:          s.Period,
		TrialPeriodDays: s.TrialPeriodDays,
		TrialConsumed:   s.TrialConsumed,
	}
}

// Store persists products. Implemented by storage.Store.
type Store interface {
	SaveProducts(products []storage.Product) error
	GetProducts(ids []string) (map[string]storage.Product, error)
}

// Catalog looks up registered products.
type Catalog struct {
	store Store
}

// NewCatalog creates a Catalog backed by store.
func NewCatalog(store Store) *Catalog {
	return &Catalog{store: store}
}

// Register validates and upserts products.
func (c *Catalog) Register(products []Product) error {
	stored := make([]storage.Product, 0, len(products))
	for _, p := range products {
		if err := p.Validate(); err != nil {
			return err
		}
		stored = append(stored, p.toStored())
	}
	if err := c.store.SaveProducts(stored); err != nil {
		return fmt.Errorf("saving products: %w", err)
	}
	return nil
}

// Resolve returns the products for ids keyed by the requested id. When
// substitutions maps a requested id to another id, the substitute is looked
// up in its place. Every requested id must resolve.
func (c *Catalog) Resolve(ctx context.Context, ids []string, substitutions map[string]string) (map[string]Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lookup := make([]string, 0, len(ids))
	for _, id := range ids {
		if sub, ok := substitutions[id]; ok && sub != "" {
			id = sub
		}
		lookup = append(lookup, id)
	}

	found, err := c.store.GetProducts(lookup)
	if err != nil {
		return nil, fmt.Errorf("loading products: %w", err)
	}

	out := make(map[string]Product, len(ids))
	for i, id := range ids {
		p, ok := found[lookup[i]]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, lookup[i])
		}
		out[id] = fromStored(p)
	}
	return out, nil
}
