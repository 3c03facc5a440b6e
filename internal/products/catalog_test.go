package products

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/text/language"

	"github.com/kalambet/paygate/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedCatalog(t *testing.T) *Catalog {
	t.Helper()
	c := NewCatalog(openTestStore(t))
	err := c.Register([]Product{
		{ID: "pro_monthly", Price: 9.99, CurrencyCode: "usd", Period: "month", TrialPeriodDays: 7},
		{ID: "pro_yearly", Price: 59.99, CurrencyCode: "USD", Period: "year"},
		{ID: "pro_monthly_promo", Price: 4.99, CurrencyCode: "USD", Period: "month"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return c
}

func TestResolve(t *testing.T) {
	c := seedCatalog(t)
	got, err := c.Resolve(context.Background(), []string{"pro_monthly", "pro_yearly"}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got["pro_monthly"].Price != 9.99 {
		t.Errorf("pro_monthly price = %v, want 9.99", got["pro_monthly"].Price)
	}
	if got["pro_monthly"].CurrencyCode != "USD" {
		t.Errorf("currency = %q, want upper-cased USD", got["pro_monthly"].CurrencyCode)
	}
	if got["pro_yearly"].Period != "year" {
		t.Errorf("pro_yearly period = %q", got["pro_yearly"].Period)
	}
}

func TestResolve_Substitution(t *testing.T) {
	c := seedCatalog(t)
	got, err := c.Resolve(context.Background(), []string{"pro_monthly"}, map[string]string{"pro_monthly": "pro_monthly_promo"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	p, ok := got["pro_monthly"]
	if !ok {
		t.Fatal("result should stay keyed by the requested id")
	}
	if p.ID != "pro_monthly_promo" || p.Price != 4.99 {
		t.Errorf("substituted product = %+v", p)
	}
}

func TestResolve_UnknownProduct(t *testing.T) {
	c := seedCatalog(t)
	_, err := c.Resolve(context.Background(), []string{"pro_monthly", "ghost"}, nil)
	if !errors.Is(err, ErrUnknownProduct) {
		t.Errorf("error = %v, want ErrUnknownProduct", err)
	}
}

func TestRegister_Validation(t *testing.T) {
	c := NewCatalog(openTestStore(t))
	bad := []Product{
		{ID: "", Price: 1, CurrencyCode: "USD"},
		{ID: "neg", Price: -1, CurrencyCode: "USD"},
		{ID: "cur", Price: 1, CurrencyCode: "XXXX"},
		{ID: "per", Price: 1, CurrencyCode: "USD", Period: "fortnight"},
	}
	for _, p := range bad {
		if err := c.Register([]Product{p}); err == nil {
			t.Errorf("Register(%+v) should fail", p)
		}
	}
}

func TestTemplateVariables(t *testing.T) {
	c := seedCatalog(t)
	resolved, err := c.Resolve(context.Background(), []string{"pro_monthly", "pro_yearly"}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	vars := TemplateVariables(map[string]Product{
		"primary":   resolved["pro_monthly"],
		"secondary": resolved["pro_yearly"],
	}, language.AmericanEnglish)

	if vars["isTrialAvailable"] != true {
		t.Error("isTrialAvailable should be true with an unused 7-day trial")
	}
	primary, ok := vars["primary"].(map[string]any)
	if !ok {
		t.Fatalf("primary = %T, want map", vars["primary"])
	}
	if price, _ := primary["price"].(string); !strings.Contains(price, "9.99") {
		t.Errorf("price = %q, want it to contain 9.99", price)
	}
	if pp, _ := primary["periodPrice"].(string); !strings.HasSuffix(pp, "/month") {
		t.Errorf("periodPrice = %q, want /month suffix", pp)
	}
	if primary["trialPeriodDays"] != 7 {
		t.Errorf("trialPeriodDays = %v, want 7", primary["trialPeriodDays"])
	}
}

func TestIsTrialAvailable_ConsumedTrial(t *testing.T) {
	products := map[string]Product{
		"a": {ID: "a", TrialPeriodDays: 7, TrialConsumed: true},
		"b": {ID: "b"},
	}
	if IsTrialAvailable(products) {
		t.Error("consumed trial should not be available")
	}
	products["c"] = Product{ID: "c", TrialPeriodDays: 3}
	if !IsTrialAvailable(products) {
		t.Error("unused trial should be available")
	}
}

func TestFormatPrice_UnknownCurrency(t *testing.T) {
	got := FormatPrice(3, "ZZZ", language.English)
	if !strings.Contains(got, "ZZZ") {
		t.Errorf("FormatPrice = %q, want code fallback", got)
	}
}
