package products

import (
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// FormatPrice renders amount in code's currency using the conventions of tag.
// Unknown currency codes fall back to a plain number followed by the code.
func FormatPrice(amount float64, code string, tag language.Tag) string {
	p := message.NewPrinter(tag)
	unit, err := currency.ParseISO(code)
	if err != nil {
		return p.Sprintf("%.2f %s", amount, code)
	}
	return p.Sprint(currency.Symbol(unit.Amount(amount)))
}

// TemplateVariables derives the variables a paywall renders from the
// products bound to its slots. Each slot contributes a map of price, period
// and trial variables; isTrialAvailable is true when any slot's product has
// a trial the user has not consumed.
func TemplateVariables(slots map[string]Product, tag language.Tag) map[string]any {
	vars := make(map[string]any, len(slots)+1)
	trial := false
	for name, p := range slots {
		price := FormatPrice(p.Price, p.CurrencyCode, tag)
		periodPrice := price
		if p.Period != "" {
			periodPrice = price + "/" + p.Period
		}
		vars[name] = map[string]any{
			"id":              p.ID,
			"price":           price,
			"periodPrice":     periodPrice,
			"currencyCode":    p.CurrencyCode,
			"period":          p.Period,
			"trialPeriodDays": p.TrialPeriodDays,
		}
		if p.HasTrial() && !p.TrialConsumed {
			trial = true
		}
	}
	vars["isTrialAvailable"] = trial
	return vars
}

// IsTrialAvailable reports whether any product offers an unused trial.
func IsTrialAvailable(products map[string]Product) bool {
	for _, p := range products {
		if p.HasTrial() && !p.TrialConsumed {
			return true
		}
	}
	return false
}
