package etl

import (
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/bobmcallan/marketcore/internal/common"
)

// FXTable is the static conversion table from provider config. Rates are
// keyed "FROM/TO" and the inverse pair is derived when only one direction is
// configured.
type FXTable struct {
	AsOf  string
	rates map[string]decimal.Decimal
}

// NewFXTable validates the configured pairs against ISO 4217.
func NewFXTable(cfg common.FXConfig) (*FXTable, error) {
	t := &FXTable{AsOf: cfg.AsOf, rates: make(map[string]decimal.Decimal, len(cfg.Rates))}
	for pair, rate := range cfg.Rates {
		from, to, err := splitPair(pair)
		if err != nil {
			return nil, err
		}
		if rate <= 0 {
			return nil, fmt.Errorf("fx rate %s must be positive", pair)
		}
		t.rates[from+"/"+to] = decimal.NewFromFloat(rate)
	}
	return t, nil
}

func splitPair(pair string) (string, string, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(pair)), "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("fx pair %q must be FROM/TO", pair)
	}
	for _, code := range parts {
		if !ValidCurrency(code) {
			return "", "", fmt.Errorf("fx pair %q: unknown currency %q", pair, code)
		}
	}
	return parts[0], parts[1], nil
}

// ValidCurrency reports whether code is an ISO 4217 currency.
func ValidCurrency(code string) bool {
	return code != "" && money.GetCurrency(strings.ToUpper(code)) != nil
}

// Rate returns the multiplier converting one unit of from into to.
func (t *FXTable) Rate(from, to string) (decimal.Decimal, bool) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return decimal.NewFromInt(1), true
	}
	if t == nil {
		return decimal.Zero, false
	}
	if r, ok := t.rates[from+"/"+to]; ok {
		return r, true
	}
	if r, ok := t.rates[to+"/"+from]; ok && !r.IsZero() {
		return decimal.NewFromInt(1).DivRound(r, 10), true
	}
	return decimal.Zero, false
}

// Convert changes amount from one currency to another.
func (t *FXTable) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, bool) {
	r, ok := t.Rate(from, to)
	if !ok {
		return decimal.Zero, false
	}
	return amount.Mul(r), true
}

// PE divides price by EPS already expressed in the trading currency and per
// traded share, rounded to two places. Non-positive EPS has no PE.
func PE(price float64, eps decimal.Decimal) (decimal.Decimal, bool) {
	if !eps.IsPositive() || price <= 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(price).Div(eps).Round(2), true
}

// TradingEPS converts a fiscal EPS into the trading currency and divides by
// the ADR ratio when one is configured.
func (t *FXTable) TradingEPS(eps decimal.Decimal, fiscalCcy, tradingCcy string, adrRatio float64) (decimal.Decimal, bool) {
	converted, ok := t.Convert(eps, fiscalCcy, tradingCcy)
	if !ok {
		return decimal.Zero, false
	}
	if adrRatio > 0 {
		converted = converted.Div(decimal.NewFromFloat(adrRatio))
	}
	return converted, true
}
