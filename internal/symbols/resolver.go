package symbols

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/models"
)

// AliasLookup is the storage the resolver consults. A nil lookup skips the
// alias and asset-table rules.
type AliasLookup interface {
	LookupAlias(ctx context.Context, symbol string) ([]models.SymbolAlias, error)
	AssetExists(ctx context.Context, assetID string) (bool, error)
}

// Hints narrows resolution of ambiguous input.
type Hints struct {
	Market string
	Type   string
}

func (h Hints) normalized() Hints {
	return Hints{Market: strings.ToUpper(strings.TrimSpace(h.Market)), Type: strings.ToUpper(strings.TrimSpace(h.Type))}
}

// Resolver turns user input into canonical ids.
type Resolver struct {
	store  AliasLookup
	strict bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStrict makes unresolvable or tied input an error instead of passing
// the input through verbatim.
func WithStrict(strict bool) Option {
	return func(r *Resolver) { r.strict = strict }
}

// NewResolver creates a resolver backed by the alias and asset tables.
func NewResolver(store AliasLookup, opts ...Option) *Resolver {
	r := &Resolver{store: store}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	secidPattern  = regexp.MustCompile(`^(\d{1,3})\.([A-Z0-9.\-]+)$`)
	cryptoPattern = regexp.MustCompile(`^[A-Z0-9]{2,10}-(USD|USDT|USDC|BTC|ETH)$`)
)

// Resolve maps raw input to a canonical id. The first rule that fires wins:
// canonical input, explicit hints, the alias table, suffix heuristics, the
// asset table, then a retry without a leading caret.
func (r *Resolver) Resolve(ctx context.Context, raw string, hints Hints) (string, error) {
	in := strings.ToUpper(strings.TrimSpace(raw))
	if in == "" {
		return "", &common.InputError{Op: "resolve", Input: raw, Reason: ErrUnknown}
	}
	hints = hints.normalized()

	if id, err := ParseAssetID(in); err == nil {
		return id.String(), nil
	}

	if models.IsMarket(hints.Market) && models.IsAssetType(hints.Type) {
		if canonical, ok := reverseIndex[in]; ok && MarketOf(canonical) == hints.Market {
			return canonical, nil
		}
		code := NormalizeCode(hints.Market, in)
		if code != "" {
			return AssetID{Market: hints.Market, Type: hints.Type, Code: code}.String(), nil
		}
	}

	return r.resolveFrom(ctx, raw, in, hints, true)
}

func (r *Resolver) resolveFrom(ctx context.Context, raw, in string, hints Hints, allowCaretRetry bool) (string, error) {
	if id, ok, err := r.fromAliases(ctx, raw, in, hints); err != nil || ok {
		return id, err
	}

	if id, ok := inferFromSuffix(in, hints); ok {
		return id, nil
	}

	if r.store != nil {
		exists, err := r.store.AssetExists(ctx, in)
		if err != nil {
			return "", fmt.Errorf("asset lookup %q: %w", in, err)
		}
		if exists {
			return in, nil
		}
	}

	if allowCaretRetry && strings.HasPrefix(in, "^") {
		return r.resolveFrom(ctx, raw, strings.TrimPrefix(in, "^"), hints, false)
	}

	if r.strict {
		return "", &common.InputError{Op: "resolve", Input: raw, Reason: ErrUnknown}
	}
	return strings.TrimSpace(raw), nil
}

// fromAliases applies the alias-table rule.
func (r *Resolver) fromAliases(ctx context.Context, raw, in string, hints Hints) (string, bool, error) {
	if r.store == nil {
		return "", false, nil
	}
	rows, err := r.store.LookupAlias(ctx, in)
	if err != nil {
		return "", false, fmt.Errorf("alias lookup %q: %w", in, err)
	}

	var active []models.SymbolAlias
	for _, row := range rows {
		if row.IsActive {
			active = append(active, row)
		}
	}
	switch len(active) {
	case 0:
		return "", false, nil
	case 1:
		return active[0].CanonicalID, true, nil
	}

	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority < active[j].Priority
		}
		return active[i].CanonicalID < active[j].CanonicalID
	})

	if hints.Type != "" {
		needle := ":" + hints.Type + ":"
		for _, row := range active {
			if strings.Contains(row.CanonicalID, needle) &&
				(hints.Market == "" || strings.HasPrefix(row.CanonicalID, hints.Market+":")) {
				return row.CanonicalID, true, nil
			}
		}
	}

	if r.strict && hints.Type == "" && active[0].Priority == active[1].Priority {
		return "", false, &common.InputError{
			Op:     "resolve",
			Input:  raw,
			Reason: fmt.Errorf("%w: %s and %s share priority %d", ErrAmbiguous, active[0].CanonicalID, active[1].CanonicalID, active[0].Priority),
		}
	}
	return active[0].CanonicalID, true, nil
}

// typeOr returns the hinted type when valid, else def.
func typeOr(hints Hints, def string) string {
	if models.IsAssetType(hints.Type) {
		return hints.Type
	}
	return def
}

// inferFromSuffix applies the heuristic rules, including the provider forms
// produced by Render so that rendered symbols resolve back.
func inferFromSuffix(in string, hints Hints) (string, bool) {
	if canonical, ok := reverseIndex[in]; ok {
		return canonical, true
	}

	if m := secidPattern.FindStringSubmatch(in); m != nil {
		if id, ok := fromSecid(m[1], m[2], hints); ok {
			return id, true
		}
	}

	switch {
	case strings.HasSuffix(in, ".HK"):
		code := NormalizeCode(models.MarketHK, in)
		if isDigits(code) {
			return AssetID{models.MarketHK, typeOr(hints, models.TypeStock), code}.String(), true
		}
	case hasAnySuffix(in, cnSuffixes):
		code := NormalizeCode(models.MarketCN, in)
		if isDigits(code) && len(code) == 6 {
			return AssetID{models.MarketCN, typeOr(hints, classifyCN(code)), code}.String(), true
		}
	case strings.HasSuffix(in, ".US"):
		code := NormalizeCode(models.MarketUS, in)
		if code != "" {
			return AssetID{models.MarketUS, typeOr(hints, models.TypeStock), code}.String(), true
		}
	case strings.HasSuffix(in, ".CC"):
		code := strings.TrimSuffix(in, ".CC")
		if cryptoPattern.MatchString(code) {
			return AssetID{models.MarketWorld, models.TypeCrypto, code}.String(), true
		}
	}

	switch {
	case cryptoPattern.MatchString(in):
		return AssetID{models.MarketWorld, models.TypeCrypto, in}.String(), true
	case isAlpha(in) && len(in) <= 5:
		return AssetID{models.MarketUS, typeOr(hints, models.TypeStock), in}.String(), true
	case isDigits(in) && len(in) == 6:
		return AssetID{models.MarketCN, typeOr(hints, classifyCN(in)), in}.String(), true
	case isDigits(in) && len(in) <= 5:
		return AssetID{models.MarketHK, typeOr(hints, models.TypeStock), NormalizeCode(models.MarketHK, in)}.String(), true
	}
	return "", false
}

// fromSecid decodes eastmoney "market.code" identifiers.
func fromSecid(prefix, code string, hints Hints) (string, bool) {
	switch prefix {
	case "0", "1":
		if isDigits(code) && len(code) == 6 {
			return AssetID{models.MarketCN, typeOr(hints, classifyCN(code)), code}.String(), true
		}
	case "116":
		if isDigits(code) {
			return AssetID{models.MarketHK, typeOr(hints, models.TypeStock), NormalizeCode(models.MarketHK, code)}.String(), true
		}
	case "105", "106", "107":
		return AssetID{models.MarketUS, typeOr(hints, models.TypeStock), code}.String(), true
	}
	return "", false
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}
