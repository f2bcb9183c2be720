// Package imports loads admin-maintained reference data: the symbols.txt
// watchlist and the classification, sector proxy and alias CSV files.
package imports

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/models"
	"github.com/bobmcallan/marketcore/internal/symbols"
)

// SymbolEntry is one symbol line of symbols.txt with the hints its section
// header implies.
type SymbolEntry struct {
	Line    int
	Section string
	Market  string
	Type    string
	Symbol  string
	Name    string
}

// sectionTypes maps header words to asset types.
var sectionTypes = map[string]string{
	"INDEX":   models.TypeIndex,
	"INDICES": models.TypeIndex,
	"INDEXES": models.TypeIndex,
	"STOCK":   models.TypeStock,
	"STOCKS":  models.TypeStock,
	"EQUITY":  models.TypeStock,
	"ETF":     models.TypeETF,
	"ETFS":    models.TypeETF,
	"FUND":    models.TypeETF,
	"FUNDS":   models.TypeETF,
	"CRYPTO":  models.TypeCrypto,
	"TRUST":   models.TypeTrust,
	"TRUSTS":  models.TypeTrust,
	"REITS":   models.TypeTrust,
}

// ParseSymbolsFile reads symbols.txt. A "# <MARKET> <Kind>" line starts a
// section; other "#" lines are comments. A symbol line is the symbol followed
// by an optional display name, separated by a comma, tab or spaces.
func ParseSymbolsFile(r io.Reader) ([]SymbolEntry, error) {
	var (
		out     []SymbolEntry
		section string
		market  string
		typ     string
	)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "#") {
			if m, t, ok := parseHeader(text); ok {
				section, market, typ = strings.TrimSpace(strings.TrimLeft(text, "#")), m, t
			}
			continue
		}

		sym, name := splitSymbolLine(text)
		out = append(out, SymbolEntry{
			Line: line, Section: section, Market: market, Type: typ, Symbol: sym, Name: name,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// parseHeader recognises "# CN Indices", "# US Stocks", "## HK ETFs".
func parseHeader(text string) (string, string, bool) {
	fields := strings.Fields(strings.ToUpper(strings.TrimLeft(text, "# ")))
	if len(fields) == 0 || !models.IsMarket(fields[0]) {
		return "", "", false
	}
	typ := ""
	for _, f := range fields[1:] {
		if t, ok := sectionTypes[f]; ok {
			typ = t
			break
		}
	}
	return fields[0], typ, true
}

func splitSymbolLine(text string) (string, string) {
	if i := strings.IndexAny(text, ",\t"); i >= 0 {
		return strings.TrimSpace(text[:i]), strings.TrimSpace(text[i+1:])
	}
	fields := strings.Fields(text)
	if len(fields) == 1 {
		return fields[0], ""
	}
	return fields[0], strings.TrimSpace(strings.TrimPrefix(text, fields[0]))
}

// Resolver is the canonicalisation step applied to each entry.
type Resolver interface {
	Resolve(ctx context.Context, raw string, hints symbols.Hints) (string, error)
}

// SymbolsResult summarises an ImportSymbols run.
type SymbolsResult struct {
	Assets   []models.Asset
	Saved    int
	Rejected int
}

// ImportSymbols resolves every entry and writes the asset and watchlist
// rows. Entries that fail to resolve are reported together and skipped; the
// rest are still imported.
func ImportSymbols(ctx context.Context, entries []SymbolEntry, resolver Resolver, storage interfaces.StorageManager, mode interfaces.ConflictMode, now time.Time) (*SymbolsResult, error) {
	res := &SymbolsResult{}
	var errs error
	var watch []models.WatchlistEntry
	seen := map[string]bool{}
	for _, e := range entries {
		id, err := resolver.Resolve(ctx, e.Symbol, symbols.Hints{Market: e.Market, Type: e.Type})
		if err != nil {
			res.Rejected++
			errs = multierr.Append(errs, common.NewInputError("symbols.txt", e.Symbol, "line %d: %v", e.Line, err))
			continue
		}
		parsed, err := symbols.ParseAssetID(id)
		if err != nil {
			res.Rejected++
			errs = multierr.Append(errs, common.NewInputError("symbols.txt", e.Symbol, "line %d: resolved to %q", e.Line, id))
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		name := e.Name
		if name == "" {
			name = parsed.Code
		}
		res.Assets = append(res.Assets, models.Asset{
			AssetID:   id,
			Name:      name,
			Market:    parsed.Market,
			AssetType: parsed.Type,
			Currency:  models.DefaultCurrency(parsed.Market),
		})
		watch = append(watch, models.WatchlistEntry{
			AssetID: id, Market: parsed.Market, DisplayName: name, Section: e.Section, AddedAt: now,
		})
	}

	if len(res.Assets) > 0 {
		n, err := storage.AssetStorage().SaveAssets(ctx, res.Assets, mode)
		if err != nil {
			return res, multierr.Append(errs, err)
		}
		res.Saved = n
		if err := storage.WatchlistStorage().Add(ctx, watch); err != nil {
			return res, multierr.Append(errs, err)
		}
	}
	return res, errs
}
