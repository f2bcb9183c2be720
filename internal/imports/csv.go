package imports

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/multierr"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/models"
	"github.com/bobmcallan/marketcore/internal/symbols"
)

// ParseConflictMode validates a conflict mode flag value.
func ParseConflictMode(s string) (interfaces.ConflictMode, error) {
	switch m := interfaces.ConflictMode(strings.ToLower(strings.TrimSpace(s))); m {
	case interfaces.ConflictUpsert, interfaces.ConflictIgnore, interfaces.ConflictFail:
		return m, nil
	case "":
		return interfaces.ConflictUpsert, nil
	default:
		return "", common.NewInputError("conflict mode", s, "must be upsert, ignore or fail")
	}
}

// record is one CSV row addressed by header name.
type record struct {
	file   string
	line   int
	values map[string]string
}

func (r record) get(col string) string { return r.values[col] }

func (r record) fail(col, format string, args ...any) error {
	return common.NewInputError(r.file, col, "line %d: "+format, append([]any{r.line}, args...)...)
}

func (r record) required(col string) (string, error) {
	v := r.get(col)
	if v == "" {
		return "", r.fail(col, "required value missing")
	}
	return v, nil
}

// boolOr parses an optional boolean cell.
func (r record) boolOr(col string, def bool) (bool, error) {
	v := r.get(col)
	if v == "" {
		return def, nil
	}
	b, err := cast.ToBoolE(strings.ToLower(v))
	if err != nil {
		return def, r.fail(col, "not a boolean: %q", v)
	}
	return b, nil
}

// intOr parses an optional integer cell.
func (r record) intOr(col string, def int) (int, error) {
	v := r.get(col)
	if v == "" {
		return def, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def, r.fail(col, "not an integer: %q", v)
	}
	return n, nil
}

// readCSV reads a header-addressed CSV, checking the required columns are
// present. Headers are matched case-insensitively.
func readCSV(file string, r io.Reader, required []string) ([]record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, common.NewInputError(file, "", "empty file")
	}
	if err != nil {
		return nil, common.NewInputError(file, "", "header: %v", err)
	}
	cols := make([]string, len(header))
	present := map[string]bool{}
	for i, h := range header {
		cols[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		present[cols[i]] = true
	}
	for _, c := range required {
		if !present[c] {
			return nil, common.NewInputError(file, c, "missing required column")
		}
	}

	var out []record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, common.NewInputError(file, "", "%v", err)
		}
		line, _ := cr.FieldPos(0)
		rec := record{file: file, line: line, values: make(map[string]string, len(cols))}
		for i, v := range row {
			if i < len(cols) {
				rec.values[cols[i]] = strings.TrimSpace(v)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// ReadClassifications parses asset_classification.csv.
func ReadClassifications(r io.Reader) ([]models.AssetClassification, error) {
	const file = "asset_classification.csv"
	recs, err := readCSV(file, r, []string{"asset_id", "scheme", "sector_code", "as_of_date"})
	if err != nil {
		return nil, err
	}
	out := make([]models.AssetClassification, 0, len(recs))
	var errs error
	for _, rec := range recs {
		row, err := classificationFrom(rec)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		out = append(out, row)
	}
	return out, errs
}

func classificationFrom(rec record) (models.AssetClassification, error) {
	var row models.AssetClassification
	assetID, err := rec.required("asset_id")
	if err != nil {
		return row, err
	}
	id, err := symbols.ParseAssetID(assetID)
	if err != nil {
		return row, rec.fail("asset_id", "%v", err)
	}
	scheme, err := rec.required("scheme")
	if err != nil {
		return row, err
	}
	sector, err := rec.required("sector_code")
	if err != nil {
		return row, err
	}
	asOf, err := rec.required("as_of_date")
	if err != nil {
		return row, err
	}
	if _, err := time.Parse(models.DateLayout, asOf); err != nil {
		return row, rec.fail("as_of_date", "not a YYYY-MM-DD date: %q", asOf)
	}
	active, err := rec.boolOr("is_active", true)
	if err != nil {
		return row, err
	}
	return models.AssetClassification{
		AssetID:      id.String(),
		Scheme:       scheme,
		AsOfDate:     asOf,
		SectorCode:   sector,
		SectorName:   rec.get("sector_name"),
		IndustryCode: rec.get("industry_code"),
		IndustryName: rec.get("industry_name"),
		IsActive:     active,
	}, nil
}

// ReadSectorProxies parses sector_proxy_map.csv.
func ReadSectorProxies(r io.Reader) ([]models.SectorProxy, error) {
	const file = "sector_proxy_map.csv"
	recs, err := readCSV(file, r, []string{"scheme", "sector_code", "proxy_etf_id"})
	if err != nil {
		return nil, err
	}
	out := make([]models.SectorProxy, 0, len(recs))
	var errs error
	for _, rec := range recs {
		row, err := sectorProxyFrom(rec)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		out = append(out, row)
	}
	return out, errs
}

func sectorProxyFrom(rec record) (models.SectorProxy, error) {
	var row models.SectorProxy
	scheme, err := rec.required("scheme")
	if err != nil {
		return row, err
	}
	sector, err := rec.required("sector_code")
	if err != nil {
		return row, err
	}
	etf, err := rec.required("proxy_etf_id")
	if err != nil {
		return row, err
	}
	etfID, err := symbols.ParseAssetID(etf)
	if err != nil {
		return row, rec.fail("proxy_etf_id", "%v", err)
	}
	index := rec.get("market_index_id")
	if index != "" {
		id, err := symbols.ParseAssetID(index)
		if err != nil {
			return row, rec.fail("market_index_id", "%v", err)
		}
		index = id.String()
	}
	priority, err := rec.intOr("priority", 0)
	if err != nil {
		return row, err
	}
	active, err := rec.boolOr("is_active", true)
	if err != nil {
		return row, err
	}
	return models.SectorProxy{
		Scheme:        scheme,
		SectorCode:    sector,
		ProxyETFID:    etfID.String(),
		SectorName:    rec.get("sector_name"),
		MarketIndexID: index,
		Priority:      priority,
		IsActive:      active,
		Note:          rec.get("note"),
	}, nil
}

// ReadSymbolMap parses symbol_map.csv into alias rows.
func ReadSymbolMap(r io.Reader) ([]models.SymbolAlias, error) {
	const file = "symbol_map.csv"
	recs, err := readCSV(file, r, []string{"canonical_id", "symbol"})
	if err != nil {
		return nil, err
	}
	out := make([]models.SymbolAlias, 0, len(recs))
	var errs error
	for _, rec := range recs {
		row, err := aliasFrom(rec)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		out = append(out, row)
	}
	return out, errs
}

func aliasFrom(rec record) (models.SymbolAlias, error) {
	var row models.SymbolAlias
	canonical, err := rec.required("canonical_id")
	if err != nil {
		return row, err
	}
	id, err := symbols.ParseAssetID(canonical)
	if err != nil {
		return row, rec.fail("canonical_id", "%v", err)
	}
	sym, err := rec.required("symbol")
	if err != nil {
		return row, err
	}
	priority, err := rec.intOr("priority", 100)
	if err != nil {
		return row, err
	}
	active, err := rec.boolOr("is_active", true)
	if err != nil {
		return row, err
	}
	return models.SymbolAlias{
		Symbol:      strings.ToUpper(sym),
		CanonicalID: id.String(),
		Source:      rec.get("source"),
		Priority:    priority,
		IsActive:    active,
		Note:        rec.get("note"),
	}, nil
}

// CSV kinds accepted by Import.
const (
	KindClassification = "classification"
	KindSectorProxy    = "sector_proxy"
	KindSymbolMap      = "symbol_map"
)

// Import parses a CSV of the given kind and saves it with the conflict mode.
// Malformed rows abort the import before anything is written.
func Import(ctx context.Context, kind string, r io.Reader, store interfaces.AssetStorage, mode interfaces.ConflictMode) (int, error) {
	switch kind {
	case KindClassification:
		rows, err := ReadClassifications(r)
		if err != nil {
			return 0, err
		}
		return store.SaveClassifications(ctx, rows, mode)
	case KindSectorProxy:
		rows, err := ReadSectorProxies(r)
		if err != nil {
			return 0, err
		}
		return store.SaveSectorProxies(ctx, rows, mode)
	case KindSymbolMap:
		rows, err := ReadSymbolMap(r)
		if err != nil {
			return 0, err
		}
		return store.SaveAliases(ctx, rows, mode)
	default:
		return 0, common.NewInputError("import csv", kind, "unknown kind; want %s, %s or %s",
			KindClassification, KindSectorProxy, KindSymbolMap)
	}
}

// KindFromFilename maps the conventional file names to kinds.
func KindFromFilename(name string) (string, error) {
	base := strings.ToLower(name[strings.LastIndexAny(name, `/\`)+1:])
	switch {
	case strings.HasPrefix(base, "asset_classification"):
		return KindClassification, nil
	case strings.HasPrefix(base, "sector_proxy"):
		return KindSectorProxy, nil
	case strings.HasPrefix(base, "symbol_map"):
		return KindSymbolMap, nil
	}
	return "", common.NewInputError("import csv", name, "cannot infer kind from file name")
}
