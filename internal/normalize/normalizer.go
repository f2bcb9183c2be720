// Package normalize maps provider-native frames onto the canonical bar schema.
// It is the only place provider column names are interpreted.
package normalize

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/models"
)

// ErrUnusable means the frame lacks a column every row needs.
var ErrUnusable = errors.New("frame has no usable price data")

// Locator resolves a market's time zone.
type Locator interface {
	Location(market string) (*time.Location, error)
}

// Options carry hints for one normalization. Empty Source triggers detection.
type Options struct {
	Source   string
	DataType string
	Market   string
	AssetID  string
}

// Row is one normalized record. Timestamp is naive market-local wall clock
// stored in UTC. Fields holds only the values that were present and parsed.
type Row struct {
	Timestamp time.Time
	Fields    map[string]float64
}

// Get returns a field and whether it was present.
func (r Row) Get(col string) (float64, bool) {
	v, ok := r.Fields[col]
	return v, ok
}

// QualityReport describes what the normalizer did to a frame.
type QualityReport struct {
	Actions      []string                    `json:"actions"`
	Warnings     []common.DataQualityWarning `json:"warnings"`
	MappedFields map[string]string           `json:"mapped_fields"`
	FinalColumns []string                    `json:"final_columns"`
}

func (q *QualityReport) action(format string, args ...any) {
	q.Actions = append(q.Actions, fmt.Sprintf(format, args...))
}

// Result is a normalized frame.
type Result struct {
	Source   string
	DataType string
	Rows     []Row
	Quote    *Row
	Report   QualityReport
}

// Normalizer is stateless apart from the time zone lookup.
type Normalizer struct {
	locator Locator
}

// New creates a normalizer. A nil locator treats every market as UTC.
func New(locator Locator) *Normalizer {
	return &Normalizer{locator: locator}
}

// expected columns warn when absent; close and timestamp are required.
var expectedColumns = []string{ColOpen, ColHigh, ColLow, ColVolume}

// Normalize renames, coerces and validates a provider frame.
func (n *Normalizer) Normalize(frame *models.ProviderFrame, opts Options) (*Result, error) {
	if frame == nil {
		return nil, fmt.Errorf("normalize: nil frame")
	}
	if opts.Source == "" {
		opts.Source = frame.Source
	}
	if opts.DataType == "" {
		opts.DataType = frame.DataType
	}
	if opts.Market == "" {
		opts.Market = frame.Market
	}

	loc := time.UTC
	if n.locator != nil && opts.Market != "" {
		l, err := n.locator.Location(opts.Market)
		if err != nil {
			return nil, err
		}
		loc = l
	}

	res := &Result{DataType: opts.DataType}
	res.Report.MappedFields = make(map[string]string)

	source := opts.Source
	if _, known := columnMaps[source]; !known {
		detected, votes := Detect(frame.Columns)
		res.Report.action("detected source %s (%d votes)", detected, votes)
		source = detected
	}
	res.Source = source

	if len(frame.Columns) > 0 {
		idx := n.mapColumns(frame.Columns, source, &res.Report)
		if _, ok := idx[ColTimestamp]; !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrUnusable, ColTimestamp)
		}
		if _, ok := idx[ColClose]; !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrUnusable, ColClose)
		}
		for _, col := range expectedColumns {
			if _, ok := idx[col]; !ok {
				res.Report.Warnings = append(res.Report.Warnings, common.DataQualityWarning{
					AssetID: opts.AssetID, Field: col, Kind: common.WarnMissingColumn,
					Detail: "column absent from " + source + " frame",
				})
			}
		}
		res.Report.FinalColumns = finalColumns(idx)

		for i, raw := range frame.Rows {
			row, ok := n.convertRow(raw, idx, loc, opts.AssetID, i, &res.Report)
			if ok {
				res.Rows = append(res.Rows, row)
			}
		}
		sort.SliceStable(res.Rows, func(i, j int) bool { return res.Rows[i].Timestamp.Before(res.Rows[j].Timestamp) })
		res.Rows = dedupeByTimestamp(res.Rows, &res.Report)
	}

	if len(frame.Quote) > 0 {
		if q, ok := n.convertQuote(frame.Quote, source, loc, opts.AssetID, &res.Report); ok {
			res.Quote = &q
		}
	}

	if len(res.Rows) == 0 && res.Quote == nil && len(frame.Columns) > 0 {
		return nil, fmt.Errorf("%w: no rows survived normalization", ErrUnusable)
	}
	return res, nil
}

// mapColumns returns canonical column -> source index. A source column whose
// rename collides with an already-present canonical column is dropped.
func (n *Normalizer) mapColumns(columns []string, source string, report *QualityReport) map[string]int {
	renames := columnMaps[source]
	idx := make(map[string]int, len(columns))

	for i, col := range columns {
		if isCanonical[col] {
			idx[col] = i
		}
	}
	for i, col := range columns {
		if isCanonical[col] {
			continue
		}
		target, ok := renames[col]
		if !ok {
			target, ok = columnMaps[SourceGeneric][col]
		}
		if !ok {
			lower := strings.ToLower(col)
			if isCanonical[lower] {
				target, ok = lower, true
			}
		}
		if !ok {
			report.action("dropped unmapped column %s", col)
			continue
		}
		if _, taken := idx[target]; taken {
			report.action("dropped %s: %s already present", col, target)
			continue
		}
		idx[target] = i
		report.MappedFields[col] = target
	}
	return idx
}

func finalColumns(idx map[string]int) []string {
	var out []string
	for _, c := range canonicalColumns {
		if _, ok := idx[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (n *Normalizer) convertRow(raw []any, idx map[string]int, loc *time.Location, assetID string, rowNum int, report *QualityReport) (Row, bool) {
	cell := func(col string) (any, bool) {
		i, ok := idx[col]
		if !ok || i >= len(raw) {
			return nil, false
		}
		return raw[i], true
	}

	tsCell, _ := cell(ColTimestamp)
	ts, err := ParseTimestamp(tsCell, loc)
	if err != nil {
		report.Warnings = append(report.Warnings, common.DataQualityWarning{
			AssetID: assetID, Field: ColTimestamp, Kind: common.WarnUnparseable,
			Detail: fmt.Sprintf("row %d: %v", rowNum, err),
		})
		return Row{}, false
	}

	row := Row{Timestamp: ts, Fields: make(map[string]float64, len(idx))}
	for col := range idx {
		if col == ColTimestamp {
			continue
		}
		v, _ := cell(col)
		f, present, err := ParseNumber(v)
		if err != nil {
			report.Warnings = append(report.Warnings, common.DataQualityWarning{
				AssetID: assetID, Field: col, Kind: common.WarnUnparseable,
				Detail: fmt.Sprintf("row %d (%s): %v", rowNum, ts.Format(models.DateLayout), err),
			})
			continue
		}
		if present {
			row.Fields[col] = f
		}
	}

	closeVal, ok := row.Fields[ColClose]
	if !ok || closeVal <= 0 {
		report.Warnings = append(report.Warnings, common.DataQualityWarning{
			AssetID: assetID, Field: ColClose, Kind: common.WarnZeroPrice,
			Detail: fmt.Sprintf("row %s dropped: close %v", ts.Format(models.DateLayout), closeVal),
		})
		return Row{}, false
	}
	for _, col := range []string{ColOpen, ColHigh, ColLow} {
		if v, ok := row.Fields[col]; !ok || v <= 0 {
			if ok {
				report.Warnings = append(report.Warnings, common.DataQualityWarning{
					AssetID: assetID, Field: col, Kind: common.WarnZeroPrice,
					Detail: fmt.Sprintf("row %s: %s %v replaced by close", ts.Format(models.DateLayout), col, v),
				})
			}
			row.Fields[col] = closeVal
		}
	}
	return row, true
}

func (n *Normalizer) convertQuote(quote map[string]any, source string, loc *time.Location, assetID string, report *QualityReport) (Row, bool) {
	cols := make([]string, 0, len(quote))
	for k := range quote {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	vals := make([]any, len(cols))
	for i, k := range cols {
		vals[i] = quote[k]
	}

	idx := n.mapColumns(cols, source, report)
	if _, ok := idx[ColTimestamp]; !ok {
		report.action("dropped quote without timestamp")
		return Row{}, false
	}
	if _, ok := idx[ColClose]; !ok {
		report.action("dropped quote without price")
		return Row{}, false
	}
	return n.convertRow(vals, idx, loc, assetID, -1, report)
}

// dedupeByTimestamp keeps the last row per timestamp; rows must be sorted.
func dedupeByTimestamp(rows []Row, report *QualityReport) []Row {
	if len(rows) < 2 {
		return rows
	}
	out := rows[:0]
	for i, r := range rows {
		if i+1 < len(rows) && rows[i+1].Timestamp.Equal(r.Timestamp) {
			report.action("dropped duplicate row %s", r.Timestamp.Format(models.TimestampLayout))
			continue
		}
		out = append(out, r)
	}
	return out
}

// ParseNumber coerces a cell to float64. Nil, empty and placeholder cells
// report present=false.
func ParseNumber(v any) (float64, bool, error) {
	switch t := v.(type) {
	case nil:
		return 0, false, nil
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(t, ",", ""))
		switch s {
		case "", "-", "--", "N/A", "NA", "null", "None", "NaN":
			return 0, false, nil
		}
		s = strings.TrimSuffix(s, "%")
		f, err := cast.ToFloat64E(s)
		if err != nil {
			return 0, false, fmt.Errorf("not a number: %q", t)
		}
		return f, true, nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false, fmt.Errorf("not a number: %v", v)
	}
	return f, true, nil
}

var dateLayouts = []string{
	models.TimestampLayout,
	"2006-01-02 15:04",
	models.DateLayout,
	"20060102",
	"2006/01/02",
	"2006/01/02 15:04:05",
}

// ParseTimestamp converts a cell to naive market-local wall clock. Epoch
// numbers (seconds or milliseconds) and zoned strings are UTC instants
// converted into loc; naive strings are already market-local.
func ParseTimestamp(v any, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, fmt.Errorf("empty timestamp")
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return naive(t.In(loc)), nil
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		if !isNumeric(s) {
			return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
		}
	}
	if t, ok := v.(time.Time); ok {
		return naive(t.In(loc)), nil
	}

	epoch, err := cast.ToInt64E(v)
	if err != nil {
		f, ferr := cast.ToFloat64E(v)
		if ferr != nil {
			return time.Time{}, fmt.Errorf("unrecognised timestamp %v", v)
		}
		epoch = int64(f)
	}
	if epoch <= 0 {
		return time.Time{}, fmt.Errorf("invalid epoch %d", epoch)
	}
	var t time.Time
	if epoch > 1e11 {
		t = time.UnixMilli(epoch)
	} else {
		t = time.Unix(epoch, 0)
	}
	return naive(t.In(loc)), nil
}

// naive strips the zone, keeping the wall clock.
func naive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

func isNumeric(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return s != ""
}
