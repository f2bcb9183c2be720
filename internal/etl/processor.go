// Package etl turns raw provider payloads into daily history, derived
// columns and the per-asset snapshot.
package etl

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"
	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/indicators"
	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/metrics"
	"github.com/bobmcallan/marketcore/internal/models"
	"github.com/bobmcallan/marketcore/internal/normalize"
	"github.com/bobmcallan/marketcore/internal/symbols"
)

// CloseStamper produces the canonical daily bar key for a market date.
type CloseStamper interface {
	ExpectedCloseStamp(market string, date time.Time) (string, error)
}

// Report summarises one ProcessRaw call.
type Report struct {
	RawID        int64
	AssetID      string
	Period       string
	Skipped      bool // already processed
	BarsUpserted int
	Snapshot     *models.Snapshot
	Warnings     []common.DataQualityWarning
	Actions      []string
}

func (r *Report) warn(w common.DataQualityWarning) {
	r.Warnings = append(r.Warnings, w)
}

// Processor runs the raw -> history -> snapshot pipeline.
type Processor struct {
	storage    interfaces.StorageManager
	calendar   CloseStamper
	normalizer *normalize.Normalizer
	providers  *common.ProvidersConfig
	fx         *FXTable
	metrics    *metrics.Metrics
	logger     *common.Logger
	now        func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor wires the ETL. The FX table is built from the provider config.
func NewProcessor(storage interfaces.StorageManager, cal CloseStamper, normalizer *normalize.Normalizer, providers *common.ProvidersConfig, logger *common.Logger, opts ...Option) (*Processor, error) {
	if providers == nil {
		providers = common.NewDefaultProvidersConfig()
	}
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	fx, err := NewFXTable(providers.FX)
	if err != nil {
		return nil, err
	}
	p := &Processor{
		storage:    storage,
		calendar:   cal,
		normalizer: normalizer,
		providers:  providers,
		fx:         fx,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ProcessRaw applies one raw payload. Already-processed payloads are a no-op.
// Payloads of unregistered assets are rejected and stay unprocessed.
// A StorageError is retried once; if it persists the payload stays
// unprocessed for the recovery pass.
func (p *Processor) ProcessRaw(ctx context.Context, id int64) (*Report, error) {
	raw, err := p.storage.RawStorage().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, common.NewInputError("process raw", fmt.Sprint(id), "no such payload")
	}
	report := &Report{RawID: id, AssetID: raw.AssetID, Period: raw.Period}
	if raw.Processed {
		report.Skipped = true
		return report, nil
	}

	var frame models.ProviderFrame
	if err := json.Unmarshal(raw.Payload, &frame); err != nil {
		// an undecodable payload can never succeed; close it out
		p.logger.Error().Err(err).Int64("raw_id", id).Str("asset_id", raw.AssetID).Msg("Raw payload is not a provider frame")
		return report, p.markProcessed(ctx, id)
	}

	// no facts for assets without an assets row; the payload waits for
	// registration and the next recovery pass
	exists, err := p.storage.AssetStorage().AssetExists(ctx, raw.AssetID)
	if err != nil {
		return report, err
	}
	if !exists {
		p.logger.Warn().Int64("raw_id", id).Str("asset_id", raw.AssetID).Msg("Raw payload for unregistered asset left pending")
		return report, common.NewInputError("process raw", raw.AssetID, "asset is not registered")
	}

	apply := func() error {
		*report = Report{RawID: id, AssetID: raw.AssetID, Period: raw.Period}
		return p.apply(ctx, raw, &frame, report)
	}
	err = apply()
	if err != nil && common.IsStorageError(err) && ctx.Err() == nil {
		p.logger.Warn().Err(err).Int64("raw_id", id).Msg("Storage error, retrying once")
		err = apply()
	}
	if err != nil {
		return report, err
	}

	for _, w := range report.Warnings {
		w.Log(p.logger)
		p.metrics.Warning(w.Kind)
	}
	p.metrics.BarsUpserted(raw.Period, report.BarsUpserted)

	if err := p.markProcessed(ctx, id); err != nil {
		return report, err
	}
	p.logger.Debug().
		Int64("raw_id", id).
		Str("asset_id", raw.AssetID).
		Str("period", raw.Period).
		Int("bars", report.BarsUpserted).
		Int("warnings", len(report.Warnings)).
		Msg("Raw payload processed")
	return report, nil
}

func (p *Processor) markProcessed(ctx context.Context, id int64) error {
	err := p.storage.RawStorage().MarkProcessed(ctx, id)
	if err != nil && common.IsStorageError(err) {
		err = p.storage.RawStorage().MarkProcessed(ctx, id)
	}
	return err
}

func (p *Processor) apply(ctx context.Context, raw *models.RawPayload, frame *models.ProviderFrame, report *Report) error {
	switch raw.Period {
	case models.PeriodDaily, models.PeriodMinute, models.PeriodHistory:
		return p.applyBars(ctx, raw, frame, report)
	case models.PeriodFundamentals:
		return p.applyFundamentals(ctx, raw, frame, report)
	case models.PeriodCorporateActions:
		return p.applyCorporateActions(ctx, raw, frame, report)
	default:
		report.Actions = append(report.Actions, "ignored unknown period "+raw.Period)
		return nil
	}
}

func (p *Processor) applyBars(ctx context.Context, raw *models.RawPayload, frame *models.ProviderFrame, report *Report) error {
	history := p.storage.HistoryStorage()

	res, err := p.normalizer.Normalize(frame, normalize.Options{
		Source:   raw.Source,
		DataType: frame.DataType,
		Market:   raw.Market,
		AssetID:  raw.AssetID,
	})
	if errors.Is(err, normalize.ErrUnusable) {
		report.warn(common.DataQualityWarning{
			AssetID: raw.AssetID, Field: normalize.ColClose, Kind: common.WarnMissingColumn, Detail: err.Error(),
		})
		return nil
	}
	if err != nil {
		return err
	}
	report.Warnings = append(report.Warnings, res.Report.Warnings...)
	report.Actions = append(report.Actions, res.Report.Actions...)

	var latestPayload string
	var latestPct null.Float
	if len(res.Rows) > 0 {
		bars := make([]models.DailyBar, 0, len(res.Rows))
		for _, row := range res.Rows {
			stamp, err := p.calendar.ExpectedCloseStamp(raw.Market, row.Timestamp)
			if err != nil {
				return err
			}
			bar := barFromRow(raw.AssetID, stamp, row, p.now())
			if n := len(bars); n > 0 && bars[n-1].Timestamp == stamp {
				bars[n-1] = mergeIntraday(bars[n-1], bar)
				continue
			}
			bars = append(bars, bar)
		}
		if err := history.UpsertBars(ctx, bars); err != nil {
			return err
		}
		report.BarsUpserted = len(bars)
		latest := bars[len(bars)-1]
		latestPayload, latestPct = latest.Timestamp, latest.PctChange
	}

	all, err := history.AllBars(ctx, raw.AssetID)
	if err != nil {
		return err
	}
	if len(all) > 0 {
		p.deriveChanges(all, latestPayload, latestPct)
		if err := p.deriveFundamentals(ctx, raw.AssetID, all, report); err != nil {
			return err
		}
		applyIndicators(all)
		if err := history.ReplaceBars(ctx, all); err != nil {
			return err
		}
	}

	snap := p.buildSnapshot(raw, all, res.Quote)
	if snap == nil {
		return nil
	}
	if err := history.UpsertSnapshot(ctx, snap); err != nil {
		return err
	}
	report.Snapshot = snap
	return nil
}

func barFromRow(assetID, stamp string, row normalize.Row, now time.Time) models.DailyBar {
	opt := func(col string) null.Float {
		if v, ok := row.Get(col); ok {
			return null.FloatFrom(v)
		}
		return null.Float{}
	}
	return models.DailyBar{
		AssetID:   assetID,
		Timestamp: stamp,
		BarFields: models.BarFields{
			Open:          row.Fields[normalize.ColOpen],
			High:          row.Fields[normalize.ColHigh],
			Low:           row.Fields[normalize.ColLow],
			Close:         row.Fields[normalize.ColClose],
			Volume:        row.Fields[normalize.ColVolume],
			Turnover:      opt(normalize.ColTurnover),
			Change:        opt(normalize.ColChange),
			PctChange:     opt(normalize.ColPctChange),
			PrevClose:     opt(normalize.ColPrevClose),
			PE:            opt(normalize.ColPE),
			PB:            opt(normalize.ColPB),
			PS:            opt(normalize.ColPS),
			EPS:           opt(normalize.ColEPS),
			DividendYield: opt(normalize.ColDividendYield),
			MarketCap:     opt(normalize.ColMarketCap),
		},
		UpdatedAt: now,
	}
}

// mergeIntraday folds a later row of the same session into a daily bar.
func mergeIntraday(day, next models.DailyBar) models.DailyBar {
	merged := next
	merged.Open = day.Open
	merged.High = math.Max(day.High, next.High)
	merged.Low = math.Min(day.Low, next.Low)
	merged.Volume = day.Volume + next.Volume
	if day.Turnover.Valid && next.Turnover.Valid {
		merged.Turnover = null.FloatFrom(day.Turnover.Float64 + next.Turnover.Float64)
	}
	return merged
}

func round(v float64, places int) float64 {
	f := math.Pow10(places)
	return math.Round(v*f) / f
}

// pctTolerance is the allowed gap between a stored pct_change and the one
// implied by consecutive closes.
const pctTolerance = 0.01

// deriveChanges fills prev_close, change and pct_change from the preceding
// stored bar. The payload's latest row keeps a provider-reported pct_change
// that agrees with the stored predecessor and has change back-filled from it;
// bars whose stored values already agree are left alone.
func (p *Processor) deriveChanges(bars []models.DailyBar, latestPayload string, latestPct null.Float) {
	for i := 1; i < len(bars); i++ {
		b := &bars[i]
		prev := bars[i-1].Close
		if prev <= 0 {
			continue
		}
		if b.Timestamp == latestPayload && latestPct.Valid &&
			math.Abs(latestPct.Float64-(b.Close/prev-1)*100) <= pctTolerance {
			b.PrevClose = null.FloatFrom(prev)
			b.PctChange = latestPct
			b.Change = null.FloatFrom(round(prev*latestPct.Float64/100, 4))
			continue
		}
		if b.PrevClose.Valid && b.PrevClose.Float64 == prev && b.PctChange.Valid && b.Change.Valid &&
			math.Abs(b.PctChange.Float64-(b.Close/prev-1)*100) <= pctTolerance {
			continue
		}
		change := b.Close - prev
		b.PrevClose = null.FloatFrom(prev)
		b.Change = null.FloatFrom(round(change, 4))
		b.PctChange = null.FloatFrom(round(change/prev*100, 4))
	}
}

func applyIndicators(bars []models.DailyBar) {
	ind := indicators.Compute(bars)
	for i := range bars {
		bars[i].Indicators = ind[i]
	}
}

// tradingCurrency resolves the currency prices are quoted in.
func (p *Processor) tradingCurrency(asset *models.Asset, assetID, market string) string {
	if asset != nil && asset.Currency != "" {
		return asset.Currency
	}
	if c, ok := p.providers.TradingCurrencies[assetID]; ok && c != "" {
		return c
	}
	return models.DefaultCurrency(market)
}

// reportCurrency is the declared fiscal currency, or a heuristic fill marked
// with a warning when the provider omitted it.
func (p *Processor) reportCurrency(r models.FinancialReport, trading string, report *Report) string {
	if r.Currency != "" {
		return r.Currency
	}
	ccy, why := trading, "assumed trading currency"
	if p.providers.IsMainlandReporter(r.AssetID) {
		ccy, why = "CNY", "mainland reporter list"
	}
	report.warn(common.DataQualityWarning{
		AssetID: r.AssetID, Field: "currency", Kind: common.WarnCurrencyFilled,
		Detail: fmt.Sprintf("report %s has no currency; %s (%s)", r.ReportDate, ccy, why),
	})
	return ccy
}

// deriveFundamentals sets eps (TTM, trading currency) and pe on every bar of
// a stock with fiscal reports. Where TTM is undefined both stay null.
func (p *Processor) deriveFundamentals(ctx context.Context, assetID string, bars []models.DailyBar, report *Report) error {
	id, err := symbols.ParseAssetID(assetID)
	if err != nil || id.Type != models.TypeStock {
		return nil
	}
	reports, err := p.storage.FundamentalsStorage().Reports(ctx, assetID)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		return nil
	}
	asset, err := p.storage.AssetStorage().GetAsset(ctx, assetID)
	if err != nil {
		return err
	}
	trading := p.tradingCurrency(asset, assetID, id.Market)
	adr := p.providers.ADRRatios[assetID]
	sorted := sortedReports(reports)

	currencyOf := make(map[string]string)
	warned := make(map[string]bool)
	warnOnce := func(w common.DataQualityWarning) {
		if !warned[w.Kind] {
			warned[w.Kind] = true
			report.warn(w)
		}
	}

	for i := range bars {
		b := &bars[i]
		asOf, err := time.Parse(models.DateLayout, b.Date())
		if err != nil {
			continue
		}
		ttm, latest, ok := ttmFromSorted(sorted, asOf)
		if latest == nil {
			// before the first report; provider values stand
			continue
		}
		b.EPS, b.PE = null.Float{}, null.Float{}
		if !ok {
			warnOnce(common.DataQualityWarning{
				AssetID: assetID, Field: "eps", Kind: common.WarnTTMUndefined,
				Detail: fmt.Sprintf("report %s lacks the previous annual or prior-year period", latest.ReportDate),
			})
			continue
		}
		ccy, seen := currencyOf[latest.ReportDate]
		if !seen {
			ccy = p.reportCurrency(*latest, trading, report)
			currencyOf[latest.ReportDate] = ccy
		}
		eps, ok := p.fx.TradingEPS(ttm, ccy, trading, adr)
		if !ok {
			warnOnce(common.DataQualityWarning{
				AssetID: assetID, Field: "pe", Kind: common.WarnFXMissing,
				Detail: fmt.Sprintf("no fx rate %s/%s", ccy, trading),
			})
			continue
		}
		b.EPS = null.FloatFrom(eps.Round(4).InexactFloat64())
		pe, ok := PE(b.Close, eps)
		if !ok {
			warnOnce(common.DataQualityWarning{
				AssetID: assetID, Field: "pe", Kind: common.WarnNonPositiveEPS,
				Detail: "ttm eps " + eps.StringFixed(4),
			})
			continue
		}
		b.PE = null.FloatFrom(pe.InexactFloat64())
	}
	return nil
}

// buildSnapshot derives the snapshot from the latest bar, letting a quote
// strictly newer than that bar override the live price fields.
func (p *Processor) buildSnapshot(raw *models.RawPayload, bars []models.DailyBar, quote *normalize.Row) *models.Snapshot {
	now := p.now()
	var snap *models.Snapshot
	var latest *models.DailyBar
	if len(bars) > 0 {
		latest = &bars[len(bars)-1]
		snap = models.SnapshotFromBar(*latest, raw.Source, raw.FetchTime, now)
	}
	if quote == nil {
		return snap
	}
	stamp := quote.Timestamp.Format(models.TimestampLayout)
	if latest != nil && stamp <= latest.Timestamp {
		return snap
	}
	if snap == nil {
		snap = &models.Snapshot{AssetID: raw.AssetID, DataSource: raw.Source, FetchTime: raw.FetchTime, UpdatedAt: now}
	}

	price := quote.Fields[normalize.ColClose]
	snap.Timestamp = stamp
	snap.Close = price
	snap.Open = quote.Fields[normalize.ColOpen]
	snap.High = quote.Fields[normalize.ColHigh]
	snap.Low = quote.Fields[normalize.ColLow]
	if v, ok := quote.Get(normalize.ColVolume); ok {
		snap.Volume = v
	}

	prev, hasPrev := quote.Get(normalize.ColPrevClose)
	if !hasPrev && latest != nil {
		if latest.Date() == quote.Timestamp.Format(models.DateLayout) {
			prev, hasPrev = latest.PrevClose.Float64, latest.PrevClose.Valid
		} else {
			prev, hasPrev = latest.Close, true
		}
	}
	snap.PrevClose, snap.Change, snap.PctChange = null.Float{}, null.Float{}, null.Float{}
	if hasPrev && prev > 0 {
		snap.PrevClose = null.FloatFrom(prev)
		if pct, ok := quote.Get(normalize.ColPctChange); ok {
			snap.PctChange = null.FloatFrom(pct)
			snap.Change = null.FloatFrom(round(prev*pct/100, 4))
		} else {
			snap.Change = null.FloatFrom(round(price-prev, 4))
			snap.PctChange = null.FloatFrom(round((price-prev)/prev*100, 4))
		}
	}

	if pe, ok := quote.Get(normalize.ColPE); ok {
		snap.PE = null.FloatFrom(pe)
	} else if snap.EPS.Valid {
		snap.PE = null.Float{}
		if pe, ok := PE(price, decimal.NewFromFloat(snap.EPS.Float64)); ok {
			snap.PE = null.FloatFrom(pe.InexactFloat64())
		}
	}
	if mc, ok := quote.Get(normalize.ColMarketCap); ok {
		snap.MarketCap = null.FloatFrom(mc)
	}
	return snap
}

func (p *Processor) applyFundamentals(ctx context.Context, raw *models.RawPayload, frame *models.ProviderFrame, report *Report) error {
	if len(frame.Reports) == 0 {
		return nil
	}
	now := p.now()
	reports := make([]models.FinancialReport, 0, len(frame.Reports))
	for _, r := range frame.Reports {
		r.AssetID = raw.AssetID
		if r.Source == "" {
			r.Source = raw.Source
		}
		if r.Currency != "" && !ValidCurrency(r.Currency) {
			report.warn(common.DataQualityWarning{
				AssetID: raw.AssetID, Field: "currency", Kind: common.WarnUnparseable,
				Detail: fmt.Sprintf("report %s currency %q is not ISO 4217", r.ReportDate, r.Currency),
			})
			r.Currency = ""
		}
		r.UpdatedAt = now
		reports = append(reports, r)
	}
	if err := p.storage.FundamentalsStorage().UpsertReports(ctx, reports); err != nil {
		return err
	}
	return p.recompute(ctx, raw.AssetID, report)
}

func (p *Processor) applyCorporateActions(ctx context.Context, raw *models.RawPayload, frame *models.ProviderFrame, report *Report) error {
	actions := p.storage.CorporateActionStorage()
	if len(frame.Dividends) > 0 {
		rows := make([]models.Dividend, len(frame.Dividends))
		for i, d := range frame.Dividends {
			d.AssetID = raw.AssetID
			if d.Source == "" {
				d.Source = raw.Source
			}
			rows[i] = d
		}
		if err := actions.UpsertDividends(ctx, rows); err != nil {
			return err
		}
	}
	if len(frame.Splits) > 0 {
		rows := make([]models.Split, 0, len(frame.Splits))
		for _, s := range frame.Splits {
			if s.Ratio() == 0 {
				report.warn(common.DataQualityWarning{
					AssetID: raw.AssetID, Field: "split", Kind: common.WarnUnparseable,
					Detail: fmt.Sprintf("split on %s has ratio %v:%v", s.Date, s.Numerator, s.Denominator),
				})
				continue
			}
			s.AssetID = raw.AssetID
			if s.Source == "" {
				s.Source = raw.Source
			}
			rows = append(rows, s)
		}
		if err := actions.UpsertSplits(ctx, rows); err != nil {
			return err
		}
	}
	return nil
}

// RecomputeDerived reruns fundamentals-derived and indicator columns over an
// asset's full history and refreshes its snapshot.
func (p *Processor) RecomputeDerived(ctx context.Context, assetID string) (*Report, error) {
	report := &Report{AssetID: assetID}
	err := p.recompute(ctx, assetID, report)
	if err != nil && common.IsStorageError(err) {
		*report = Report{AssetID: assetID}
		err = p.recompute(ctx, assetID, report)
	}
	for _, w := range report.Warnings {
		w.Log(p.logger)
	}
	return report, err
}

func (p *Processor) recompute(ctx context.Context, assetID string, report *Report) error {
	history := p.storage.HistoryStorage()
	bars, err := history.AllBars(ctx, assetID)
	if err != nil || len(bars) == 0 {
		return err
	}
	if err := p.deriveFundamentals(ctx, assetID, bars, report); err != nil {
		return err
	}
	applyIndicators(bars)
	if err := history.ReplaceBars(ctx, bars); err != nil {
		return err
	}

	latest := bars[len(bars)-1]
	snap, err := history.Snapshot(ctx, assetID)
	if err != nil {
		return err
	}
	switch {
	case snap == nil:
		snap = models.SnapshotFromBar(latest, "", p.now(), p.now())
	case snap.Timestamp > latest.Timestamp:
		// a fresher intraday quote owns the price; refresh only the derived columns
		snap.EPS = latest.EPS
		snap.PE = null.Float{}
		if pe, ok := PE(snap.Close, decimal.NewFromFloat(latest.EPS.Float64)); latest.EPS.Valid && ok {
			snap.PE = null.FloatFrom(pe.InexactFloat64())
		}
		snap.Indicators = latest.Indicators
		snap.UpdatedAt = p.now()
	default:
		snap = models.SnapshotFromBar(latest, snap.DataSource, snap.FetchTime, p.now())
	}
	if err := history.UpsertSnapshot(ctx, snap); err != nil {
		return err
	}
	report.Snapshot = snap
	return nil
}
