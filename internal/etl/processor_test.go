package etl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/marketcore/internal/calendar"
	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/models"
	"github.com/bobmcallan/marketcore/internal/normalize"
	"github.com/bobmcallan/marketcore/internal/storage/sqlstore"
	"github.com/bobmcallan/marketcore/internal/symbols"
)

var fixedNow = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

type env struct {
	store *sqlstore.Store
	proc  *Processor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := sqlstore.Open(common.StorageConfig{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:etl_%s?mode=memory&cache=shared", name),
		MaxOpenConns: 1,
		Raw:          common.RawConfig{Node: 1},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return &env{store: store, proc: newProcessor(t, store)}
}

func newProcessor(t *testing.T, storage interfaces.StorageManager) *Processor {
	t.Helper()
	cal, err := calendar.New(nil)
	require.NoError(t, err)
	providers := common.NewDefaultProvidersConfig()
	providers.FX = common.FXConfig{AsOf: "2024-06-30", Rates: map[string]float64{"CNY/HKD": 1.08}}

	proc, err := NewProcessor(storage, cal, normalize.New(cal), providers, common.NewSilentLogger(),
		WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return proc
}

// insert registers the asset unless it exists and journals frame.
func (e *env) insert(t *testing.T, assetID, market, period string, frame models.ProviderFrame) int64 {
	t.Helper()
	id, err := symbols.ParseAssetID(assetID)
	require.NoError(t, err)
	_, err = e.store.AssetStorage().SaveAssets(context.Background(), []models.Asset{
		{AssetID: assetID, Name: id.Code, Market: market, AssetType: id.Type},
	}, interfaces.ConflictIgnore)
	require.NoError(t, err)
	return e.journal(t, assetID, market, period, frame)
}

func (e *env) journal(t *testing.T, assetID, market, period string, frame models.ProviderFrame) int64 {
	t.Helper()
	body, err := json.Marshal(frame)
	require.NoError(t, err)
	id, err := e.store.RawStorage().Insert(context.Background(), &models.RawPayload{
		Source: frame.Source, AssetID: assetID, Market: market, Period: period,
		FetchTime: fixedNow, Payload: body,
	})
	require.NoError(t, err)
	return id
}

func (e *env) process(t *testing.T, id int64) *Report {
	t.Helper()
	rep, err := e.proc.ProcessRaw(context.Background(), id)
	require.NoError(t, err)
	return rep
}

func yahooDaily(rows ...[]any) models.ProviderFrame {
	return models.ProviderFrame{
		Source: "yahoo", DataType: "daily", Market: "US",
		Columns: []string{"Date", "Open", "High", "Low", "Close", "Volume"},
		Rows:    rows,
	}
}

func warningKinds(ws []common.DataQualityWarning) []string {
	var kinds []string
	for _, w := range ws {
		kinds = append(kinds, w.Kind)
	}
	return kinds
}

func TestProcessHistoryDerivesChanges(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	id := e.insert(t, "US:STOCK:AAPL", "US", models.PeriodHistory, yahooDaily(
		[]any{"2024-01-02", 187.15, 188.44, 183.89, 185.64, 82488700},
		[]any{"2024-01-03", 184.22, 185.88, 183.43, 184.25, 58414500},
		[]any{"2024-01-04", 182.15, 183.09, 180.88, 181.91, 71983600},
	))
	rep := e.process(t, id)
	assert.Equal(t, 3, rep.BarsUpserted)
	assert.Empty(t, rep.Warnings)

	bars, err := e.store.HistoryStorage().AllBars(ctx, "US:STOCK:AAPL")
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, "2024-01-02 16:00:00", bars[0].Timestamp)
	assert.False(t, bars[0].PrevClose.Valid)

	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		require.True(t, bars[i].PctChange.Valid)
		assert.InDelta(t, (bars[i].Close/prev-1)*100, bars[i].PctChange.Float64, 0.01)
		assert.Equal(t, null.FloatFrom(prev), bars[i].PrevClose)
	}
	assert.InDelta(t, -1.39, bars[1].Change.Float64, 1e-9)

	snap, err := e.store.HistoryStorage().Snapshot(ctx, "US:STOCK:AAPL")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, bars[2].Timestamp, snap.Timestamp)
	assert.Equal(t, 181.91, snap.Close)
	assert.Equal(t, "yahoo", snap.DataSource)

	raw, err := e.store.RawStorage().Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, raw.Processed)
}

func TestProviderPctChangeIsAuthoritativeOnLatestRow(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	frame := models.ProviderFrame{
		Source: "eastmoney", DataType: "daily", Market: "CN",
		Columns: []string{"日期", "开盘", "收盘", "最高", "最低", "成交量", "涨跌幅"},
		Rows: [][]any{
			{"2024-01-02", "10.00", "10.00", "10.10", "9.90", "1000", "0.00"},
			{"2024-01-03", "10.00", "10.33", "10.40", "9.95", "1200", "3.30"},
		},
	}
	e.process(t, e.insert(t, "CN:STOCK:600000", "CN", models.PeriodHistory, frame))

	latest, err := e.store.HistoryStorage().LatestBar(ctx, "CN:STOCK:600000")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-03 15:00:00", latest.Timestamp)
	assert.Equal(t, null.FloatFrom(3.30), latest.PctChange)
	assert.Equal(t, null.FloatFrom(0.33), latest.Change)
	assert.Equal(t, null.FloatFrom(10.0), latest.PrevClose)
}

func TestProcessIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	frame := yahooDaily(
		[]any{"2024-01-02", 187.15, 188.44, 183.89, 185.64, 82488700},
		[]any{"2024-01-03", 184.22, 185.88, 183.43, 184.25, 58414500},
	)
	first := e.insert(t, "US:ETF:SPY", "US", models.PeriodHistory, frame)
	e.process(t, first)

	again := e.process(t, first)
	assert.True(t, again.Skipped)

	snapshotState := func() ([]models.DailyBar, *models.Snapshot) {
		bars, err := e.store.HistoryStorage().AllBars(ctx, "US:ETF:SPY")
		require.NoError(t, err)
		for i := range bars {
			bars[i].UpdatedAt = time.Time{}
		}
		snap, err := e.store.HistoryStorage().Snapshot(ctx, "US:ETF:SPY")
		require.NoError(t, err)
		snap.UpdatedAt, snap.FetchTime = time.Time{}, time.Time{}
		return bars, snap
	}
	bars1, snap1 := snapshotState()

	e.process(t, e.insert(t, "US:ETF:SPY", "US", models.PeriodHistory, frame))
	bars2, snap2 := snapshotState()

	assert.Equal(t, bars1, bars2)
	assert.Equal(t, snap1, snap2)
}

func TestZeroCloseRowIsDroppedWithWarning(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	rep := e.process(t, e.insert(t, "US:STOCK:AAPL", "US", models.PeriodDaily, yahooDaily(
		[]any{"2024-01-02", 187.15, 188.44, 183.89, 185.64, 82488700},
		[]any{"2024-01-03", 0, 0, 0, 0, 0},
	)))
	assert.Equal(t, 1, rep.BarsUpserted)
	assert.Contains(t, warningKinds(rep.Warnings), common.WarnZeroPrice)

	bars, err := e.store.HistoryStorage().AllBars(ctx, "US:STOCK:AAPL")
	require.NoError(t, err)
	assert.Len(t, bars, 1)
}

func TestUnusableFrameIsClosedWithWarning(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	id := e.insert(t, "US:STOCK:AAPL", "US", models.PeriodDaily, models.ProviderFrame{
		Source: "yahoo", Columns: []string{"Date", "Volume"}, Rows: [][]any{{"2024-01-02", 5}},
	})
	rep := e.process(t, id)
	assert.Equal(t, []string{common.WarnMissingColumn}, warningKinds(rep.Warnings))

	pending, err := e.store.RawStorage().Unprocessed(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestUndecodablePayloadIsMarkedProcessed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	id, err := e.store.RawStorage().Insert(ctx, &models.RawPayload{
		Source: "yahoo", AssetID: "US:STOCK:AAPL", Market: "US", Period: models.PeriodDaily,
		Payload: []byte(`["not","a","frame"]`),
	})
	require.NoError(t, err)
	e.process(t, id)

	raw, err := e.store.RawStorage().Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, raw.Processed)
}

func TestMissingPayloadIsInputError(t *testing.T) {
	e := newEnv(t)
	_, err := e.proc.ProcessRaw(context.Background(), 42)
	assert.True(t, common.IsInputError(err))
}

func TestUnregisteredAssetPayloadStaysPending(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	id := e.journal(t, "US:STOCK:ZZZZ", "US", models.PeriodDaily, yahooDaily(
		[]any{"2024-01-02", 10, 11, 9, 10.5, 1000},
	))
	_, err := e.proc.ProcessRaw(ctx, id)
	require.Error(t, err)
	assert.True(t, common.IsInputError(err))

	bars, err := e.store.HistoryStorage().AllBars(ctx, "US:STOCK:ZZZZ")
	require.NoError(t, err)
	assert.Empty(t, bars)
	snap, err := e.store.HistoryStorage().Snapshot(ctx, "US:STOCK:ZZZZ")
	require.NoError(t, err)
	assert.Nil(t, snap)
	pending, err := e.store.RawStorage().Unprocessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, pending)

	// once registered the same payload applies
	_, err = e.store.AssetStorage().SaveAssets(ctx, []models.Asset{
		{AssetID: "US:STOCK:ZZZZ", Name: "ZZZZ", Market: "US", AssetType: models.TypeStock},
	}, interfaces.ConflictUpsert)
	require.NoError(t, err)
	rep := e.process(t, id)
	assert.Equal(t, 1, rep.BarsUpserted)
}

func TestCrossCurrencyPEAfterFundamentals(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.store.AssetStorage().SaveAssets(ctx, []models.Asset{
		{AssetID: "HK:STOCK:00700", Market: "HK", AssetType: "STOCK", Currency: "HKD"},
	}, interfaces.ConflictUpsert)
	require.NoError(t, err)

	e.process(t, e.insert(t, "HK:STOCK:00700", "HK", models.PeriodHistory, models.ProviderFrame{
		Source: "yahoo", Market: "HK",
		Columns: []string{"Date", "Open", "High", "Low", "Close", "Volume"},
		Rows:    [][]any{{"2024-01-02", 300, 302, 298, 300, 1000}},
	}))

	rep := e.process(t, e.insert(t, "HK:STOCK:00700", "HK", models.PeriodFundamentals, models.ProviderFrame{
		Source: "eodhd",
		Reports: []models.FinancialReport{
			{ReportDate: "2023-12-31", ReportType: models.ReportAnnual, EPS: null.FloatFrom(10), Currency: "CNY"},
		},
	}))
	assert.Empty(t, rep.Warnings)

	bar, err := e.store.HistoryStorage().LatestBar(ctx, "HK:STOCK:00700")
	require.NoError(t, err)
	assert.Equal(t, null.FloatFrom(10.8), bar.EPS)
	assert.Equal(t, null.FloatFrom(27.78), bar.PE)

	snap, err := e.store.HistoryStorage().Snapshot(ctx, "HK:STOCK:00700")
	require.NoError(t, err)
	assert.Equal(t, null.FloatFrom(27.78), snap.PE)
}

func TestUndefinedTTMLeavesPENull(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	e.process(t, e.insert(t, "US:STOCK:X", "US", models.PeriodFundamentals, models.ProviderFrame{
		Source: "eodhd",
		Reports: []models.FinancialReport{
			{ReportDate: "2023-12-31", EPS: null.FloatFrom(40), Currency: "USD"},
			{ReportDate: "2024-03-31", EPS: null.FloatFrom(12), Currency: "USD"},
		},
	}))
	rep := e.process(t, e.insert(t, "US:STOCK:X", "US", models.PeriodHistory, yahooDaily(
		[]any{"2024-01-02", 100, 100, 100, 100, 10},
		[]any{"2024-04-02", 110, 110, 110, 110, 10},
	)))
	assert.Contains(t, warningKinds(rep.Warnings), common.WarnTTMUndefined)

	bars, err := e.store.HistoryStorage().AllBars(ctx, "US:STOCK:X")
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, null.FloatFrom(40), bars[0].EPS)
	assert.Equal(t, null.FloatFrom(2.5), bars[0].PE)
	assert.False(t, bars[1].EPS.Valid, "q1 ttm without prior-year data must not fall back to ytd")
	assert.False(t, bars[1].PE.Valid)
}

func TestMissingFXLeavesPENullWithWarning(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	e.process(t, e.insert(t, "US:STOCK:BABA", "US", models.PeriodFundamentals, models.ProviderFrame{
		Source:  "eodhd",
		Reports: []models.FinancialReport{{ReportDate: "2023-12-31", EPS: null.FloatFrom(30), Currency: "CNY"}},
	}))
	rep := e.process(t, e.insert(t, "US:STOCK:BABA", "US", models.PeriodDaily, yahooDaily(
		[]any{"2024-01-02", 75, 76, 74, 75, 10},
	)))
	assert.Contains(t, warningKinds(rep.Warnings), common.WarnFXMissing)

	bar, err := e.store.HistoryStorage().LatestBar(ctx, "US:STOCK:BABA")
	require.NoError(t, err)
	assert.False(t, bar.PE.Valid)
}

func TestCurrencyHeuristicIsWarned(t *testing.T) {
	e := newEnv(t)

	e.process(t, e.insert(t, "US:STOCK:MSFT", "US", models.PeriodHistory, yahooDaily(
		[]any{"2024-01-02", 370, 371, 369, 370, 10},
	)))
	rep := e.process(t, e.insert(t, "US:STOCK:MSFT", "US", models.PeriodFundamentals, models.ProviderFrame{
		Source:  "eodhd",
		Reports: []models.FinancialReport{{ReportDate: "2023-06-30", ReportType: models.ReportAnnual, EPS: null.FloatFrom(9.7)}},
	}))
	assert.Equal(t, []string{common.WarnCurrencyFilled}, warningKinds(rep.Warnings))
}

func TestFresherQuoteOverridesSnapshot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	frame := yahooDaily([]any{"2024-01-02", 187.15, 188.44, 183.89, 185.64, 82488700})
	// 2024-01-03 10:30 New York
	frame.Quote = map[string]any{"regularMarketTime": 1704295800, "regularMarketPrice": 187.5}
	e.process(t, e.insert(t, "US:STOCK:AAPL", "US", models.PeriodMinute, frame))

	snap, err := e.store.HistoryStorage().Snapshot(ctx, "US:STOCK:AAPL")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-03 10:30:00", snap.Timestamp)
	assert.Equal(t, 187.5, snap.Close)
	assert.Equal(t, null.FloatFrom(185.64), snap.PrevClose)
	assert.InDelta(t, (187.5/185.64-1)*100, snap.PctChange.Float64, 0.01)

	// a quote no newer than the stored close leaves the bar's values
	stale := yahooDaily([]any{"2024-01-04", 182.15, 183.09, 180.88, 181.91, 71983600})
	stale.Quote = map[string]any{"regularMarketTime": 1704295800, "regularMarketPrice": 999.0}
	e.process(t, e.insert(t, "US:STOCK:AAPL", "US", models.PeriodMinute, stale))

	snap, err = e.store.HistoryStorage().Snapshot(ctx, "US:STOCK:AAPL")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-04 16:00:00", snap.Timestamp)
	assert.Equal(t, 181.91, snap.Close)
}

func TestCorporateActions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	rep := e.process(t, e.insert(t, "US:STOCK:AAPL", "US", models.PeriodCorporateActions, models.ProviderFrame{
		Source:    "yahoo",
		Dividends: []models.Dividend{{ExDate: "2024-02-09", Amount: 0.24, Currency: "USD"}},
		Splits: []models.Split{
			{Date: "2020-08-31", Numerator: 4, Denominator: 1},
			{Date: "2021-01-01", Numerator: 0, Denominator: 0},
		},
	}))
	assert.Equal(t, []string{common.WarnUnparseable}, warningKinds(rep.Warnings))

	divs, err := e.store.CorporateActionStorage().Dividends(ctx, "US:STOCK:AAPL")
	require.NoError(t, err)
	require.Len(t, divs, 1)
	assert.Equal(t, "yahoo", divs[0].Source)

	splits, err := e.store.CorporateActionStorage().Splits(ctx, "US:STOCK:AAPL")
	require.NoError(t, err)
	assert.Len(t, splits, 1)
}

// flakyHistory fails the first n UpsertBars calls with a StorageError.
type flakyHistory struct {
	interfaces.HistoryStorage
	failures int
	calls    int
}

func (f *flakyHistory) UpsertBars(ctx context.Context, bars []models.DailyBar) error {
	f.calls++
	if f.calls <= f.failures {
		return &common.StorageError{Op: "upsert bars", Err: errors.New("database is locked")}
	}
	return f.HistoryStorage.UpsertBars(ctx, bars)
}

type flakyManager struct {
	interfaces.StorageManager
	history *flakyHistory
}

func (m *flakyManager) HistoryStorage() interfaces.HistoryStorage { return m.history }

func newFlakyEnv(t *testing.T, failures int) (*env, *flakyHistory) {
	t.Helper()
	e := newEnv(t)
	flaky := &flakyHistory{HistoryStorage: e.store.HistoryStorage(), failures: failures}
	e.proc = newProcessor(t, &flakyManager{StorageManager: e.store, history: flaky})
	return e, flaky
}

func TestStorageErrorIsRetriedOnce(t *testing.T) {
	ctx := context.Background()
	e, flaky := newFlakyEnv(t, 1)

	id := e.insert(t, "US:STOCK:AAPL", "US", models.PeriodDaily, yahooDaily(
		[]any{"2024-01-02", 187.15, 188.44, 183.89, 185.64, 82488700},
	))
	rep := e.process(t, id)
	assert.Equal(t, 1, rep.BarsUpserted)
	assert.Equal(t, 2, flaky.calls)

	raw, err := e.store.RawStorage().Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, raw.Processed)
}

func TestPersistentStorageErrorLeavesPayloadPending(t *testing.T) {
	ctx := context.Background()
	e, flaky := newFlakyEnv(t, 5)

	id := e.insert(t, "US:STOCK:AAPL", "US", models.PeriodDaily, yahooDaily(
		[]any{"2024-01-02", 187.15, 188.44, 183.89, 185.64, 82488700},
	))
	_, err := e.proc.ProcessRaw(ctx, id)
	require.Error(t, err)
	assert.True(t, common.IsStorageError(err))
	assert.Equal(t, 2, flaky.calls)

	pending, err := e.store.RawStorage().Unprocessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, pending)
}
