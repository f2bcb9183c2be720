package normalize

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/models"
)

type fixedLocator map[string]*time.Location

func (f fixedLocator) Location(market string) (*time.Location, error) {
	if loc, ok := f[market]; ok {
		return loc, nil
	}
	return nil, errors.New("unknown market")
}

func locator(t *testing.T) fixedLocator {
	t.Helper()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	sh, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	return fixedLocator{"US": ny, "CN": sh, "HK": sh, "WORLD": time.UTC}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name    string
		columns []string
		want    string
	}{
		{"eastmoney", []string{"日期", "开盘", "收盘", "最高", "最低", "成交量"}, SourceEastmoney},
		{"yahoo", []string{"Date", "Open", "High", "Low", "Close", "Adj Close", "Volume"}, SourceYahoo},
		{"eodhd", []string{"date", "open", "high", "low", "close", "adjusted_close", "volume"}, SourceEODHD},
		{"tushare", []string{"ts_code", "trade_date", "open", "close", "pre_close", "pct_chg", "vol"}, SourceTushare},
		{"sina", []string{"day", "open", "high", "low", "close", "volume", "ma_price5"}, SourceSina},
		{"nothing votes", []string{"timestamp", "close"}, SourceGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := Detect(tt.columns)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_EastmoneyChineseColumns(t *testing.T) {
	frame := &models.ProviderFrame{
		Market:  "CN",
		Columns: []string{"日期", "开盘", "收盘", "最高", "最低", "成交量", "成交额", "振幅", "涨跌幅", "涨跌额", "换手率"},
		Rows: [][]any{
			{"2024-01-03", "10.1", "10.3", "10.5", "10.0", "12000", "123456.7", "4.9", "1.98", "0.2", "0.5"},
			{"2024-01-02", "10.0", "10.1", "10.2", "9.9", "10000", "100000", "3.0", "1.00", "0.1", "0.4"},
		},
	}
	res, err := New(locator(t)).Normalize(frame, Options{AssetID: "CN:STOCK:600000"})
	require.NoError(t, err)

	assert.Equal(t, SourceEastmoney, res.Source)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "2024-01-02", res.Rows[0].Timestamp.Format("2006-01-02"), "rows are sorted ascending")

	last := res.Rows[1]
	assert.InDelta(t, 10.3, last.Fields[ColClose], 1e-9)
	assert.InDelta(t, 123456.7, last.Fields[ColTurnover], 1e-9)
	assert.InDelta(t, 1.98, last.Fields[ColPctChange], 1e-9)
	assert.InDelta(t, 0.2, last.Fields[ColChange], 1e-9)

	assert.Equal(t, ColPctChange, res.Report.MappedFields["涨跌幅"])
	assert.Contains(t, res.Report.Actions, "dropped unmapped column 振幅")
	assert.Equal(t, []string{ColTimestamp, ColOpen, ColHigh, ColLow, ColClose, ColVolume, ColTurnover, ColChange, ColPctChange}, res.Report.FinalColumns)
	assert.Empty(t, res.Report.Warnings)
}

func TestNormalize_CollisionDropsSourceColumn(t *testing.T) {
	frame := &models.ProviderFrame{
		Source:  SourceYahoo,
		Columns: []string{"Date", "timestamp", "close", "Close"},
		Rows:    [][]any{{"2024-01-01", "2024-01-02", 5.0, 99.0}},
	}
	res, err := New(nil).Normalize(frame, Options{})
	require.NoError(t, err)

	require.Len(t, res.Rows, 1)
	assert.Equal(t, "2024-01-02", res.Rows[0].Timestamp.Format("2006-01-02"))
	assert.InDelta(t, 5.0, res.Rows[0].Fields[ColClose], 1e-9)
	assert.Contains(t, res.Report.Actions, "dropped Date: timestamp already present")
	assert.Contains(t, res.Report.Actions, "dropped Close: close already present")
}

func TestNormalize_EpochTimestampsBecomeMarketLocal(t *testing.T) {
	// 2024-01-02 14:30 UTC is 09:30 in New York
	epoch := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC).Unix()
	frame := &models.ProviderFrame{
		Source:  SourceYahoo,
		Market:  "US",
		Columns: []string{"timestamp", "open", "high", "low", "close", "volume"},
		Rows: [][]any{
			{float64(epoch), 185.0, 186.0, 184.0, 185.5, 1e6},
			{json.Number("1704292200000"), 186.0, 187.0, 185.0, 186.5, 2e6},
		},
	}
	res, err := New(locator(t)).Normalize(frame, Options{})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)

	assert.Equal(t, "2024-01-02 09:30:00", res.Rows[0].Timestamp.Format(models.TimestampLayout))
	assert.Equal(t, time.UTC, res.Rows[0].Timestamp.Location(), "timestamps are naive")
	assert.Equal(t, "2024-01-03 09:30:00", res.Rows[1].Timestamp.Format(models.TimestampLayout))
}

func TestNormalize_Warnings(t *testing.T) {
	frame := &models.ProviderFrame{
		Source:  SourceGeneric,
		Columns: []string{"date", "close", "open", "pe"},
		Rows: [][]any{
			{"2024-01-02", "0", "1", "3"},
			{"2024-01-03", "10", "0", "abc"},
			{"not a date", "10", "10", nil},
			{"2024-01-04", "11", "-", nil},
		},
	}
	res, err := New(nil).Normalize(frame, Options{AssetID: "US:STOCK:X"})
	require.NoError(t, err)

	require.Len(t, res.Rows, 2)
	assert.InDelta(t, 10.0, res.Rows[0].Fields[ColOpen], 1e-9, "zero open replaced by close")
	_, hasPE := res.Rows[0].Get(ColPE)
	assert.False(t, hasPE, "unparseable cell left null")
	assert.InDelta(t, 11.0, res.Rows[1].Fields[ColOpen], 1e-9, "missing open filled from close")

	kinds := map[string]int{}
	for _, w := range res.Report.Warnings {
		kinds[w.Kind]++
		assert.Equal(t, "US:STOCK:X", w.AssetID)
	}
	assert.Equal(t, 3, kinds[common.WarnMissingColumn], "high, low and volume absent")
	assert.Equal(t, 2, kinds[common.WarnZeroPrice])
	assert.Equal(t, 2, kinds[common.WarnUnparseable])
}

func TestNormalize_Unusable(t *testing.T) {
	_, err := New(nil).Normalize(&models.ProviderFrame{
		Columns: []string{"date", "open"},
		Rows:    [][]any{{"2024-01-02", 1.0}},
	}, Options{})
	assert.ErrorIs(t, err, ErrUnusable)

	_, err = New(nil).Normalize(&models.ProviderFrame{
		Columns: []string{"date", "close"},
		Rows:    [][]any{{"2024-01-02", 0.0}},
	}, Options{})
	assert.ErrorIs(t, err, ErrUnusable)
}

func TestNormalize_DuplicateTimestampsKeepLast(t *testing.T) {
	res, err := New(nil).Normalize(&models.ProviderFrame{
		Columns: []string{"date", "close"},
		Rows:    [][]any{{"2024-01-02", 1.0}, {"2024-01-02", 2.0}},
	}, Options{})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.InDelta(t, 2.0, res.Rows[0].Fields[ColClose], 1e-9)
}

func TestNormalize_Quote(t *testing.T) {
	at := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC).Unix()
	frame := &models.ProviderFrame{
		Source: SourceYahoo,
		Market: "US",
		Quote: map[string]any{
			"regularMarketPrice": 190.25,
			"regularMarketTime":  float64(at),
			"chartPreviousClose": 188.0,
			"currency":           "USD",
		},
	}
	res, err := New(locator(t)).Normalize(frame, Options{})
	require.NoError(t, err)
	require.NotNil(t, res.Quote)
	assert.Empty(t, res.Rows)
	assert.Equal(t, "2024-01-02 10:00:00", res.Quote.Timestamp.Format(models.TimestampLayout))
	assert.InDelta(t, 190.25, res.Quote.Fields[ColClose], 1e-9)
	assert.InDelta(t, 188.0, res.Quote.Fields[ColPrevClose], 1e-9)
}

func TestParseTimestamp(t *testing.T) {
	sh := locator(t)["CN"]
	tests := []struct {
		in   any
		want string
	}{
		{"2024-01-02", "2024-01-02 00:00:00"},
		{"20240102", "2024-01-02 00:00:00"},
		{"2024/01/02", "2024-01-02 00:00:00"},
		{"2024-01-02 15:00:00", "2024-01-02 15:00:00"},
		{"2024-01-02T07:00:00Z", "2024-01-02 15:00:00"},
		{"1704178800", "2024-01-02 15:00:00"},
		{int64(1704178800000), "2024-01-02 15:00:00"},
	}
	for _, tt := range tests {
		got, err := ParseTimestamp(tt.in, sh)
		require.NoError(t, err, "%v", tt.in)
		assert.Equal(t, tt.want, got.Format(models.TimestampLayout), "%v", tt.in)
	}

	for _, bad := range []any{"", "yesterday", nil, -5} {
		_, err := ParseTimestamp(bad, sh)
		assert.Error(t, err, "%v", bad)
	}
}

func TestParseNumber(t *testing.T) {
	f, ok, err := ParseNumber("1,234.5")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 1234.5, f, 1e-9)

	f, ok, err = ParseNumber("2.5%")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 2.5, f, 1e-9)

	for _, empty := range []any{nil, "", "-", "N/A"} {
		_, ok, err := ParseNumber(empty)
		assert.NoError(t, err)
		assert.False(t, ok)
	}

	_, _, err = ParseNumber("abc")
	assert.Error(t, err)
}
