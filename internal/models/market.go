package models

import (
	"time"

	"github.com/guregu/null/v6"
)

// TimestampLayout is the naive market-local layout of bar timestamps.
const TimestampLayout = "2006-01-02 15:04:05"

// DateLayout is the layout of date-only keys.
const DateLayout = "2006-01-02"

// BarFields is the column set shared by daily bars and snapshots.
type BarFields struct {
	Open          float64    `json:"open"`
	High          float64    `json:"high"`
	Low           float64    `json:"low"`
	Close         float64    `json:"close"`
	Volume        float64    `json:"volume"`
	Turnover      null.Float `json:"turnover"`
	Change        null.Float `json:"change"`
	PctChange     null.Float `json:"pct_change"`
	PrevClose     null.Float `json:"prev_close"`
	PE            null.Float `gorm:"column:pe" json:"pe"`
	PB            null.Float `gorm:"column:pb" json:"pb"`
	PS            null.Float `gorm:"column:ps" json:"ps"`
	EPS           null.Float `gorm:"column:eps" json:"eps"`
	DividendYield null.Float `json:"dividend_yield"`
	MarketCap     null.Float `json:"market_cap"`
}

// FillNullFrom copies every optional column that is null here but set in old.
// Used when re-upserting a bar so previously derived values survive a payload
// that does not carry them.
func (b *BarFields) FillNullFrom(old BarFields) {
	fill := func(dst *null.Float, src null.Float) {
		if !dst.Valid && src.Valid {
			*dst = src
		}
	}
	fill(&b.Turnover, old.Turnover)
	fill(&b.Change, old.Change)
	fill(&b.PctChange, old.PctChange)
	fill(&b.PrevClose, old.PrevClose)
	fill(&b.PE, old.PE)
	fill(&b.PB, old.PB)
	fill(&b.PS, old.PS)
	fill(&b.EPS, old.EPS)
	fill(&b.DividendYield, old.DividendYield)
	fill(&b.MarketCap, old.MarketCap)
}

// Indicators holds the technical indicator columns persisted per bar.
type Indicators struct {
	MA5      null.Float `gorm:"column:ma5" json:"ma5"`
	MA10     null.Float `gorm:"column:ma10" json:"ma10"`
	MA20     null.Float `gorm:"column:ma20" json:"ma20"`
	MA30     null.Float `gorm:"column:ma30" json:"ma30"`
	MA60     null.Float `gorm:"column:ma60" json:"ma60"`
	MACDDIF  null.Float `gorm:"column:macd_dif" json:"macd_dif"`
	MACDDEA  null.Float `gorm:"column:macd_dea" json:"macd_dea"`
	MACDHist null.Float `gorm:"column:macd_hist" json:"macd_hist"`
	KDJK     null.Float `gorm:"column:kdj_k" json:"kdj_k"`
	KDJD     null.Float `gorm:"column:kdj_d" json:"kdj_d"`
	KDJJ     null.Float `gorm:"column:kdj_j" json:"kdj_j"`
	RSI6     null.Float `gorm:"column:rsi6" json:"rsi6"`
	RSI12    null.Float `gorm:"column:rsi12" json:"rsi12"`
	RSI24    null.Float `gorm:"column:rsi24" json:"rsi24"`
}

// FillNullFrom copies indicator columns that are null here but set in old.
func (i *Indicators) FillNullFrom(old Indicators) {
	fill := func(dst *null.Float, src null.Float) {
		if !dst.Valid && src.Valid {
			*dst = src
		}
	}
	fill(&i.MA5, old.MA5)
	fill(&i.MA10, old.MA10)
	fill(&i.MA20, old.MA20)
	fill(&i.MA30, old.MA30)
	fill(&i.MA60, old.MA60)
	fill(&i.MACDDIF, old.MACDDIF)
	fill(&i.MACDDEA, old.MACDDEA)
	fill(&i.MACDHist, old.MACDHist)
	fill(&i.KDJK, old.KDJK)
	fill(&i.KDJD, old.KDJD)
	fill(&i.KDJJ, old.KDJJ)
	fill(&i.RSI6, old.RSI6)
	fill(&i.RSI12, old.RSI12)
	fill(&i.RSI24, old.RSI24)
}

// DailyBar is one row of the canonical per-asset daily history.
// Timestamp is the market-local close stamp in TimestampLayout.
type DailyBar struct {
	AssetID   string `gorm:"primaryKey;size:64" json:"asset_id"`
	Timestamp string `gorm:"primaryKey;size:19" json:"timestamp"`
	BarFields
	Indicators
	UpdatedAt time.Time `json:"updated_at"`
}

func (DailyBar) TableName() string { return "market_data_daily" }

// Date returns the trading date part of the timestamp.
func (b DailyBar) Date() string {
	if len(b.Timestamp) < len(DateLayout) {
		return b.Timestamp
	}
	return b.Timestamp[:len(DateLayout)]
}

// Snapshot is the one-row-per-asset latest view, derived from the latest
// daily bar plus an optional fresher intraday quote.
type Snapshot struct {
	AssetID   string `gorm:"primaryKey;size:64" json:"asset_id"`
	Timestamp string `gorm:"size:19" json:"timestamp"`
	BarFields
	Indicators
	DataSource string    `gorm:"size:32" json:"data_source"`
	FetchTime  time.Time `json:"fetch_time"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Snapshot) TableName() string { return "market_snapshot" }

// SnapshotFromBar builds a snapshot carrying the bar's columns.
func SnapshotFromBar(bar DailyBar, source string, fetchTime, now time.Time) *Snapshot {
	return &Snapshot{
		AssetID:    bar.AssetID,
		Timestamp:  bar.Timestamp,
		BarFields:  bar.BarFields,
		Indicators: bar.Indicators,
		DataSource: source,
		FetchTime:  fetchTime,
		UpdatedAt:  now,
	}
}
