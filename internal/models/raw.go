package models

import (
	"time"

	"gorm.io/datatypes"
)

// Raw payload periods
const (
	PeriodDaily            = "daily"
	PeriodMinute           = "minute"
	PeriodHistory          = "history"
	PeriodFundamentals     = "fundamentals"
	PeriodCorporateActions = "corporate_actions"
)

// RawPayload is one append-only journal entry of a provider response.
// Processed=false means the ETL still owes work for it.
type RawPayload struct {
	ID        int64          `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Source    string         `gorm:"size:32;index" json:"source"`
	AssetID   string         `gorm:"size:64;index" json:"asset_id"`
	Market    string         `gorm:"size:8" json:"market"`
	Period    string         `gorm:"size:24" json:"period"`
	FetchTime time.Time      `gorm:"index" json:"fetch_time"`
	Payload   datatypes.JSON `json:"payload"`
	Processed bool           `gorm:"index" json:"processed"`
}

func (RawPayload) TableName() string { return "raw_market_data" }

// HistoryRange bounds a history request. A zero Start means "max".
type HistoryRange struct {
	Start time.Time
	End   time.Time
}

// IsMax reports whether the range asks for the full available history.
func (r HistoryRange) IsMax() bool { return r.Start.IsZero() }

// ProviderFrame is the provider-native tabular result of one adapter call.
// Columns keep the provider's own names; the Field Normalizer maps them.
type ProviderFrame struct {
	Source   string         `json:"source"`
	DataType string         `json:"data_type"`
	Market   string         `json:"market"`
	Symbol   string         `json:"symbol"`
	Columns  []string       `json:"columns,omitempty"`
	Rows     [][]any        `json:"rows,omitempty"`
	Quote    map[string]any `json:"quote,omitempty"`

	Reports   []FinancialReport `json:"reports,omitempty"`
	Dividends []Dividend        `json:"dividends,omitempty"`
	Splits    []Split           `json:"splits,omitempty"`
}

// Empty reports whether the frame carries no usable data.
func (f *ProviderFrame) Empty() bool {
	if f == nil {
		return true
	}
	return len(f.Rows) == 0 && len(f.Quote) == 0 && len(f.Reports) == 0 &&
		len(f.Dividends) == 0 && len(f.Splits) == 0
}
