package models

import (
	"time"

	"github.com/guregu/null/v6"
)

// Report types
const (
	ReportAnnual    = "annual"
	ReportQuarterly = "quarterly"
)

// FinancialReport is one fiscal report. Values are year-to-date as published;
// trailing aggregates are derived by the ETL and never stored here.
type FinancialReport struct {
	AssetID        string     `gorm:"primaryKey;size:64" json:"asset_id"`
	ReportDate     string     `gorm:"primaryKey;size:10" json:"report_date"`
	ReportType     string     `gorm:"size:16" json:"report_type"`
	EPS            null.Float `gorm:"column:eps" json:"eps"`
	NetIncome      null.Float `json:"net_income"`
	Revenue        null.Float `json:"revenue"`
	DividendAmount null.Float `json:"dividend_amount"`
	Currency       string     `gorm:"size:3" json:"currency"`
	Source         string     `gorm:"size:32" json:"source"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (FinancialReport) TableName() string { return "financial_fundamentals" }

// Date parses ReportDate.
func (r FinancialReport) Date() (time.Time, error) {
	return time.Parse(DateLayout, r.ReportDate)
}

// Dividend is one cash distribution.
type Dividend struct {
	AssetID  string    `gorm:"primaryKey;size:64" json:"asset_id"`
	ExDate   string    `gorm:"primaryKey;size:10" json:"ex_date"`
	PayDate  string    `gorm:"size:10" json:"pay_date,omitempty"`
	Amount   float64   `json:"amount"`
	Currency string    `gorm:"size:3" json:"currency,omitempty"`
	Source   string    `gorm:"size:32" json:"source"`
	Updated  time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Dividend) TableName() string { return "dividend_fact" }

// Split is one share split or consolidation, Numerator-for-Denominator.
type Split struct {
	AssetID     string    `gorm:"primaryKey;size:64" json:"asset_id"`
	Date        string    `gorm:"primaryKey;size:10" json:"date"`
	Numerator   float64   `json:"numerator"`
	Denominator float64   `json:"denominator"`
	Source      string    `gorm:"size:32" json:"source"`
	Updated     time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Split) TableName() string { return "split_fact" }

// Ratio returns the split factor, 0 when malformed.
func (s Split) Ratio() float64 {
	if s.Denominator == 0 {
		return 0
	}
	return s.Numerator / s.Denominator
}
