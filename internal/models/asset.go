// Package models defines data structures for marketcore
package models

import (
	"time"

	"github.com/guregu/null/v6"
)

// Markets
const (
	MarketCN    = "CN"
	MarketHK    = "HK"
	MarketUS    = "US"
	MarketWorld = "WORLD"
)

// Asset types
const (
	TypeStock  = "STOCK"
	TypeETF    = "ETF"
	TypeIndex  = "INDEX"
	TypeCrypto = "CRYPTO"
	TypeTrust  = "TRUST"
)

// Markets lists every recognised market code.
var Markets = []string{MarketCN, MarketHK, MarketUS, MarketWorld}

// AssetTypes lists every recognised asset type.
var AssetTypes = []string{TypeStock, TypeETF, TypeIndex, TypeCrypto, TypeTrust}

// IsMarket reports whether m is a recognised market code.
func IsMarket(m string) bool {
	for _, v := range Markets {
		if v == m {
			return true
		}
	}
	return false
}

// IsAssetType reports whether t is a recognised asset type.
func IsAssetType(t string) bool {
	for _, v := range AssetTypes {
		if v == t {
			return true
		}
	}
	return false
}

// DefaultCurrency returns the trading currency of a market.
func DefaultCurrency(market string) string {
	switch market {
	case MarketCN:
		return "CNY"
	case MarketHK:
		return "HKD"
	default:
		return "USD"
	}
}

// Asset is the admin-maintained record for one canonical id.
type Asset struct {
	AssetID   string `gorm:"primaryKey;size:64" json:"asset_id"`
	Name      string `gorm:"size:128" json:"name"`
	Market    string `gorm:"size:8;index" json:"market"`
	AssetType string `gorm:"size:16" json:"asset_type"`
	Currency  string `gorm:"size:3" json:"currency"` // trading currency
	Industry  string `gorm:"size:128" json:"industry,omitempty"`
	Sector    string `gorm:"size:128" json:"sector,omitempty"`

	// Freshness of the slow-moving feeds
	FundamentalsFetchedAt     null.Time `json:"fundamentals_fetched_at"`
	CorporateActionsFetchedAt null.Time `json:"corporate_actions_fetched_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Asset) TableName() string { return "assets" }

// SymbolAlias maps a raw symbol string to a canonical id.
// Lower Priority wins.
type SymbolAlias struct {
	Symbol      string `gorm:"primaryKey;size:64" json:"symbol"`
	CanonicalID string `gorm:"primaryKey;size:64" json:"canonical_id"`
	Source      string `gorm:"size:32" json:"source,omitempty"`
	Priority    int    `json:"priority"`
	IsActive    bool   `json:"is_active"`
	Note        string `gorm:"size:255" json:"note,omitempty"`
}

func (SymbolAlias) TableName() string { return "asset_symbol_map" }

// WatchlistEntry marks an asset for periodic refresh.
type WatchlistEntry struct {
	AssetID     string    `gorm:"primaryKey;size:64" json:"asset_id"`
	Market      string    `gorm:"size:8;index" json:"market"`
	DisplayName string    `gorm:"size:128" json:"display_name"`
	Section     string    `gorm:"size:64" json:"section,omitempty"` // symbols.txt section header
	AddedAt     time.Time `json:"added_at"`
}

func (WatchlistEntry) TableName() string { return "watchlist" }

// AssetClassification is one row of asset_classification.csv.
type AssetClassification struct {
	AssetID      string `gorm:"primaryKey;size:64" json:"asset_id"`
	Scheme       string `gorm:"primaryKey;size:32" json:"scheme"`
	AsOfDate     string `gorm:"primaryKey;size:10" json:"as_of_date"`
	SectorCode   string `gorm:"size:32" json:"sector_code"`
	SectorName   string `gorm:"size:128" json:"sector_name"`
	IndustryCode string `gorm:"size:32" json:"industry_code"`
	IndustryName string `gorm:"size:128" json:"industry_name"`
	IsActive     bool   `json:"is_active"`
}

func (AssetClassification) TableName() string { return "asset_classification" }

// SectorProxy is one row of sector_proxy_map.csv.
type SectorProxy struct {
	Scheme        string `gorm:"primaryKey;size:32" json:"scheme"`
	SectorCode    string `gorm:"primaryKey;size:32" json:"sector_code"`
	ProxyETFID    string `gorm:"primaryKey;column:proxy_etf_id;size:64" json:"proxy_etf_id"`
	SectorName    string `gorm:"size:128" json:"sector_name"`
	MarketIndexID string `gorm:"size:64" json:"market_index_id"`
	Priority      int    `json:"priority"`
	IsActive      bool   `json:"is_active"`
	Note          string `gorm:"size:255" json:"note,omitempty"`
}

func (SectorProxy) TableName() string { return "sector_proxy_map" }
