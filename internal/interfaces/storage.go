package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/marketcore/internal/models"
)

// StorageManager coordinates all storage backends
type StorageManager interface {
	AssetStorage() AssetStorage
	RawStorage() RawStorage
	HistoryStorage() HistoryStorage
	FundamentalsStorage() FundamentalsStorage
	CorporateActionStorage() CorporateActionStorage
	WatchlistStorage() WatchlistStorage

	// ResetCore truncates every core table except the admin-maintained alias
	// map, classification and sector proxy tables.
	ResetCore(ctx context.Context) error

	Close() error
}

// ConflictMode controls what an import does with an existing key.
type ConflictMode string

const (
	ConflictUpsert ConflictMode = "upsert"
	ConflictIgnore ConflictMode = "ignore"
	ConflictFail   ConflictMode = "fail"
)

// AssetStorage holds assets, aliases and classification reference data.
type AssetStorage interface {
	GetAsset(ctx context.Context, assetID string) (*models.Asset, error)
	AssetExists(ctx context.Context, assetID string) (bool, error)
	SaveAssets(ctx context.Context, assets []models.Asset, mode ConflictMode) (int, error)
	ListAssets(ctx context.Context, market string) ([]models.Asset, error)
	TouchFundamentals(ctx context.Context, assetID string, at time.Time) error
	TouchCorporateActions(ctx context.Context, assetID string, at time.Time) error

	LookupAlias(ctx context.Context, symbol string) ([]models.SymbolAlias, error)
	SaveAliases(ctx context.Context, aliases []models.SymbolAlias, mode ConflictMode) (int, error)

	SaveClassifications(ctx context.Context, rows []models.AssetClassification, mode ConflictMode) (int, error)
	SaveSectorProxies(ctx context.Context, rows []models.SectorProxy, mode ConflictMode) (int, error)
}

// RawStorage is the append-only journal of provider payloads.
type RawStorage interface {
	Insert(ctx context.Context, payload *models.RawPayload) (int64, error)
	Get(ctx context.Context, id int64) (*models.RawPayload, error)
	MarkProcessed(ctx context.Context, id int64) error
	// Unprocessed returns ids in insertion order.
	Unprocessed(ctx context.Context) ([]int64, error)
	// Prune deletes processed payloads fetched before the cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// HistoryStorage is the daily history and snapshot façade. Each call is
// transactional and reads are consistent within one call.
type HistoryStorage interface {
	// UpsertBars inserts or replaces bars, keeping non-null optional columns
	// of existing rows when the incoming row leaves them null.
	UpsertBars(ctx context.Context, bars []models.DailyBar) error
	// ReplaceBars writes bars verbatim (used after derived recomputes).
	ReplaceBars(ctx context.Context, bars []models.DailyBar) error
	LatestBar(ctx context.Context, assetID string) (*models.DailyBar, error)
	BarsBetween(ctx context.Context, assetID, start, end string) ([]models.DailyBar, error)
	AllBars(ctx context.Context, assetID string) ([]models.DailyBar, error)
	AssetLatestDate(ctx context.Context, assetID string) (time.Time, bool, error)

	UpsertSnapshot(ctx context.Context, snap *models.Snapshot) error
	Snapshot(ctx context.Context, assetID string) (*models.Snapshot, error)
}

// FundamentalsStorage holds fiscal reports keyed by (asset, report_date).
type FundamentalsStorage interface {
	UpsertReports(ctx context.Context, reports []models.FinancialReport) error
	Reports(ctx context.Context, assetID string) ([]models.FinancialReport, error)
}

// CorporateActionStorage holds dividend and split facts.
type CorporateActionStorage interface {
	UpsertDividends(ctx context.Context, rows []models.Dividend) error
	UpsertSplits(ctx context.Context, rows []models.Split) error
	LatestActionDate(ctx context.Context, assetID string) (time.Time, bool, error)
	Dividends(ctx context.Context, assetID string) ([]models.Dividend, error)
	Splits(ctx context.Context, assetID string) ([]models.Split, error)
}

// WatchlistStorage is the set of assets refreshed periodically.
type WatchlistStorage interface {
	Add(ctx context.Context, entries []models.WatchlistEntry) error
	Remove(ctx context.Context, assetID string) error
	List(ctx context.Context, market string) ([]models.WatchlistEntry, error)
}
