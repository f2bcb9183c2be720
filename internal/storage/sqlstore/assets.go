package sqlstore

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/models"
)

// AssetStore implements interfaces.AssetStorage.
type AssetStore struct {
	db *gorm.DB
}

var _ interfaces.AssetStorage = (*AssetStore)(nil)

func (s *AssetStore) GetAsset(ctx context.Context, assetID string) (*models.Asset, error) {
	var rows []models.Asset
	if err := s.db.WithContext(ctx).Where("asset_id = ?", assetID).Limit(1).Find(&rows).Error; err != nil {
		return nil, wrap("get asset", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *AssetStore) AssetExists(ctx context.Context, assetID string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Asset{}).Where("asset_id = ?", assetID).Count(&n).Error; err != nil {
		return false, wrap("asset exists", err)
	}
	return n > 0, nil
}

// SaveAssets keeps fetch bookkeeping columns when an existing asset is
// upserted.
func (s *AssetStore) SaveAssets(ctx context.Context, assets []models.Asset, mode interfaces.ConflictMode) (int, error) {
	return save(ctx, s.db, "save assets", assets, mode, &partialUpdate{
		keys:    []string{"asset_id"},
		columns: []string{"name", "market", "asset_type", "currency", "industry", "sector", "updated_at"},
	})
}

// ListAssets returns assets ordered by id; an empty market lists all.
func (s *AssetStore) ListAssets(ctx context.Context, market string) ([]models.Asset, error) {
	q := s.db.WithContext(ctx).Order("asset_id")
	if market != "" {
		q = q.Where("market = ?", market)
	}
	var rows []models.Asset
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrap("list assets", err)
	}
	return rows, nil
}

func (s *AssetStore) TouchFundamentals(ctx context.Context, assetID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Asset{}).
		Where("asset_id = ?", assetID).
		Update("fundamentals_fetched_at", at).Error
	return wrap("touch fundamentals", err)
}

func (s *AssetStore) TouchCorporateActions(ctx context.Context, assetID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Asset{}).
		Where("asset_id = ?", assetID).
		Update("corporate_actions_fetched_at", at).Error
	return wrap("touch corporate actions", err)
}

// LookupAlias returns every alias row of a symbol, best priority first.
func (s *AssetStore) LookupAlias(ctx context.Context, symbol string) ([]models.SymbolAlias, error) {
	var rows []models.SymbolAlias
	err := s.db.WithContext(ctx).
		Where("symbol = ?", strings.ToUpper(strings.TrimSpace(symbol))).
		Order("priority, canonical_id").
		Find(&rows).Error
	if err != nil {
		return nil, wrap("lookup alias", err)
	}
	return rows, nil
}

func (s *AssetStore) SaveAliases(ctx context.Context, aliases []models.SymbolAlias, mode interfaces.ConflictMode) (int, error) {
	for i := range aliases {
		aliases[i].Symbol = strings.ToUpper(strings.TrimSpace(aliases[i].Symbol))
	}
	return save(ctx, s.db, "save aliases", aliases, mode, nil)
}

func (s *AssetStore) SaveClassifications(ctx context.Context, rows []models.AssetClassification, mode interfaces.ConflictMode) (int, error) {
	return save(ctx, s.db, "save classifications", rows, mode, nil)
}

func (s *AssetStore) SaveSectorProxies(ctx context.Context, rows []models.SectorProxy, mode interfaces.ConflictMode) (int, error) {
	return save(ctx, s.db, "save sector proxies", rows, mode, nil)
}
