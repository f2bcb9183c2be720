package sqlstore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/models"
)

// ActionStore implements interfaces.CorporateActionStorage.
type ActionStore struct {
	db *gorm.DB
}

var _ interfaces.CorporateActionStorage = (*ActionStore)(nil)

func (s *ActionStore) UpsertDividends(ctx context.Context, rows []models.Dividend) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(rows, batchSize).Error
	return wrap("upsert dividends", err)
}

func (s *ActionStore) UpsertSplits(ctx context.Context, rows []models.Split) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(rows, batchSize).Error
	return wrap("upsert splits", err)
}

// LatestActionDate returns the newest dividend ex-date or split date.
func (s *ActionStore) LatestActionDate(ctx context.Context, assetID string) (time.Time, bool, error) {
	var div, split []string
	db := s.db.WithContext(ctx)
	if err := db.Model(&models.Dividend{}).Where("asset_id = ?", assetID).
		Order("ex_date DESC").Limit(1).Pluck("ex_date", &div).Error; err != nil {
		return time.Time{}, false, wrap("latest action date", err)
	}
	if err := db.Model(&models.Split{}).Where("asset_id = ?", assetID).
		Order("date DESC").Limit(1).Pluck("date", &split).Error; err != nil {
		return time.Time{}, false, wrap("latest action date", err)
	}

	latest := ""
	for _, list := range [][]string{div, split} {
		if len(list) > 0 && list[0] > latest {
			latest = list[0]
		}
	}
	if latest == "" {
		return time.Time{}, false, nil
	}
	d, err := time.Parse(models.DateLayout, latest)
	if err != nil {
		return time.Time{}, false, wrap("latest action date", err)
	}
	return d, true, nil
}

func (s *ActionStore) Dividends(ctx context.Context, assetID string) ([]models.Dividend, error) {
	var rows []models.Dividend
	if err := s.db.WithContext(ctx).Where("asset_id = ?", assetID).Order("ex_date").Find(&rows).Error; err != nil {
		return nil, wrap("dividends", err)
	}
	return rows, nil
}

func (s *ActionStore) Splits(ctx context.Context, assetID string) ([]models.Split, error) {
	var rows []models.Split
	if err := s.db.WithContext(ctx).Where("asset_id = ?", assetID).Order("date").Find(&rows).Error; err != nil {
		return nil, wrap("splits", err)
	}
	return rows, nil
}
