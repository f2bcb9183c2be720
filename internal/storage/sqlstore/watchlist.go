package sqlstore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/models"
)

// WatchlistStore implements interfaces.WatchlistStorage.
type WatchlistStore struct {
	db *gorm.DB
}

var _ interfaces.WatchlistStorage = (*WatchlistStore)(nil)

// Add inserts entries; an entry already listed keeps its added_at.
func (s *WatchlistStore) Add(ctx context.Context, entries []models.WatchlistEntry) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range entries {
		if entries[i].AddedAt.IsZero() {
			entries[i].AddedAt = now
		}
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "asset_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"market", "display_name", "section"}),
		}).
		CreateInBatches(entries, batchSize).Error
	return wrap("add watchlist", err)
}

func (s *WatchlistStore) Remove(ctx context.Context, assetID string) error {
	err := s.db.WithContext(ctx).Where("asset_id = ?", assetID).Delete(&models.WatchlistEntry{}).Error
	return wrap("remove watchlist", err)
}

// List returns entries in the order they were added; an empty market lists
// all.
func (s *WatchlistStore) List(ctx context.Context, market string) ([]models.WatchlistEntry, error) {
	q := s.db.WithContext(ctx).Order("added_at, asset_id")
	if market != "" {
		q = q.Where("market = ?", market)
	}
	var rows []models.WatchlistEntry
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrap("list watchlist", err)
	}
	return rows, nil
}
