package sqlstore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/models"
)

// HistoryStore implements interfaces.HistoryStorage over market_data_daily
// and market_snapshot.
type HistoryStore struct {
	db *gorm.DB
}

var _ interfaces.HistoryStorage = (*HistoryStore)(nil)

// UpsertBars merges incoming bars over existing rows. Optional columns the
// incoming bar leaves null keep their stored value. Bars for several assets
// may be mixed.
func (s *HistoryStore) UpsertBars(ctx context.Context, bars []models.DailyBar) error {
	if len(bars) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		byAsset := make(map[string][]int)
		for i, b := range bars {
			byAsset[b.AssetID] = append(byAsset[b.AssetID], i)
		}
		merged := make([]models.DailyBar, len(bars))
		copy(merged, bars)

		for assetID, idx := range byAsset {
			lo, hi := merged[idx[0]].Timestamp, merged[idx[0]].Timestamp
			for _, i := range idx {
				if merged[i].Timestamp < lo {
					lo = merged[i].Timestamp
				}
				if merged[i].Timestamp > hi {
					hi = merged[i].Timestamp
				}
			}
			var existing []models.DailyBar
			if err := tx.Where("asset_id = ? AND timestamp BETWEEN ? AND ?", assetID, lo, hi).
				Find(&existing).Error; err != nil {
				return err
			}
			if len(existing) == 0 {
				continue
			}
			old := make(map[string]models.DailyBar, len(existing))
			for _, e := range existing {
				old[e.Timestamp] = e
			}
			for _, i := range idx {
				if prev, ok := old[merged[i].Timestamp]; ok {
					merged[i].BarFields.FillNullFrom(prev.BarFields)
					merged[i].Indicators.FillNullFrom(prev.Indicators)
				}
			}
		}
		return writeBars(tx, merged)
	})
	return wrap("upsert bars", err)
}

// ReplaceBars writes bars as given, overwriting every column.
func (s *HistoryStore) ReplaceBars(ctx context.Context, bars []models.DailyBar) error {
	if len(bars) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return writeBars(tx, bars)
	})
	return wrap("replace bars", err)
}

func writeBars(tx *gorm.DB, bars []models.DailyBar) error {
	now := time.Now().UTC()
	for i := range bars {
		bars[i].UpdatedAt = now
	}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(bars, batchSize).Error
}

func (s *HistoryStore) LatestBar(ctx context.Context, assetID string) (*models.DailyBar, error) {
	var rows []models.DailyBar
	err := s.db.WithContext(ctx).
		Where("asset_id = ?", assetID).
		Order("timestamp DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, wrap("latest bar", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// BarsBetween returns bars with start <= timestamp <= end. Either bound may be
// empty; a date-only end includes the whole day.
func (s *HistoryStore) BarsBetween(ctx context.Context, assetID, start, end string) ([]models.DailyBar, error) {
	q := s.db.WithContext(ctx).Where("asset_id = ?", assetID)
	if start != "" {
		q = q.Where("timestamp >= ?", start)
	}
	if end != "" {
		if len(end) == len(models.DateLayout) {
			end += " 23:59:59"
		}
		q = q.Where("timestamp <= ?", end)
	}
	var rows []models.DailyBar
	if err := q.Order("timestamp").Find(&rows).Error; err != nil {
		return nil, wrap("bars between", err)
	}
	return rows, nil
}

func (s *HistoryStore) AllBars(ctx context.Context, assetID string) ([]models.DailyBar, error) {
	var rows []models.DailyBar
	if err := s.db.WithContext(ctx).Where("asset_id = ?", assetID).Order("timestamp").Find(&rows).Error; err != nil {
		return nil, wrap("all bars", err)
	}
	return rows, nil
}

// AssetLatestDate returns the trading date of the newest stored bar.
func (s *HistoryStore) AssetLatestDate(ctx context.Context, assetID string) (time.Time, bool, error) {
	bar, err := s.LatestBar(ctx, assetID)
	if err != nil || bar == nil {
		return time.Time{}, false, err
	}
	d, err := time.Parse(models.DateLayout, bar.Date())
	if err != nil {
		return time.Time{}, false, wrap("latest date", err)
	}
	return d, true, nil
}

func (s *HistoryStore) UpsertSnapshot(ctx context.Context, snap *models.Snapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(snap).Error
	return wrap("upsert snapshot", err)
}

func (s *HistoryStore) Snapshot(ctx context.Context, assetID string) (*models.Snapshot, error) {
	var rows []models.Snapshot
	if err := s.db.WithContext(ctx).Where("asset_id = ?", assetID).Limit(1).Find(&rows).Error; err != nil {
		return nil, wrap("snapshot", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
