package sqlstore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/models"
)

// FundamentalsStore implements interfaces.FundamentalsStorage.
type FundamentalsStore struct {
	db *gorm.DB
}

var _ interfaces.FundamentalsStorage = (*FundamentalsStore)(nil)

func (s *FundamentalsStore) UpsertReports(ctx context.Context, reports []models.FinancialReport) error {
	if len(reports) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range reports {
		reports[i].UpdatedAt = now
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(reports, batchSize).Error
	})
	return wrap("upsert reports", err)
}

// Reports returns an asset's reports ordered by report date.
func (s *FundamentalsStore) Reports(ctx context.Context, assetID string) ([]models.FinancialReport, error) {
	var rows []models.FinancialReport
	if err := s.db.WithContext(ctx).Where("asset_id = ?", assetID).Order("report_date").Find(&rows).Error; err != nil {
		return nil, wrap("reports", err)
	}
	return rows, nil
}
