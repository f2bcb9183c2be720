package sqlstore

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/models"
)

// RawStore implements interfaces.RawStorage on the raw_market_data table.
// Ids are snowflakes, so id order is insertion order on one node.
type RawStore struct {
	db   *gorm.DB
	node *snowflake.Node
}

var _ interfaces.RawStorage = (*RawStore)(nil)

func (s *RawStore) Insert(ctx context.Context, payload *models.RawPayload) (int64, error) {
	if payload.ID == 0 {
		payload.ID = s.node.Generate().Int64()
	}
	if payload.FetchTime.IsZero() {
		payload.FetchTime = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(payload).Error; err != nil {
		return 0, wrap("insert raw", err)
	}
	return payload.ID, nil
}

func (s *RawStore) Get(ctx context.Context, id int64) (*models.RawPayload, error) {
	var rows []models.RawPayload
	if err := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&rows).Error; err != nil {
		return nil, wrap("get raw", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *RawStore) MarkProcessed(ctx context.Context, id int64) error {
	err := s.db.WithContext(ctx).Model(&models.RawPayload{}).
		Where("id = ?", id).
		Update("processed", true).Error
	return wrap("mark raw processed", err)
}

func (s *RawStore) Unprocessed(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&models.RawPayload{}).
		Where("processed = ?", false).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, wrap("list unprocessed raw", err)
	}
	return ids, nil
}

func (s *RawStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("processed = ? AND fetch_time < ?", true, before).
		Delete(&models.RawPayload{})
	if res.Error != nil {
		return 0, wrap("prune raw", res.Error)
	}
	return res.RowsAffected, nil
}
