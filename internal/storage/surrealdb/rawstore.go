package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/models"
)

const rawTable = "raw_market_data"

// rawSelectFields excludes the record id; raw_id carries the snowflake.
const rawSelectFields = "raw_id, source, asset_id, market, period, fetch_time, payload, processed"

// rawRecord is the stored shape of a payload. The JSON body is kept as a
// string so it round-trips byte for byte.
type rawRecord struct {
	RawID     int64     `json:"raw_id"`
	Source    string    `json:"source"`
	AssetID   string    `json:"asset_id"`
	Market    string    `json:"market"`
	Period    string    `json:"period"`
	FetchTime time.Time `json:"fetch_time"`
	Payload   string    `json:"payload"`
	Processed bool      `json:"processed"`
}

func (r rawRecord) payload() *models.RawPayload {
	return &models.RawPayload{
		ID:        r.RawID,
		Source:    r.Source,
		AssetID:   r.AssetID,
		Market:    r.Market,
		Period:    r.Period,
		FetchTime: r.FetchTime.UTC(),
		Payload:   []byte(r.Payload),
		Processed: r.Processed,
	}
}

// RawStore implements interfaces.RawStorage on SurrealDB.
type RawStore struct {
	db     *surrealdb.DB
	node   *snowflake.Node
	logger *common.Logger
}

var _ interfaces.RawStorage = (*RawStore)(nil)

// NewRawStore creates a RawStore generating ids on the given snowflake node.
func NewRawStore(db *surrealdb.DB, node int64, logger *common.Logger) (*RawStore, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("invalid raw node id %d: %w", node, err)
	}
	return &RawStore{db: db, node: n, logger: logger}, nil
}

func rawRID(id int64) surrealmodels.RecordID {
	return surrealmodels.NewRecordID(rawTable, id)
}

func (s *RawStore) Insert(ctx context.Context, payload *models.RawPayload) (int64, error) {
	if payload.ID == 0 {
		payload.ID = s.node.Generate().Int64()
	}
	if payload.FetchTime.IsZero() {
		payload.FetchTime = time.Now().UTC()
	}

	sql := `CREATE $rid SET
		raw_id = $raw_id, source = $source, asset_id = $asset_id, market = $market,
		period = $period, fetch_time = $fetch_time, payload = $payload, processed = $processed`
	vars := map[string]any{
		"rid":        rawRID(payload.ID),
		"raw_id":     payload.ID,
		"source":     payload.Source,
		"asset_id":   payload.AssetID,
		"market":     payload.Market,
		"period":     payload.Period,
		"fetch_time": payload.FetchTime,
		"payload":    string(payload.Payload),
		"processed":  payload.Processed,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return 0, &common.StorageError{Op: "insert raw", Err: err}
	}
	return payload.ID, nil
}

func (s *RawStore) Get(ctx context.Context, id int64) (*models.RawPayload, error) {
	sql := "SELECT " + rawSelectFields + " FROM $rid"
	results, err := surrealdb.Query[[]rawRecord](ctx, s.db, sql, map[string]any{"rid": rawRID(id)})
	if err != nil {
		return nil, &common.StorageError{Op: "get raw", Err: err}
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return (*results)[0].Result[0].payload(), nil
}

func (s *RawStore) MarkProcessed(ctx context.Context, id int64) error {
	sql := "UPDATE $rid SET processed = true"
	if _, err := surrealdb.Query[any](ctx, s.db, sql, map[string]any{"rid": rawRID(id)}); err != nil {
		return &common.StorageError{Op: "mark raw processed", Err: err}
	}
	return nil
}

func (s *RawStore) Unprocessed(ctx context.Context) ([]int64, error) {
	type idRow struct {
		RawID int64 `json:"raw_id"`
	}
	sql := "SELECT raw_id FROM " + rawTable + " WHERE processed = false ORDER BY raw_id ASC"
	results, err := surrealdb.Query[[]idRow](ctx, s.db, sql, nil)
	if err != nil {
		return nil, &common.StorageError{Op: "list unprocessed raw", Err: err}
	}
	var ids []int64
	if results != nil && len(*results) > 0 {
		for _, row := range (*results)[0].Result {
			ids = append(ids, row.RawID)
		}
	}
	return ids, nil
}

func (s *RawStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	sql := "DELETE " + rawTable + " WHERE processed = true AND fetch_time < $before RETURN BEFORE"
	results, err := surrealdb.Query[[]rawRecord](ctx, s.db, sql, map[string]any{"before": before.UTC()})
	if err != nil {
		return 0, &common.StorageError{Op: "prune raw", Err: err}
	}
	if results != nil && len(*results) > 0 {
		return int64(len((*results)[0].Result)), nil
	}
	return 0, nil
}

// Truncate deletes every payload; used by the core reset.
func (s *RawStore) Truncate(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, s.db, "DELETE "+rawTable, nil); err != nil {
		return &common.StorageError{Op: "truncate raw", Err: err}
	}
	s.logger.Warn().Msg("Raw journal truncated")
	return nil
}

// Close closes the underlying connection.
func (s *RawStore) Close() error {
	return s.db.Close(context.Background())
}
