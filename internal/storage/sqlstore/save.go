package sqlstore

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/interfaces"
)

const batchSize = 200

// partialUpdate limits an upsert to some columns of a keyed table.
type partialUpdate struct {
	keys    []string
	columns []string
}

func (p *partialUpdate) clause() clause.OnConflict {
	cols := make([]clause.Column, len(p.keys))
	for i, k := range p.keys {
		cols[i] = clause.Column{Name: k}
	}
	return clause.OnConflict{Columns: cols, DoUpdates: clause.AssignmentColumns(p.columns)}
}

// save writes rows under a conflict mode. With upsert, only the partial
// columns are overwritten when given, otherwise every non-key column is.
func save[T any](ctx context.Context, db *gorm.DB, op string, rows []T, mode interfaces.ConflictMode, partial *partialUpdate) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	var onConflict []clause.Expression
	switch mode {
	case interfaces.ConflictUpsert, "":
		if partial != nil {
			onConflict = append(onConflict, partial.clause())
		} else {
			onConflict = append(onConflict, clause.OnConflict{UpdateAll: true})
		}
	case interfaces.ConflictIgnore:
		onConflict = append(onConflict, clause.OnConflict{DoNothing: true})
	case interfaces.ConflictFail:
	default:
		return 0, common.NewInputError(op, string(mode), "unknown conflict mode")
	}

	var affected int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(onConflict...).CreateInBatches(rows, batchSize)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		if mode == interfaces.ConflictFail {
			return 0, conflictErr(op, err)
		}
		return 0, wrap(op, err)
	}
	if mode == interfaces.ConflictIgnore {
		return int(affected), nil
	}
	return len(rows), nil
}
