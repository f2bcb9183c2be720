// Package storage wires the relational core store and the raw payload
// journal into one interfaces.StorageManager.
package storage

import (
	"context"
	"fmt"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/storage/surrealdb"
)

// Raw journal backends.
const (
	RawBackendSQL     = "sql"
	RawBackendSurreal = "surrealdb"
)

// rawJournal is a RawStorage the manager owns separately from the core store.
type rawJournal interface {
	interfaces.RawStorage
	Truncate(ctx context.Context) error
	Close() error
}

// newRawJournal returns nil for the sql backend, meaning the core store's own
// raw table is used.
func newRawJournal(ctx context.Context, logger *common.Logger, cfg common.StorageConfig) (rawJournal, error) {
	backend := cfg.Raw.Backend
	if backend == "" {
		backend = RawBackendSQL
	}

	switch backend {
	case RawBackendSQL:
		return nil, nil

	case RawBackendSurreal:
		db, err := surrealdb.Connect(ctx, cfg.SurrealDB, logger)
		if err != nil {
			return nil, &common.StorageError{Op: "open raw journal", Err: err}
		}
		store, err := surrealdb.NewRawStore(db, cfg.Raw.Node, logger)
		if err != nil {
			db.Close(ctx)
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown raw backend: %s (supported: sql, surrealdb)", backend)
	}
}
