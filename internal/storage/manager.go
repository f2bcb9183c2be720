package storage

import (
	"context"
	"fmt"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/storage/sqlstore"
)

// Manager implements interfaces.StorageManager over the relational store,
// optionally routing the raw journal to a separate backend.
type Manager struct {
	core   *sqlstore.Store
	raw    rawJournal
	logger *common.Logger
}

// NewManager opens the configured backends.
func NewManager(ctx context.Context, logger *common.Logger, cfg common.StorageConfig) (*Manager, error) {
	core, err := sqlstore.Open(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open core store: %w", err)
	}

	raw, err := newRawJournal(ctx, logger, cfg)
	if err != nil {
		core.Close()
		return nil, fmt.Errorf("failed to open raw journal: %w", err)
	}

	backend := cfg.Raw.Backend
	if raw == nil {
		backend = RawBackendSQL
	}
	logger.Info().
		Str("driver", cfg.Driver).
		Str("raw_backend", backend).
		Msg("Storage manager initialized")

	return &Manager{core: core, raw: raw, logger: logger}, nil
}

// Core exposes the relational store, for the HTTP read endpoints.
func (m *Manager) Core() *sqlstore.Store { return m.core }

func (m *Manager) AssetStorage() interfaces.AssetStorage { return m.core.AssetStorage() }

func (m *Manager) RawStorage() interfaces.RawStorage {
	if m.raw != nil {
		return m.raw
	}
	return m.core.RawStorage()
}

func (m *Manager) HistoryStorage() interfaces.HistoryStorage { return m.core.HistoryStorage() }

func (m *Manager) FundamentalsStorage() interfaces.FundamentalsStorage {
	return m.core.FundamentalsStorage()
}

func (m *Manager) CorporateActionStorage() interfaces.CorporateActionStorage {
	return m.core.CorporateActionStorage()
}

func (m *Manager) WatchlistStorage() interfaces.WatchlistStorage { return m.core.WatchlistStorage() }

func (m *Manager) ResetCore(ctx context.Context) error {
	if err := m.core.ResetCore(ctx); err != nil {
		return err
	}
	if m.raw != nil {
		return m.raw.Truncate(ctx)
	}
	return nil
}

func (m *Manager) Close() error {
	var firstErr error
	if m.raw != nil {
		if err := m.raw.Close(); err != nil {
			firstErr = err
		}
	}
	if err := m.core.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Compile-time check
var _ interfaces.StorageManager = (*Manager)(nil)
