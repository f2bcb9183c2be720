// Package sqlstore implements the relational core store on gorm. The same
// schema runs on SQLite for single-node installs and on PostgreSQL or MySQL.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/snowflake"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/models"
)

// Store owns the gorm handle and exposes one accessor per storage concern.
type Store struct {
	db     *gorm.DB
	logger *common.Logger

	assets       *AssetStore
	raw          *RawStore
	history      *HistoryStore
	fundamentals *FundamentalsStore
	actions      *ActionStore
	watchlist    *WatchlistStore
}

// coreModels are truncated by ResetCore.
var coreModels = []any{
	&models.Asset{},
	&models.RawPayload{},
	&models.DailyBar{},
	&models.Snapshot{},
	&models.FinancialReport{},
	&models.Dividend{},
	&models.Split{},
	&models.WatchlistEntry{},
}

// referenceModels survive ResetCore.
var referenceModels = []any{
	&models.SymbolAlias{},
	&models.AssetClassification{},
	&models.SectorProxy{},
}

// Open connects to the configured driver, sizes the pool and migrates the
// schema.
func Open(cfg common.StorageConfig, logger *common.Logger) (*Store, error) {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	dialector, err := dialect(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, &common.StorageError{Op: "open", Err: err}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, &common.StorageError{Op: "open", Err: err}
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(cfg.GetConnMaxLifetime())

	if err := db.AutoMigrate(append(append([]any{}, coreModels...), referenceModels...)...); err != nil {
		_ = sqlDB.Close()
		return nil, &common.StorageError{Op: "migrate", Err: err}
	}

	node, err := snowflake.NewNode(cfg.Raw.Node)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("invalid raw node id %d: %w", cfg.Raw.Node, err)
	}

	s := &Store{db: db, logger: logger}
	s.assets = &AssetStore{db: db}
	s.raw = &RawStore{db: db, node: node}
	s.history = &HistoryStore{db: db}
	s.fundamentals = &FundamentalsStore{db: db}
	s.actions = &ActionStore{db: db}
	s.watchlist = &WatchlistStore{db: db}

	logger.Info().Str("driver", driverName(cfg)).Msg("Relational store opened")
	return s, nil
}

func driverName(cfg common.StorageConfig) string {
	if cfg.Driver == "" {
		return "sqlite"
	}
	return strings.ToLower(cfg.Driver)
}

func dialect(cfg common.StorageConfig) (gorm.Dialector, error) {
	switch driverName(cfg) {
	case "sqlite", "sqlite3":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "data/marketcore.db"
		}
		if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, ":memory:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, &common.StorageError{Op: "open", Err: err}
			}
		}
		return sqlite.Open(dsn), nil
	case "postgres", "postgresql":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) AssetStorage() interfaces.AssetStorage                     { return s.assets }
func (s *Store) RawStorage() interfaces.RawStorage                         { return s.raw }
func (s *Store) HistoryStorage() interfaces.HistoryStorage                 { return s.history }
func (s *Store) FundamentalsStorage() interfaces.FundamentalsStorage       { return s.fundamentals }
func (s *Store) CorporateActionStorage() interfaces.CorporateActionStorage { return s.actions }
func (s *Store) WatchlistStorage() interfaces.WatchlistStorage             { return s.watchlist }

var _ interfaces.StorageManager = (*Store)(nil)

// ResetCore deletes every row of the core tables in one transaction. The
// alias map, classification and sector proxy tables are left alone.
func (s *Store) ResetCore(ctx context.Context) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range coreModels {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(m).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrap("reset", err)
	}
	s.logger.Warn().Msg("Core tables truncated")
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// wrap turns a driver error into a StorageError.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &common.StorageError{Op: op, Err: err}
}

// conflictErr reports duplicate keys under ConflictFail as caller input
// problems.
func conflictErr(op string, err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return common.NewInputError(op, "", "duplicate key: %v", err)
	}
	return wrap(op, err)
}
