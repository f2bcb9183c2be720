package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bobmcallan/marketcore/internal/imports"
	"github.com/bobmcallan/marketcore/internal/interfaces"
)

// ImportSymbolsFromFile reads a symbols.txt file and writes the asset and
// watchlist rows. Unresolvable entries are reported in the error; the rest
// are still imported.
func (a *App) ImportSymbolsFromFile(ctx context.Context, filePath string, mode interfaces.ConflictMode) (*imports.SymbolsResult, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read symbols file %s: %w", filePath, err)
	}
	defer f.Close()

	entries, err := imports.ParseSymbolsFile(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse symbols file %s: %w", filePath, err)
	}

	res, err := imports.ImportSymbols(ctx, entries, a.Resolver, a.Storage, mode, a.now())
	ev := a.Logger.Info()
	if err != nil {
		ev = a.Logger.Warn().Err(err)
	}
	ev.Str("file", filePath).
		Int("entries", len(entries)).
		Int("saved", res.Saved).
		Int("rejected", res.Rejected).
		Msg("Symbols import complete")
	return res, err
}

// ImportCSVFile loads one reference CSV. An empty kind is derived from the
// file name (asset_classification.csv, sector_proxy_map.csv, symbol_map.csv).
func (a *App) ImportCSVFile(ctx context.Context, filePath, kind string, mode interfaces.ConflictMode) (int, error) {
	if kind == "" {
		k, err := imports.KindFromFilename(filepath.Base(filePath))
		if err != nil {
			return 0, err
		}
		kind = k
	}

	f, err := os.Open(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", filePath, err)
	}
	defer f.Close()

	n, err := imports.Import(ctx, kind, f, a.Storage.AssetStorage(), mode)
	if err != nil {
		return n, err
	}
	a.Logger.Info().
		Str("file", filePath).
		Str("kind", kind).
		Str("mode", string(mode)).
		Int("rows", n).
		Msg("CSV import complete")
	return n, nil
}
