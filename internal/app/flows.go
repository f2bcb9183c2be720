package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/models"
	"github.com/bobmcallan/marketcore/internal/services/fetcher"
	"github.com/bobmcallan/marketcore/internal/symbols"
)

// resolveAsset turns user input into a canonical id and its parts.
func (a *App) resolveAsset(ctx context.Context, raw string, hints symbols.Hints) (symbols.AssetID, error) {
	resolved, err := a.Resolver.Resolve(ctx, raw, hints)
	if err != nil {
		return symbols.AssetID{}, err
	}
	id, err := symbols.ParseAssetID(resolved)
	if err != nil {
		return symbols.AssetID{}, &common.InputError{Op: "resolve", Input: raw, Reason: err}
	}
	return id, nil
}

// historyYears maps a CLI years value: zero means the configured default,
// negative means everything the provider has.
func (a *App) historyYears(years int) int {
	switch {
	case years < 0:
		return 0
	case years == 0:
		return a.Config.History.DefaultYears
	default:
		return years
	}
}

// ResetResult summarises a reset-and-redownload run.
type ResetResult struct {
	RunID      string
	Imported   int
	Rejected   int
	Backfilled int
	Failed     int
}

// ResetAndRedownload truncates the core tables, imports symbols.txt and
// refetches history and fundamentals for every imported asset. Reference
// tables (aliases, classifications, sector proxies) survive the reset.
func (a *App) ResetAndRedownload(ctx context.Context, symbolsPath string, years int) (*ResetResult, error) {
	res := &ResetResult{RunID: uuid.NewString()}
	logger := a.Logger.With().Str("run_id", res.RunID).Logger()
	start := time.Now()

	if err := a.Storage.ResetCore(ctx); err != nil {
		return res, err
	}
	logger.Info().Msg("Reset: core tables truncated")

	imported, importErr := a.ImportSymbolsFromFile(ctx, symbolsPath, interfaces.ConflictUpsert)
	if imported == nil {
		return res, importErr
	}
	res.Imported = imported.Saved
	res.Rejected = imported.Rejected
	errs := importErr

	years = a.historyYears(years)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, a.Config.Scheduler.Concurrency))
	for _, asset := range imported.Assets {
		g.Go(func() error {
			err := a.downloadAsset(gctx, asset, years)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				errs = multierr.Append(errs, err)
			} else {
				res.Backfilled++
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.Info().
		Int("imported", res.Imported).
		Int("rejected", res.Rejected).
		Int("backfilled", res.Backfilled).
		Int("failed", res.Failed).
		Dur("elapsed", time.Since(start)).
		Msg("Reset: redownload complete")
	return res, errs
}

// downloadAsset backfills history, then fundamentals for stocks. A
// fundamentals failure is reported but keeps the history.
func (a *App) downloadAsset(ctx context.Context, asset models.Asset, years int) error {
	out, err := a.Fetcher.Backfill(ctx, asset.AssetID, asset.Market, years)
	if err != nil {
		return err
	}
	if out.Err != nil {
		return out.Err
	}
	if asset.AssetType != models.TypeStock {
		return nil
	}
	fund, err := a.Fetcher.RefreshFundamentals(ctx, asset.AssetID)
	if err != nil {
		return err
	}
	return fund.Err
}

// AddAssetRequest describes one add-asset run.
type AddAssetRequest struct {
	Symbol       string
	Name         string
	Market       string
	Type         string
	HistoryYears int
}

// AddAssetResult reports each stage of an add-asset run.
type AddAssetResult struct {
	Asset        models.Asset
	History      *fetcher.Outcome
	Fundamentals *fetcher.Outcome
	Actions      *fetcher.Outcome
}

// AddAsset resolves a symbol, registers it on the watchlist and downloads
// its history, fundamentals and corporate actions. Stage failures after the
// asset is saved are aggregated; a failed history download still leaves the
// asset registered for the next scheduled pass.
func (a *App) AddAsset(ctx context.Context, req AddAssetRequest) (*AddAssetResult, error) {
	market, err := parseMarket(req.Market)
	if err != nil {
		return nil, err
	}
	id, err := a.resolveAsset(ctx, req.Symbol, symbols.Hints{Market: market, Type: req.Type})
	if err != nil {
		return nil, err
	}
	if id.Market != market {
		return nil, common.NewInputError("add asset", req.Symbol, "resolved to %s, not in market %s", id, market)
	}

	name := req.Name
	if name == "" {
		name = id.Code
	}
	asset := models.Asset{
		AssetID:   id.String(),
		Name:      name,
		Market:    id.Market,
		AssetType: id.Type,
		Currency:  models.DefaultCurrency(id.Market),
	}
	if _, err := a.Storage.AssetStorage().SaveAssets(ctx, []models.Asset{asset}, interfaces.ConflictUpsert); err != nil {
		return nil, err
	}
	if err := a.Storage.WatchlistStorage().Add(ctx, []models.WatchlistEntry{{
		AssetID: asset.AssetID, Market: asset.Market, DisplayName: name, AddedAt: a.now(),
	}}); err != nil {
		return nil, err
	}

	res := &AddAssetResult{Asset: asset}
	var errs error

	res.History, err = a.Fetcher.Backfill(ctx, asset.AssetID, asset.Market, a.historyYears(req.HistoryYears))
	errs = multierr.Append(errs, outcomeErr(res.History, err))

	if asset.AssetType == models.TypeStock {
		res.Fundamentals, err = a.Fetcher.RefreshFundamentals(ctx, asset.AssetID)
		errs = multierr.Append(errs, outcomeErr(res.Fundamentals, err))
	}
	if hasCorporateActions(asset.AssetType) {
		res.Actions, err = a.Fetcher.FetchCorporateActions(ctx, asset.AssetID, fetcher.ModeFull)
		errs = multierr.Append(errs, outcomeErr(res.Actions, err))
	}

	a.Logger.Info().
		Str("asset_id", asset.AssetID).
		Str("name", name).
		Err(errs).
		Msg("Asset added")
	return res, errs
}

func outcomeErr(out *fetcher.Outcome, err error) error {
	if err != nil {
		return err
	}
	if out != nil {
		return out.Err
	}
	return nil
}

// hasCorporateActions reports whether the asset type pays dividends or splits.
func hasCorporateActions(assetType string) bool {
	return assetType == models.TypeStock || assetType == models.TypeETF
}

// FetchCorporateActions fetches dividends and splits for one asset, or for
// every stock and ETF when all is set.
func (a *App) FetchCorporateActions(ctx context.Context, mode, asset string, all bool) ([]*fetcher.Outcome, error) {
	if mode != fetcher.ModeFull && mode != fetcher.ModeIncremental {
		return nil, common.NewInputError("fetch corporate actions", mode, "mode must be %s or %s", fetcher.ModeFull, fetcher.ModeIncremental)
	}
	if all == (asset != "") {
		return nil, common.NewInputError("fetch corporate actions", asset, "exactly one of --asset or --all is required")
	}

	var ids []string
	if all {
		assets, err := a.Storage.AssetStorage().ListAssets(ctx, "")
		if err != nil {
			return nil, err
		}
		for _, as := range assets {
			if hasCorporateActions(as.AssetType) {
				ids = append(ids, as.AssetID)
			}
		}
	} else {
		id, err := a.resolveAsset(ctx, asset, symbols.Hints{})
		if err != nil {
			return nil, err
		}
		ids = []string{id.String()}
	}

	var outcomes []*fetcher.Outcome
	var errs error
	for _, id := range ids {
		out, err := a.Fetcher.FetchCorporateActions(ctx, id, mode)
		if out != nil {
			outcomes = append(outcomes, out)
		}
		errs = multierr.Append(errs, outcomeErr(out, err))
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
	}
	a.Logger.Info().Str("mode", mode).Int("assets", len(ids)).Err(errs).Msg("Corporate actions run complete")
	return outcomes, errs
}

// Snapshot returns the stored snapshot for user input, refreshing it first
// when asked. A missing snapshot without refresh is an InputError.
func (a *App) Snapshot(ctx context.Context, raw string, refresh, force bool) (*fetcher.Outcome, error) {
	id, err := a.resolveAsset(ctx, raw, symbols.Hints{})
	if err != nil {
		return nil, err
	}
	if refresh {
		return a.Fetcher.FetchLatest(ctx, id.String(), id.Market, force)
	}
	snap, err := a.Storage.HistoryStorage().Snapshot(ctx, id.String())
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, common.NewInputError("snapshot", raw, "no snapshot stored for %s", id)
	}
	return &fetcher.Outcome{AssetID: id.String(), Decision: fetcher.DecisionSkip, Reason: "stored", Snapshot: snap}, nil
}

// History returns daily bars for user input between two optional dates.
func (a *App) History(ctx context.Context, raw, start, end string) (string, []models.DailyBar, error) {
	for _, d := range []string{start, end} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(models.DateLayout, d); err != nil {
			return "", nil, common.NewInputError("history", d, "dates must be %s", models.DateLayout)
		}
	}
	id, err := a.resolveAsset(ctx, raw, symbols.Hints{})
	if err != nil {
		return "", nil, err
	}
	bars, err := a.Storage.HistoryStorage().BarsBetween(ctx, id.String(), start, end)
	return id.String(), bars, err
}
