package fetcher

import (
	"context"
	"time"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/models"
	"github.com/bobmcallan/marketcore/internal/symbols"
)

// Corporate action fetch modes
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
)

// Backfill fetches years of daily history regardless of what is stored.
// Zero years fetches everything the provider has.
func (s *Service) Backfill(ctx context.Context, assetID, market string, years int) (*Outcome, error) {
	if _, _, err := s.calendar.IsOpen(market, s.now()); err != nil {
		return nil, err
	}
	release, err := s.locks.acquire(ctx, assetID)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := s.requireAsset(ctx, "backfill", assetID); err != nil {
		return nil, err
	}

	var rng models.HistoryRange
	if years > 0 {
		rng.Start = s.now().AddDate(-years, 0, 0)
	}
	out := &Outcome{AssetID: assetID, Decision: DecisionDaily}
	s.fetchFrame(ctx, out, assetID, market, common.KindDaily, func(ctx context.Context, p interfaces.Provider) (*models.ProviderFrame, error) {
		return p.FetchHistory(ctx, assetID, market, rng)
	})
	if snap, err := s.storage.HistoryStorage().Snapshot(ctx, assetID); err == nil {
		out.Snapshot = snap
	}
	s.logger.Info().Str("asset_id", assetID).Int("years", years).Str("source", out.Source).Err(out.Err).Msg("Backfill complete")
	return out, nil
}

// RefreshFundamentals fetches fiscal reports for a stock and reruns the
// fundamentals-derived columns.
func (s *Service) RefreshFundamentals(ctx context.Context, assetID string) (*Outcome, error) {
	id, err := parseAsset(assetID)
	if err != nil {
		return nil, err
	}
	release, err := s.locks.acquire(ctx, assetID)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := s.requireAsset(ctx, "refresh fundamentals", assetID); err != nil {
		return nil, err
	}

	out := &Outcome{AssetID: assetID}
	if id.Type != models.TypeStock {
		out.Decision = DecisionSkip
		out.Reason = "no fundamentals for " + id.Type
		return out, nil
	}
	out.Decision = DecisionDaily
	s.fetchFundamentals(ctx, out, assetID, id.Market)
	return out, nil
}

// refreshFundamentalsIfStale runs under the asset lock after a successful
// price fetch. Its failure leaves a partial snapshot rather than failing the
// refresh.
func (s *Service) refreshFundamentalsIfStale(ctx context.Context, out *Outcome, assetID string, force bool) {
	id, err := symbols.ParseAssetID(assetID)
	if err != nil || id.Type != models.TypeStock {
		return
	}
	asset, err := s.storage.AssetStorage().GetAsset(ctx, assetID)
	if err != nil || asset == nil {
		return
	}
	if !force && asset.FundamentalsFetchedAt.Valid &&
		common.IsFreshAt(asset.FundamentalsFetchedAt.Time, s.fundamentalsTTL, s.now()) {
		return
	}

	sub := &Outcome{AssetID: assetID}
	s.fetchFundamentals(ctx, sub, assetID, id.Market)
	out.ProviderCalls += sub.ProviderCalls
	out.Warnings = append(out.Warnings, sub.Warnings...)
	if sub.Err != nil {
		s.logger.Warn().Err(sub.Err).Str("asset_id", assetID).Msg("Fundamentals refresh failed, snapshot stays partial")
	}
}

func (s *Service) fetchFundamentals(ctx context.Context, out *Outcome, assetID, market string) {
	res, err := failover(ctx, s, assetID, market, common.KindFundamentals, func(ctx context.Context, p interfaces.Provider) ([]models.FinancialReport, error) {
		fp, ok := p.(interfaces.FundamentalsProvider)
		if !ok {
			return nil, errNotCapable
		}
		reports, err := fp.FetchFundamentals(ctx, assetID)
		if err != nil {
			return nil, err
		}
		if len(reports) == 0 {
			return nil, common.NewProviderError(p.Name(), assetID, 0, common.ErrEmptyResponse)
		}
		return reports, nil
	})
	out.ProviderCalls += res.calls
	if err != nil {
		out.Err = err
		return
	}
	out.Source = res.source
	frame := &models.ProviderFrame{Source: res.source, DataType: models.PeriodFundamentals, Market: market, Reports: res.value}
	s.journal(ctx, out, assetID, market, res.source, frame)
	if out.Err == nil {
		if err := s.storage.AssetStorage().TouchFundamentals(ctx, assetID, s.now()); err != nil {
			out.Err = err
		}
	}
}

// FetchCorporateActions fetches dividends and splits. Incremental mode starts
// from the latest stored action date; full mode fetches everything.
func (s *Service) FetchCorporateActions(ctx context.Context, assetID, mode string) (*Outcome, error) {
	if mode != ModeFull && mode != ModeIncremental {
		return nil, common.NewInputError("fetch corporate actions", mode, "mode must be %s or %s", ModeFull, ModeIncremental)
	}
	id, err := parseAsset(assetID)
	if err != nil {
		return nil, err
	}
	release, err := s.locks.acquire(ctx, assetID)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := s.requireAsset(ctx, "fetch corporate actions", assetID); err != nil {
		return nil, err
	}

	var since time.Time
	if mode == ModeIncremental {
		latest, ok, err := s.storage.CorporateActionStorage().LatestActionDate(ctx, assetID)
		if err != nil {
			return &Outcome{AssetID: assetID, Err: err}, nil
		}
		if ok {
			since = latest
		}
	}

	type actions struct {
		dividends []models.Dividend
		splits    []models.Split
	}
	out := &Outcome{AssetID: assetID, Decision: DecisionDaily}
	res, err := failover(ctx, s, assetID, id.Market, common.KindCorporateActions, func(ctx context.Context, p interfaces.Provider) (actions, error) {
		cp, ok := p.(interfaces.CorporateActionsProvider)
		if !ok {
			return actions{}, errNotCapable
		}
		divs, splits, err := cp.FetchCorporateActions(ctx, assetID, since)
		return actions{divs, splits}, err
	})
	out.ProviderCalls = res.calls
	if err != nil {
		out.Err = err
		return out, nil
	}
	out.Source = res.source

	// an empty answer is a valid "nothing new"; still stamp the fetch
	if len(res.value.dividends)+len(res.value.splits) > 0 {
		frame := &models.ProviderFrame{
			Source:    res.source,
			DataType:  models.PeriodCorporateActions,
			Market:    id.Market,
			Dividends: res.value.dividends,
			Splits:    res.value.splits,
		}
		s.journal(ctx, out, assetID, id.Market, res.source, frame)
	}
	if out.Err == nil {
		if err := s.storage.AssetStorage().TouchCorporateActions(ctx, assetID, s.now()); err != nil {
			out.Err = err
		}
	}
	s.logger.Info().
		Str("asset_id", assetID).
		Str("mode", mode).
		Str("source", out.Source).
		Int("dividends", len(res.value.dividends)).
		Int("splits", len(res.value.splits)).
		Msg("Corporate actions fetched")
	return out, nil
}

func parseAsset(assetID string) (symbols.AssetID, error) {
	id, err := symbols.ParseAssetID(assetID)
	if err != nil {
		return id, &common.InputError{Op: "parse asset id", Input: assetID, Reason: err}
	}
	return id, nil
}
