package app

import (
	"context"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/models"
	"github.com/bobmcallan/marketcore/internal/services/fetcher"
)

// Scheduler pass results, used as the metrics label.
const (
	passOK      = "ok"
	passFailed  = "failed"
	passRetried = "retried"
	passSkipped = "skipped"
)

// SyncResult summarises one refresh pass over a market's watchlist.
type SyncResult struct {
	RunID    string
	Market   string
	Assets   int
	Fetched  int
	Skipped  int
	Failed   int
	Outcomes []*fetcher.Outcome
}

// failedOverall is true when the pass never started or when there was work
// and none of it succeeded.
func (r *SyncResult) failedOverall() bool {
	return r == nil || (r.Assets > 0 && r.Failed == r.Assets)
}

func parseMarket(market string) (string, error) {
	m := strings.ToUpper(strings.TrimSpace(market))
	if !models.IsMarket(m) {
		return "", common.NewInputError("market", market, "must be one of %s", strings.Join(models.Markets, ", "))
	}
	return m, nil
}

// SyncMarket refreshes every watchlist asset of one market once. Per-asset
// failures are aggregated into the error; the other assets still refresh.
func (a *App) SyncMarket(ctx context.Context, market string, force bool) (*SyncResult, error) {
	market, err := parseMarket(market)
	if err != nil {
		return nil, err
	}
	entries, err := a.Storage.WatchlistStorage().List(ctx, market)
	if err != nil {
		return nil, err
	}

	res := &SyncResult{RunID: uuid.NewString(), Market: market, Assets: len(entries)}
	logger := a.Logger.With().Str("run_id", res.RunID).Str("market", market).Logger()
	start := time.Now()

	limit := a.Config.Scheduler.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	var errs error
	for _, e := range entries {
		g.Go(func() error {
			out, err := a.Fetcher.FetchLatest(gctx, e.AssetID, market, force)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed++
				errs = multierr.Append(errs, err)
			case out.Err != nil:
				res.Failed++
				res.Outcomes = append(res.Outcomes, out)
				errs = multierr.Append(errs, out.Err)
			default:
				if out.Decision == fetcher.DecisionSkip {
					res.Skipped++
				} else {
					res.Fetched++
				}
				res.Outcomes = append(res.Outcomes, out)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(res.Outcomes, func(i, j int) bool { return res.Outcomes[i].AssetID < res.Outcomes[j].AssetID })

	logger.Info().
		Int("assets", res.Assets).
		Int("fetched", res.Fetched).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Bool("force", force).
		Dur("elapsed", time.Since(start)).
		Msg("Market sync: complete")
	return res, errs
}

// ForceRefresh runs a forced pass over every market with watchlist entries.
// Closed markets whose history is current still make no provider calls.
func (a *App) ForceRefresh(ctx context.Context) ([]*SyncResult, error) {
	var results []*SyncResult
	var errs error
	for _, market := range models.Markets {
		res, err := a.SyncMarket(ctx, market, true)
		if res != nil && res.Assets > 0 {
			results = append(results, res)
		}
		errs = multierr.Append(errs, err)
		if common.IsCancelled(ctx.Err()) {
			break
		}
	}
	return results, errs
}

// StartScheduler launches one refresh loop per configured market.
func (a *App) StartScheduler() {
	cfg := a.Config.Scheduler
	if !cfg.Enabled {
		a.Logger.Info().Msg("Scheduler: disabled")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.schedulerCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.schedulerCancel = cancel
	a.schedulerDone = done

	var wg sync.WaitGroup
	for _, market := range a.scheduledMarkets() {
		interval := cfg.GetInterval(market)
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runMarket(ctx, market, interval)
		}()
		a.Logger.Info().Str("market", market).Dur("interval", interval).Msg("Scheduler: started")
	}
	go func() {
		wg.Wait()
		close(done)
	}()
}

// scheduledMarkets lists the markets with a refresh interval configured.
func (a *App) scheduledMarkets() []string {
	var out []string
	for _, market := range models.Markets {
		if a.Config.Scheduler.GetInterval(market) > 0 {
			out = append(out, market)
		}
	}
	return out
}

// StopScheduler cancels the loops and waits for in-flight passes to return.
func (a *App) StopScheduler() {
	a.mu.Lock()
	cancel, done := a.schedulerCancel, a.schedulerDone
	a.schedulerCancel, a.schedulerDone = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (a *App) runMarket(ctx context.Context, market string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.Logger.Info().Str("market", market).Msg("Scheduler: stopped")
			return
		case <-ticker.C:
			if !sleepCtx(ctx, jitter(a.Config.Scheduler.GetJitter())) {
				return
			}
			a.schedulerPass(ctx, market)
		}
	}
}

// schedulerPass prunes the raw journal, then syncs the market unless today
// is not a trading day there. A pass where every asset failed is retried once.
func (a *App) schedulerPass(ctx context.Context, market string) string {
	a.pruneRaw(ctx)

	trading, err := a.Calendar.IsTradingDay(market, a.now())
	if err != nil {
		a.Logger.Warn().Err(err).Str("market", market).Msg("Scheduler: calendar lookup failed")
		a.Metrics.SchedulerPass(market, passFailed)
		return passFailed
	}
	if !trading {
		a.Logger.Debug().Str("market", market).Msg("Scheduler: not a trading day, skipping")
		a.Metrics.SchedulerPass(market, passSkipped)
		return passSkipped
	}

	res, err := a.SyncMarket(ctx, market, false)
	if err == nil || !res.failedOverall() {
		if err != nil {
			a.Logger.Warn().Err(err).Str("market", market).Msg("Scheduler: some assets failed")
		}
		a.Metrics.SchedulerPass(market, passOK)
		return passOK
	}

	retryAfter := a.Config.Scheduler.GetRetryAfter()
	a.Logger.Warn().Err(err).Str("market", market).Dur("retry_after", retryAfter).Msg("Scheduler: pass failed, retrying once")
	if !sleepCtx(ctx, retryAfter) {
		return passFailed
	}
	res, err = a.SyncMarket(ctx, market, false)
	if err != nil && res.failedOverall() {
		a.Logger.Error().Err(err).Str("market", market).Msg("Scheduler: retry failed")
		a.Metrics.SchedulerPass(market, passFailed)
		return passFailed
	}
	a.Metrics.SchedulerPass(market, passRetried)
	return passRetried
}

// pruneRaw deletes processed raw payloads older than the retention window.
func (a *App) pruneRaw(ctx context.Context) {
	retention := a.Config.Storage.Raw.GetRetention()
	if retention <= 0 {
		return
	}
	n, err := a.Storage.RawStorage().Prune(ctx, a.now().Add(-retention))
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Raw prune failed")
		return
	}
	if n > 0 {
		a.Logger.Info().Int64("deleted", n).Dur("retention", retention).Msg("Raw prune complete")
	}
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
