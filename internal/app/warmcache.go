package app

import (
	"context"
	"os"
	"time"
)

// warmCache runs recovery and a non-forced refresh of every market on
// startup so the first snapshot read after a restart is current.
func (a *App) warmCache(ctx context.Context) {
	if os.Getenv("MARKETCORE_WARM_CACHE") == "off" {
		a.Logger.Info().Msg("Warm cache: disabled via MARKETCORE_WARM_CACHE=off")
		return
	}

	start := time.Now()
	if _, err := a.Recover(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Warm cache: recovery incomplete")
	}

	fetched, failed := 0, 0
	for _, market := range a.scheduledMarkets() {
		res, err := a.SyncMarket(ctx, market, false)
		if res != nil {
			fetched += res.Fetched
			failed += res.Failed
		}
		if err != nil {
			a.Logger.Warn().Err(err).Str("market", market).Msg("Warm cache: market sync failed")
		}
		if ctx.Err() != nil {
			break
		}
	}

	a.Logger.Info().
		Int("fetched", fetched).
		Int("failed", failed).
		Dur("elapsed", time.Since(start)).
		Msg("Warm cache: complete")
}

// StartWarmCache launches the startup warm pass in the background.
// Close cancels it and waits for it to return.
func (a *App) StartWarmCache() {
	warmCtx, warmCancel := context.WithTimeout(context.Background(), 5*time.Minute)
	done := make(chan struct{})
	a.mu.Lock()
	a.warmCacheCancel = warmCancel
	a.warmCacheDone = done
	a.mu.Unlock()
	go func() {
		defer close(done)
		defer warmCancel()
		a.warmCache(warmCtx)
	}()
}
