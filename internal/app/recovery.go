package app

import (
	"context"
	"time"

	"go.uber.org/multierr"
)

// RecoveryResult summarises one recovery pass.
type RecoveryResult struct {
	Pending   int
	Processed int
	Failed    int
}

// Recover re-drives raw payloads the ETL never finished, in insertion order.
// Each payload is independent: a failure leaves it unprocessed for the next
// pass and the rest still run.
func (a *App) Recover(ctx context.Context) (*RecoveryResult, error) {
	start := time.Now()
	raw := a.Storage.RawStorage()

	ids, err := raw.Unprocessed(ctx)
	if err != nil {
		return nil, err
	}
	res := &RecoveryResult{Pending: len(ids)}
	if len(ids) == 0 {
		a.Metrics.RawBacklog(0)
		a.Logger.Debug().Msg("Recovery: no unprocessed raw payloads")
		return res, nil
	}

	a.Logger.Info().Int("pending", len(ids)).Msg("Recovery: re-processing raw payloads")

	var errs error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		report, err := a.Processor.ProcessRaw(ctx, id)
		if err != nil {
			res.Failed++
			errs = multierr.Append(errs, err)
			a.Logger.Warn().Err(err).Int64("raw_id", id).Msg("Recovery: payload still failing")
			continue
		}
		res.Processed++
		if report != nil && len(report.Warnings) > 0 {
			a.Logger.Info().Int64("raw_id", id).Str("asset_id", report.AssetID).Int("warnings", len(report.Warnings)).Msg("Recovery: payload processed with warnings")
		}
	}

	a.Metrics.RawBacklog(res.Pending - res.Processed)
	a.Logger.Info().
		Int("processed", res.Processed).
		Int("failed", res.Failed).
		Dur("elapsed", time.Since(start)).
		Msg("Recovery: complete")
	return res, errs
}
