package fetcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/interfaces"
)

// errNotCapable marks a provider that cannot serve the requested kind; it is
// skipped without counting as a call.
var errNotCapable = errors.New("provider lacks capability")

// attempt is the result of walking the preference list once.
type attempt[T any] struct {
	value  T
	source string
	calls  int
}

// failover tries each preferred provider in order until one succeeds. No
// provider health is remembered between requests.
func failover[T any](ctx context.Context, s *Service, assetID, market, kind string,
	call func(ctx context.Context, p interfaces.Provider) (T, error)) (attempt[T], error) {

	var (
		out  attempt[T]
		errs error
	)
	for _, name := range s.providers.Preference(market, kind) {
		p, ok := s.registry[name]
		if !ok {
			s.logger.Debug().Str("provider", name).Msg("Preferred provider not registered")
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, s.providers.Timeout(name, s.defaultTimeout))
		start := time.Now()
		value, err := call(callCtx, p)
		cancel()
		if errors.Is(err, errNotCapable) {
			continue
		}
		out.calls++

		if err != nil {
			if !common.IsProviderError(err) {
				err = common.NewProviderError(name, assetID, 0, err)
			}
			s.metrics.ProviderCall(name, kind, "error", time.Since(start))
			s.logger.Warn().Err(err).
				Str("provider", name).
				Str("asset_id", assetID).
				Str("kind", kind).
				Msg("Provider failed, trying next")
			errs = multierr.Append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		s.metrics.ProviderCall(name, kind, "ok", time.Since(start))
		out.value, out.source = value, name
		return out, nil
	}

	if errs == nil {
		errs = common.NewProviderError("none", assetID, 0, common.ErrNotSupported)
	}
	return out, errs
}
