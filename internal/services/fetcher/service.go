// Package fetcher decides when and from where market data is fetched. It
// routes requests through the provider preference list, journals every
// provider response and hands it to the ETL.
package fetcher

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/etl"
	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/metrics"
	"github.com/bobmcallan/marketcore/internal/models"
)

// Decisions
const (
	DecisionSkip   = "skip"
	DecisionMinute = "minute"
	DecisionDaily  = "daily"
)

// Calendar is the subset of the market calendar the orchestrator uses.
type Calendar interface {
	IsOpen(market string, at time.Time) (bool, string, error)
	LastTradingDay(market string, at time.Time) (time.Time, error)
}

// RawProcessor applies one journaled payload.
type RawProcessor interface {
	ProcessRaw(ctx context.Context, id int64) (*etl.Report, error)
}

// Outcome reports what one FetchLatest call did. Err carries a provider or
// storage failure; Snapshot is then the previously stored one, if any.
type Outcome struct {
	AssetID       string
	Decision      string
	Reason        string
	Snapshot      *models.Snapshot
	Source        string
	ProviderCalls int
	Warnings      []common.DataQualityWarning
	Err           error
}

// Service is the fetcher orchestrator.
type Service struct {
	storage   interfaces.StorageManager
	calendar  Calendar
	processor RawProcessor
	providers *common.ProvidersConfig
	registry  map[string]interfaces.Provider
	locks     *assetLocks
	metrics   *metrics.Metrics
	logger    *common.Logger
	now       func() time.Time

	defaultTimeout  time.Duration
	historyYears    int
	smallGapDays    int
	fundamentalsTTL time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithHistory sets backfill depth, the small-gap threshold and the
// fundamentals freshness window.
func WithHistory(cfg common.HistoryConfig) Option {
	return func(s *Service) {
		if cfg.DefaultYears > 0 {
			s.historyYears = cfg.DefaultYears
		}
		if cfg.SmallGapDays > 0 {
			s.smallGapDays = cfg.SmallGapDays
		}
		s.fundamentalsTTL = cfg.GetFundamentalsTTL()
	}
}

// WithDefaultTimeout sets the per-call timeout for providers without one in
// the provider config.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.defaultTimeout = d
		}
	}
}

// NewService wires the orchestrator. Providers are keyed by Name().
func NewService(
	storage interfaces.StorageManager,
	calendar Calendar,
	processor RawProcessor,
	providers *common.ProvidersConfig,
	registry []interfaces.Provider,
	logger *common.Logger,
	opts ...Option,
) *Service {
	if providers == nil {
		providers = common.NewDefaultProvidersConfig()
	}
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	s := &Service{
		storage:         storage,
		calendar:        calendar,
		processor:       processor,
		providers:       providers,
		registry:        make(map[string]interfaces.Provider, len(registry)),
		locks:           newAssetLocks(),
		logger:          logger,
		now:             time.Now,
		defaultTimeout:  10 * time.Second,
		historyYears:    5,
		smallGapDays:    7,
		fundamentalsTTL: common.FreshnessFundamentals,
	}
	for _, p := range registry {
		s.registry[p.Name()] = p
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchLatest refreshes one asset and returns its snapshot.
//
// An open market always gets a minute fetch. A closed market whose history
// already covers the last trading day is skipped even under force; otherwise
// the gap is filled with a daily fetch. The error return is reserved for
// misuse such as an unknown market or an unregistered asset; provider and
// storage failures are reported in Outcome.Err.
func (s *Service) FetchLatest(ctx context.Context, assetID, market string, force bool) (*Outcome, error) {
	release, err := s.locks.acquire(ctx, assetID)
	if err != nil {
		return nil, err
	}
	defer release()

	// the clock is read under the lock
	now := s.now()
	open, reason, err := s.calendar.IsOpen(market, now)
	if err != nil {
		return nil, err
	}
	if err := s.requireAsset(ctx, "fetch latest", assetID); err != nil {
		return nil, err
	}

	out := &Outcome{AssetID: assetID, Reason: reason}
	history := s.storage.HistoryStorage()
	previous, err := history.Snapshot(ctx, assetID)
	if err != nil {
		out.Err = err
		return out, nil
	}
	out.Snapshot = previous

	latest, hasHistory, err := history.AssetLatestDate(ctx, assetID)
	if err != nil {
		out.Err = err
		return out, nil
	}

	if open {
		out.Decision = DecisionMinute
		if !hasHistory {
			s.fillGap(ctx, out, assetID, market, time.Time{}, false, now)
		}
		if out.Err == nil {
			s.fetchMinute(ctx, out, assetID, market)
		}
	} else {
		lastDay, err := s.calendar.LastTradingDay(market, now)
		if err != nil {
			return nil, err
		}
		if hasHistory && !latest.Before(dateOnly(lastDay)) {
			// closed-market debounce: force never buys a provider call here
			out.Decision = DecisionSkip
		} else {
			out.Decision = DecisionDaily
			s.fillGap(ctx, out, assetID, market, latest, hasHistory, lastDay)
		}
	}

	if out.Decision != DecisionSkip && out.Err == nil {
		s.refreshFundamentalsIfStale(ctx, out, assetID, force)
	}

	if out.Decision != DecisionSkip {
		if snap, err := history.Snapshot(ctx, assetID); err == nil && snap != nil {
			out.Snapshot = snap
		}
	}

	s.metrics.Decision(market, out.Decision)
	ev := s.logger.Info()
	if out.Err != nil {
		ev = s.logger.Warn().Err(out.Err)
	}
	ev.Str("asset_id", assetID).
		Str("market", market).
		Str("decision", out.Decision).
		Str("reason", reason).
		Str("source", out.Source).
		Int("provider_calls", out.ProviderCalls).
		Bool("force", force).
		Msg("Fetch decision")
	return out, nil
}

// requireAsset rejects ids with no assets row. Bars, reports and actions are
// only ever written for registered assets.
func (s *Service) requireAsset(ctx context.Context, op, assetID string) error {
	ok, err := s.storage.AssetStorage().AssetExists(ctx, assetID)
	if err != nil {
		return err
	}
	if !ok {
		return common.NewInputError(op, assetID, "asset is not registered")
	}
	return nil
}

// dateOnly drops the zone of a market-local midnight so it compares with
// the naive dates read from history.
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// fillGap fetches the daily bars missing between the stored history and
// target: a full backfill with no history, the latest window for a small
// gap, otherwise history from the last stored date.
func (s *Service) fillGap(ctx context.Context, out *Outcome, assetID, market string, latest time.Time, hasHistory bool, target time.Time) {
	var call func(ctx context.Context, p interfaces.Provider) (*models.ProviderFrame, error)
	switch {
	case !hasHistory:
		start := s.now().AddDate(-s.historyYears, 0, 0)
		call = func(ctx context.Context, p interfaces.Provider) (*models.ProviderFrame, error) {
			return p.FetchHistory(ctx, assetID, market, models.HistoryRange{Start: start})
		}
	case dateOnly(target).Sub(latest) <= time.Duration(s.smallGapDays)*24*time.Hour:
		call = func(ctx context.Context, p interfaces.Provider) (*models.ProviderFrame, error) {
			return p.FetchLatest(ctx, assetID, market)
		}
	default:
		call = func(ctx context.Context, p interfaces.Provider) (*models.ProviderFrame, error) {
			return p.FetchHistory(ctx, assetID, market, models.HistoryRange{Start: latest})
		}
	}
	s.fetchFrame(ctx, out, assetID, market, common.KindDaily, call)
}

func (s *Service) fetchMinute(ctx context.Context, out *Outcome, assetID, market string) {
	s.fetchFrame(ctx, out, assetID, market, common.KindMinute, func(ctx context.Context, p interfaces.Provider) (*models.ProviderFrame, error) {
		if q, ok := p.(interfaces.QuoteProvider); ok {
			return q.FetchQuote(ctx, assetID, market)
		}
		return p.FetchLatest(ctx, assetID, market)
	})
}

// fetchFrame runs the failover walk for a bar-bearing frame and journals it.
func (s *Service) fetchFrame(ctx context.Context, out *Outcome, assetID, market, kind string,
	call func(ctx context.Context, p interfaces.Provider) (*models.ProviderFrame, error)) {

	res, err := failover(ctx, s, assetID, market, kind, func(ctx context.Context, p interfaces.Provider) (*models.ProviderFrame, error) {
		frame, err := call(ctx, p)
		if err != nil {
			return nil, err
		}
		if frame.Empty() {
			return nil, common.NewProviderError(p.Name(), assetID, 0, common.ErrEmptyResponse)
		}
		return frame, nil
	})
	out.ProviderCalls += res.calls
	if err != nil {
		out.Err = err
		return
	}
	out.Source = res.source
	s.journal(ctx, out, assetID, market, res.source, res.value)
}

// journal stores a provider frame in the raw store and runs the ETL on it.
// A payload the ETL cannot finish stays unprocessed for recovery.
func (s *Service) journal(ctx context.Context, out *Outcome, assetID, market, source string, frame *models.ProviderFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		out.Err = err
		return
	}
	raw := &models.RawPayload{
		Source:    source,
		AssetID:   assetID,
		Market:    market,
		Period:    frame.DataType,
		FetchTime: s.now(),
		Payload:   payload,
	}
	id, err := s.storage.RawStorage().Insert(ctx, raw)
	if err != nil {
		out.Err = err
		return
	}
	report, err := s.processor.ProcessRaw(ctx, id)
	if report != nil {
		out.Warnings = append(out.Warnings, report.Warnings...)
	}
	if err != nil {
		s.logger.Warn().Err(err).Int64("raw_id", id).Str("asset_id", assetID).Msg("ETL failed, payload left for recovery")
		out.Err = err
	}
}
