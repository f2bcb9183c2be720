package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bobmcallan/marketcore/internal/calendar"
	"github.com/bobmcallan/marketcore/internal/clients/eastmoney"
	"github.com/bobmcallan/marketcore/internal/clients/eodhd"
	"github.com/bobmcallan/marketcore/internal/clients/yahoo"
	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/etl"
	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/metrics"
	"github.com/bobmcallan/marketcore/internal/normalize"
	"github.com/bobmcallan/marketcore/internal/ratelimit"
	"github.com/bobmcallan/marketcore/internal/services/fetcher"
	"github.com/bobmcallan/marketcore/internal/storage"
	"github.com/bobmcallan/marketcore/internal/symbols"
)

// App holds every initialized component. It is the shared core used by both
// cmd/marketcore and cmd/marketcore-server.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Storage     interfaces.StorageManager
	Calendar    *calendar.Calendar
	Limiter     *ratelimit.Limiter
	Providers   []interfaces.Provider
	Processor   *etl.Processor
	Fetcher     *fetcher.Service
	Resolver    *symbols.Resolver
	Metrics     *metrics.Metrics
	StartupTime time.Time

	now func() time.Time

	mu              sync.Mutex
	schedulerCancel context.CancelFunc
	schedulerDone   chan struct{}
	warmCacheCancel context.CancelFunc
	warmCacheDone   chan struct{}
}

// Option overrides a component during construction.
type Option func(*options)

type options struct {
	providers []interfaces.Provider
	storage   interfaces.StorageManager
	now       func() time.Time
}

// WithProviders replaces the configured provider clients. Passing none
// runs without providers.
func WithProviders(p ...interfaces.Provider) Option {
	return func(o *options) { o.providers = append([]interfaces.Provider{}, p...) }
}

// WithStorage uses an already opened storage manager.
func WithStorage(sm interfaces.StorageManager) Option {
	return func(o *options) { o.storage = sm }
}

// WithClock overrides time.Now for every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// ResolveConfigPath picks the config file: the given path, MARKETCORE_CONFIG,
// marketcore.toml next to the binary, then config/marketcore.toml.
func ResolveConfigPath(configPath string) string {
	if configPath == "" {
		configPath = os.Getenv("MARKETCORE_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(getBinaryDir(), "marketcore.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/marketcore.toml"
		}
	}
	return configPath
}

// NewApp loads configuration and initializes every component.
// configPath may be empty, in which case ResolveConfigPath decides.
func NewApp(configPath string, opts ...Option) (*App, error) {
	common.LoadBinaryBuildStamp()

	config, err := common.LoadConfig(ResolveConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Resolve relative log file path to binary directory
	if config.Logging.FilePath != "" && !filepath.IsAbs(config.Logging.FilePath) {
		config.Logging.FilePath = filepath.Join(getBinaryDir(), config.Logging.FilePath)
	}

	return New(context.Background(), config, common.NewLoggerFromConfig(config.Logging), opts...)
}

// New builds the App from an already loaded config.
func New(ctx context.Context, config *common.Config, logger *common.Logger, opts ...Option) (*App, error) {
	startupStart := time.Now()

	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	if config.Providers == nil {
		config.Providers = common.NewDefaultProvidersConfig()
	}

	cal, err := calendar.New(config.Providers.Holidays)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize calendar: %w", err)
	}

	storageManager := o.storage
	if storageManager == nil {
		sm, err := storage.NewManager(ctx, logger, config.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		storageManager = sm
	}

	m := metrics.New()
	limiter := ratelimit.New(config.Providers.RateLimits)

	providers := o.providers
	if providers == nil {
		providers = buildProviders(config, limiter, logger)
	}
	if len(providers) == 0 {
		logger.Warn().Msg("No provider clients enabled - fetches will fail")
	}

	processor, err := etl.NewProcessor(storageManager, cal, normalize.New(cal), config.Providers,
		logger.WithComponent("etl"),
		etl.WithClock(o.now),
		etl.WithMetrics(m),
	)
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to initialize etl: %w", err)
	}

	fetchService := fetcher.NewService(storageManager, cal, processor, config.Providers, providers,
		logger.WithComponent("fetcher"),
		fetcher.WithClock(o.now),
		fetcher.WithMetrics(m),
		fetcher.WithHistory(config.History),
	)

	a := &App{
		Config:      config,
		Logger:      logger,
		Storage:     storageManager,
		Calendar:    cal,
		Limiter:     limiter,
		Providers:   providers,
		Processor:   processor,
		Fetcher:     fetchService,
		Resolver:    symbols.NewResolver(storageManager.AssetStorage(), symbols.WithStrict(config.Resolver.Strict)),
		Metrics:     m,
		StartupTime: startupStart,
		now:         o.now,
	}

	logger.Info().
		Int("providers", len(providers)).
		Dur("startup", time.Since(startupStart)).
		Msg("App initialized")

	return a, nil
}

// buildProviders creates the enabled provider clients. EODHD needs an API key.
func buildProviders(config *common.Config, limiter interfaces.RateLimiter, logger *common.Logger) []interfaces.Provider {
	var providers []interfaces.Provider

	if c := config.Clients.Eastmoney; c.Enabled {
		opts := []eastmoney.ClientOption{
			eastmoney.WithLogger(logger.WithComponent(eastmoney.Name)),
			eastmoney.WithLimiter(limiter),
			eastmoney.WithTimeout(c.GetTimeout()),
		}
		if c.BaseURL != "" {
			opts = append(opts, eastmoney.WithBaseURL(c.BaseURL))
		}
		providers = append(providers, eastmoney.NewClient(opts...))
	}

	if c := config.Clients.Yahoo; c.Enabled {
		opts := []yahoo.ClientOption{
			yahoo.WithLogger(logger.WithComponent(yahoo.Name)),
			yahoo.WithLimiter(limiter),
			yahoo.WithTimeout(c.GetTimeout()),
		}
		if c.BaseURL != "" {
			opts = append(opts, yahoo.WithBaseURL(c.BaseURL))
		}
		providers = append(providers, yahoo.NewClient(opts...))
	}

	if c := config.Clients.EODHD; c.Enabled {
		if c.APIKey == "" {
			logger.Warn().Msg("EODHD API key not configured - fundamentals will be unavailable")
		} else {
			opts := []eodhd.ClientOption{
				eodhd.WithLogger(logger.WithComponent(eodhd.Name)),
				eodhd.WithLimiter(limiter),
				eodhd.WithTimeout(c.GetTimeout()),
			}
			if c.BaseURL != "" {
				opts = append(opts, eodhd.WithBaseURL(c.BaseURL))
			}
			providers = append(providers, eodhd.NewClient(c.APIKey, opts...))
		}
	}

	return providers
}

// Close releases all resources held by the App.
// Shutdown order: stop scheduler, cancel warm cache, close storage.
func (a *App) Close() {
	a.StopScheduler()

	a.mu.Lock()
	cancel, done := a.warmCacheCancel, a.warmCacheDone
	a.warmCacheCancel, a.warmCacheDone = nil, nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Storage close failed")
		}
		a.Storage = nil
	}
}
