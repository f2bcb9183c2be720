// Package common provides shared utilities for marketcore
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for marketcore
type Config struct {
	Environment   string          `toml:"environment"`
	ProvidersFile string          `toml:"providers_file"` // YAML with preferences, rate limits, FX, ADR
	Server        ServerConfig    `toml:"server"`
	Storage       StorageConfig   `toml:"storage"`
	Clients       ClientsConfig   `toml:"clients"`
	Scheduler     SchedulerConfig `toml:"scheduler"`
	Resolver      ResolverConfig  `toml:"resolver"`
	History       HistoryConfig   `toml:"history"`
	Logging       LoggingConfig   `toml:"logging"`

	// Providers is loaded from ProvidersFile, not from TOML.
	Providers *ProvidersConfig `toml:"-"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig holds relational store configuration.
type StorageConfig struct {
	Driver          string          `toml:"driver"` // "sqlite", "postgres" or "mysql"
	DSN             string          `toml:"dsn"`
	MaxOpenConns    int             `toml:"max_open_conns"`
	MaxIdleConns    int             `toml:"max_idle_conns"`
	ConnMaxLifetime string          `toml:"conn_max_lifetime"`
	Raw             RawConfig       `toml:"raw"`
	SurrealDB       SurrealDBConfig `toml:"surrealdb"`
}

// GetConnMaxLifetime parses the pool lifetime, defaulting to one hour.
func (c *StorageConfig) GetConnMaxLifetime() time.Duration {
	d, err := time.ParseDuration(c.ConnMaxLifetime)
	if err != nil {
		return time.Hour
	}
	return d
}

// RawConfig configures the raw payload journal.
type RawConfig struct {
	Backend   string `toml:"backend"`   // "sql" or "surrealdb"
	Retention string `toml:"retention"` // empty or "0" keeps raw payloads forever
	Node      int64  `toml:"node"`      // snowflake node id
}

// GetRetention returns the retention window; zero means unlimited.
func (c *RawConfig) GetRetention() time.Duration {
	if c.Retention == "" || c.Retention == "0" {
		return 0
	}
	d, err := time.ParseDuration(c.Retention)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// SurrealDBConfig holds connection settings for the SurrealDB raw journal.
type SurrealDBConfig struct {
	Address   string `toml:"address"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// ClientsConfig holds provider client configurations
type ClientsConfig struct {
	Eastmoney ClientConfig `toml:"eastmoney"`
	Yahoo     ClientConfig `toml:"yahoo"`
	EODHD     ClientConfig `toml:"eodhd"`
}

// ClientConfig holds settings shared by every provider client.
type ClientConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Timeout string `toml:"timeout"`
}

// GetTimeout parses and returns the timeout duration
func (c *ClientConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// SchedulerConfig holds the periodic refresh settings.
type SchedulerConfig struct {
	Enabled     bool              `toml:"enabled"`
	Markets     map[string]string `toml:"markets"` // market -> interval
	Jitter      string            `toml:"jitter"`
	RetryAfter  string            `toml:"retry_after"`
	Concurrency int               `toml:"concurrency"`
}

// GetInterval returns the refresh interval for a market, zero when not scheduled.
func (c *SchedulerConfig) GetInterval(market string) time.Duration {
	raw, ok := c.Markets[market]
	if !ok {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// GetJitter returns the maximum random delay before a pass starts.
func (c *SchedulerConfig) GetJitter() time.Duration {
	d, err := time.ParseDuration(c.Jitter)
	if err != nil || d < 0 {
		return 30 * time.Second
	}
	return d
}

// GetRetryAfter returns the delay before a failed pass is retried.
func (c *SchedulerConfig) GetRetryAfter() time.Duration {
	d, err := time.ParseDuration(c.RetryAfter)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// ResolverConfig holds symbol resolution settings.
type ResolverConfig struct {
	Strict bool `toml:"strict"`
}

// HistoryConfig holds backfill and freshness settings.
type HistoryConfig struct {
	DefaultYears    int    `toml:"default_years"`
	FundamentalsTTL string `toml:"fundamentals_ttl"`
	SmallGapDays    int    `toml:"small_gap_days"` // gaps up to this many days use FetchLatest
}

// GetFundamentalsTTL returns how long fetched fundamentals stay fresh.
func (c *HistoryConfig) GetFundamentalsTTL() time.Duration {
	d, err := time.ParseDuration(c.FundamentalsTTL)
	if err != nil || d <= 0 {
		return FreshnessFundamentals
	}
	return d
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	Outputs    []string `toml:"outputs"`
	FilePath   string   `toml:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb"`
	MaxBackups int      `toml:"max_backups"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment:   "development",
		ProvidersFile: "config/providers.yaml",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Storage: StorageConfig{
			Driver:       "sqlite",
			DSN:          "data/marketcore.db",
			MaxOpenConns: 1,
			MaxIdleConns: 1,
			Raw: RawConfig{
				Backend: "sql",
				Node:    1,
			},
			SurrealDB: SurrealDBConfig{
				Address:   "ws://localhost:8000/rpc",
				Namespace: "marketcore",
				Database:  "raw",
				Username:  "root",
				Password:  "root",
			},
		},
		Clients: ClientsConfig{
			Eastmoney: ClientConfig{
				Enabled: true,
				BaseURL: "https://push2his.eastmoney.com",
				Timeout: "10s",
			},
			Yahoo: ClientConfig{
				Enabled: true,
				BaseURL: "https://query1.finance.yahoo.com",
				Timeout: "10s",
			},
			EODHD: ClientConfig{
				Enabled: true,
				BaseURL: "https://eodhd.com/api",
				Timeout: "10s",
			},
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Markets: map[string]string{
				"CN": "30m",
				"HK": "30m",
				"US": "30m",
			},
			Jitter:      "30s",
			RetryAfter:  "1h",
			Concurrency: 2,
		},
		History: HistoryConfig{
			DefaultYears:    10,
			FundamentalsTTL: "168h",
			SmallGapDays:    7,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Outputs:    []string{"stderr"},
			FilePath:   "./logs/marketcore.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides,
// then loads the provider YAML referenced by providers_file.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	providers, err := LoadProvidersConfig(config.ProvidersFile)
	if err != nil {
		return nil, err
	}
	config.Providers = providers

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("MARKETCORE_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("MARKETCORE_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("MARKETCORE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("MARKETCORE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if v := os.Getenv("MARKETCORE_PROVIDERS_FILE"); v != "" {
		config.ProvidersFile = v
	}

	if v := os.Getenv("MARKETCORE_STORAGE_DRIVER"); v != "" {
		config.Storage.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("MARKETCORE_STORAGE_DSN"); v != "" {
		config.Storage.DSN = v
	}
	if v := os.Getenv("MARKETCORE_RAW_BACKEND"); v != "" {
		config.Storage.Raw.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("MARKETCORE_RAW_RETENTION"); v != "" {
		config.Storage.Raw.Retention = v
	}
	if v := os.Getenv("MARKETCORE_SURREALDB_ADDRESS"); v != "" {
		config.Storage.SurrealDB.Address = v
	}

	// EODHD is the only keyed provider.
	for _, name := range []string{"EODHD_API_KEY", "MARKETCORE_EODHD_API_KEY"} {
		if v := os.Getenv(name); v != "" {
			config.Clients.EODHD.APIKey = v
		}
	}
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
