package common

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Data kinds used as the second key of provider preferences.
const (
	KindDaily            = "daily"
	KindMinute           = "minute"
	KindFundamentals     = "fundamentals"
	KindCorporateActions = "corporate_actions"
)

// ProvidersConfig is the YAML document describing provider routing and the
// static reference data the ETL needs.
type ProvidersConfig struct {
	// market -> data kind -> ordered provider names
	Preferences       map[string]map[string][]string `yaml:"preferences"`
	RateLimits        map[string]RateLimitConfig     `yaml:"rate_limits"`
	Timeouts          map[string]time.Duration       `yaml:"timeouts"`
	FX                FXConfig                       `yaml:"fx"`
	ADRRatios         map[string]float64             `yaml:"adr_ratios"`
	MainlandReporters []string                       `yaml:"mainland_reporters"`
	TradingCurrencies map[string]string              `yaml:"trading_currencies"`
	Holidays          map[string][]string            `yaml:"holidays"`
}

// RateLimitConfig configures one provider's token buckets.
type RateLimitConfig struct {
	MinInterval time.Duration `yaml:"min_interval"`
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
	PerSymbol   bool          `yaml:"per_symbol"`
}

// FXConfig is the static FX table. Keys are "FROM/TO" pairs.
//
// Refresh procedure: update the rates and as_of date by hand from a reference
// source and restart; the table is never fetched at runtime.
type FXConfig struct {
	AsOf  string             `yaml:"as_of"`
	Rates map[string]float64 `yaml:"rates"`
}

// NewDefaultProvidersConfig returns routing used when no YAML is present.
func NewDefaultProvidersConfig() *ProvidersConfig {
	return &ProvidersConfig{
		Preferences: map[string]map[string][]string{
			"CN": {
				KindDaily:            {"eastmoney", "yahoo"},
				KindMinute:           {"eastmoney", "yahoo"},
				KindFundamentals:     {"eodhd"},
				KindCorporateActions: {"yahoo", "eodhd"},
			},
			"HK": {
				KindDaily:            {"eastmoney", "yahoo", "eodhd"},
				KindMinute:           {"yahoo", "eastmoney"},
				KindFundamentals:     {"eodhd"},
				KindCorporateActions: {"yahoo", "eodhd"},
			},
			"US": {
				KindDaily:            {"yahoo", "eodhd", "eastmoney"},
				KindMinute:           {"yahoo", "eodhd"},
				KindFundamentals:     {"eodhd"},
				KindCorporateActions: {"yahoo", "eodhd"},
			},
			"WORLD": {
				KindDaily:  {"yahoo"},
				KindMinute: {"yahoo"},
			},
		},
		RateLimits: map[string]RateLimitConfig{
			"eastmoney": {MinInterval: 500 * time.Millisecond, MaxRequests: 60, Window: time.Minute},
			"yahoo":     {MinInterval: time.Second, MaxRequests: 100, Window: time.Hour},
			"eodhd":     {MinInterval: 100 * time.Millisecond, MaxRequests: 1000, Window: time.Minute},
		},
		FX:        FXConfig{Rates: map[string]float64{}},
		ADRRatios: map[string]float64{},
		Holidays:  map[string][]string{},
	}
}

// LoadProvidersConfig reads the provider YAML. A missing file yields the defaults.
func LoadProvidersConfig(path string) (*ProvidersConfig, error) {
	cfg := NewDefaultProvidersConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file %s: %w", path, err)
	}
	return ParseProvidersConfig(data)
}

// ParseProvidersConfig decodes a provider YAML document over the defaults.
// Sections present in the document replace the default sections wholesale.
func ParseProvidersConfig(data []byte) (*ProvidersConfig, error) {
	cfg := NewDefaultProvidersConfig()
	var doc ProvidersConfig
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse providers config: %w", err)
	}

	if len(doc.Preferences) > 0 {
		cfg.Preferences = make(map[string]map[string][]string, len(doc.Preferences))
		for market, kinds := range doc.Preferences {
			cfg.Preferences[strings.ToUpper(market)] = kinds
		}
	}
	if len(doc.RateLimits) > 0 {
		cfg.RateLimits = doc.RateLimits
	}
	if len(doc.Timeouts) > 0 {
		cfg.Timeouts = doc.Timeouts
	}
	if len(doc.FX.Rates) > 0 || doc.FX.AsOf != "" {
		cfg.FX = doc.FX
	}
	if len(doc.ADRRatios) > 0 {
		cfg.ADRRatios = doc.ADRRatios
	}
	if len(doc.MainlandReporters) > 0 {
		cfg.MainlandReporters = doc.MainlandReporters
	}
	if len(doc.TradingCurrencies) > 0 {
		cfg.TradingCurrencies = doc.TradingCurrencies
	}
	if len(doc.Holidays) > 0 {
		cfg.Holidays = make(map[string][]string, len(doc.Holidays))
		for market, days := range doc.Holidays {
			cfg.Holidays[strings.ToUpper(market)] = days
		}
	}

	for name, rl := range cfg.RateLimits {
		if rl.MaxRequests < 0 || rl.MinInterval < 0 || rl.Window < 0 {
			return nil, fmt.Errorf("invalid rate limit for provider %s", name)
		}
	}
	for pair, rate := range cfg.FX.Rates {
		if rate <= 0 {
			return nil, fmt.Errorf("invalid fx rate %s: %v", pair, rate)
		}
	}
	return cfg, nil
}

// Preference returns the ordered providers for a market and data kind.
// Minute fetches fall back to the daily list when no minute list is configured.
func (c *ProvidersConfig) Preference(market, kind string) []string {
	kinds, ok := c.Preferences[market]
	if !ok {
		return nil
	}
	if list := kinds[kind]; len(list) > 0 {
		return list
	}
	if kind == KindMinute {
		return kinds[KindDaily]
	}
	return nil
}

// Timeout returns the per-provider timeout, falling back to def.
func (c *ProvidersConfig) Timeout(provider string, def time.Duration) time.Duration {
	if d, ok := c.Timeouts[provider]; ok && d > 0 {
		return d
	}
	return def
}

// IsMainlandReporter reports whether an asset is on the heuristic list of
// HK-listed companies that report in CNY.
func (c *ProvidersConfig) IsMainlandReporter(assetID string) bool {
	for _, id := range c.MainlandReporters {
		if id == assetID {
			return true
		}
	}
	return false
}
