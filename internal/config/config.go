// Package config loads engine configuration from YAML with
// ${ENV_VAR} expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level engine configuration
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Markets     []MarketConfig    `yaml:"markets"`
	Oracle      OracleConfig      `yaml:"oracle"`
	Funding     FundingConfig     `yaml:"funding"`
	Liquidation LiquidationConfig `yaml:"liquidation"`
	Insurance   InsuranceConfig   `yaml:"insurance"`
	NATS        NATSConfig        `yaml:"nats"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type EngineConfig struct {
	Name string `yaml:"name"`
}

type MarketConfig struct {
	Symbol                    string `yaml:"symbol"`
	MaxLeverage               int64  `yaml:"max_leverage"`
	MaintenanceMarginRatioBps int64  `yaml:"maintenance_margin_ratio_bps"`
	RequireMultipleSources    bool   `yaml:"require_multiple_sources"`
	Active                    bool   `yaml:"active"`
}

type OracleConfig struct {
	MinSources      int            `yaml:"min_sources"`
	MaxDeviationBps int64          `yaml:"max_deviation_bps"`
	CacheMaxAge     Duration       `yaml:"cache_max_age"`
	FetchTimeout    Duration       `yaml:"fetch_timeout"`
	Decay           DecayConfig    `yaml:"confidence_decay"`
	Sources         []SourceConfig `yaml:"sources"`
}

type DecayConfig struct {
	Enabled  bool  `yaml:"enabled"`
	FloorPct int64 `yaml:"floor_pct"`
}

// SourceConfig describes one price source adapter. Type is "pyth"
// (streaming pull feed) or "chainlink" (polled push feed).
type SourceConfig struct {
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"`
	Weight       string            `yaml:"weight"`
	Heartbeat    Duration          `yaml:"heartbeat"`
	Priority     int               `yaml:"priority"`
	WSURL        string            `yaml:"ws_url"`
	HTTPURL      string            `yaml:"http_url"`
	PollInterval Duration          `yaml:"poll_interval"`
	Confidence   int64             `yaml:"confidence"`
	Feeds        map[string]string `yaml:"feeds"` // symbol -> feed id or round URL
}

type FundingConfig struct {
	Interval              Duration `yaml:"interval"`
	SensitivityBps        int64    `yaml:"sensitivity_bps"`
	MaxRateBpsPerInterval int64    `yaml:"max_rate_bps_per_interval"`
}

type LiquidationConfig struct {
	FeeBps       int64    `yaml:"fee_bps"`
	ScanInterval Duration `yaml:"scan_interval"`
	Keeper       string   `yaml:"keeper"`
}

type InsuranceConfig struct {
	Seed string `yaml:"seed"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses the config file, expanding ${VAR} references
// from the environment
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})

	cfg := defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Engine: EngineConfig{Name: "perpd"},
		Oracle: OracleConfig{
			MinSources:      2,
			MaxDeviationBps: 500,
			CacheMaxAge:     Duration(2 * time.Second),
			FetchTimeout:    Duration(3 * time.Second),
			Decay:           DecayConfig{Enabled: true, FloorPct: 80},
		},
		Funding: FundingConfig{
			Interval:              Duration(time.Hour),
			SensitivityBps:        100,
			MaxRateBpsPerInterval: 75,
		},
		Liquidation: LiquidationConfig{
			FeeBps:       100,
			ScanInterval: Duration(5 * time.Second),
			Keeper:       "liquidation-keeper",
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9100"},
		Logging: LoggingConfig{Level: "info"},
	}
}

func (c *Config) validate() error {
	for _, m := range c.Markets {
		if m.Symbol == "" {
			return fmt.Errorf("market with empty symbol")
		}
		if m.MaxLeverage <= 0 {
			return fmt.Errorf("market %s: max_leverage must be positive", m.Symbol)
		}
		if m.MaintenanceMarginRatioBps <= 0 || m.MaintenanceMarginRatioBps >= 10000 {
			return fmt.Errorf("market %s: maintenance_margin_ratio_bps out of range", m.Symbol)
		}
	}
	for _, s := range c.Oracle.Sources {
		if s.Name == "" {
			return fmt.Errorf("oracle source with empty name")
		}
		if s.Type != "pyth" && s.Type != "chainlink" {
			return fmt.Errorf("oracle source %s: unknown type %q", s.Name, s.Type)
		}
	}
	if c.Liquidation.FeeBps < 0 || c.Liquidation.FeeBps >= 10000 {
		return fmt.Errorf("liquidation fee_bps out of range")
	}
	return nil
}
