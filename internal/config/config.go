// Package config loads the YAML configuration for the symphony platform and
// applies defaults and environment overrides.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the symphony platform.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Server   Server         `yaml:"server"`
	Alpaca   Alpaca         `yaml:"alpaca"`
	Logging  Logging        `yaml:"logging"`
	Backtest BacktestConfig `yaml:"backtest"`
	Engine   EngineConfig   `yaml:"engine"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BacktestConfig holds the default cost model and run parameters applied
// to every backtest unless overridden on the command line.
type BacktestConfig struct {
	InitialCapital     float64 `yaml:"initial_capital"`
	SlippageBps        float64 `yaml:"slippage_bps"`
	CommissionPerShare float64 `yaml:"commission_per_share"`
	Benchmark          string  `yaml:"benchmark"`
	RiskFreeRate       float64 `yaml:"risk_free_rate"`
	Market             string  `yaml:"market"`
	Timezone           string  `yaml:"timezone"`
	Parallelism        int     `yaml:"parallelism"`
}

// EngineConfig bounds the parser and sizes the process-wide caches.
type EngineConfig struct {
	MaxDepth       int `yaml:"max_depth"`
	MaxNodes       int `yaml:"max_nodes"`
	InternCapacity int `yaml:"intern_capacity"`
	MemoCapacity   int `yaml:"memo_capacity"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns a Config populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, fills unset fields with defaults, and then applies
// environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults
// (still subject to environment overrides).
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		applyEnvOverrides(cfg)
		return cfg, nil
	}
	return cfg, err
}

func applyDefaults(cfg *Config) {
	setString(&cfg.Storage.DataDir, "data")
	setString(&cfg.Storage.SQLitePath, "data/symphony.db")
	setString(&cfg.Server.Host, "127.0.0.1")
	setInt(&cfg.Server.Port, 8080)
	setInt(&cfg.Server.GRPCPort, 9090)
	setString(&cfg.Alpaca.BaseURL, "https://paper-api.alpaca.markets")
	setString(&cfg.Alpaca.Feed, "iex")
	setInt(&cfg.Alpaca.RateLimitPerMin, 200)
	setString(&cfg.Logging.Level, "info")
	setString(&cfg.Logging.Format, "json")

	setFloat(&cfg.Backtest.InitialCapital, 100000)
	setString(&cfg.Backtest.Benchmark, "SPY")
	setString(&cfg.Backtest.Market, "us")
	setString(&cfg.Backtest.Timezone, "America/New_York")
	setInt(&cfg.Backtest.Parallelism, 4)

	setInt(&cfg.Engine.MaxDepth, 64)
	setInt(&cfg.Engine.MaxNodes, 10000)
	setInt(&cfg.Engine.InternCapacity, 50000)
	setInt(&cfg.Engine.MemoCapacity, 100000)
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("SYMPHONY_SLIPPAGE_BPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Backtest.SlippageBps = f
		}
	}

	// Standard Alpaca env vars (highest priority, canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setFloat(dst *float64, def float64) {
	if *dst == 0 {
		*dst = def
	}
}
