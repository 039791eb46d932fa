package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "symphony.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ALPACA_API_KEY", "ALPACA_API_SECRET", "APCA_API_KEY_ID", "APCA_API_SECRET_KEY",
		"DATA_DIR", "SQLITE_PATH", "LOG_LEVEL", "ALPACA_DATA_URL", "SYMPHONY_SLIPPAGE_BPS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadValues(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `
storage:
  data_dir: "/tmp/symphony/data"
  sqlite_path: "/tmp/symphony/symphony.db"
server:
  host: "0.0.0.0"
  port: 8081
  grpc_port: 9091
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  data_url: "https://data.alpaca.markets"
  feed: "sip"
logging:
  level: "debug"
  format: "text"
backtest:
  initial_capital: 25000
  slippage_bps: 10
  commission_per_share: 0.005
  benchmark: "QQQ"
  risk_free_rate: 0.02
engine:
  max_depth: 32
  memo_capacity: 500
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Storage --
	if cfg.Storage.DataDir != "/tmp/symphony/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/tmp/symphony/data")
	}
	if cfg.Storage.SQLitePath != "/tmp/symphony/symphony.db" {
		t.Errorf("Storage.SQLitePath = %q, want %q", cfg.Storage.SQLitePath, "/tmp/symphony/symphony.db")
	}

	// -- Server --
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 8081 || cfg.Server.GRPCPort != 9091 {
		t.Errorf("Server = %+v, want 0.0.0.0:8081 grpc 9091", cfg.Server)
	}

	// -- Alpaca --
	if cfg.Alpaca.APIKey != "test-key" || cfg.Alpaca.APISecret != "test-secret" {
		t.Errorf("Alpaca credentials = %q/%q, want test-key/test-secret", cfg.Alpaca.APIKey, cfg.Alpaca.APISecret)
	}
	if cfg.Alpaca.Feed != "sip" {
		t.Errorf("Alpaca.Feed = %q, want %q", cfg.Alpaca.Feed, "sip")
	}

	// -- Logging --
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want debug/text", cfg.Logging)
	}

	// -- Backtest --
	if cfg.Backtest.InitialCapital != 25000 {
		t.Errorf("Backtest.InitialCapital = %v, want 25000", cfg.Backtest.InitialCapital)
	}
	if cfg.Backtest.SlippageBps != 10 {
		t.Errorf("Backtest.SlippageBps = %v, want 10", cfg.Backtest.SlippageBps)
	}
	if cfg.Backtest.CommissionPerShare != 0.005 {
		t.Errorf("Backtest.CommissionPerShare = %v, want 0.005", cfg.Backtest.CommissionPerShare)
	}
	if cfg.Backtest.Benchmark != "QQQ" {
		t.Errorf("Backtest.Benchmark = %q, want %q", cfg.Backtest.Benchmark, "QQQ")
	}

	// -- Engine: explicit values kept, missing ones defaulted --
	if cfg.Engine.MaxDepth != 32 {
		t.Errorf("Engine.MaxDepth = %d, want 32", cfg.Engine.MaxDepth)
	}
	if cfg.Engine.MemoCapacity != 500 {
		t.Errorf("Engine.MemoCapacity = %d, want 500", cfg.Engine.MemoCapacity)
	}
	if cfg.Engine.MaxNodes != 10000 {
		t.Errorf("Engine.MaxNodes = %d, want default 10000", cfg.Engine.MaxNodes)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
`)

	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("SYMPHONY_SLIPPAGE_BPS", "2.5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	// api_secret should remain from YAML since no env override was set.
	if cfg.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (from YAML)", cfg.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
	if cfg.Backtest.SlippageBps != 2.5 {
		t.Errorf("Backtest.SlippageBps = %v, want 2.5 (env override)", cfg.Backtest.SlippageBps)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() returned error: %v", err)
	}
	if cfg.Backtest.InitialCapital != 100000 {
		t.Errorf("Backtest.InitialCapital = %v, want default 100000", cfg.Backtest.InitialCapital)
	}
	if cfg.Backtest.Benchmark != "SPY" {
		t.Errorf("Backtest.Benchmark = %q, want default SPY", cfg.Backtest.Benchmark)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "storage: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() should fail on malformed YAML")
	}
}
