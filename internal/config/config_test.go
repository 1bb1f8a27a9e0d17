package config

import (
	"os"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "atlas-config-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		t.Fatalf("failed to close temp file: %v", err)
	}
	return tmpFile.Name()
}

func clearEnvOverrides(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATA_DIR", "AUDIT_PATH", "VAULT_PATH", "BROKER_KIND",
		"ALPACA_API_KEY", "ALPACA_API_SECRET", "ALPACA_BASE_URL", "ALPACA_DATA_URL",
		"APCA_API_KEY_ID", "APCA_API_SECRET_KEY", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadFull(t *testing.T) {
	clearEnvOverrides(t)
	path := writeConfig(t, `
storage:
  data_dir: "/tmp/atlas/data"
  audit_path: "/tmp/atlas/audit.db"
  vault_path: "/tmp/atlas/vault.bin"
broker:
  kind: "alpaca"
  alpaca:
    api_key: "test-key"
    api_secret: "test-secret"
    base_url: "https://paper-api.alpaca.markets"
    data_url: "https://data.alpaca.markets"
    feed: "iex"
logging:
  level: "info"
  format: "json"
trading:
  mode: "paper"
  symbols: ["AAPL", "MSFT"]
  eval_interval: 1m
  monitor_interval: 10s
risk:
  max_position_size_pct: 0.02
  max_total_exposure_pct: 0.10
  daily_loss_limit_pct: 0.03
  max_positions: 5
  circuit_breaker_losses: 4
  min_avg_volume: 500000
execution:
  max_order_retry: 3
  retry_delay: 500ms
  order_timeout: 5m
simulator:
  initial_balance: 100000
  slippage_bps: 5
  fill_delay: 1s
  seed: 42
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.DataDir != "/tmp/atlas/data" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Storage.AuditPath != "/tmp/atlas/audit.db" {
		t.Errorf("Storage.AuditPath = %q", cfg.Storage.AuditPath)
	}
	if cfg.Broker.Kind != "alpaca" {
		t.Errorf("Broker.Kind = %q, want alpaca", cfg.Broker.Kind)
	}
	if cfg.Broker.Alpaca.APIKey != "test-key" || cfg.Broker.Alpaca.Feed != "iex" {
		t.Errorf("Alpaca = %+v", cfg.Broker.Alpaca)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Trading.Mode != "paper" || len(cfg.Trading.Symbols) != 2 {
		t.Errorf("Trading = %+v", cfg.Trading)
	}
	if cfg.Trading.EvalInterval.Std() != time.Minute {
		t.Errorf("EvalInterval = %v, want 1m", cfg.Trading.EvalInterval)
	}
	if cfg.Execution.RetryDelay.Std() != 500*time.Millisecond {
		t.Errorf("RetryDelay = %v, want 500ms", cfg.Execution.RetryDelay)
	}
	if cfg.Simulator.InitialBalance != 100000 || cfg.Simulator.Seed != 42 {
		t.Errorf("Simulator = %+v", cfg.Simulator)
	}
	if cfg.Simulator.FillDelay.Std() != time.Second {
		t.Errorf("FillDelay = %v, want 1s", cfg.Simulator.FillDelay)
	}
}

func TestRiskLimitsDefaults(t *testing.T) {
	// Unset fields fall back to the conservative defaults; set fields win.
	r := RiskConfig{MaxPositions: 5, DailyLossLimitPct: 0.05}
	limits := r.RiskLimits()

	if limits.MaxPositions != 5 {
		t.Errorf("MaxPositions = %d, want 5", limits.MaxPositions)
	}
	if limits.DailyLossLimitPct != 0.05 {
		t.Errorf("DailyLossLimitPct = %v, want 0.05", limits.DailyLossLimitPct)
	}
	if limits.MaxPositionSizePct != 0.01 {
		t.Errorf("MaxPositionSizePct = %v, want default 0.01", limits.MaxPositionSizePct)
	}
	if limits.CircuitBreakerLosses != 3 {
		t.Errorf("CircuitBreakerLosses = %d, want default 3", limits.CircuitBreakerLosses)
	}
	if limits.MinAvgVolume != 1_000_000 {
		t.Errorf("MinAvgVolume = %d, want default 1000000", limits.MinAvgVolume)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnvOverrides(t)
	path := writeConfig(t, `
broker:
  kind: "simulator"
  alpaca:
    api_key: "yaml-key"
    api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
`)

	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("DATA_DIR", "/env/data")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Broker.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want env-key (env override)", cfg.Broker.Alpaca.APIKey)
	}
	// api_secret should remain from YAML since no env override was set.
	if cfg.Broker.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want yaml-secret (from YAML)", cfg.Broker.Alpaca.APISecret)
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want /env/data (env override)", cfg.Storage.DataDir)
	}
}

func TestCanonicalAlpacaEnvWins(t *testing.T) {
	clearEnvOverrides(t)
	path := writeConfig(t, `
broker:
  alpaca:
    api_key: "yaml-key"
`)
	t.Setenv("ALPACA_API_KEY", "legacy-key")
	t.Setenv("APCA_API_KEY_ID", "canonical-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Broker.Alpaca.APIKey != "canonical-key" {
		t.Errorf("Alpaca.APIKey = %q, want canonical-key", cfg.Broker.Alpaca.APIKey)
	}
}

func TestLoadRejectsUnknownKinds(t *testing.T) {
	clearEnvOverrides(t)

	if _, err := Load(writeConfig(t, "broker:\n  kind: \"robinhood\"\n")); err == nil {
		t.Error("unknown broker kind accepted")
	}
	if _, err := Load(writeConfig(t, "trading:\n  mode: \"yolo\"\n")); err == nil {
		t.Error("unknown trading mode accepted")
	}
	if _, err := Load(writeConfig(t, "execution:\n  retry_delay: \"fast\"\n")); err == nil {
		t.Error("invalid duration accepted")
	}
}
