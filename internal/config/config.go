package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"atlas/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Duration parses YAML strings like "500ms" or "1m" into a time.Duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level configuration for the atlas trading system.
type Config struct {
	Storage   Storage         `yaml:"storage"`
	Broker    BrokerConfig    `yaml:"broker"`
	Logging   Logging         `yaml:"logging"`
	Trading   TradingConfig   `yaml:"trading"`
	Risk      RiskConfig      `yaml:"risk"`
	Execution ExecutionConfig `yaml:"execution"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir   string `yaml:"data_dir"`
	AuditPath string `yaml:"audit_path"`
	VaultPath string `yaml:"vault_path"`
}

// BrokerConfig selects and configures the broker backend.
type BrokerConfig struct {
	// Kind is "simulator" or "alpaca".
	Kind   string `yaml:"kind"`
	Alpaca Alpaca `yaml:"alpaca"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig selects the engine's universe and cadence.
type TradingConfig struct {
	Mode            string   `yaml:"mode"` // "simulation", "paper", or "live"
	Symbols         []string `yaml:"symbols"`
	EvalInterval    Duration `yaml:"eval_interval"`
	MonitorInterval Duration `yaml:"monitor_interval"`
}

// RiskConfig mirrors domain.RiskLimits; zero fields fall back to the
// conservative defaults.
type RiskConfig struct {
	MaxPositionSizePct   float64 `yaml:"max_position_size_pct"`
	MaxTotalExposurePct  float64 `yaml:"max_total_exposure_pct"`
	DailyLossLimitPct    float64 `yaml:"daily_loss_limit_pct"`
	MaxPositions         int     `yaml:"max_positions"`
	CircuitBreakerLosses int     `yaml:"circuit_breaker_losses"`
	MinAvgVolume         int64   `yaml:"min_avg_volume"`
}

// ExecutionConfig tunes order submission and expiry.
type ExecutionConfig struct {
	MaxOrderRetry int      `yaml:"max_order_retry"`
	RetryDelay    Duration `yaml:"retry_delay"`
	OrderTimeout  Duration `yaml:"order_timeout"`
}

// SimulatorConfig tunes the simulated broker.
type SimulatorConfig struct {
	InitialBalance     float64  `yaml:"initial_balance"`
	CommissionPerShare float64  `yaml:"commission_per_share"`
	CommissionPerTrade float64  `yaml:"commission_per_trade"`
	SlippageBps        float64  `yaml:"slippage_bps"`
	FillDelay          Duration `yaml:"fill_delay"`
	Seed               int64    `yaml:"seed"`
	EnforceMarketHours bool     `yaml:"enforce_market_hours"`
}

// RiskLimits converts the config section into domain limits, substituting
// defaults for unset fields.
func (r RiskConfig) RiskLimits() domain.RiskLimits {
	limits := domain.DefaultRiskLimits()
	if r.MaxPositionSizePct > 0 {
		limits.MaxPositionSizePct = r.MaxPositionSizePct
	}
	if r.MaxTotalExposurePct > 0 {
		limits.MaxTotalExposurePct = r.MaxTotalExposurePct
	}
	if r.DailyLossLimitPct > 0 {
		limits.DailyLossLimitPct = r.DailyLossLimitPct
	}
	if r.MaxPositions > 0 {
		limits.MaxPositions = r.MaxPositions
	}
	if r.CircuitBreakerLosses > 0 {
		limits.CircuitBreakerLosses = r.CircuitBreakerLosses
	}
	if r.MinAvgVolume > 0 {
		limits.MinAvgVolume = r.MinAvgVolume
	}
	return limits
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Broker.Kind {
	case "", "simulator", "alpaca":
	default:
		return fmt.Errorf("config: unknown broker kind %q", c.Broker.Kind)
	}
	switch c.Trading.Mode {
	case "", "simulation", "paper", "live":
	default:
		return fmt.Errorf("config: unknown trading mode %q", c.Trading.Mode)
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("AUDIT_PATH"); v != "" {
		cfg.Storage.AuditPath = v
	}
	if v := os.Getenv("VAULT_PATH"); v != "" {
		cfg.Storage.VaultPath = v
	}

	if v := os.Getenv("BROKER_KIND"); v != "" {
		cfg.Broker.Kind = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Broker.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Broker.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Broker.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Broker.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority — canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Broker.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Broker.Alpaca.APISecret = v
	}
}
