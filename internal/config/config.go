// Package config assembles the engine's typed immutable configuration
// snapshot at startup: scalar knobs from the environment (env tags parsed by
// github.com/caarlos0/env/v11, the same struct-tag pattern the teacher used
// for its YAML node config) plus a broker/routing side file loaded with
// gopkg.in/yaml.v3, matching the teacher's internal/node config loader.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ExecutionMode gates live order submission and strict-protection behavior.
type ExecutionMode string

const (
	ModeBacktest ExecutionMode = "backtest"
	ModePaper    ExecutionMode = "paper"
	ModeLive     ExecutionMode = "live"
)

// Config is the immutable snapshot assembled once at startup. Runtime
// overrides are persisted to a companion JSON file by OverrideStore
// (override.go); nothing in this package applies them to a Config, and
// Config itself is never mutated after Load.
type Config struct {
	ExecutionMode ExecutionMode `env:"EXECUTION_MODE" envDefault:"paper"`
	AllowLive     bool          `env:"ALLOW_LIVE" envDefault:"false"`

	RiskPerTrade    float64 `env:"RISK_PER_TRADE" envDefault:"0.01"`
	MaxRiskPerTrade float64 `env:"MAX_RISK_PER_TRADE" envDefault:"0.02"`
	MaxOpenPositions int    `env:"MAX_OPEN_POSITIONS" envDefault:"0"`
	MaxPositionNotional float64 `env:"MAX_POSITION_NOTIONAL" envDefault:"0"`
	MaxDailyDrawdown    float64 `env:"MAX_DAILY_DRAWDOWN" envDefault:"0"`

	StrictProtectionsLive bool `env:"STRICT_PROTECTIONS_LIVE" envDefault:"false"`
	UseNativeProtections  bool `env:"USE_NATIVE_PROTECTIONS" envDefault:"false"`

	OrderConfirmTimeoutS     int `env:"ORDER_CONFIRM_TIMEOUT_S" envDefault:"15"`
	PendingEntryMaxAgeS      int `env:"PENDING_ENTRY_MAX_AGE_S" envDefault:"120"`
	HeartbeatEveryS          int `env:"HEARTBEAT_EVERY_S" envDefault:"10"`
	RunnerMaxConsecutiveErrs int `env:"RUNNER_MAX_CONSECUTIVE_ERRORS" envDefault:"5"`

	// MaxHoldS is a supplemented knob (see SPEC_FULL §4.2): 0 disables the
	// time-exit guard, matching the "0 disables" convention of the drawdown
	// and max-positions knobs above.
	MaxHoldS int `env:"MAX_HOLD_S" envDefault:"0"`

	DynamicTrailBreakevenATR       float64 `env:"DYNAMIC_TRAIL_BREAKEVEN_ATR" envDefault:"1.0"`
	DynamicTrailBreakevenBufferATR float64 `env:"DYNAMIC_TRAIL_BREAKEVEN_BUFFER_ATR" envDefault:"0.1"`
	DynamicTrailTriggerDistATR     float64 `env:"DYNAMIC_TRAIL_TRIGGER_DIST_ATR" envDefault:"1.0"`
	DynamicTrailOffsetATR          float64 `env:"DYNAMIC_TRAIL_OFFSET_ATR" envDefault:"1.2"`
	DynamicTrailMinStepATR         float64 `env:"DYNAMIC_TRAIL_MIN_STEP_ATR" envDefault:"0.1"`
	DynamicTrailMinGapPct          float64 `env:"DYNAMIC_TRAIL_MIN_GAP_PCT" envDefault:"0.0015"`
	DynamicTrailCooldownS          int     `env:"DYNAMIC_TRAIL_COOLDOWN_S" envDefault:"5"`

	StateDir          string `env:"STATE_DIR" envDefault:"state"`
	RunnerStateFile   string `env:"RUNNER_STATE_FILE" envDefault:"runner_state.json"`
	ProtectionsFile   string `env:"PROTECTIONS_FILE" envDefault:"protections.json"`
	TradeDBFile       string `env:"TRADE_DB_FILE" envDefault:"trades.sqlite"`
	HeartbeatFile     string `env:"HEARTBEAT_FILE" envDefault:"runner_heartbeat.json"`
	KillSwitchFile    string `env:"KILL_SWITCH_FILE" envDefault:"kill_switch.json"`

	AlertTelegramBotToken string `env:"ALERT_TG_BOT_TOKEN"`
	AlertTelegramChatID   string `env:"ALERT_TG_CHAT_ID"`
	AlertEnabled          bool   `env:"ALERT_ENABLED" envDefault:"false"`
}

// Load assembles Config from the environment with the defaults declared in
// the struct tags above.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}

// BrokerCreds holds one venue's credentials and tuning knobs, loaded from the
// YAML routing file rather than scalar env vars (spec.md names these as a
// "configuration concern" outside the core's env-var surface).
type BrokerCreds struct {
	Kind          string  `yaml:"kind"` // "venue_a", "venue_b", "simulator"
	BaseURL       string  `yaml:"base_url"`
	APIKey        string  `yaml:"api_key"`
	APISecret     string  `yaml:"api_secret"`
	Passphrase    string  `yaml:"passphrase"`
	Token         string  `yaml:"token"`
	RatePerSec    float64 `yaml:"rate_per_sec"`
	Burst         int     `yaml:"burst"`
	MaxInflight   int     `yaml:"max_inflight"`
	HTTPMaxRetries int    `yaml:"http_max_retries"`

	// Simulator-only.
	StartingEquity float64 `yaml:"starting_equity"`
	SlippageBps    float64 `yaml:"slippage_bps"`
	Currency       string  `yaml:"currency"`
	DataBroker     string  `yaml:"data_broker"`
}

// RoutingConfig is the broker/routing side file: which adapters exist and
// which broker each symbol maps to.
type RoutingConfig struct {
	Brokers        map[string]BrokerCreds `yaml:"brokers"`
	AssetRouting   map[string]string      `yaml:"asset_routing"`
	DefaultBroker  string                 `yaml:"default_broker"`
	Strategy       StrategyParams         `yaml:"strategy"`
}

// StrategyParams are the per-deployment strategy knobs the source read out
// of Config.get_strategy_params()/DEFAULT_STRATEGY: confidence threshold,
// SL/TP ATR multipliers, and the optional pullback-entry multiplier. These
// don't belong in the scalar env-var surface because a deployment typically
// ships one strategy config per routing file, not per process restart.
type StrategyParams struct {
	Conf     float64 `yaml:"conf"`
	SL       float64 `yaml:"sl"`
	TP       float64 `yaml:"tp"`
	Pullback float64 `yaml:"pullback"`
}

// applyDefaults fills zero-valued fields with the source's DEFAULT_STRATEGY
// values (conf=0.6, sl=2.0, tp=3.5, pullback=0 i.e. disabled).
func (p *StrategyParams) applyDefaults() {
	if p.Conf == 0 {
		p.Conf = 0.6
	}
	if p.SL == 0 {
		p.SL = 2.0
	}
	if p.TP == 0 {
		p.TP = 3.5
	}
}

// LoadRouting reads the broker/routing YAML side file.
func LoadRouting(path string) (*RoutingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read routing file %s: %w", path, err)
	}
	var rc RoutingConfig
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("config: parse routing file %s: %w", path, err)
	}
	rc.Strategy.applyDefaults()
	return &rc, nil
}
