package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/transmission/broker/health"
	"github.com/rustyeddy/transmission/broker/paper"
	"github.com/rustyeddy/transmission/constraints"
	"github.com/rustyeddy/transmission/execution"
	"github.com/rustyeddy/transmission/gear"
	"github.com/rustyeddy/transmission/market"
	"github.com/rustyeddy/transmission/pkg/logger"
	"github.com/rustyeddy/transmission/regime"
	"github.com/rustyeddy/transmission/risk"
	"github.com/rustyeddy/transmission/telemetry"
)

// Config is the complete runtime configuration.
type Config struct {
	Account      AccountConfig           `json:"account" yaml:"account"`
	Profile      constraints.Profile     `json:"profile" yaml:"profile"`
	Overrides    constraints.Overrides   `json:"overrides" yaml:"overrides"`
	Ceilings     constraints.Ceilings    `json:"ceilings" yaml:"ceilings"`
	Risk         risk.GovernorConfig     `json:"risk" yaml:"risk"`
	Gear         gear.Limits             `json:"gear" yaml:"gear"`
	Sizer        risk.SizerConfig        `json:"sizer" yaml:"sizer"`
	Telemetry    telemetry.Params        `json:"telemetry" yaml:"telemetry"`
	Regime       regime.Thresholds       `json:"regime" yaml:"regime"`
	Execution    execution.Config        `json:"execution" yaml:"execution"`
	Orchestrator OrchestratorConfig      `json:"orchestrator" yaml:"orchestrator"`
	Broker       BrokerConfig            `json:"broker" yaml:"broker"`
	Instruments  []market.InstrumentSpec `json:"instruments,omitempty" yaml:"instruments,omitempty"`
	Strategies   []StrategyConfig        `json:"strategies" yaml:"strategies"`
	NewsFile     string                  `json:"news_file,omitempty" yaml:"news_file,omitempty"`
	Journal      JournalConfig           `json:"journal" yaml:"journal"`
	Log          LogConfig               `json:"log" yaml:"log"`
	Notify       NotifyConfig            `json:"notify" yaml:"notify"`
	Metrics      MetricsConfig           `json:"metrics" yaml:"metrics"`
}

type AccountConfig struct {
	ID string `json:"id" yaml:"id"`
	// MentalState is the self-reported state (1..5) at startup; 0 means
	// not reported.
	MentalState int `json:"mental_state" yaml:"mental_state"`
}

type OrchestratorConfig struct {
	Workers    int `json:"workers" yaml:"workers"`         // 0: one per instrument
	WindowBars int `json:"window_bars" yaml:"window_bars"` // rolling bars kept per instrument
}

type BrokerConfig struct {
	Kind  string       `json:"kind" yaml:"kind"` // mock | paper
	Paper paper.Config `json:"paper" yaml:"paper"`
	// Health configures latency tracking and the circuit breaker the
	// execution guard consults.
	Health health.Config `json:"health" yaml:"health"`
}

type StrategyConfig struct {
	Name    string   `json:"name" yaml:"name"`
	Regimes []string `json:"regimes,omitempty" yaml:"regimes,omitempty"` // empty: the plugin's default
	Enabled bool     `json:"enabled" yaml:"enabled"`
}

type JournalConfig struct {
	Driver string `json:"driver" yaml:"driver"` // sqlite | none
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
}

type LogConfig struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"`
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty" yaml:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty" yaml:"compress,omitempty"`
}

// Options converts the section to logger options.
func (l LogConfig) Options(service string) logger.Options {
	return logger.Options{
		Level:      l.Level,
		Format:     l.Format,
		Service:    service,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

type NotifyConfig struct {
	// WebsocketAddr enables the broadcast hub, e.g. ":8090".
	WebsocketAddr string `json:"websocket_addr,omitempty" yaml:"websocket_addr,omitempty"`
	Buffer        int    `json:"buffer" yaml:"buffer"`
}

type MetricsConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"` // e.g. ":9090"
}

// ConfigError reports an invalid configuration field. It is fatal at
// startup.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func invalid(field, format string, args ...any) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// LoadFromFile loads configuration from a YAML or JSON file and validates it.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = Default()
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, &ConfigError{Field: "file", Err: fmt.Errorf("parse %s (tried YAML and JSON): %w", path, err)}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveToFile writes YAML for .yaml/.yml paths and indented JSON otherwise.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate returns the first problem found as a *ConfigError.
func (c *Config) Validate() error {
	if err := c.Profile.Validate(); err != nil {
		return &ConfigError{Field: "profile", Err: err}
	}
	if c.Account.MentalState < 0 || c.Account.MentalState > 5 {
		return invalid("account.mental_state", "must be 0 (unreported) or 1..5, got %d", c.Account.MentalState)
	}
	if c.Risk.BaseRisk <= 0 {
		return invalid("risk.base_risk", "must be positive")
	}
	if c.Risk.StartingEquity <= 0 {
		return invalid("risk.starting_equity", "must be positive")
	}
	if _, err := time.LoadLocation(c.Risk.Timezone); err != nil {
		return &ConfigError{Field: "risk.timezone", Err: err}
	}
	if c.Gear.DailyLossR >= 0 || c.Gear.WeeklyLossR >= 0 {
		return invalid("gear", "daily_loss_r and weekly_loss_r must be negative")
	}
	if c.Gear.StepDownPF > c.Gear.ScaleUpPF {
		return invalid("gear", "step_down_pf %.2f above scale_up_pf %.2f", c.Gear.StepDownPF, c.Gear.ScaleUpPF)
	}
	if c.Orchestrator.Workers < 0 {
		return invalid("orchestrator.workers", "must not be negative")
	}
	if c.Orchestrator.WindowBars != 0 && c.Orchestrator.WindowBars < c.Telemetry.MinWindow() {
		return invalid("orchestrator.window_bars", "%d is shorter than the %d bars telemetry needs",
			c.Orchestrator.WindowBars, c.Telemetry.MinWindow())
	}
	if htf := c.Telemetry.HTFWindow(); c.Orchestrator.WindowBars != 0 && htf > c.Orchestrator.WindowBars {
		return invalid("orchestrator.window_bars", "%d is shorter than the %d bars the higher timeframe needs",
			c.Orchestrator.WindowBars, htf)
	}
	if lim := c.Regime.SpreadLimitTicks; lim > 0 && lim <= c.Ceilings.MaxSpreadTicks {
		return invalid("regime.spread_limit_ticks", "%.1f must exceed the guard's spread ceiling %.1f or be 0",
			lim, c.Ceilings.MaxSpreadTicks)
	}
	switch c.Broker.Kind {
	case "mock", "paper":
	default:
		return invalid("broker.kind", "must be 'mock' or 'paper', got %q", c.Broker.Kind)
	}
	if err := c.Broker.Health.Validate(); err != nil {
		return &ConfigError{Field: "broker.health", Err: err}
	}
	for i, spec := range c.Instruments {
		if err := spec.Validate(); err != nil {
			return &ConfigError{Field: fmt.Sprintf("instruments[%d]", i), Err: err}
		}
	}
	if len(c.Strategies) == 0 {
		return invalid("strategies", "at least one strategy is required")
	}
	for i, s := range c.Strategies {
		if s.Name == "" {
			return invalid(fmt.Sprintf("strategies[%d].name", i), "is required")
		}
		for _, r := range s.Regimes {
			switch regime.Regime(r) {
			case regime.Trend, regime.Range, regime.Volatile:
			default:
				return invalid(fmt.Sprintf("strategies[%d].regimes", i), "unknown regime %q", r)
			}
		}
	}
	switch c.Journal.Driver {
	case "none":
	case "sqlite":
		if c.Journal.Path == "" {
			return invalid("journal.path", "required for the sqlite driver")
		}
	default:
		return invalid("journal.driver", "must be 'sqlite' or 'none', got %q", c.Journal.Driver)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return &ConfigError{Field: "log.level", Err: err}
	}
	return nil
}

// IsConfigError reports whether err is, or wraps, a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Default returns a configuration that validates and runs against the
// mock broker.
func Default() *Config {
	c := &Config{
		Account: AccountConfig{ID: "SIM-001"},
		Profile: constraints.Profile{
			Capital:        25000,
			DailyLossLimit: 500,
			Experience:     "intermediate",
			HoursPerDay:    4,
			AllowedSymbols: []string{"MNQ", "MES"},
			Sessions:       []string{"08:30-11:30", "13:00-15:00"},
			Timezone:       "America/Chicago",
		},
		Ceilings:  constraints.DefaultCeilings(),
		Risk:      risk.DefaultGovernorConfig(),
		Gear:      gear.DefaultLimits(),
		Sizer:     risk.DefaultSizerConfig(),
		Telemetry: telemetry.DefaultParams(),
		Regime:    regime.DefaultThresholds(),
		Execution: execution.DefaultConfig(),
		Orchestrator: OrchestratorConfig{
			WindowBars: 160,
		},
		Broker: BrokerConfig{Kind: "paper", Paper: paper.Config{SlippageTicks: 1}, Health: health.DefaultConfig()},
		Strategies: []StrategyConfig{
			{Name: "vwap_pullback", Enabled: true},
			{Name: "mean_reversion", Enabled: true},
			{Name: "orb_retest", Enabled: false},
		},
		Journal: JournalConfig{Driver: "sqlite", Path: "./transmission.db"},
		Log:     LogConfig{Level: "info", Format: "console"},
		Notify:  NotifyConfig{Buffer: 256},
	}
	// The ledger tracks the profile's account: 0.2% of capital per R, the
	// intermediate profile's per-trade risk, with twice that as the
	// per-trade safeguard.
	c.Risk.StartingEquity = c.Profile.Capital
	c.Risk.BaseRisk = c.Profile.Capital * 0.002
	c.Risk.MaxRiskDollars = 2 * c.Risk.BaseRisk
	return c
}
