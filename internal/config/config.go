// Package config provides the hot-reloadable JSON configuration for the
// trading monitor.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Policy defaults applied when the corresponding field is unset.
const (
	// defaultStopLoss is used when default_stop_loss is unset.
	defaultStopLoss = 0.20
	// defaultDefensiveStopLoss is the tightened stop applied in defensive mode.
	defaultDefensiveStopLoss = 0.10
	// defaultDailyLossLimit trips the daily circuit breaker.
	defaultDailyLossLimit = 0.02
	// defaultGapThreshold trips the overnight gap check.
	defaultGapThreshold = 0.02
	// defaultCheckIntervalSec is the in-market cycle sleep.
	defaultCheckIntervalSec = 300
	// defaultRotationThreshold is the strong-sell fraction that enters rotation.
	defaultRotationThreshold = 0.40
	// defaultRecoveryThreshold is the strong-buy fraction that exits rotation.
	defaultRecoveryThreshold = 0.25
	// defaultMaxRotationDays force-exits rotation mode.
	defaultMaxRotationDays = 30
)

// Config is the complete monitor configuration. All numeric thresholds are
// fractions (0.20 = 20%).
type Config struct {
	Environment EnvironmentConfig `json:"environment"`
	Broker      BrokerConfig      `json:"broker"`
	Schedule    ScheduleConfig    `json:"schedule"`
	Agent       AgentConfig       `json:"agent"`
	Dashboard   DashboardConfig   `json:"dashboard"`
	StateDir    string            `json:"state_dir"`

	DefaultStopLoss   float64                     `json:"default_stop_loss"`
	DefensiveStopLoss float64                     `json:"defensive_stop_loss"`
	DailyLossLimit    float64                     `json:"daily_loss_limit"`
	GapThreshold      float64                     `json:"gap_threshold"`
	VIXStopLosses     map[string]float64          `json:"vix_stop_losses"`
	PositionStopLoss  map[string]PositionStop     `json:"position_stop_losses"`
	ProfitProtection  map[string]ProfitProtection `json:"profit_protection"`
	DipBuying         DipBuyingConfig             `json:"dip_buying"`
	HighBetaPositions map[string]HighBetaConfig   `json:"high_beta_positions"`
	ReviewIntervals   ReviewIntervalsConfig       `json:"review_intervals"`
	CapitalManagement CapitalConfig               `json:"capital_management"`
	FallbackRules     FallbackRulesConfig         `json:"fallback_rules"`
	RotationTrigger   RotationConfig              `json:"rotation_trigger"`
	ShortSelling      ShortSellingConfig          `json:"short_selling"`
	ScanUniverse      []string                    `json:"scan_universe"`
	Watchlist         []string                    `json:"watchlist"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `json:"mode"`      // paper | live
	LogLevel string `json:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker settings. Credentials come from the
// environment, never from this file.
type BrokerConfig struct {
	Provider string `json:"provider"`
	// VIXSymbol is the market-data symbol used for volatility readings.
	VIXSymbol string `json:"vix_symbol"`
}

// ScheduleConfig defines the monitor's cycle cadence and wall-clock jobs.
type ScheduleConfig struct {
	CheckIntervalSec int      `json:"check_interval_sec"`
	ExchangeTimezone string   `json:"exchange_timezone"`
	LocalTimezone    string   `json:"local_timezone"`
	OvernightScans   []string `json:"overnight_scan_times"` // "HH:MM" local
	PreMarketClock   string   `json:"premarket_clock"`      // "HH:MM" local, weekdays
	WeekendClock     string   `json:"weekend_clock"`        // "HH:MM" local, Sundays
}

// AgentConfig defines how the external reasoning process is invoked.
type AgentConfig struct {
	Command         string `json:"command"`
	WorkDir         string `json:"workdir"`
	TimeoutSec      int    `json:"timeout_sec"`
	FallbackEnabled bool   `json:"fallback_enabled"`
}

// DashboardConfig defines the optional read-only status server.
type DashboardConfig struct {
	Enabled   bool   `json:"enabled"`
	Port      int    `json:"port"`
	AuthToken string `json:"auth_token"`
}

// PositionStop is a per-ticker stop-loss override.
type PositionStop struct {
	Threshold float64 `json:"threshold"`
	Reason    string  `json:"reason,omitempty"`
}

// ProfitProtection guards accumulated gains on a single ticker. Long entries
// set MinPrice; short entries set MaxPrice.
type ProfitProtection struct {
	MinPrice      float64 `json:"min_price,omitempty"`
	MaxPrice      float64 `json:"max_price,omitempty"`
	Reason        string  `json:"reason"`
	TriggerReview bool    `json:"trigger_review,omitempty"`
	PositionType  string  `json:"position_type"` // long | short
}

// DipBuyingConfig enables automatic adds on held tickers trading in a dip band.
type DipBuyingConfig struct {
	Enabled bool     `json:"enabled"`
	Tickers []string `json:"tickers"`
	MinPct  float64  `json:"min_pct"`
	MaxPct  float64  `json:"max_pct"`
}

// HighBetaConfig marks positions that get trimmed or exited on VIX regime
// escalation.
type HighBetaConfig struct {
	Beta    float64 `json:"beta"`
	Extreme bool    `json:"extreme"`
}

// ReviewIntervalsConfig sets the cadence of agent-delegated reviews.
type ReviewIntervalsConfig struct {
	StrategyHours       float64 `json:"strategy_hours"`
	DiscoveryHours      float64 `json:"discovery_hours"`
	DiscoveryStartClock string  `json:"discovery_start_clock"` // "HH:MM" exchange
}

// CapitalConfig defines cash posture rules.
type CapitalConfig struct {
	OpportunityReserveFraction float64 `json:"opportunity_reserve_fraction"`
	MaxMarginFraction          float64 `json:"max_margin_fraction"`
}

// FallbackRulesConfig parameterizes the deterministic trimmer used when the
// agent is unavailable.
type FallbackRulesConfig struct {
	Enabled           bool            `json:"enabled"`
	RSIProfitTaking   RSITrimRule     `json:"rsi_profit_taking"`
	ExtremeOverbought RSITrimRule     `json:"extreme_overbought"`
	PositionSizeLimit SizeLimitRule   `json:"position_size_limit"`
	CashReserve       CashReserveRule `json:"cash_reserve"`
}

// RSITrimRule trims a position when RSI and P/L both exceed thresholds.
type RSITrimRule struct {
	MinRSI       float64 `json:"min_rsi"`
	MinPnLPct    float64 `json:"min_pnl_pct"`
	TrimFraction float64 `json:"trim_fraction"`
}

// SizeLimitRule trims an oversized position down to a target weight.
type SizeLimitRule struct {
	MaxWeight    float64 `json:"max_weight"`
	TargetWeight float64 `json:"target_weight"`
}

// CashReserveRule trims the best performer when cash falls below a floor.
type CashReserveRule struct {
	MinCashWeight float64 `json:"min_cash_weight"`
	MinBestPnLPct float64 `json:"min_best_pnl_pct"`
	TrimFraction  float64 `json:"trim_fraction"`
}

// RotationConfig controls growth-to-vice rotation transitions.
type RotationConfig struct {
	Enabled             bool     `json:"enabled"`
	StrongSellThreshold float64  `json:"strong_sell_threshold"`
	RecoveryThreshold   float64  `json:"recovery_threshold"`
	ViceTickers         []string `json:"vice_tickers"`
	MaxDays             int      `json:"max_days"`
	// MaxViceWeight caps the vice-set share of the portfolio.
	MaxViceWeight float64 `json:"max_vice_weight"`
}

// ShortSellingConfig caps simultaneous short exposure.
type ShortSellingConfig struct {
	Enabled           bool `json:"enabled"`
	MaxShortPositions int  `json:"max_short_positions"`
}

// Load reads, parses, and validates the configuration file. A failure here
// is fatal at startup; callers must not continue with a nil config.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.json"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DefaultStopLoss == 0 {
		c.DefaultStopLoss = defaultStopLoss
	}
	if c.DefensiveStopLoss == 0 {
		c.DefensiveStopLoss = defaultDefensiveStopLoss
	}
	if c.DailyLossLimit == 0 {
		c.DailyLossLimit = defaultDailyLossLimit
	}
	if c.GapThreshold == 0 {
		c.GapThreshold = defaultGapThreshold
	}
	if c.Schedule.CheckIntervalSec == 0 {
		c.Schedule.CheckIntervalSec = defaultCheckIntervalSec
	}
	if c.Schedule.ExchangeTimezone == "" {
		c.Schedule.ExchangeTimezone = "America/New_York"
	}
	if c.RotationTrigger.StrongSellThreshold == 0 {
		c.RotationTrigger.StrongSellThreshold = defaultRotationThreshold
	}
	if c.RotationTrigger.RecoveryThreshold == 0 {
		c.RotationTrigger.RecoveryThreshold = defaultRecoveryThreshold
	}
	if c.RotationTrigger.MaxDays == 0 {
		c.RotationTrigger.MaxDays = defaultMaxRotationDays
	}
	if c.RotationTrigger.MaxViceWeight == 0 {
		c.RotationTrigger.MaxViceWeight = 0.25
	}
	if c.Broker.VIXSymbol == "" {
		c.Broker.VIXSymbol = "VIXY"
	}
	if c.Agent.TimeoutSec == 0 {
		c.Agent.TimeoutSec = 600
	}
	if c.StateDir == "" {
		c.StateDir = "state"
	}

	// Deterministic trimmer defaults.
	fr := &c.FallbackRules
	if fr.RSIProfitTaking.MinRSI == 0 {
		fr.RSIProfitTaking = RSITrimRule{MinRSI: 80, MinPnLPct: 0.20, TrimFraction: 0.25}
	}
	if fr.ExtremeOverbought.MinRSI == 0 {
		fr.ExtremeOverbought = RSITrimRule{MinRSI: 85, MinPnLPct: 0.30, TrimFraction: 0.30}
	}
	if fr.PositionSizeLimit.MaxWeight == 0 {
		fr.PositionSizeLimit = SizeLimitRule{MaxWeight: 0.35, TargetWeight: 0.30}
	}
	if fr.CashReserve.MinCashWeight == 0 {
		fr.CashReserve = CashReserveRule{MinCashWeight: 0.08, MinBestPnLPct: 0.25, TrimFraction: 0.15}
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	if c.DefaultStopLoss <= 0 || c.DefaultStopLoss >= 1 {
		return fmt.Errorf("default_stop_loss must be in (0,1)")
	}
	if c.DefensiveStopLoss <= 0 || c.DefensiveStopLoss >= 1 {
		return fmt.Errorf("defensive_stop_loss must be in (0,1)")
	}
	if c.DailyLossLimit <= 0 || c.DailyLossLimit >= 1 {
		return fmt.Errorf("daily_loss_limit must be in (0,1)")
	}
	if c.GapThreshold <= 0 || c.GapThreshold >= 1 {
		return fmt.Errorf("gap_threshold must be in (0,1)")
	}
	for regime, frac := range c.VIXStopLosses {
		switch regime {
		case "CALM", "NORMAL", "ELEVATED", "HIGH":
		default:
			return fmt.Errorf("vix_stop_losses: unknown regime %q", regime)
		}
		if frac <= 0 || frac >= 1 {
			return fmt.Errorf("vix_stop_losses[%s] must be in (0,1)", regime)
		}
	}
	for ticker, stop := range c.PositionStopLoss {
		if stop.Threshold <= 0 || stop.Threshold >= 1 {
			return fmt.Errorf("position_stop_losses[%s].threshold must be in (0,1)", ticker)
		}
	}
	for ticker, pp := range c.ProfitProtection {
		switch pp.PositionType {
		case "long":
			if pp.MinPrice <= 0 {
				return fmt.Errorf("profit_protection[%s]: long entries require min_price > 0", ticker)
			}
		case "short":
			if pp.MaxPrice <= 0 {
				return fmt.Errorf("profit_protection[%s]: short entries require max_price > 0", ticker)
			}
		default:
			return fmt.Errorf("profit_protection[%s].position_type must be 'long' or 'short'", ticker)
		}
	}
	if c.DipBuying.Enabled {
		if c.DipBuying.MinPct <= 0 || c.DipBuying.MaxPct <= c.DipBuying.MinPct {
			return fmt.Errorf("dip_buying requires 0 < min_pct < max_pct")
		}
	}
	if c.ReviewIntervals.StrategyHours < 0 || c.ReviewIntervals.DiscoveryHours < 0 {
		return fmt.Errorf("review_intervals hours must be >= 0")
	}
	if c.ReviewIntervals.DiscoveryStartClock != "" {
		if _, err := time.Parse("15:04", c.ReviewIntervals.DiscoveryStartClock); err != nil {
			return fmt.Errorf("review_intervals.discovery_start_clock invalid: %w", err)
		}
	}
	if c.CapitalManagement.OpportunityReserveFraction < 0 || c.CapitalManagement.OpportunityReserveFraction >= 1 {
		return fmt.Errorf("capital_management.opportunity_reserve_fraction must be in [0,1)")
	}
	if c.CapitalManagement.MaxMarginFraction < 0 || c.CapitalManagement.MaxMarginFraction >= 1 {
		return fmt.Errorf("capital_management.max_margin_fraction must be in [0,1)")
	}
	if c.RotationTrigger.Enabled && len(c.RotationTrigger.ViceTickers) == 0 {
		return fmt.Errorf("rotation_trigger.vice_tickers required when rotation is enabled")
	}
	if c.ShortSelling.Enabled && c.ShortSelling.MaxShortPositions <= 0 {
		return fmt.Errorf("short_selling.max_short_positions must be > 0 when short selling is enabled")
	}
	for _, clk := range c.Schedule.OvernightScans {
		if _, err := time.Parse("15:04", clk); err != nil {
			return fmt.Errorf("schedule.overnight_scan_times entry %q invalid: %w", clk, err)
		}
	}
	for name, clk := range map[string]string{
		"premarket_clock": c.Schedule.PreMarketClock,
		"weekend_clock":   c.Schedule.WeekendClock,
	} {
		if clk == "" {
			continue
		}
		if _, err := time.Parse("15:04", clk); err != nil {
			return fmt.Errorf("schedule.%s invalid: %w", name, err)
		}
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	return nil
}

// IsPaperTrading returns true if the monitor is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// CheckInterval returns the in-market cycle sleep duration.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.Schedule.CheckIntervalSec) * time.Second
}

// AgentTimeout returns the wall-clock budget for one agent invocation,
// retries included.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutSec) * time.Second
}

// StopLossFor resolves the effective stop-loss fraction for a ticker, by
// priority: per-ticker override, defensive floor, regime map, default.
func (c *Config) StopLossFor(ticker, regime string, defensive bool) float64 {
	if stop, ok := c.PositionStopLoss[ticker]; ok {
		return stop.Threshold
	}
	if defensive {
		return c.DefensiveStopLoss
	}
	if frac, ok := c.VIXStopLosses[regime]; ok {
		return frac
	}
	return c.DefaultStopLoss
}
