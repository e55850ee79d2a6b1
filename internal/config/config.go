// Package config provides configuration management for the trading engine.
//
// Configuration comes from two places: a YAML file for tunables and a .env
// file (or the process environment) for secrets. Secrets are referenced from
// the YAML via ${VAR} expansion so the file itself never carries credentials.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"

	"github.com/hyunwoolee/kis-trend-atr/internal/models"
)

// Strategy defaults, applied when the corresponding key is unset.
const (
	defaultATRPeriod         = 14
	defaultTrendMAPeriod     = 50
	defaultADXPeriod         = 14
	defaultATRMultiplierSL   = 2.0
	defaultATRMultiplierTP   = 3.0
	defaultMaxLossPct        = 5.0
	defaultATRSpikeThreshold = 2.5
	defaultADXThreshold      = 25.0
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Risk        RiskConfig        `yaml:"risk"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Universe    UniverseConfig    `yaml:"universe"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Storage     StorageConfig     `yaml:"storage"`
}

// EnvironmentConfig defines the run mode and the gates guarding REAL.
type EnvironmentConfig struct {
	// Mode is DRY_RUN, PAPER or REAL. REAL additionally requires
	// EnableRealTrading and the --confirm-real-trading flag; without both
	// the engine falls back to DRY_RUN.
	Mode              string `yaml:"mode"`
	EnableRealTrading bool   `yaml:"enable_real_trading"`
	KillSwitch        bool   `yaml:"kill_switch"`
	LogLevel          string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines KIS OpenAPI credentials and transport limits.
type BrokerConfig struct {
	AppKey      string `yaml:"app_key"`
	AppSecret   string `yaml:"app_secret"`
	AccountNo   string `yaml:"account_no"`   // CANO, 8 digits
	AccountProd string `yaml:"account_prod"` // ACNT_PRDT_CD, usually "01"

	APITimeout     string  `yaml:"api_timeout"`      // per-request HTTP timeout
	RateLimitDelay float64 `yaml:"rate_limit_delay"` // seconds between calls; 0.05 = 20/s
	TokenCachePath string  `yaml:"token_cache_path"`
}

// StrategyConfig defines the trend-ATR strategy parameters.
type StrategyConfig struct {
	ATRPeriod     int `yaml:"atr_period"`
	TrendMAPeriod int `yaml:"trend_ma_period"`
	ADXPeriod     int `yaml:"adx_period"`

	ATRMultiplierSL   float64 `yaml:"atr_multiplier_sl"`
	ATRMultiplierTP   float64 `yaml:"atr_multiplier_tp"`
	MaxLossPct        float64 `yaml:"max_loss_pct"` // floor on the stop distance
	ATRSpikeThreshold float64 `yaml:"atr_spike_threshold"`
	ADXThreshold      float64 `yaml:"adx_threshold"`

	Trailing TrailingConfig `yaml:"trailing"`
	Gap      GapConfig      `yaml:"gap"`

	// AllowScaleIn permits a weighted-average BUY while already ENTERED.
	// Off unless explicitly enabled.
	AllowScaleIn bool `yaml:"allow_scale_in"`
}

// TrailingConfig defines the trailing-stop rules. Enabled is a pointer so
// that "absent" defaults to true; turning it off takes an explicit false.
type TrailingConfig struct {
	Enabled       *bool   `yaml:"enabled"`
	ATRMultiplier float64 `yaml:"atr_multiplier"`
	ActivationPct float64 `yaml:"activation_pct"` // min unrealized pnl % before trailing arms
}

// GapConfig defines overnight gap protection. Enabled follows the same
// absent-means-true convention as TrailingConfig.
type GapConfig struct {
	Enabled    *bool   `yaml:"enabled"`
	MaxLossPct float64 `yaml:"max_loss_pct"`
	Reference  string  `yaml:"reference"`   // entry | stop | prev_close
	EpsilonPct float64 `yaml:"epsilon_pct"` // gaps below this are noise, not gaps
}

// TrailingEnabled reports whether the trailing stop is active.
func (s StrategyConfig) TrailingEnabled() bool {
	return s.Trailing.Enabled == nil || *s.Trailing.Enabled
}

// GapEnabled reports whether overnight gap protection is active.
func (s StrategyConfig) GapEnabled() bool {
	return s.Gap.Enabled == nil || *s.Gap.Enabled
}

// RiskConfig defines the daily circuit breakers and the drawdown kill switch.
type RiskConfig struct {
	DailyMaxLossPercent   float64 `yaml:"daily_max_loss_percent"`
	DailyMaxTrades        int     `yaml:"daily_max_trades"`
	MaxConsecutiveLosses  int     `yaml:"max_consecutive_losses"`
	MaxDrawdownPct        float64 `yaml:"max_cumulative_drawdown_pct"`
	DrawdownWarningPct    float64 `yaml:"cumulative_drawdown_warning_pct"`
	PerSymbolAllocation   float64 `yaml:"per_symbol_allocation"` // fraction of equity per new entry
	RealFirstOrderPercent float64 `yaml:"real_first_order_percent"`
}

// ExecutionConfig defines order polling, retry and tick pacing.
type ExecutionConfig struct {
	OrderExecutionTimeout string `yaml:"order_execution_timeout"`
	OrderCheckInterval    string `yaml:"order_check_interval"`

	PendingExitBackoffMinutes int `yaml:"pending_exit_backoff_minutes"`
	PendingExitMaxAgeHours    int `yaml:"pending_exit_max_age_hours"`

	DefaultInterval         string  `yaml:"default_execution_interval"`
	NearStopInterval        string  `yaml:"near_stoploss_execution_interval"`
	NearStopThresholdPct    float64 `yaml:"near_stoploss_threshold_pct"`
	NearTakeProfitAlertPcts []int   `yaml:"near_take_profit_alert_pcts"`
}

// UniverseConfig defines daily symbol selection.
type UniverseConfig struct {
	Method       string   `yaml:"method"` // fixed | volume_top | atr_filter | combined
	Symbols      []string `yaml:"symbols"`
	TopN         int      `yaml:"top_n"`
	ATRMinPct    float64  `yaml:"atr_min_pct"`
	ATRMaxPct    float64  `yaml:"atr_max_pct"`
	MaxPositions int      `yaml:"max_positions"`
	MinVolume    float64  `yaml:"min_trade_value"` // KRW trade value floor
	MinMarketCap float64  `yaml:"min_market_cap"`
	CachePath    string   `yaml:"cache_path"`
}

// ScheduleConfig defines the safety switches around when the engine runs.
// The enforce switches are pointers so that "absent" defaults to true;
// turning either off takes an explicit false in the file.
type ScheduleConfig struct {
	EnforceMarketHours    *bool    `yaml:"enforce_market_hours"`
	EnforceSingleInstance *bool    `yaml:"enforce_single_instance"`
	LockPath              string   `yaml:"lock_path"`
	Holidays              []string `yaml:"holidays"` // YYYY-MM-DD, KR market closures
}

// MarketHoursEnforced reports whether orders are restricted to market hours.
func (s ScheduleConfig) MarketHoursEnforced() bool {
	return s.EnforceMarketHours == nil || *s.EnforceMarketHours
}

// SingleInstanceEnforced reports whether the scheduler takes the file lock.
func (s ScheduleConfig) SingleInstanceEnforced() bool {
	return s.EnforceSingleInstance == nil || *s.EnforceSingleInstance
}

// StorageConfig defines where state lives on disk.
type StorageConfig struct {
	PositionsDir string `yaml:"positions_dir"`
	JournalPath  string `yaml:"journal_path"` // sqlite order-state journal
}

// Load reads .env (if present), then parses and validates the YAML config.
func Load(configPath string) (*Config, error) {
	// Missing .env is fine; the environment may already carry the secrets.
	_ = godotenv.Load()

	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = string(models.ModeDryRun)
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}

	if c.Broker.AccountProd == "" {
		c.Broker.AccountProd = "01"
	}
	if c.Broker.APITimeout == "" {
		c.Broker.APITimeout = "15s"
	}
	if c.Broker.RateLimitDelay == 0 {
		c.Broker.RateLimitDelay = 0.05
	}
	if c.Broker.TokenCachePath == "" {
		c.Broker.TokenCachePath = "data/kis_token.json"
	}

	s := &c.Strategy
	if s.ATRPeriod == 0 {
		s.ATRPeriod = defaultATRPeriod
	}
	if s.TrendMAPeriod == 0 {
		s.TrendMAPeriod = defaultTrendMAPeriod
	}
	if s.ADXPeriod == 0 {
		s.ADXPeriod = defaultADXPeriod
	}
	if s.ATRMultiplierSL == 0 {
		s.ATRMultiplierSL = defaultATRMultiplierSL
	}
	if s.ATRMultiplierTP == 0 {
		s.ATRMultiplierTP = defaultATRMultiplierTP
	}
	if s.MaxLossPct == 0 {
		s.MaxLossPct = defaultMaxLossPct
	}
	if s.ATRSpikeThreshold == 0 {
		s.ATRSpikeThreshold = defaultATRSpikeThreshold
	}
	if s.ADXThreshold == 0 {
		s.ADXThreshold = defaultADXThreshold
	}
	if s.Trailing.ATRMultiplier == 0 {
		s.Trailing.ATRMultiplier = 2.0
	}
	if s.Trailing.ActivationPct == 0 {
		s.Trailing.ActivationPct = 1.0
	}
	if s.Gap.MaxLossPct == 0 {
		s.Gap.MaxLossPct = 2.0
	}
	if s.Gap.Reference == "" {
		s.Gap.Reference = string(models.GapRefEntry)
	}
	if s.Gap.EpsilonPct == 0 {
		s.Gap.EpsilonPct = 0.001
	}

	r := &c.Risk
	if r.DailyMaxLossPercent == 0 {
		r.DailyMaxLossPercent = 2.0
	}
	if r.DailyMaxTrades == 0 {
		r.DailyMaxTrades = 3
	}
	if r.MaxConsecutiveLosses == 0 {
		r.MaxConsecutiveLosses = 2
	}
	if r.MaxDrawdownPct == 0 {
		r.MaxDrawdownPct = 15.0
	}
	if r.DrawdownWarningPct == 0 {
		r.DrawdownWarningPct = 10.0
	}
	if r.PerSymbolAllocation == 0 {
		r.PerSymbolAllocation = 0.1
	}
	if r.RealFirstOrderPercent == 0 {
		r.RealFirstOrderPercent = 10.0
	}

	e := &c.Execution
	if e.OrderExecutionTimeout == "" {
		e.OrderExecutionTimeout = "45s"
	}
	if e.OrderCheckInterval == "" {
		e.OrderCheckInterval = "2s"
	}
	if e.PendingExitBackoffMinutes == 0 {
		e.PendingExitBackoffMinutes = 5
	}
	if e.PendingExitMaxAgeHours == 0 {
		e.PendingExitMaxAgeHours = 72
	}
	if e.DefaultInterval == "" {
		e.DefaultInterval = "60s"
	}
	if e.NearStopInterval == "" {
		e.NearStopInterval = "15s"
	}
	if e.NearStopThresholdPct == 0 {
		e.NearStopThresholdPct = 70.0
	}
	if len(e.NearTakeProfitAlertPcts) == 0 {
		e.NearTakeProfitAlertPcts = []int{80, 90}
	}

	u := &c.Universe
	if u.Method == "" {
		u.Method = "fixed"
	}
	if u.TopN == 0 {
		u.TopN = 20
	}
	if u.MaxPositions == 0 {
		u.MaxPositions = 3
	}
	if u.CachePath == "" {
		u.CachePath = "data/universe_cache.json"
	}

	if c.Schedule.LockPath == "" {
		c.Schedule.LockPath = "data/trader.lock"
	}
	if c.Storage.PositionsDir == "" {
		c.Storage.PositionsDir = "data/positions"
	}
	if c.Storage.JournalPath == "" {
		c.Storage.JournalPath = "data/journal.db"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if !models.Mode(c.Environment.Mode).Valid() {
		return fmt.Errorf("environment.mode must be DRY_RUN, PAPER or REAL (got %q)", c.Environment.Mode)
	}

	if c.Environment.Mode != string(models.ModeDryRun) {
		if c.Broker.AppKey == "" {
			return fmt.Errorf("broker.app_key is required outside DRY_RUN")
		}
		if c.Broker.AppSecret == "" {
			return fmt.Errorf("broker.app_secret is required outside DRY_RUN")
		}
		if c.Broker.AccountNo == "" {
			return fmt.Errorf("broker.account_no is required outside DRY_RUN")
		}
	}
	if _, err := time.ParseDuration(c.Broker.APITimeout); err != nil {
		return fmt.Errorf("broker.api_timeout invalid: %w", err)
	}
	if c.Broker.RateLimitDelay <= 0 {
		return fmt.Errorf("broker.rate_limit_delay must be > 0")
	}

	s := &c.Strategy
	if s.ATRPeriod <= 0 || s.TrendMAPeriod <= 0 || s.ADXPeriod <= 0 {
		return fmt.Errorf("strategy indicator periods must all be > 0")
	}
	if s.ATRMultiplierSL <= 0 || s.ATRMultiplierTP <= 0 {
		return fmt.Errorf("strategy ATR multipliers must be > 0")
	}
	if s.ATRMultiplierTP <= s.ATRMultiplierSL {
		return fmt.Errorf("strategy.atr_multiplier_tp (%.2f) must exceed atr_multiplier_sl (%.2f)",
			s.ATRMultiplierTP, s.ATRMultiplierSL)
	}
	if s.MaxLossPct <= 0 || s.MaxLossPct >= 30 {
		return fmt.Errorf("strategy.max_loss_pct must be in (0, 30)")
	}
	if s.ATRSpikeThreshold <= 1 {
		return fmt.Errorf("strategy.atr_spike_threshold must be > 1")
	}
	if s.ADXThreshold <= 0 || s.ADXThreshold >= 100 {
		return fmt.Errorf("strategy.adx_threshold must be in (0, 100)")
	}
	if s.TrailingEnabled() && s.Trailing.ATRMultiplier <= 0 {
		return fmt.Errorf("strategy.trailing.atr_multiplier must be > 0 when trailing is enabled")
	}
	if !models.GapReference(s.Gap.Reference).Valid() {
		return fmt.Errorf("strategy.gap.reference must be entry, stop or prev_close (got %q)", s.Gap.Reference)
	}
	if s.GapEnabled() && s.Gap.MaxLossPct <= s.Gap.EpsilonPct {
		return fmt.Errorf("strategy.gap.max_loss_pct must exceed epsilon_pct")
	}
	// REAL money never runs without the overnight protections.
	if c.Environment.Mode == string(models.ModeReal) {
		if !s.TrailingEnabled() {
			return fmt.Errorf("strategy.trailing.enabled=false is not allowed in REAL mode")
		}
		if !s.GapEnabled() {
			return fmt.Errorf("strategy.gap.enabled=false is not allowed in REAL mode")
		}
	}

	r := &c.Risk
	if r.DailyMaxLossPercent <= 0 {
		return fmt.Errorf("risk.daily_max_loss_percent must be > 0")
	}
	if r.DailyMaxTrades <= 0 {
		return fmt.Errorf("risk.daily_max_trades must be > 0")
	}
	if r.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("risk.max_consecutive_losses must be > 0")
	}
	if r.MaxDrawdownPct <= r.DrawdownWarningPct {
		return fmt.Errorf("risk.max_cumulative_drawdown_pct (%.1f) must exceed the warning level (%.1f)",
			r.MaxDrawdownPct, r.DrawdownWarningPct)
	}
	if r.PerSymbolAllocation <= 0 || r.PerSymbolAllocation > 1 {
		return fmt.Errorf("risk.per_symbol_allocation must be in (0, 1]")
	}
	if r.RealFirstOrderPercent <= 0 || r.RealFirstOrderPercent > 100 {
		return fmt.Errorf("risk.real_first_order_percent must be in (0, 100]")
	}

	e := &c.Execution
	execTimeout, err := time.ParseDuration(e.OrderExecutionTimeout)
	if err != nil {
		return fmt.Errorf("execution.order_execution_timeout invalid: %w", err)
	}
	checkInterval, err := time.ParseDuration(e.OrderCheckInterval)
	if err != nil {
		return fmt.Errorf("execution.order_check_interval invalid: %w", err)
	}
	if checkInterval >= execTimeout {
		return fmt.Errorf("execution.order_check_interval must be shorter than the execution timeout")
	}
	defInterval, err := time.ParseDuration(e.DefaultInterval)
	if err != nil {
		return fmt.Errorf("execution.default_execution_interval invalid: %w", err)
	}
	nearInterval, err := time.ParseDuration(e.NearStopInterval)
	if err != nil {
		return fmt.Errorf("execution.near_stoploss_execution_interval invalid: %w", err)
	}
	if defInterval < 15*time.Second || nearInterval < 15*time.Second {
		return fmt.Errorf("execution intervals must be >= 15s")
	}
	if e.NearStopThresholdPct <= 0 || e.NearStopThresholdPct >= 100 {
		return fmt.Errorf("execution.near_stoploss_threshold_pct must be in (0, 100)")
	}
	if e.PendingExitBackoffMinutes <= 0 || e.PendingExitMaxAgeHours <= 0 {
		return fmt.Errorf("pending-exit backoff and max age must be > 0")
	}

	u := &c.Universe
	switch u.Method {
	case "fixed", "volume_top", "atr_filter", "combined":
	default:
		return fmt.Errorf("universe.method must be fixed, volume_top, atr_filter or combined (got %q)", u.Method)
	}
	if u.Method == "fixed" && len(u.Symbols) == 0 {
		return fmt.Errorf("universe.symbols is required with method=fixed")
	}
	for _, sym := range u.Symbols {
		if err := models.ValidateSymbol(models.NormalizeSymbol(sym)); err != nil {
			return fmt.Errorf("universe.symbols: %w", err)
		}
	}
	if u.Method == "atr_filter" || u.Method == "combined" {
		if u.ATRMinPct < 0 || u.ATRMaxPct <= u.ATRMinPct {
			return fmt.Errorf("universe ATR band must satisfy 0 <= min < max")
		}
	}
	if u.MaxPositions <= 0 {
		return fmt.Errorf("universe.max_positions must be > 0")
	}

	for _, h := range c.Schedule.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return fmt.Errorf("schedule.holidays: %q is not YYYY-MM-DD", h)
		}
	}

	return nil
}

// EffectiveMode resolves the run mode, enforcing the double gate on REAL:
// the config must set enable_real_trading AND the operator must pass
// --confirm-real-trading. Anything less degrades to DRY_RUN.
func (c *Config) EffectiveMode(confirmReal bool) models.Mode {
	mode := models.Mode(c.Environment.Mode)
	if mode != models.ModeReal {
		return mode
	}
	if c.Environment.EnableRealTrading && confirmReal {
		return models.ModeReal
	}
	return models.ModeDryRun
}

// APITimeout returns the parsed per-request broker timeout.
func (c *Config) APITimeout() time.Duration {
	d, _ := time.ParseDuration(c.Broker.APITimeout)
	return d
}

// OrderExecutionTimeout returns the parsed fill-wait timeout.
func (c *Config) OrderExecutionTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Execution.OrderExecutionTimeout)
	return d
}

// OrderCheckInterval returns the parsed fill-poll interval.
func (c *Config) OrderCheckInterval() time.Duration {
	d, _ := time.ParseDuration(c.Execution.OrderCheckInterval)
	return d
}

// DefaultTickInterval returns the parsed normal executor tick interval.
func (c *Config) DefaultTickInterval() time.Duration {
	d, _ := time.ParseDuration(c.Execution.DefaultInterval)
	return d
}

// NearStopTickInterval returns the parsed accelerated tick interval used
// when price has consumed most of the distance to the stop.
func (c *Config) NearStopTickInterval() time.Duration {
	d, _ := time.ParseDuration(c.Execution.NearStopInterval)
	return d
}

// PendingExitBackoff returns the retry backoff for blocked exits.
func (c *Config) PendingExitBackoff() time.Duration {
	return time.Duration(c.Execution.PendingExitBackoffMinutes) * time.Minute
}

// PendingExitMaxAge returns how long a blocked exit may keep retrying
// before it is discarded as stale.
func (c *Config) PendingExitMaxAge() time.Duration {
	return time.Duration(c.Execution.PendingExitMaxAgeHours) * time.Hour
}

// RateLimitInterval returns the minimum spacing between broker calls.
func (c *Config) RateLimitInterval() time.Duration {
	return time.Duration(c.Broker.RateLimitDelay * float64(time.Second))
}
