package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Trading    TradingConfig    `yaml:"trading"`
	Detector   DetectorConfig   `yaml:"detector"`
	Entry      EntryConfig      `yaml:"entry"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Protection ProtectionConfig `yaml:"protection"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Notifier   NotifierConfig   `yaml:"notifier"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type ExchangeConfig struct {
	// Mode selects the implementation: "live" or "paper".
	Mode         string  `yaml:"mode"`
	APIKey       string  `yaml:"api_key"`
	APISecret    string  `yaml:"api_secret"`
	RESTEndpoint string  `yaml:"rest_endpoint"`
	WSEndpoint   string  `yaml:"ws_endpoint"`
	PaperBalance float64 `yaml:"paper_balance"`
	TakerFeePct  float64 `yaml:"taker_fee_pct"`
}

type TradingConfig struct {
	Symbol           string   `yaml:"symbol"`
	Timeframe        string   `yaml:"timeframe"`         // entry timeframe, exchange interval notation
	HigherTimeframes []string `yaml:"higher_timeframes"` // HTF target levels
	Leverage         int      `yaml:"leverage"`
	RiskPercent      float64  `yaml:"risk_percent"`
	CandleLimit      int      `yaml:"candle_limit"`
}

type DetectorConfig struct {
	SwingLength      int     `yaml:"swing_length"`
	VolumeLookback   int     `yaml:"volume_lookback"`
	VolumeMethod     string  `yaml:"volume_method"` // percentile | sma | ema | stddev
	VolumeParam      float64 `yaml:"volume_param"`
	ATRPeriod        int     `yaml:"atr_period"`
	MaxATRMultiplier float64 `yaml:"max_atr_multiplier"` // 0 disables the range filter
}

type EntryConfig struct {
	MaxOBAgeMinutes       int     `yaml:"max_ob_age_minutes"`
	RequireHighConfidence bool    `yaml:"require_high_confidence"`
	MaxAdditions          int     `yaml:"max_additions"`
	MinProfitForAddition  float64 `yaml:"min_profit_for_addition"` // unrealized PnL percent of balance
	ScaleDownFactor       float64 `yaml:"scale_down_factor"`
	MaxDeviationForMarket float64 `yaml:"max_deviation_for_market"`
	MaxDeviationForLimit  float64 `yaml:"max_deviation_for_limit"`
	LimitPriceAdjustment  float64 `yaml:"limit_price_adjustment"`
	LimitOrderWaitSec     int     `yaml:"limit_order_wait_sec"`
	LimitPollIntervalSec  int     `yaml:"limit_poll_interval_sec"`
}

type MonitorConfig struct {
	ReversalWindowHours     int     `yaml:"reversal_window_hours"`
	TrailingStopTrigger     float64 `yaml:"trailing_stop_trigger"` // unrealized profit percent of entry that activates the trail
	TrailingStopMultiplier  float64 `yaml:"trailing_stop_multiplier"`
	LiquidationWarningPct   float64 `yaml:"liquidation_warning_pct"`
	LiquidationEmergencyPct float64 `yaml:"liquidation_emergency_pct"`
}

type ProtectionConfig struct {
	WeekendBlackout      bool    `yaml:"weekend_blackout"`
	MaxDailyLossPercent  float64 `yaml:"max_daily_loss_percent"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
	MaxDrawdownPercent   float64 `yaml:"max_drawdown_percent"`
	CooldownHours        int     `yaml:"cooldown_hours"`
}

type JobsConfig struct {
	ScanIntervalSec    int `yaml:"scan_interval_sec"`
	EntryIntervalSec   int `yaml:"entry_interval_sec"`
	MonitorIntervalSec int `yaml:"monitor_interval_sec"`
}

type NotifierConfig struct {
	EmailEnabled bool   `yaml:"email_enabled"`
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPPassword string `yaml:"smtp_password"`
	From         string `yaml:"from"`
	To           string `yaml:"to"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	Port int `yaml:"port"`
}

// Load reads, defaults and validates a YAML config file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Exchange.Mode == "" {
		c.Exchange.Mode = "paper"
	}
	if c.Exchange.PaperBalance == 0 {
		c.Exchange.PaperBalance = 10000
	}
	if c.Exchange.TakerFeePct == 0 {
		c.Exchange.TakerFeePct = 0.055
	}
	if c.Trading.Timeframe == "" {
		c.Trading.Timeframe = "15"
	}
	if c.Trading.Leverage == 0 {
		c.Trading.Leverage = 5
	}
	if c.Trading.RiskPercent == 0 {
		c.Trading.RiskPercent = 1
	}
	if c.Trading.CandleLimit == 0 {
		c.Trading.CandleLimit = 200
	}
	if c.Detector.SwingLength == 0 {
		c.Detector.SwingLength = 5
	}
	if c.Detector.VolumeLookback == 0 {
		c.Detector.VolumeLookback = 20
	}
	if c.Detector.VolumeMethod == "" {
		c.Detector.VolumeMethod = "percentile"
	}
	if c.Detector.VolumeParam == 0 {
		c.Detector.VolumeParam = 70
	}
	if c.Detector.ATRPeriod == 0 {
		c.Detector.ATRPeriod = 14
	}
	if c.Entry.MaxOBAgeMinutes == 0 {
		c.Entry.MaxOBAgeMinutes = 720
	}
	if c.Entry.MaxAdditions == 0 {
		c.Entry.MaxAdditions = 2
	}
	if c.Entry.ScaleDownFactor == 0 {
		c.Entry.ScaleDownFactor = 0.5
	}
	if c.Entry.MaxDeviationForMarket == 0 {
		c.Entry.MaxDeviationForMarket = 0.003
	}
	if c.Entry.MaxDeviationForLimit == 0 {
		c.Entry.MaxDeviationForLimit = 0.01
	}
	if c.Entry.LimitPriceAdjustment == 0 {
		c.Entry.LimitPriceAdjustment = 0.001
	}
	if c.Entry.LimitOrderWaitSec == 0 {
		c.Entry.LimitOrderWaitSec = 60
	}
	if c.Entry.LimitPollIntervalSec == 0 {
		c.Entry.LimitPollIntervalSec = 3
	}
	if c.Monitor.ReversalWindowHours == 0 {
		c.Monitor.ReversalWindowHours = 8
	}
	if c.Monitor.TrailingStopTrigger == 0 {
		c.Monitor.TrailingStopTrigger = 2
	}
	if c.Monitor.TrailingStopMultiplier == 0 {
		c.Monitor.TrailingStopMultiplier = 2
	}
	if c.Monitor.LiquidationWarningPct == 0 {
		c.Monitor.LiquidationWarningPct = 5
	}
	if c.Monitor.LiquidationEmergencyPct == 0 {
		c.Monitor.LiquidationEmergencyPct = 2
	}
	if c.Protection.MaxDailyLossPercent == 0 {
		c.Protection.MaxDailyLossPercent = 5
	}
	if c.Protection.MaxConsecutiveLosses == 0 {
		c.Protection.MaxConsecutiveLosses = 3
	}
	if c.Protection.MaxDrawdownPercent == 0 {
		c.Protection.MaxDrawdownPercent = 15
	}
	if c.Protection.CooldownHours == 0 {
		c.Protection.CooldownHours = 24
	}
	if c.Jobs.ScanIntervalSec == 0 {
		c.Jobs.ScanIntervalSec = 300
	}
	if c.Jobs.EntryIntervalSec == 0 {
		c.Jobs.EntryIntervalSec = 60
	}
	if c.Jobs.MonitorIntervalSec == 0 {
		c.Jobs.MonitorIntervalSec = 30
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "bot.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks all numeric fields against their documented bounds and
// returns the first violation found.
func (c *Config) Validate() error {
	if c.Exchange.Mode != "live" && c.Exchange.Mode != "paper" {
		return fmt.Errorf("exchange.mode must be live or paper, got %q", c.Exchange.Mode)
	}
	if c.Trading.Symbol == "" {
		return fmt.Errorf("trading.symbol is required")
	}
	if c.Trading.Leverage < 1 || c.Trading.Leverage > 10 {
		return fmt.Errorf("trading.leverage (%d) must be within 1-10", c.Trading.Leverage)
	}
	if c.Trading.RiskPercent < 0.1 || c.Trading.RiskPercent > 5 {
		return fmt.Errorf("trading.risk_percent (%f) must be within 0.1-5", c.Trading.RiskPercent)
	}
	if c.Detector.SwingLength < 1 {
		return fmt.Errorf("detector.swing_length must be positive")
	}
	if c.Detector.VolumeLookback < 2 {
		return fmt.Errorf("detector.volume_lookback must be at least 2")
	}
	switch c.Detector.VolumeMethod {
	case "percentile", "sma", "ema", "stddev":
	default:
		return fmt.Errorf("detector.volume_method %q is not one of percentile, sma, ema, stddev", c.Detector.VolumeMethod)
	}
	if c.Detector.VolumeMethod == "percentile" && (c.Detector.VolumeParam < 0 || c.Detector.VolumeParam > 100) {
		return fmt.Errorf("detector.volume_param (%f) must be a percentile rank within 0-100", c.Detector.VolumeParam)
	}
	if c.Detector.ATRPeriod < 1 {
		return fmt.Errorf("detector.atr_period must be positive")
	}
	if c.Detector.MaxATRMultiplier < 0 {
		return fmt.Errorf("detector.max_atr_multiplier cannot be negative")
	}
	if c.Entry.ScaleDownFactor <= 0 || c.Entry.ScaleDownFactor > 1 {
		return fmt.Errorf("entry.scale_down_factor (%f) must be in (0,1]", c.Entry.ScaleDownFactor)
	}
	if c.Entry.MaxDeviationForMarket <= 0 {
		return fmt.Errorf("entry.max_deviation_for_market must be positive")
	}
	if c.Entry.MaxDeviationForLimit < c.Entry.MaxDeviationForMarket {
		return fmt.Errorf("entry.max_deviation_for_limit (%f) must be >= max_deviation_for_market (%f)",
			c.Entry.MaxDeviationForLimit, c.Entry.MaxDeviationForMarket)
	}
	if c.Entry.MaxAdditions < 0 {
		return fmt.Errorf("entry.max_additions cannot be negative")
	}
	if c.Monitor.TrailingStopMultiplier <= 0 {
		return fmt.Errorf("monitor.trailing_stop_multiplier must be positive")
	}
	if c.Monitor.LiquidationEmergencyPct > c.Monitor.LiquidationWarningPct {
		return fmt.Errorf("monitor.liquidation_emergency_pct (%f) must be <= liquidation_warning_pct (%f)",
			c.Monitor.LiquidationEmergencyPct, c.Monitor.LiquidationWarningPct)
	}
	if c.Protection.MaxConsecutiveLosses < 1 {
		return fmt.Errorf("protection.max_consecutive_losses must be positive")
	}
	if c.Protection.MaxDrawdownPercent <= 0 || c.Protection.MaxDrawdownPercent > 100 {
		return fmt.Errorf("protection.max_drawdown_percent (%f) must be in (0,100]", c.Protection.MaxDrawdownPercent)
	}
	if c.Notifier.EmailEnabled && (c.Notifier.SMTPHost == "" || c.Notifier.To == "") {
		return fmt.Errorf("notifier.smtp_host and notifier.to are required when email is enabled")
	}
	return nil
}

func (c *EntryConfig) MaxOBAge() time.Duration {
	return time.Duration(c.MaxOBAgeMinutes) * time.Minute
}

func (c *MonitorConfig) ReversalWindow() time.Duration {
	return time.Duration(c.ReversalWindowHours) * time.Hour
}

func (c *ProtectionConfig) CooldownPeriod() time.Duration {
	return time.Duration(c.CooldownHours) * time.Hour
}
