// Package types provides configuration types for the confluence engine.
package types

import (
	"time"
)

// Config is the root configuration, loaded once at startup.
type Config struct {
	Strategy   StrategyConfig `json:"strategy" mapstructure:"strategy"`
	Instrument Instrument     `json:"instrument" mapstructure:"instrument"`
	Features   FeatureToggles `json:"features" mapstructure:"features"`
	Feed       FeedConfig     `json:"feed" mapstructure:"feed"`
	Server     ServerConfig   `json:"server" mapstructure:"server"`
	Data       DataConfig     `json:"data" mapstructure:"data"`
	Log        LogConfig      `json:"log" mapstructure:"log"`
}

// StrategyConfig holds the risk and decision parameters of the strategy.
type StrategyConfig struct {
	InitialCapital            float64 `json:"initialCapital" mapstructure:"initial_capital" validate:"gt=0"`
	MaxRiskPerTradePercent    float64 `json:"maxRiskPerTradePercent" mapstructure:"max_risk_per_trade_percent" validate:"gt=0,lte=100"`
	MaxDailyLossPercent       float64 `json:"maxDailyLossPercent" mapstructure:"max_daily_loss_percent" validate:"gt=0,lte=100"`
	MinConfidenceScorePercent float64 `json:"minConfidenceScorePercent" mapstructure:"min_confidence_score_percent" validate:"gte=0,lte=100"`
	MaxConsecutiveLosses      int     `json:"maxConsecutiveLosses" mapstructure:"max_consecutive_losses" validate:"gt=0"`
	WarmupBars                int     `json:"warmupBars" mapstructure:"warmup_bars" validate:"gte=0"`
}

// FeatureToggles switches optional stages of the cycle on or off.
type FeatureToggles struct {
	UseDecisionEngine     bool `json:"useDecisionEngine" mapstructure:"use_decision_engine"`
	UseOrderFlow          bool `json:"useOrderFlow" mapstructure:"use_order_flow"`
	UseFibonacci          bool `json:"useFibonacci" mapstructure:"use_fibonacci"`
	EnableCircuitBreakers bool `json:"enableCircuitBreakers" mapstructure:"enable_circuit_breakers"`
}

// FeedConfig configures the bar source driving the cycles.
type FeedConfig struct {
	Timeframe    Timeframe     `json:"timeframe" mapstructure:"timeframe" validate:"oneof=1m 5m 15m 1h 4h 1d"`
	HistoryBars  int           `json:"historyBars" mapstructure:"history_bars" validate:"gte=0"`
	PollInterval time.Duration `json:"pollInterval" mapstructure:"poll_interval" validate:"gt=0"`
	StartPrice   float64       `json:"startPrice" mapstructure:"start_price" validate:"gt=0"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host          string        `json:"host" mapstructure:"host"`
	Port          int           `json:"port" mapstructure:"port" validate:"gte=0,lte=65535"`
	WebSocketPath string        `json:"websocketPath" mapstructure:"websocket_path" validate:"startswith=/"`
	ReadTimeout   time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	EnableMetrics bool          `json:"enableMetrics" mapstructure:"enable_metrics"`
	RateLimit     float64       `json:"rateLimit" mapstructure:"rate_limit" validate:"gte=0"` // requests per second, 0 disables
	RateBurst     int           `json:"rateBurst" mapstructure:"rate_burst" validate:"gte=0"`
}

// DataConfig represents bar storage configuration
type DataConfig struct {
	DataDir string `json:"dataDir" mapstructure:"data_dir" validate:"required"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `json:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
}
