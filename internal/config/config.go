// Package config loads the engine configuration from a YAML file and
// CONFLUENCE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/confluence-engine/pkg/types"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// CONFLUENCE_STRATEGY_MAX_DAILY_LOSS_PERCENT.
const EnvPrefix = "CONFLUENCE"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New()

// Defaults mirror the live strategy settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("strategy.initial_capital", 10000.0)
	v.SetDefault("strategy.max_risk_per_trade_percent", 2.0)
	v.SetDefault("strategy.max_daily_loss_percent", 5.0)
	v.SetDefault("strategy.min_confidence_score_percent", 75.0)
	v.SetDefault("strategy.max_consecutive_losses", 3)
	v.SetDefault("strategy.warmup_bars", 200)

	v.SetDefault("instrument.symbol", "XAUUSD")
	v.SetDefault("instrument.min_size", 0.01)
	v.SetDefault("instrument.max_size", 50.0)
	v.SetDefault("instrument.tick_size", 0.01)

	v.SetDefault("features.use_decision_engine", true)
	v.SetDefault("features.use_order_flow", true)
	v.SetDefault("features.use_fibonacci", true)
	v.SetDefault("features.enable_circuit_breakers", true)

	v.SetDefault("feed.timeframe", string(types.Timeframe1h))
	v.SetDefault("feed.history_bars", 300)
	v.SetDefault("feed.poll_interval", 5*time.Second)
	v.SetDefault("feed.start_price", 2000.0)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)

	v.SetDefault("data.data_dir", "./data")

	v.SetDefault("log.level", "info")
}

// Load reads path (optional) and the environment into a validated Config.
func Load(path string) (*types.Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with no file and no environment.
func Default() *types.Config {
	v := viper.New()
	setDefaults(v)

	var cfg types.Config
	// defaults always decode
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks struct tags and reports every failing field.
func Validate(cfg *types.Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, message(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

func message(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "gtefield":
		return fmt.Sprintf("%s must not be below %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}
