// Package config loads the coordinator's YAML configuration document with
// viper, the same library the teacher repo lists in its dependency stack.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/atlas-desktop/xylen-coordinator/internal/errs"
	"github.com/atlas-desktop/xylen-coordinator/pkg/types"
)

// Config is the coordinator's fully-resolved configuration, mapping 1:1 onto
// the recognized key tree.
type Config struct {
	DryRun  bool `mapstructure:"dry_run"`
	Testnet bool `mapstructure:"testnet"`

	Binance BinanceConfig `mapstructure:"binance"`
	Trading TradingConfig `mapstructure:"trading"`
	Safety  SafetyConfig  `mapstructure:"safety"`
	Ensemble EnsembleConfig `mapstructure:"ensemble"`

	ModelEndpoints []ModelEndpointConfig `mapstructure:"model_endpoints"`

	Timing     TimingConfig     `mapstructure:"timing"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`

	// Populated from environment, never from the YAML document.
	APIKey    string `mapstructure:"-"`
	APISecret string `mapstructure:"-"`
}

type BinanceConfig struct {
	APIKeyEnv             string `mapstructure:"api_key_env"`
	APISecretEnv          string `mapstructure:"api_secret_env"`
	RateLimitPerMinute    int    `mapstructure:"rate_limit_per_minute"`
	RateLimitBuffer       float64 `mapstructure:"rate_limit_buffer"`
	RateLimitOrdersPer10s int    `mapstructure:"rate_limit_orders_per_10s"`
	TestnetBaseURL        string `mapstructure:"testnet_base_url"`
	ProductionBaseURL     string `mapstructure:"production_base_url"`
}

type TradingConfig struct {
	Symbol                  string  `mapstructure:"symbol"`
	Leverage                int     `mapstructure:"leverage"`
	MarginMode              string  `mapstructure:"margin_mode"`
	PositionSizeMethod      string  `mapstructure:"position_size_method"`
	PositionSizeFraction    float64 `mapstructure:"position_size_fraction"`
	FixedAmountUsd          float64 `mapstructure:"fixed_amount_usd"`
	KellyFraction           float64 `mapstructure:"kelly_fraction"`
	MaxPositionSizeUsd      float64 `mapstructure:"max_position_size_usd"`
	MinPositionSizeUsd      float64 `mapstructure:"min_position_size_usd"`
	MaxOpenPositions        int     `mapstructure:"max_open_positions"`
	MaxDailyTrades          int     `mapstructure:"max_daily_trades"`
	MinTradeIntervalSeconds int     `mapstructure:"min_trade_interval_seconds"`
	StopLossPercent         float64 `mapstructure:"stop_loss_percent"`
	TakeProfitPercent       float64 `mapstructure:"take_profit_percent"`
}

type SafetyConfig struct {
	MaxDailyLossPercent          float64 `mapstructure:"max_daily_loss_percent"`
	MaxDailyLossUsd              float64 `mapstructure:"max_daily_loss_usd"`
	EmergencyShutdownLossPercent float64 `mapstructure:"emergency_shutdown_loss_percent"`
	MaxTotalExposureUsd          float64 `mapstructure:"max_total_exposure_usd"`
	MaxLeverageAllowed           int     `mapstructure:"max_leverage_allowed"`
	CircuitBreakerConsecutiveLosses int  `mapstructure:"circuit_breaker_consecutive_losses"`
	CircuitBreakerCooldownSeconds   int  `mapstructure:"circuit_breaker_cooldown_seconds"`
	CircuitBreakerResetOnWin        bool `mapstructure:"circuit_breaker_reset_on_win"`
	ClosePositionsOnShutdown        bool `mapstructure:"close_positions_on_shutdown"`
}

type EnsembleConfig struct {
	Method                 string  `mapstructure:"method"`
	WeightDecayHalflife    string  `mapstructure:"weight_decay_halflife"`
	PerformanceWindow      int     `mapstructure:"performance_window"`
	MinRespondingModels    int     `mapstructure:"min_responding_models"`
	CalibrationMethod      string  `mapstructure:"calibration_method"`
	ConfidenceThreshold    float64 `mapstructure:"confidence_threshold"`
	UncertaintyThreshold   float64 `mapstructure:"uncertainty_threshold"`
	ExpectedValueThreshold float64 `mapstructure:"expected_value_threshold"`
	EstimateSlippageBps    float64 `mapstructure:"estimate_slippage_bps"`
	MakerFeeBps            float64 `mapstructure:"maker_fee_bps"`
	TakerFeeBps            float64 `mapstructure:"taker_fee_bps"`
}

type ModelEndpointConfig struct {
	Name    string  `mapstructure:"name"`
	Host    string  `mapstructure:"host"`
	Port    int     `mapstructure:"port"`
	Weight  float64 `mapstructure:"weight"`
	Enabled bool    `mapstructure:"enabled"`
}

type TimingConfig struct {
	HeartbeatInterval   string `mapstructure:"heartbeat_interval"`
	ModelTimeout        string `mapstructure:"model_timeout"`
	HealthCheckInterval string `mapstructure:"health_check_interval"`
	OrderCheckInterval  string `mapstructure:"order_check_interval"`
}

type DatabaseConfig struct {
	SqlitePath string `mapstructure:"sqlite_path"`
	CsvPath    string `mapstructure:"csv_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `mapstructure:"prometheus_enabled"`
	PrometheusPort    int  `mapstructure:"prometheus_port"`
}

type DashboardConfig struct {
	WebsocketEnabled bool   `mapstructure:"websocket_enabled"`
	WebsocketHost    string `mapstructure:"websocket_host"`
	WebsocketPort    int    `mapstructure:"websocket_port"`
}

// HeartbeatInterval parses the configured duration, defaulting to 60s.
func (c Config) HeartbeatInterval() time.Duration {
	return parseDurationOr(c.Timing.HeartbeatInterval, 60*time.Second)
}

func (c Config) ModelTimeout() time.Duration {
	return parseDurationOr(c.Timing.ModelTimeout, 5*time.Second)
}

func (c Config) HealthCheckInterval() time.Duration {
	return parseDurationOr(c.Timing.HealthCheckInterval, 300*time.Second)
}

func (c Config) OrderCheckInterval() time.Duration {
	return parseDurationOr(c.Timing.OrderCheckInterval, 30*time.Second)
}

func (c Config) WeightDecayHalflife() time.Duration {
	return parseDurationOr(c.Ensemble.WeightDecayHalflife, 24*time.Hour)
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// SizingMethod resolves the configured sizing string to the typed enum,
// defaulting to fixed-fraction on an unrecognized value.
func (c Config) SizingMethod() types.SizingMethod {
	switch types.SizingMethod(c.Trading.PositionSizeMethod) {
	case types.SizingKelly:
		return types.SizingKelly
	case types.SizingFixedAmount:
		return types.SizingFixedAmount
	default:
		return types.SizingFixedFraction
	}
}

// FusionMethod resolves the configured fusion string, defaulting to
// bayesian_weighted per spec.
func (c Config) FusionMethod() types.FusionMethod {
	switch types.FusionMethod(c.Ensemble.Method) {
	case types.FusionWeightedVote:
		return types.FusionWeightedVote
	case types.FusionAverageConfidence:
		return types.FusionAverageConfidence
	case types.FusionMajority:
		return types.FusionMajority
	default:
		return types.FusionBayesianWeighted
	}
}

// Default returns a Config populated with every documented default, before
// any YAML overrides are applied.
func Default() Config {
	return Config{
		Binance: BinanceConfig{
			APIKeyEnv:             "BINANCE_API_KEY",
			APISecretEnv:          "BINANCE_API_SECRET",
			RateLimitPerMinute:    1200,
			RateLimitBuffer:       0.8,
			RateLimitOrdersPer10s: 50,
			TestnetBaseURL:        "https://testnet.binancefuture.com",
			ProductionBaseURL:     "https://fapi.binance.com",
		},
		Trading: TradingConfig{
			Symbol:                  "BTCUSDT",
			Leverage:                5,
			MarginMode:              "CROSSED",
			PositionSizeMethod:      string(types.SizingFixedFraction),
			PositionSizeFraction:    0.10,
			FixedAmountUsd:          100.0,
			KellyFraction:           0.25,
			MaxPositionSizeUsd:      1000.0,
			MinPositionSizeUsd:      10.0,
			MaxOpenPositions:        1,
			MaxDailyTrades:          20,
			MinTradeIntervalSeconds: 300,
			StopLossPercent:         0.02,
			TakeProfitPercent:       0.05,
		},
		Safety: SafetyConfig{
			MaxDailyLossPercent:             0.10,
			MaxDailyLossUsd:                 500.0,
			EmergencyShutdownLossPercent:    0.20,
			MaxTotalExposureUsd:             5000.0,
			MaxLeverageAllowed:              5,
			CircuitBreakerConsecutiveLosses: 5,
			CircuitBreakerCooldownSeconds:   3600,
			CircuitBreakerResetOnWin:        true,
			ClosePositionsOnShutdown:        true,
		},
		Ensemble: EnsembleConfig{
			Method:                 string(types.FusionBayesianWeighted),
			WeightDecayHalflife:    "24h",
			PerformanceWindow:      100,
			MinRespondingModels:    1,
			CalibrationMethod:      "isotonic",
			ConfidenceThreshold:    0.0,
			UncertaintyThreshold:   0.30,
			ExpectedValueThreshold: 0.01,
			EstimateSlippageBps:    5,
			MakerFeeBps:            2,
			TakerFeeBps:            4,
		},
		Timing: TimingConfig{
			HeartbeatInterval:   "60s",
			ModelTimeout:        "5s",
			HealthCheckInterval: "300s",
			OrderCheckInterval:  "30s",
		},
		Database: DatabaseConfig{
			SqlitePath: "./data/xylen.db",
			CsvPath:    "./data/xylen_events.csv",
		},
		Monitoring: MonitoringConfig{
			PrometheusEnabled: true,
			PrometheusPort:    9090,
		},
		Dashboard: DashboardConfig{
			WebsocketEnabled: true,
			WebsocketHost:    "0.0.0.0",
			WebsocketPort:    8765,
		},
	}
}

// Load reads the YAML document at path over the documented defaults and
// resolves API credentials from the environment variables it names.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return Config{}, errs.Config(fmt.Sprintf("config file not found: %s", path), err)
		}
		return Config{}, errs.Config("failed to read config", err)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errs.Config("failed to decode config", err)
	}

	if cfg.Trading.Symbol = strings.ToUpper(cfg.Trading.Symbol); cfg.Trading.Symbol == "" {
		return Config{}, errs.Config("trading.symbol is required", nil)
	}

	cfg.APIKey = os.Getenv(cfg.Binance.APIKeyEnv)
	cfg.APISecret = os.Getenv(cfg.Binance.APISecretEnv)
	if !cfg.DryRun && (cfg.APIKey == "" || cfg.APISecret == "") {
		return Config{}, errs.Config("missing exchange credentials for live trading", nil)
	}

	return cfg, nil
}

// PathFromEnv resolves CONFIG_PATH, defaulting to ./config.yaml.
func PathFromEnv() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "./config.yaml"
}
