// Package config loads and validates the application configuration from a
// YAML file with environment-variable overrides.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/tradeflux/tradeflux/internal/market"
)

// SchemaVersion is the config schema this build understands. Loaded files
// declare config_version; see validation.go for the compatibility check.
const SchemaVersion = "1.2.0"

// Config holds all application configuration.
type Config struct {
	ConfigVersion string                     `mapstructure:"config_version"`
	App           AppConfig                  `mapstructure:"app"`
	Database      DatabaseConfig             `mapstructure:"database"`
	Redis         RedisConfig                `mapstructure:"redis"`
	NATS          NATSConfig                 `mapstructure:"nats"`
	Engine        EngineConfig               `mapstructure:"engine"`
	Risk          RiskConfig                 `mapstructure:"risk"`
	Queue         QueueConfig                `mapstructure:"queue"`
	Providers     map[string]ProviderConfig  `mapstructure:"providers"`
	Regime        RegimeConfig               `mapstructure:"regime"`
	Broker        BrokerConfig               `mapstructure:"broker"`
	API           APIConfig                  `mapstructure:"api"`
	Alerts        AlertsConfig               `mapstructure:"alerts"`
	Vault         VaultConfig                `mapstructure:"vault"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// GetDSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig contains Redis settings.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// GetRedisAddr returns the Redis address.
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig contains NATS messaging settings.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SignalSubject string `mapstructure:"signal_subject"` // prefix; symbol is appended
	TradeSubject  string `mapstructure:"trade_subject"`
}

// EngineConfig contains the signal-generation cycle settings.
type EngineConfig struct {
	CycleIntervalMS    int             `mapstructure:"cycle_interval_ms"`
	CycleTimeoutMS     int             `mapstructure:"cycle_timeout_ms"` // 0 = 2x interval
	Symbols            []market.Symbol `mapstructure:"symbols"`
	MinPriceChangePct  float64         `mapstructure:"min_price_change_pct"`
	MarketRaceTimeoutS int             `mapstructure:"market_race_timeout_s"`
	ConsensusCacheTTLS int             `mapstructure:"consensus_cache_ttl_s"`
	ProfitTargetPct    float64         `mapstructure:"profit_target_pct"`
	StopLossPct        float64         `mapstructure:"stop_loss_pct"`
	RetentionDays      int             `mapstructure:"retention_days"`
	MaxCycleWorkers    int             `mapstructure:"max_cycle_workers"`
	AutoExecute        bool            `mapstructure:"auto_execute"`
	AllowFlip          bool            `mapstructure:"allow_flip"`
	PaperMode          bool            `mapstructure:"paper_mode"`
}

// CycleInterval returns the cycle interval as a duration.
func (c *EngineConfig) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalMS) * time.Millisecond
}

// CycleTimeout returns the cycle deadline; defaults to twice the interval.
func (c *EngineConfig) CycleTimeout() time.Duration {
	if c.CycleTimeoutMS > 0 {
		return time.Duration(c.CycleTimeoutMS) * time.Millisecond
	}
	return 2 * c.CycleInterval()
}

// RiskConfig contains risk-gate and position-sizing settings.
type RiskConfig struct {
	Profile                string              `mapstructure:"profile"` // "standard" or "prop"
	MinConfidence          float64             `mapstructure:"min_confidence"`
	MaxConcurrentPositions int                 `mapstructure:"max_concurrent_positions"`
	SymbolAllowList        []string            `mapstructure:"symbol_allow_list"`
	SymbolDenyList         []string            `mapstructure:"symbol_deny_list"`
	DailyLossLimitPct      float64             `mapstructure:"daily_loss_limit_pct"`
	MaxDrawdownPct         float64             `mapstructure:"max_drawdown_pct"`
	MarginBufferPct        float64             `mapstructure:"margin_buffer_pct"`
	PositionSizePct        float64             `mapstructure:"position_size_pct"`
	MaxPositionSizePct     float64             `mapstructure:"max_position_size_pct"`
	MaxCorrelatedPositions int                 `mapstructure:"max_correlated_positions"`
	CorrelationBuckets     map[string][]string `mapstructure:"correlation_buckets"` // bucket -> symbols
	MinCryptoNotional      float64             `mapstructure:"min_crypto_notional"`
	VolatilityCacheTTLS    int                 `mapstructure:"volatility_cache_ttl_s"`
}

// QueueConfig contains deferred-execution queue settings.
type QueueConfig struct {
	MaxAgeMS        int     `mapstructure:"queue_max_age_ms"`
	MaxAttempts     int     `mapstructure:"queue_max_attempts"`
	BackoffBaseMS   int     `mapstructure:"queue_backoff_base_ms"`
	BackoffMaxMS    int     `mapstructure:"queue_backoff_max_ms"`
	MaxPriceDrift   float64 `mapstructure:"max_price_drift_pct"`
	BatchSize       int     `mapstructure:"batch_size"`
	WakeIntervalS   int     `mapstructure:"wake_interval_s"`
	MonitorPeriodS  int     `mapstructure:"monitor_period_s"`
	MinBPToRetry    float64 `mapstructure:"min_bp_to_retry"`
}

// MaxAge returns the maximum queue age as a duration.
func (c *QueueConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMS) * time.Millisecond
}

// ProviderConfig contains per-provider settings.
type ProviderConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	APIKey          string  `mapstructure:"api_key"`
	SecretKey       string  `mapstructure:"secret_key"`
	BaseURL         string  `mapstructure:"base_url"`
	Weight          float64 `mapstructure:"weight"`
	RatePerSec      float64 `mapstructure:"rate_per_sec"`
	Burst           int     `mapstructure:"burst"`
	RateMaxWaitMS   int     `mapstructure:"rate_max_wait_ms"`
	TimeoutMS       int     `mapstructure:"timeout_ms"`
	ConfidenceFloor float64 `mapstructure:"confidence_floor"`
	StaleAfterS     int     `mapstructure:"stale_after_s"`
}

// RegimeConfig contains regime classification settings.
type RegimeConfig struct {
	Thresholds       map[string]float64 `mapstructure:"regime_thresholds"` // Regime -> min confidence
	DefaultThreshold float64            `mapstructure:"default_threshold"`
	LookbackBars     int                `mapstructure:"lookback_bars"`
}

// BrokerConfig contains brokerage adapter settings.
type BrokerConfig struct {
	Kind             string  `mapstructure:"kind"` // "paper", "binance", "alpaca"
	APIKey           string  `mapstructure:"api_key"`
	SecretKey        string  `mapstructure:"secret_key"`
	BaseURL          string  `mapstructure:"base_url"`
	Testnet          bool    `mapstructure:"testnet"`
	AccountCacheTTLS int     `mapstructure:"account_cache_ttl_s"`
	PositionCacheTTLS int    `mapstructure:"position_cache_ttl_s"`
	OrderDeadlineMS  int     `mapstructure:"order_deadline_ms"`
	MaxRetryAttempts int     `mapstructure:"max_retry_attempts"`
	BaseRetryDelayMS int     `mapstructure:"base_retry_delay_ms"`
	PaperEquity      float64 `mapstructure:"paper_equity"`
}

// APIConfig contains control-surface HTTP settings.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// GetAPIAddr returns the API listen address.
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AlertsConfig contains alert delivery settings.
type AlertsConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id"`
}

// VaultConfig contains secret-store settings.
type VaultConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Token    string `mapstructure:"token"`
	MountPath string `mapstructure:"mount_path"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("TRADEFLUX")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("config_version", SchemaVersion)

	v.SetDefault("app.name", "tradeflux")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "tradeflux")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.signal_subject", "signals")
	v.SetDefault("nats.trade_subject", "trades.events")

	v.SetDefault("engine.cycle_interval_ms", 5000)
	v.SetDefault("engine.min_price_change_pct", 0.005)
	v.SetDefault("engine.market_race_timeout_s", 30)
	v.SetDefault("engine.consensus_cache_ttl_s", 120)
	v.SetDefault("engine.profit_target_pct", 0.05)
	v.SetDefault("engine.stop_loss_pct", 0.03)
	v.SetDefault("engine.retention_days", 90)
	v.SetDefault("engine.max_cycle_workers", 6)
	v.SetDefault("engine.auto_execute", false)
	v.SetDefault("engine.allow_flip", false)
	v.SetDefault("engine.paper_mode", true)

	v.SetDefault("risk.profile", "standard")
	v.SetDefault("risk.min_confidence", 75.0)
	v.SetDefault("risk.max_concurrent_positions", 5)
	v.SetDefault("risk.daily_loss_limit_pct", 0.03)
	v.SetDefault("risk.max_drawdown_pct", 0.10)
	v.SetDefault("risk.margin_buffer_pct", 0.05)
	v.SetDefault("risk.position_size_pct", 0.10)
	v.SetDefault("risk.max_position_size_pct", 0.15)
	v.SetDefault("risk.max_correlated_positions", 2)
	v.SetDefault("risk.min_crypto_notional", 10.0)
	v.SetDefault("risk.volatility_cache_ttl_s", 3600)

	v.SetDefault("queue.queue_max_age_ms", 15*60*1000)
	v.SetDefault("queue.queue_max_attempts", 5)
	v.SetDefault("queue.queue_backoff_base_ms", 1000)
	v.SetDefault("queue.queue_backoff_max_ms", 5*60*1000)
	v.SetDefault("queue.max_price_drift_pct", 0.005)
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.wake_interval_s", 30)
	v.SetDefault("queue.monitor_period_s", 60)
	v.SetDefault("queue.min_bp_to_retry", 100.0)

	v.SetDefault("regime.default_threshold", 75.0)
	v.SetDefault("regime.lookback_bars", 50)
	v.SetDefault("regime.regime_thresholds", map[string]float64{
		"TRENDING":      85.0,
		"CONSOLIDATION": 90.0,
		"VOLATILE":      88.0,
		"CHOP":          75.0,
	})

	v.SetDefault("broker.kind", "paper")
	v.SetDefault("broker.account_cache_ttl_s", 30)
	v.SetDefault("broker.position_cache_ttl_s", 10)
	v.SetDefault("broker.order_deadline_ms", 5000)
	v.SetDefault("broker.max_retry_attempts", 3)
	v.SetDefault("broker.base_retry_delay_ms", 500)
	v.SetDefault("broker.paper_equity", 100000.0)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)

	v.SetDefault("alerts.enabled", false)

	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.address", "http://localhost:8200")
	v.SetDefault("vault.mount_path", "secret")
}
