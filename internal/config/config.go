// Package config loads runtime configuration from file, environment and
// defaults, and serves the flat lookups the trading core consumes.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"tradecore/internal/execmode"
	"tradecore/internal/logging"
	"tradecore/internal/risk"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TRADECORE"

// LiveAckEnv carries the live-trading acknowledgment sentinel.
const LiveAckEnv = EnvPrefix + "_LIVE_ACK"

// Run modes select the default config search path.
const (
	RunModeLocal     = "local"
	RunModeContainer = "container"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig               `mapstructure:"app"`
	Logging   logging.Config          `mapstructure:"logging"`
	Runtime   RuntimeConfig           `mapstructure:"runtime"`
	Execution ExecutionConfig         `mapstructure:"execution"`
	Risk      RiskConfig              `mapstructure:"risk"`
	Schema    SchemaConfig            `mapstructure:"schema"`
	Brokers   map[string]BrokerConfig `mapstructure:"brokers"`
	Database  DatabaseConfig          `mapstructure:"database"`
	Redis     RedisConfig             `mapstructure:"redis"`
	Alerting  AlertingConfig          `mapstructure:"alerting"`
	Dashboard DashboardConfig         `mapstructure:"dashboard"`
	Ops       OpsConfig               `mapstructure:"ops"`
	Scheduler SchedulerConfig         `mapstructure:"scheduler"`
	Health    HealthConfig            `mapstructure:"health"`

	store *Store
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Environment string `mapstructure:"environment"`
	RunMode     string `mapstructure:"run_mode" validate:"oneof=local container"`
}

// RuntimeConfig drives the ETEDA loop.
type RuntimeConfig struct {
	IntervalMS             int           `mapstructure:"interval_ms"`
	ErrorBackoffMS         int           `mapstructure:"error_backoff_ms"`
	ErrorBackoffMaxRetries int           `mapstructure:"error_backoff_max_retries"`
	PipelinePaused         bool          `mapstructure:"pipeline_paused"`
	SnapshotPath           string        `mapstructure:"snapshot_path"`
	ExpectedSchemaVersion  string        `mapstructure:"expected_schema_version"`
	Driver                 string        `mapstructure:"driver" validate:"oneof=loop scheduler"`
	Scope                  string        `mapstructure:"scope" validate:"oneof=scalp swing"`
	MaxSnapshotAge         time.Duration `mapstructure:"max_snapshot_age" validate:"gte=0"`
	MaxIterations          int           `mapstructure:"max_iterations" validate:"gte=0"`
	AdvisoryLockKey        int64         `mapstructure:"advisory_lock_key"`
	LocalOnly              bool          `mapstructure:"local_only"`
}

// ExecutionConfig gates order submission.
type ExecutionConfig struct {
	ExecutionMode          string        `mapstructure:"execution_mode"`
	LiveEnabled            string        `mapstructure:"live_enabled"`
	TradingEnabled         bool          `mapstructure:"trading_enabled"`
	KillswitchStatus       string        `mapstructure:"killswitch_status" validate:"oneof=ON OFF on off"`
	SafeMode               bool          `mapstructure:"safe_mode"`
	BlockOnAnomaly         bool          `mapstructure:"block_on_anomaly"`
	WarningHaltsTrading    bool          `mapstructure:"warning_halts_trading"`
	Broker                 string        `mapstructure:"broker" validate:"required"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" validate:"gte=0"`
	DryRun                 bool          `mapstructure:"dry_run"`
	LatencyBudget          time.Duration `mapstructure:"latency_budget" validate:"gte=0"`
}

// RiskConfig holds the policy gate and the calculated gate settings.
type RiskConfig struct {
	Default           risk.Policy            `mapstructure:"default"`
	Strategies        map[string]risk.Policy `mapstructure:"strategies"`
	MaxRiskScore      float64                `mapstructure:"max_risk_score" validate:"gte=0"`
	PriceTolerancePct float64                `mapstructure:"price_tolerance_pct" validate:"gte=0"`
	MaxPriceJumpPct   float64                `mapstructure:"max_price_jump_pct" validate:"gte=0"`
}

// SchemaConfig locates the schema document.
type SchemaConfig struct {
	Path      string `mapstructure:"path" validate:"required"`
	BackupDir string `mapstructure:"backup_dir"`
	Watch     bool   `mapstructure:"watch"`
}

// BrokerConfig is one broker's connectivity.
type BrokerConfig struct {
	BaseURL     string            `mapstructure:"base_url"`
	AppKey      string            `mapstructure:"app_key"`
	AppSecret   string            `mapstructure:"app_secret"`
	Token       string            `mapstructure:"token"`
	Account     string            `mapstructure:"account"`
	ProductCode string            `mapstructure:"product_code"`
	Market      string            `mapstructure:"market"`
	Paper       bool              `mapstructure:"paper"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	RatePerSec  float64           `mapstructure:"rate_per_sec"`
	Extra       map[string]string `mapstructure:"extra"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN              string        `mapstructure:"dsn"`
	MaxOpenConns     int           `mapstructure:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	JournalRetention time.Duration `mapstructure:"journal_retention"`
}

// RedisConfig locates the runtime flag store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	FlagsKey string `mapstructure:"flags_key"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DashboardConfig configures the dashboard publisher.
type DashboardConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// OpsConfig configures the ops HTTP surface.
type OpsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// TargetConfig tunes one scheduler target.
type TargetConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Interval             time.Duration `mapstructure:"interval" validate:"gte=0"`
	ErrorBackoff         time.Duration `mapstructure:"error_backoff" validate:"gte=0"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors" validate:"gte=0"`
}

// SchedulerConfig governs the multi-target scheduler.
type SchedulerConfig struct {
	StartupDelay time.Duration           `mapstructure:"startup_delay"`
	Targets      map[string]TargetConfig `mapstructure:"targets" validate:"dive"`
}

// HealthConfig tunes the health monitor.
type HealthConfig struct {
	CheckTimeout      time.Duration `mapstructure:"check_timeout"`
	LoopLatencyBudget time.Duration `mapstructure:"loop_latency_budget"`
}

var validate = validator.New()

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("live_ack", LiveAckEnv)
	_ = v.BindEnv("app.run_mode", EnvPrefix+"_RUN_MODE", "RUN_MODE")

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, dir := range searchPaths(v.GetString("app.run_mode")) {
			v.AddConfigPath(dir)
		}
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.store = &Store{v: v}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func searchPaths(runMode string) []string {
	if strings.EqualFold(runMode, RunModeContainer) {
		return []string{"/etc/tradecore", "/app/config"}
	}
	return []string{".", "./config"}
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tradecore")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.run_mode", RunModeLocal)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("runtime.interval_ms", 1000)
	v.SetDefault("runtime.error_backoff_ms", 5000)
	v.SetDefault("runtime.error_backoff_max_retries", 3)
	v.SetDefault("runtime.pipeline_paused", false)
	v.SetDefault("runtime.snapshot_path", "snapshot.json")
	v.SetDefault("runtime.driver", "loop")
	v.SetDefault("runtime.scope", "scalp")
	v.SetDefault("runtime.max_snapshot_age", "0s")
	v.SetDefault("runtime.advisory_lock_key", int64(0x74726164))

	v.SetDefault("execution.execution_mode", "PAPER")
	v.SetDefault("execution.live_enabled", "false")
	v.SetDefault("execution.trading_enabled", true)
	v.SetDefault("execution.killswitch_status", "OFF")
	v.SetDefault("execution.broker", "mock-broker")
	v.SetDefault("execution.max_consecutive_failures", 3)
	v.SetDefault("execution.latency_budget", "0s")

	v.SetDefault("risk.default.max_order_qty", 100.0)
	v.SetDefault("risk.default.stage", "BLOCK")
	v.SetDefault("risk.default.reduce_to_qty", 0.0)
	v.SetDefault("risk.price_tolerance_pct", 5.0)

	v.SetDefault("schema.path", "schema.json")
	v.SetDefault("schema.backup_dir", "schema_backups")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.connect_timeout", "5s")
	v.SetDefault("database.journal_retention", "720h")

	v.SetDefault("redis.flags_key", "tradecore:flags")

	v.SetDefault("alerting.cooldown", "15m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("dashboard.timeout", "5s")

	v.SetDefault("ops.enabled", false)
	v.SetDefault("ops.listen", "127.0.0.1:8089")

	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.targets.pipeline.enabled", true)
	v.SetDefault("scheduler.targets.pipeline.interval", "1s")
	v.SetDefault("scheduler.targets.pipeline.error_backoff", "5s")
	v.SetDefault("scheduler.targets.pipeline.max_consecutive_errors", 3)
	v.SetDefault("scheduler.targets.broker_heartbeat.enabled", true)
	v.SetDefault("scheduler.targets.broker_heartbeat.interval", "30s")
	v.SetDefault("scheduler.targets.dashboard_update.enabled", true)
	v.SetDefault("scheduler.targets.dashboard_update.interval", "10s")
	v.SetDefault("scheduler.targets.backup_maintenance.enabled", true)
	v.SetDefault("scheduler.targets.backup_maintenance.interval", "1h")

	v.SetDefault("health.check_timeout", "5s")
	v.SetDefault("health.loop_latency_budget", "2s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs tag validation plus the cross-field checks.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Risk.Default.Validate(); err != nil {
		return fmt.Errorf("risk.default: %w", err)
	}
	for id, p := range c.Risk.Strategies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("risk.strategies.%s: %w", id, err)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram is enabled")
		}
	}
	if c.Ops.Enabled && c.Ops.Listen == "" {
		return fmt.Errorf("ops.listen is required when ops is enabled")
	}
	return nil
}

// Store returns the flat lookup over the loaded settings.
func (c *Config) Store() *Store {
	if c.store == nil {
		c.store = &Store{v: viper.New()}
	}
	return c.store
}

// LiveAck returns the acknowledgment sentinel from the environment.
func (c *Config) LiveAck() string {
	if c.store != nil {
		if v := c.store.v.GetString("live_ack"); v != "" {
			return v
		}
	}
	return os.Getenv(LiveAckEnv)
}

// ExecutionDecision applies the execution-mode gate to the loaded settings.
func (c *Config) ExecutionDecision() execmode.Decision {
	return execmode.DecideStrings(c.Execution.ExecutionMode, c.Execution.LiveEnabled, c.LiveAck())
}

// KillSwitchOn reports whether killswitch_status is ON.
func (c *Config) KillSwitchOn() bool {
	return strings.EqualFold(c.Execution.KillswitchStatus, "ON")
}

// Broker returns the connectivity settings for id, zero when absent.
func (c *Config) Broker(id string) BrokerConfig {
	return c.Brokers[strings.ToLower(strings.TrimSpace(id))]
}

// PolicyFor returns the risk policy map keyed by strategy id.
func (c *Config) PolicyFor() map[string]risk.Policy {
	out := make(map[string]risk.Policy, len(c.Risk.Strategies))
	for k, v := range c.Risk.Strategies {
		out[k] = v
	}
	return out
}
