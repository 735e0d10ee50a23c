package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Scorer     ScorerConfig     `yaml:"scorer" mapstructure:"scorer"`
	Evaluator  EvaluatorConfig  `yaml:"evaluator" mapstructure:"evaluator"`
	Demotion   DemotionConfig   `yaml:"demotion" mapstructure:"demotion"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Thresholds ThresholdsConfig `yaml:"thresholds" mapstructure:"thresholds"`
}

// StoreConfig configures the Postgres connection pool.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// SalesforceConfig holds Salesforce JWT auth settings for write-back.
type SalesforceConfig struct {
	ClientID          string  `yaml:"client_id" mapstructure:"client_id"`
	Username          string  `yaml:"username" mapstructure:"username"`
	KeyPath           string  `yaml:"key_path" mapstructure:"key_path"`
	LoginURL          string  `yaml:"login_url" mapstructure:"login_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// Enabled reports whether Salesforce credentials are configured.
func (c SalesforceConfig) Enabled() bool {
	return c.ClientID != "" && c.Username != "" && c.KeyPath != ""
}

// ScorerConfig tunes confidence scoring.
type ScorerConfig struct {
	WindowDays         int     `yaml:"window_days" mapstructure:"window_days"`
	HalfLifeDays       float64 `yaml:"half_life_days" mapstructure:"half_life_days"`
	RollingSize        int     `yaml:"rolling_size" mapstructure:"rolling_size"`
	FullSampleSize     int     `yaml:"full_sample_size" mapstructure:"full_sample_size"`
	EligibleScore      float64 `yaml:"eligible_score" mapstructure:"eligible_score"`
	EligibleMinSignals int     `yaml:"eligible_min_signals" mapstructure:"eligible_min_signals"`
}

// EvaluatorConfig configures the periodic promotion/demotion batch.
type EvaluatorConfig struct {
	IntervalSecs int `yaml:"interval_secs" mapstructure:"interval_secs"`
	PageSize     int `yaml:"page_size" mapstructure:"page_size"`
}

// Interval returns the batch interval, defaulting to five minutes.
func (c EvaluatorConfig) Interval() time.Duration {
	if c.IntervalSecs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.IntervalSecs) * time.Second
}

// DemotionConfig controls demotion severity and its re-promotion penalty.
type DemotionConfig struct {
	CooldownHours  int     `yaml:"cooldown_hours" mapstructure:"cooldown_hours"`
	PenaltySignals int     `yaml:"penalty_signals" mapstructure:"penalty_signals"`
	WarningRatio   float64 `yaml:"warning_ratio" mapstructure:"warning_ratio"`
	EmergencyRatio float64 `yaml:"emergency_ratio" mapstructure:"emergency_ratio"`
}

// Cooldown returns the base demotion cooldown.
func (c DemotionConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownHours) * time.Hour
}

// QueueConfig configures the CRM write-back queue.
type QueueConfig struct {
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BatchSize   int `yaml:"batch_size" mapstructure:"batch_size"`
	LockSecs    int `yaml:"lock_secs" mapstructure:"lock_secs"`
}

// LockDuration returns how long a claimed item stays locked.
func (c QueueConfig) LockDuration() time.Duration {
	return time.Duration(c.LockSecs) * time.Second
}

// WorkerConfig configures write-back workers.
type WorkerConfig struct {
	Concurrency      int `yaml:"concurrency" mapstructure:"concurrency"`
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	TimeoutSecs      int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// MonitoringConfig configures queue and proposal alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	DeadLetterThreshold  int     `yaml:"dead_letter_threshold" mapstructure:"dead_letter_threshold"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StaleProcessingMins  int     `yaml:"stale_processing_mins" mapstructure:"stale_processing_mins"`
	MinItemsForAlert     int     `yaml:"min_items_for_alert" mapstructure:"min_items_for_alert"`
}

// StaleAfter is how long an item may sit in processing before it counts as
// stale.
func (c MonitoringConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleProcessingMins) * time.Minute
}

// RedisConfig configures the optional threshold cache. An empty Addr
// disables caching.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	TTLSecs  int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

// ThresholdsConfig points at an optional catalog file overriding the
// compiled-in defaults.
type ThresholdsConfig struct {
	SeedFile string `yaml:"seed_file" mapstructure:"seed_file"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("AUTOPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.requests_per_second", 20)
	v.SetDefault("salesforce.burst", 25)
	v.SetDefault("scorer.window_days", 90)
	v.SetDefault("scorer.half_life_days", 30)
	v.SetDefault("scorer.rolling_size", 30)
	v.SetDefault("scorer.full_sample_size", 10)
	v.SetDefault("scorer.eligible_score", 0.7)
	v.SetDefault("scorer.eligible_min_signals", 10)
	v.SetDefault("evaluator.interval_secs", 300)
	v.SetDefault("evaluator.page_size", 200)
	v.SetDefault("demotion.cooldown_hours", 168)
	v.SetDefault("demotion.penalty_signals", 5)
	v.SetDefault("demotion.warning_ratio", 0.8)
	v.SetDefault("demotion.emergency_ratio", 2.0)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.batch_size", 25)
	v.SetDefault("queue.lock_secs", 300)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval_secs", 5)
	v.SetDefault("worker.timeout_secs", 30)
	v.SetDefault("worker.failure_threshold", 5)
	v.SetDefault("worker.reset_timeout_secs", 60)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.dead_letter_threshold", 10)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.stale_processing_mins", 15)
	v.SetDefault("monitoring.min_items_for_alert", 10)
	v.SetDefault("redis.ttl_secs", 300)
	v.SetDefault("redis.prefix", "autopilot:threshold")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by a command mode: "serve",
// "worker", "evaluate" or "cli".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.validateCore()...)
		errs = append(errs, c.validateQueue()...)
	case "worker":
		errs = append(errs, c.validateCore()...)
		errs = append(errs, c.validateQueue()...)
		if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 64 {
			errs = append(errs, "worker.concurrency must be between 1 and 64")
		}
		if !c.Salesforce.Enabled() {
			errs = append(errs, "salesforce.client_id, salesforce.username and salesforce.key_path are required")
		}
	case "evaluate":
		errs = append(errs, c.validateCore()...)
	case "cli":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateCore() []string {
	var errs []string
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if c.Scorer.EligibleScore < 0 || c.Scorer.EligibleScore > 1 {
		errs = append(errs, "scorer.eligible_score must be between 0 and 1")
	}
	if c.Scorer.HalfLifeDays < 0 {
		errs = append(errs, "scorer.half_life_days must be >= 0")
	}
	if c.Demotion.WarningRatio <= 0 || c.Demotion.WarningRatio > 1 {
		errs = append(errs, "demotion.warning_ratio must be in (0, 1]")
	}
	if c.Demotion.EmergencyRatio <= 1 {
		errs = append(errs, "demotion.emergency_ratio must be > 1")
	}
	if c.Demotion.CooldownHours < 0 || c.Demotion.PenaltySignals < 0 {
		errs = append(errs, "demotion.cooldown_hours and demotion.penalty_signals must be >= 0")
	}
	return errs
}

func (c *Config) validateQueue() []string {
	var errs []string
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, "queue.max_attempts must be >= 1")
	}
	if c.Queue.BatchSize < 1 || c.Queue.BatchSize > 500 {
		errs = append(errs, fmt.Sprintf("queue.batch_size must be between 1 and 500, got %d", c.Queue.BatchSize))
	}
	if c.Queue.LockSecs < 1 {
		errs = append(errs, "queue.lock_secs must be >= 1")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
