package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/refguard/internal/drift"
	"github.com/sells-group/refguard/internal/orchestrator"
	"github.com/sells-group/refguard/internal/shadow"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig         `yaml:"store" mapstructure:"store"`
	Anthropic    AnthropicConfig     `yaml:"anthropic" mapstructure:"anthropic"`
	Generator    GeneratorConfig     `yaml:"generator" mapstructure:"generator"`
	Metadata     MetadataConfig      `yaml:"metadata" mapstructure:"metadata"`
	Calibration  CalibrationConfig   `yaml:"calibration" mapstructure:"calibration"`
	Rollout      RolloutConfig       `yaml:"rollout" mapstructure:"rollout"`
	Drift        drift.Config        `yaml:"drift" mapstructure:"drift"`
	Guard        GuardConfig         `yaml:"guard" mapstructure:"guard"`
	Orchestrator orchestrator.Config `yaml:"orchestrator" mapstructure:"orchestrator"`
	Monitoring   MonitoringConfig    `yaml:"monitoring" mapstructure:"monitoring"`
	Shadow       shadow.Config       `yaml:"shadow" mapstructure:"shadow"`
	Server       ServerConfig        `yaml:"server" mapstructure:"server"`
	Log          LogConfig           `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	Model       string  `yaml:"model" mapstructure:"model"`
	MaxTokens   int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	CacheTTL    string  `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// GeneratorConfig controls outbound pacing and failure handling for the
// suggestion generator.
type GeneratorConfig struct {
	RequestsPerSecond   float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst               int     `yaml:"burst" mapstructure:"burst"`
	MaxAttempts         int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS    int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS        int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	AttemptTimeoutSecs  int     `yaml:"attempt_timeout_secs" mapstructure:"attempt_timeout_secs"`
	CircuitThreshold    int     `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs    int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
	CircuitTrialSuccess int     `yaml:"circuit_half_open_trials" mapstructure:"circuit_half_open_trials"`
}

// MetadataConfig configures external bibliographic lookups.
type MetadataConfig struct {
	Enabled        bool   `yaml:"enabled" mapstructure:"enabled"`
	CrossRefURL    string `yaml:"crossref_url" mapstructure:"crossref_url"`
	GoogleBooksURL string `yaml:"google_books_url" mapstructure:"google_books_url"`
	GoogleBooksKey string `yaml:"google_books_key" mapstructure:"google_books_key"`
	UserAgent      string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs    int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// CalibrationConfig configures profile caching.
type CalibrationConfig struct {
	CacheTTLSecs int `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
}

// RolloutConfig configures the flag snapshot cache.
type RolloutConfig struct {
	CacheTTLSecs int `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
}

// GuardConfig lists callers allowed to write canonical fields.
type GuardConfig struct {
	AuthorizedCallers []string `yaml:"authorized_callers" mapstructure:"authorized_callers"`
}

// MonitoringConfig configures the health checker and its alert sinks.
type MonitoringConfig struct {
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours    int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinSuggestions         int     `yaml:"min_suggestions" mapstructure:"min_suggestions"`
	SecurityEventThreshold int     `yaml:"security_event_threshold" mapstructure:"security_event_threshold"`
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	NATSURL                string  `yaml:"nats_url" mapstructure:"nats_url"`
	NATSSubject            string  `yaml:"nats_subject" mapstructure:"nats_subject"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ReadTimeoutSec int      `yaml:"read_timeout_secs" mapstructure:"read_timeout_secs"`
	ShutdownSecs   int      `yaml:"shutdown_secs" mapstructure:"shutdown_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REFGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	// Secrets and URLs default empty so env vars bind during Unmarshal.
	for _, k := range []string{"store.database_url", "anthropic.key", "anthropic.base_url", "metadata.google_books_key", "monitoring.webhook_url", "monitoring.nats_url"} {
		v.SetDefault(k, "")
	}
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.read_timeout_secs", 15)
	v.SetDefault("server.shutdown_secs", 10)

	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2000)
	v.SetDefault("anthropic.temperature", 0.0)
	v.SetDefault("anthropic.cache_ttl", "5m")

	v.SetDefault("generator.requests_per_second", 5.0)
	v.SetDefault("generator.burst", 5)
	v.SetDefault("generator.max_attempts", 3)
	v.SetDefault("generator.initial_backoff_ms", 500)
	v.SetDefault("generator.max_backoff_ms", 30000)
	v.SetDefault("generator.attempt_timeout_secs", 60)
	v.SetDefault("generator.circuit_threshold", 5)
	v.SetDefault("generator.circuit_reset_secs", 30)
	v.SetDefault("generator.circuit_half_open_trials", 1)

	v.SetDefault("metadata.enabled", true)
	v.SetDefault("metadata.crossref_url", "https://api.crossref.org")
	v.SetDefault("metadata.google_books_url", "https://www.googleapis.com/books/v1")
	v.SetDefault("metadata.user_agent", "refguard/1.0")
	v.SetDefault("metadata.timeout_secs", 10)

	v.SetDefault("calibration.cache_ttl_secs", 300)
	v.SetDefault("rollout.cache_ttl_secs", 60)

	d := drift.DefaultConfig()
	v.SetDefault("drift.window_size", d.WindowSize)
	v.SetDefault("drift.baseline_size", d.BaselineSize)
	v.SetDefault("drift.recent_size", d.RecentSize)
	v.SetDefault("drift.check_every", d.CheckEvery)
	v.SetDefault("drift.mean_shift.warning", d.MeanShift.Warning)
	v.SetDefault("drift.mean_shift.critical", d.MeanShift.Critical)
	v.SetDefault("drift.distribution_p_value.warning", d.DistributionPValue.Warning)
	v.SetDefault("drift.distribution_p_value.critical", d.DistributionPValue.Critical)
	v.SetDefault("drift.acceptance_drop.warning", d.AcceptanceDrop.Warning)
	v.SetDefault("drift.acceptance_drop.critical", d.AcceptanceDrop.Critical)
	v.SetDefault("drift.high_confidence.warning", d.HighConfidence.Warning)
	v.SetDefault("drift.high_confidence.critical", d.HighConfidence.Critical)
	v.SetDefault("drift.high_confidence_cutoff", d.HighConfidenceCutoff)

	v.SetDefault("orchestrator.flag", orchestrator.DefaultFlag)
	v.SetDefault("orchestrator.default_tier", "tier_1")
	v.SetDefault("orchestrator.fail_closed", true)

	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.min_suggestions", 20)
	v.SetDefault("monitoring.security_event_threshold", 1)
	v.SetDefault("monitoring.nats_subject", "refguard.alerts")

	v.SetDefault("shadow.concurrency", 4)
	v.SetDefault("shadow.tier", "tier_1")
	v.SetDefault("shadow.identity", "shadow")
}

// Backoff returns the retry delay bounds as durations.
func (g GeneratorConfig) Backoff() (initial, ceiling time.Duration) {
	return time.Duration(g.InitialBackoffMS) * time.Millisecond, time.Duration(g.MaxBackoffMS) * time.Millisecond
}

// Validate checks the settings a command mode depends on. Modes are
// "serve", "suggest", "shadow" and "store".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "suggest", "shadow":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		errs = append(errs, c.storeErrors()...)
	case "store":
		errs = append(errs, c.storeErrors()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}
	if mode == "shadow" && (c.Shadow.Concurrency < 1 || c.Shadow.Concurrency > 64) {
		errs = append(errs, "shadow.concurrency must be between 1 and 64")
	}
	if t := c.Monitoring.FailureRateThreshold; t < 0 || t > 1 {
		errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) storeErrors() []string {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required"}
		}
	case "sqlite":
	default:
		return []string{"store.driver must be postgres or sqlite"}
	}
	return nil
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
