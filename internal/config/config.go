package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rewired-gh/eraops/internal/coordinator"
	"github.com/rewired-gh/eraops/internal/freshness"
	"github.com/rewired-gh/eraops/internal/retention"
	"github.com/rewired-gh/eraops/internal/validate"
)

// EnvPrefix prefixes environment overrides, e.g. ERAOPS_STORAGE_PATH.
const EnvPrefix = "ERAOPS"

// Config represents the complete application configuration
type Config struct {
	MLB       MLBConfig       `mapstructure:"mlb"`
	Update    UpdateConfig    `mapstructure:"update"`
	Freshness FreshnessConfig `mapstructure:"freshness"`
	Retention RetentionConfig `mapstructure:"retention"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Validator ValidatorConfig `mapstructure:"validator"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// MLBConfig holds MLB Stats API configuration
type MLBConfig struct {
	APIBaseURL string        `mapstructure:"api_base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	UserAgent  string        `mapstructure:"user_agent"`
}

// UpdateConfig controls update passes
type UpdateConfig struct {
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	StepInterval          time.Duration `mapstructure:"step_interval"`
	BatchSize             int           `mapstructure:"batch_size"`
	MaxBatchSize          int           `mapstructure:"max_batch_size"`
	MinSpacing            time.Duration `mapstructure:"min_spacing"`
	Jitter                time.Duration `mapstructure:"jitter"`
	CallTimeout           time.Duration `mapstructure:"call_timeout"`
	MaxAttempts           int           `mapstructure:"max_attempts"`
	RetryBackoff          time.Duration `mapstructure:"retry_backoff"`
	RetryBackoffMax       time.Duration `mapstructure:"retry_backoff_max"`
	CompletenessTolerance int           `mapstructure:"completeness_tolerance"`
	Season                int           `mapstructure:"season"`
	FailureAlertThreshold int           `mapstructure:"failure_alert_threshold"`
}

// FreshnessConfig holds the staleness windows
type FreshnessConfig struct {
	Regular  time.Duration `mapstructure:"regular"`
	Extended time.Duration `mapstructure:"extended"`
	Timezone string        `mapstructure:"timezone"`
}

// RetentionConfig holds retention thresholds and the maintenance schedule
type RetentionConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Interval            time.Duration `mapstructure:"interval"`
	Vacuum              bool          `mapstructure:"vacuum"`
	Report              bool          `mapstructure:"report"`
	MinTeamCount        int           `mapstructure:"min_team_count"`
	RecentWindow        time.Duration `mapstructure:"recent_window"`
	HourlyWindow        time.Duration `mapstructure:"hourly_window"`
	SixHourWindow       time.Duration `mapstructure:"six_hour_window"`
	DailyWindow         time.Duration `mapstructure:"daily_window"`
	NormalThreshold     int           `mapstructure:"normal_threshold"`
	AggressiveThreshold int           `mapstructure:"aggressive_threshold"`
	EmergencyCeiling    int           `mapstructure:"emergency_ceiling"`
	EmergencyTarget     int           `mapstructure:"emergency_target"`
	EmergencyCurrentAge time.Duration `mapstructure:"emergency_current_age"`
	EmergencyPastAge    time.Duration `mapstructure:"emergency_past_age"`
	EmergencyKeepRecent int           `mapstructure:"emergency_keep_recent"`
	DeleteBatchSize     int           `mapstructure:"delete_batch_size"`
	BackfillBatchSize   int           `mapstructure:"backfill_batch_size"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	Path         string        `mapstructure:"path"`
	CacheSize    int           `mapstructure:"cache_size"`
	BusyTimeout  time.Duration `mapstructure:"busy_timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
}

// ValidatorConfig holds record validation options
type ValidatorConfig struct {
	EstimateMissingRuns bool `mapstructure:"estimate_missing_runs"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables. An empty
// path skips the file and uses defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// MLB defaults
	v.SetDefault("mlb.api_base_url", "https://statsapi.mlb.com")
	v.SetDefault("mlb.timeout", "15s")
	v.SetDefault("mlb.max_retries", 2)
	v.SetDefault("mlb.retry_delay", "1s")
	v.SetDefault("mlb.user_agent", "eraops/1.0")

	// Update defaults
	coord := coordinator.DefaultConfig()
	v.SetDefault("update.poll_interval", "5m")
	v.SetDefault("update.step_interval", "2s")
	v.SetDefault("update.batch_size", 5)
	v.SetDefault("update.max_batch_size", coord.MaxBatchSize)
	v.SetDefault("update.min_spacing", coord.MinSpacing.String())
	v.SetDefault("update.jitter", coord.Jitter.String())
	v.SetDefault("update.call_timeout", coord.CallTimeout.String())
	v.SetDefault("update.max_attempts", coord.MaxAttempts)
	v.SetDefault("update.retry_backoff", coord.RetryBackoff.String())
	v.SetDefault("update.retry_backoff_max", coord.RetryBackoffMax.String())
	v.SetDefault("update.completeness_tolerance", coord.CompletenessTolerance)
	v.SetDefault("update.season", 0)
	v.SetDefault("update.failure_alert_threshold", 3)

	// Freshness defaults
	v.SetDefault("freshness.regular", freshness.DefaultRegular.String())
	v.SetDefault("freshness.extended", freshness.DefaultExtended.String())
	v.SetDefault("freshness.timezone", freshness.DefaultLocation)

	// Retention defaults
	p := retention.DefaultPolicy()
	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.interval", "6h")
	v.SetDefault("retention.vacuum", true)
	v.SetDefault("retention.report", false)
	v.SetDefault("retention.min_team_count", p.MinTeamCount)
	v.SetDefault("retention.recent_window", p.RecentWindow.String())
	v.SetDefault("retention.hourly_window", p.HourlyWindow.String())
	v.SetDefault("retention.six_hour_window", p.SixHourWindow.String())
	v.SetDefault("retention.daily_window", p.DailyWindow.String())
	v.SetDefault("retention.normal_threshold", p.NormalThreshold)
	v.SetDefault("retention.aggressive_threshold", p.AggressiveThreshold)
	v.SetDefault("retention.emergency_ceiling", p.EmergencyCeiling)
	v.SetDefault("retention.emergency_target", p.EmergencyTarget)
	v.SetDefault("retention.emergency_current_age", p.EmergencyCurrentAge.String())
	v.SetDefault("retention.emergency_past_age", p.EmergencyPastAge.String())
	v.SetDefault("retention.emergency_keep_recent", p.EmergencyKeepRecent)
	v.SetDefault("retention.delete_batch_size", p.DeleteBatchSize)
	v.SetDefault("retention.backfill_batch_size", p.BackfillBatchSize)

	// Storage defaults
	v.SetDefault("storage.path", "./data/eraops.db")
	v.SetDefault("storage.cache_size", 256)
	v.SetDefault("storage.busy_timeout", "5s")
	v.SetDefault("storage.max_open_conns", 4)

	// Validator defaults
	v.SetDefault("validator.estimate_missing_runs", true)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9108")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate MLB config
	if c.MLB.APIBaseURL == "" {
		return fmt.Errorf("mlb.api_base_url is required")
	}
	if c.MLB.Timeout <= 0 {
		return fmt.Errorf("mlb.timeout must be positive")
	}
	if c.MLB.MaxRetries < 1 {
		return fmt.Errorf("mlb.max_retries must be at least 1")
	}

	// Validate Update config
	if c.Update.PollInterval < 10*time.Second {
		return fmt.Errorf("update.poll_interval must be at least 10 seconds")
	}
	if c.Update.StepInterval < 0 {
		return fmt.Errorf("update.step_interval cannot be negative")
	}
	if c.Update.BatchSize < 1 {
		return fmt.Errorf("update.batch_size must be at least 1")
	}
	if c.Update.FailureAlertThreshold < 1 {
		return fmt.Errorf("update.failure_alert_threshold must be at least 1")
	}
	if err := c.CoordinatorConfig().Validate(); err != nil {
		return fmt.Errorf("update: %w", err)
	}

	// Validate Freshness config
	if _, err := c.Oracle(); err != nil {
		return fmt.Errorf("freshness: %w", err)
	}

	// Validate Retention config
	if c.Retention.Enabled && c.Retention.Interval < time.Minute {
		return fmt.Errorf("retention.interval must be at least 1 minute")
	}
	policy, err := c.RetentionPolicy()
	if err != nil {
		return err
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("retention: %w", err)
	}

	// Validate Storage config
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Storage.CacheSize < 1 {
		return fmt.Errorf("storage.cache_size must be at least 1")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Metrics config
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// CoordinatorConfig returns the update coordinator settings
func (c *Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		MaxBatchSize:          c.Update.MaxBatchSize,
		MinSpacing:            c.Update.MinSpacing,
		Jitter:                c.Update.Jitter,
		CallTimeout:           c.Update.CallTimeout,
		MaxAttempts:           c.Update.MaxAttempts,
		RetryBackoff:          c.Update.RetryBackoff,
		RetryBackoffMax:       c.Update.RetryBackoffMax,
		CompletenessTolerance: c.Update.CompletenessTolerance,
		Season:                c.Update.Season,
		Validator:             c.ValidatorOptions(),
	}
}

// ValidatorOptions returns the record validation options
func (c *Config) ValidatorOptions() validate.Options {
	return validate.Options{EstimateMissingRuns: c.Validator.EstimateMissingRuns}
}

// Oracle builds the freshness oracle
func (c *Config) Oracle() (*freshness.Oracle, error) {
	return freshness.New(c.Freshness.Regular, c.Freshness.Extended, c.Freshness.Timezone)
}

// RetentionPolicy returns the retention thresholds. Buckets follow the
// freshness timezone.
func (c *Config) RetentionPolicy() (retention.Policy, error) {
	r := c.Retention
	policy := retention.Policy{
		MinTeamCount:        r.MinTeamCount,
		RecentWindow:        r.RecentWindow,
		HourlyWindow:        r.HourlyWindow,
		SixHourWindow:       r.SixHourWindow,
		DailyWindow:         r.DailyWindow,
		NormalThreshold:     r.NormalThreshold,
		AggressiveThreshold: r.AggressiveThreshold,
		EmergencyCeiling:    r.EmergencyCeiling,
		EmergencyTarget:     r.EmergencyTarget,
		EmergencyCurrentAge: r.EmergencyCurrentAge,
		EmergencyPastAge:    r.EmergencyPastAge,
		EmergencyKeepRecent: r.EmergencyKeepRecent,
		DeleteBatchSize:     r.DeleteBatchSize,
		BackfillBatchSize:   r.BackfillBatchSize,
	}
	zone := c.Freshness.Timezone
	if zone == "" {
		zone = freshness.DefaultLocation
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return policy, fmt.Errorf("freshness.timezone: %w", err)
	}
	policy.Location = loc
	return policy, nil
}
