package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndValidate(t *testing.T) {
	content := `
mlb:
  api_base_url: "https://statsapi.example.com"
  timeout: 20s

update:
  poll_interval: 10m
  batch_size: 6
  completeness_tolerance: 1

freshness:
  regular: 30m
  extended: 12h

retention:
  interval: 2h
  min_team_count: 29

storage:
  path: "./data/test.db"

telegram:
  bot_token: "test_token"
  chat_id: "12345"
  enabled: true

logging:
  level: "debug"
  format: "json"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.MLB.APIBaseURL != "https://statsapi.example.com" {
		t.Errorf("Unexpected API URL: %s", cfg.MLB.APIBaseURL)
	}
	if cfg.MLB.Timeout != 20*time.Second {
		t.Errorf("Unexpected timeout: %v", cfg.MLB.Timeout)
	}
	if cfg.Update.PollInterval != 10*time.Minute || cfg.Update.BatchSize != 6 {
		t.Errorf("Unexpected update config: %+v", cfg.Update)
	}
	if cfg.Freshness.Regular != 30*time.Minute || cfg.Freshness.Extended != 12*time.Hour {
		t.Errorf("Unexpected freshness config: %+v", cfg.Freshness)
	}

	// Defaults fill what the file leaves out
	if cfg.Update.MaxAttempts != 3 {
		t.Errorf("Expected default max attempts 3, got %d", cfg.Update.MaxAttempts)
	}
	if cfg.Retention.DailyWindow != 240*24*time.Hour {
		t.Errorf("Expected default daily window, got %v", cfg.Retention.DailyWindow)
	}
	if !cfg.Validator.EstimateMissingRuns {
		t.Errorf("Expected run estimation enabled by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	coord := cfg.CoordinatorConfig()
	if coord.CompletenessTolerance != 1 || !coord.Validator.EstimateMissingRuns {
		t.Errorf("Unexpected coordinator config: %+v", coord)
	}
	policy, err := cfg.RetentionPolicy()
	if err != nil {
		t.Fatalf("RetentionPolicy failed: %v", err)
	}
	if policy.MinTeamCount != 29 || policy.Location.String() != "America/New_York" {
		t.Errorf("Unexpected policy: min=%d loc=%v", policy.MinTeamCount, policy.Location)
	}
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Storage.Path != "./data/eraops.db" {
		t.Errorf("Unexpected storage path: %s", cfg.Storage.Path)
	}
	if cfg.Update.FailureAlertThreshold != 3 {
		t.Errorf("Unexpected failure alert threshold: %d", cfg.Update.FailureAlertThreshold)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ERAOPS_STORAGE_PATH", "/tmp/override.db")
	t.Setenv("ERAOPS_UPDATE_BATCH_SIZE", "9")
	t.Setenv("ERAOPS_TELEGRAM_CHAT_ID", "777")

	cfg, err := Load(writeConfig(t, "storage:\n  path: ./file.db\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Path != "/tmp/override.db" {
		t.Errorf("env should override file, got %s", cfg.Storage.Path)
	}
	if cfg.Update.BatchSize != 9 {
		t.Errorf("Expected batch size 9, got %d", cfg.Update.BatchSize)
	}
	if cfg.Telegram.ChatID != "777" {
		t.Errorf("Expected chat id from env, got %q", cfg.Telegram.ChatID)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing telegram token when enabled", func(c *Config) {
			c.Telegram.Enabled = true
			c.Telegram.ChatID = "1"
		}, "telegram.bot_token"},
		{"poll interval too short", func(c *Config) { c.Update.PollInterval = time.Second }, "update.poll_interval"},
		{"bad batch size", func(c *Config) { c.Update.BatchSize = 0 }, "update.batch_size"},
		{"bad coordinator", func(c *Config) { c.Update.MaxAttempts = 0 }, "update:"},
		{"bad timezone", func(c *Config) { c.Freshness.Timezone = "Mars/Olympus" }, "freshness"},
		{"bad retention windows", func(c *Config) { c.Retention.HourlyWindow = time.Minute }, "retention:"},
		{"short maintenance interval", func(c *Config) { c.Retention.Interval = time.Second }, "retention.interval"},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"metrics without address", func(c *Config) { c.Metrics.ListenAddr = "" }, "metrics.listen_addr"},
		{"invalid log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"invalid log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
