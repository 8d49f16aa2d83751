// Package config loads the orchestrator's runtime configuration from flags,
// environment variables and an optional config file, and watches that file
// for changes the way the pack's policy reload loop watches its rules
// directory.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the fully resolved set of knobs the orchestrator needs to boot.
type Config struct {
	DatabaseURL   string `mapstructure:"database-url"`
	SecretKey     string `mapstructure:"secret-key"`
	Mode          string `mapstructure:"mode"`
	Port          int    `mapstructure:"port"`
	MaxConcurrency int   `mapstructure:"max-concurrency"`
	PollIntervalMs int   `mapstructure:"poll-interval-ms"`
	LogLevel      string `mapstructure:"log-level"`

	DLQRetentionDays  int `mapstructure:"dlq-retention-days"`
	IdempotencyTTLSec int `mapstructure:"idempotency-ttl-sec"`
	MaxRetryDelayMs   int `mapstructure:"max-retry-delay-ms"`
}

// Validate rejects a Config missing what the orchestrator cannot run without.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database-url is required")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("secret-key is required")
	}
	if c.Mode != "continuous" && c.Mode != "tick" {
		return fmt.Errorf("mode must be \"continuous\" or \"tick\", got %q", c.Mode)
	}
	return nil
}

// PollInterval returns the configured poll interval as a Duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// New binds flags/env/file defaults into v and loads the resulting Config.
// v is expected to already have PersistentFlags bound by the caller (cobra
// root command), mirroring the flag-then-env-then-default precedence the
// pack's cobra/viper entrypoints use.
func New(v *viper.Viper) (Config, error) {
	v.SetDefault("mode", "continuous")
	v.SetDefault("port", 8080)
	v.SetDefault("max-concurrency", 10)
	v.SetDefault("poll-interval-ms", 1000)
	v.SetDefault("log-level", "normal")
	v.SetDefault("dlq-retention-days", 30)
	v.SetDefault("idempotency-ttl-sec", 3600)
	v.SetDefault("max-retry-delay-ms", 300000)

	v.SetEnvPrefix("pipeweave")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// WatchFile re-parses the config file on write and invokes onChange with
// the newly resolved Config. It returns nil in every case: a watcher that
// fails to start is not reported to the caller (viper's WatchConfig has no
// error result); errors during a reload are logged and the previous Config
// keeps serving, matching the pack's own "log and keep the last good state"
// reload behavior.
func WatchFile(v *viper.Viper, log *slog.Logger, onChange func(Config)) error {
	if v.ConfigFileUsed() == "" {
		return nil
	}
	v.OnConfigChange(func(fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			log.Error("config reload failed, keeping previous config", "error", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			log.Error("reloaded config failed validation, keeping previous config", "error", err)
			return
		}
		log.Info("config reloaded")
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}
