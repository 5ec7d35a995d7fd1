package config

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

var hourPattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

// Config holds the recognized startup options from spec §6: DSNs for both
// external SQL servers, the daily cron trigger, and the batch knobs the
// Transfer Engine uses. Concurrency is parsed and validated but not read by
// the Scheduler, which runs fixed waves of two.
type Config struct {
	Env  string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port string `env:"PORT" envDefault:"8080" validate:"required"`

	// DatabaseURL backs the Task Repository (C5) — task definitions and
	// execution history — separate from the two servers the engine moves
	// rows between.
	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`

	// ServerADSN/ServerBDSN are the source and destination SQL servers the
	// Connection Supervisor (C2) pools connections to.
	ServerADSN string `env:"SERVER_A_DSN,required" validate:"required"`
	ServerBDSN string `env:"SERVER_B_DSN,required" validate:"required"`

	CronEnabled bool   `env:"CRON_ENABLED" envDefault:"false"`
	CronHour    string `env:"CRON_HOUR" envDefault:"02:00" validate:"required"`
	Timezone    string `env:"TIMEZONE" envDefault:"UTC" validate:"required"`

	Concurrency           int `env:"CONCURRENCY" envDefault:"2" validate:"min=1,max=16"`
	BatchSize             int `env:"BATCH_SIZE" envDefault:"500" validate:"min=1"`
	InsertSubBatch        int `env:"INSERT_SUB_BATCH" envDefault:"50" validate:"min=1"`
	MaxDuplicatesReported int `env:"MAX_DUPLICATES_REPORTED" envDefault:"100" validate:"min=1"`

	HealthIntervalMs   int `env:"HEALTH_INTERVAL_MS" envDefault:"300000" validate:"min=1000"`
	RecoveryCooldownMs int `env:"RECOVERY_COOLDOWN_MS" envDefault:"1800000" validate:"min=1000"`

	// ForceGCEveryBatch drives spec §4.6 step 7's "runtime-provided GC
	// hook" — off by default, since forcing GC every 50 rows only pays for
	// itself on memory-constrained deployments.
	ForceGCEveryBatch bool `env:"FORCE_GC_EVERY_BATCH" envDefault:"false"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	ResendAPIKey string `env:"RESEND_API_KEY" validate:"required_if=Env production,required_if=Env staging"`
	ResendFrom   string `env:"RESEND_FROM" validate:"required_if=Env production,required_if=Env staging"`
	ResendTo     string `env:"RESEND_TO" validate:"required_if=Env production,required_if=Env staging"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.CronEnabled && !hourPattern.MatchString(cfg.CronHour) {
		return nil, fmt.Errorf("invalid config: CRON_HOUR %q must match HH:MM", cfg.CronHour)
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("invalid config: TIMEZONE %q: %w", cfg.Timezone, err)
	}

	return cfg, nil
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// HealthInterval and RecoveryCooldown convert the millisecond env knobs
// into time.Duration for the Health Monitor (C9).
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalMs) * time.Millisecond
}

func (c *Config) RecoveryCooldown() time.Duration {
	return time.Duration(c.RecoveryCooldownMs) * time.Millisecond
}
