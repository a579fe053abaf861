/*
config.go - Server configuration

PURPOSE:
  Reads the server settings from the environment, with a .env file in the
  working directory filling in anything the environment leaves unset.

VARIABLES:
  PORT                         HTTP port (8080)
  DB_PATH                      SQLite path, ":memory:" for a throwaway store (circulation.db)
  TIMEZONE                     Library time zone for day boundaries (UTC)
  LOOKUP_TIMEOUT               Timeout for directory, policy and calendar calls (5s)
  SWEEP_ENABLED                Run the scheduled sweep (true)
  SWEEP_INTERVAL               Time between sweeps (1m)
  CALENDAR_URL                 Remote calendar service; empty = calendars in the database
  NOTICE_WEBHOOK_URL           Notice delivery endpoint; empty = log notices
  NOTICE_RATE_PER_SECOND       Notice delivery rate limit, 0 = unlimited (10)
  EVENTS_DATABASE_URL          PostgreSQL DSN for the shared event log; empty = off
  OTEL_EXPORTER_OTLP_ENDPOINT  OTLP/HTTP trace collector; empty = tracing off
  LOG_FORMAT                   "json" or "text" (json)
  LOG_LEVEL                    debug, info, warn or error (info)

SEE ALSO:
  - cmd/server/main.go: Wiring
*/
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the server configuration.
type Config struct {
	Port          int
	DBPath        string
	Location      *time.Location
	LookupTimeout time.Duration

	SweepEnabled  bool
	SweepInterval time.Duration

	CalendarURL         string
	NoticeWebhookURL    string
	NoticeRatePerSecond float64
	EventsDatabaseURL   string
	OTLPEndpoint        string

	LogFormat string
	LogLevel  slog.Level
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("PORT", 8080)
	v.SetDefault("DB_PATH", "circulation.db")
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("LOOKUP_TIMEOUT", "5s")
	v.SetDefault("SWEEP_ENABLED", true)
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("CALENDAR_URL", "")
	v.SetDefault("NOTICE_WEBHOOK_URL", "")
	v.SetDefault("NOTICE_RATE_PER_SECOND", 10)
	v.SetDefault("EVENTS_DATABASE_URL", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_LEVEL", "info")
	v.AutomaticEnv()
	return v
}

// FromViper builds a Config from already loaded settings.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:                v.GetInt("PORT"),
		DBPath:              v.GetString("DB_PATH"),
		LookupTimeout:       v.GetDuration("LOOKUP_TIMEOUT"),
		SweepEnabled:        v.GetBool("SWEEP_ENABLED"),
		SweepInterval:       v.GetDuration("SWEEP_INTERVAL"),
		CalendarURL:         v.GetString("CALENDAR_URL"),
		NoticeWebhookURL:    v.GetString("NOTICE_WEBHOOK_URL"),
		NoticeRatePerSecond: v.GetFloat64("NOTICE_RATE_PER_SECOND"),
		EventsDatabaseURL:   v.GetString("EVENTS_DATABASE_URL"),
		OTLPEndpoint:        v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogFormat:           strings.ToLower(v.GetString("LOG_FORMAT")),
	}

	loc, err := time.LoadLocation(v.GetString("TIMEZONE"))
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	cfg.Location = loc

	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("LOG_LEVEL"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges that viper cannot.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH is required"))
	}
	if c.LookupTimeout <= 0 {
		errs = append(errs, errors.New("LOOKUP_TIMEOUT must be positive"))
	}
	if c.SweepEnabled && c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive when the sweep is enabled"))
	}
	if c.NoticeRatePerSecond < 0 {
		errs = append(errs, errors.New("NOTICE_RATE_PER_SECOND must not be negative"))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
