// Package config defines the top-level configuration for the prediction
// market service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by ENDPOINT_* environment
// variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Sync     SyncConfig     `toml:"sync"`
	Admin    AdminConfig    `toml:"admin"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds the HTTP listener parameters.
type ServerConfig struct {
	Addr            string   `toml:"addr"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection parameters. When DSN is empty
// the service falls back to the in-memory store.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis cache parameters. When Addr is empty, caching is
// disabled and the service reads straight from the primary store.
type RedisConfig struct {
	Addr     string   `toml:"addr"`
	Password string   `toml:"password"`
	DB       int      `toml:"db"`
	TTL      duration `toml:"ttl"`
}

// SyncConfig holds clinical trial registry and FDA polling parameters.
type SyncConfig struct {
	Enabled            bool     `toml:"enabled"`
	Interval           duration `toml:"interval"`
	ClinicalTrialsHost string   `toml:"clinicaltrials_host"`
	OpenFDAHost        string   `toml:"openfda_host"`
	Condition          string   `toml:"condition"`
	Phases             []string `toml:"phases"`
	PageSize           int      `toml:"page_size"`
	MaxMarketsPerSync  int      `toml:"max_markets_per_sync"`
	RequestTimeout     duration `toml:"request_timeout"`
}

// AdminConfig holds credentials for settlement and market-management
// endpoints.
type AdminConfig struct {
	Token string `toml:"token"`
}

// duration wraps time.Duration so TOML files can use "30s" style values.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{30 * time.Second},
			ShutdownTimeout: duration{15 * time.Second},
		},
		Database: DatabaseConfig{
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			TTL: duration{30 * time.Second},
		},
		Sync: SyncConfig{
			Enabled:            false,
			Interval:           duration{time.Hour},
			ClinicalTrialsHost: "https://clinicaltrials.gov/api/v2",
			OpenFDAHost:        "https://api.fda.gov",
			Condition:          "cancer",
			Phases:             []string{"PHASE3"},
			PageSize:           50,
			MaxMarketsPerSync:  25,
			RequestTimeout:     duration{30 * time.Second},
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server: addr must not be empty")
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Database.DSN != "" && c.Database.PoolMaxConns <= 0 {
		errs = append(errs, "database: pool_max_conns must be positive")
	}
	if c.Sync.Enabled {
		if c.Sync.Interval.Duration <= 0 {
			errs = append(errs, "sync: interval must be positive")
		}
		if c.Sync.ClinicalTrialsHost == "" {
			errs = append(errs, "sync: clinicaltrials_host must not be empty")
		}
		if c.Sync.OpenFDAHost == "" {
			errs = append(errs, "sync: openfda_host must not be empty")
		}
		if c.Sync.PageSize <= 0 || c.Sync.PageSize > 1000 {
			errs = append(errs, fmt.Sprintf("sync: page_size must be in (0, 1000], got %d", c.Sync.PageSize))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// LogLevelSlog maps the configured level name to a slog.Level string form
// accepted by slog.Level.UnmarshalText.
func (c *Config) LogLevelSlog() string {
	return strings.ToUpper(c.LogLevel)
}
