package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path (skipped when path is empty
// or the file does not exist), merges it on top of the built-in defaults,
// applies ENDPOINT_* environment variable overrides, and returns the final
// Config. The returned Config has NOT been validated; the caller should
// invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, err
			}
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ENDPOINT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Server.Addr, "ENDPOINT_SERVER_ADDR")
	setDuration(&cfg.Server.ReadTimeout, "ENDPOINT_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "ENDPOINT_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "ENDPOINT_SERVER_SHUTDOWN_TIMEOUT")

	setStr(&cfg.Database.DSN, "ENDPOINT_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setInt(&cfg.Database.PoolMaxConns, "ENDPOINT_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "ENDPOINT_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "ENDPOINT_DATABASE_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "ENDPOINT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ENDPOINT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ENDPOINT_REDIS_DB")
	setDuration(&cfg.Redis.TTL, "ENDPOINT_REDIS_TTL")

	setBool(&cfg.Sync.Enabled, "ENDPOINT_SYNC_ENABLED")
	setDuration(&cfg.Sync.Interval, "ENDPOINT_SYNC_INTERVAL")
	setStr(&cfg.Sync.ClinicalTrialsHost, "ENDPOINT_SYNC_CLINICALTRIALS_HOST")
	setStr(&cfg.Sync.OpenFDAHost, "ENDPOINT_SYNC_OPENFDA_HOST")
	setStr(&cfg.Sync.Condition, "ENDPOINT_SYNC_CONDITION")
	setStringSlice(&cfg.Sync.Phases, "ENDPOINT_SYNC_PHASES")
	setInt(&cfg.Sync.PageSize, "ENDPOINT_SYNC_PAGE_SIZE")
	setInt(&cfg.Sync.MaxMarketsPerSync, "ENDPOINT_SYNC_MAX_MARKETS_PER_SYNC")
	setDuration(&cfg.Sync.RequestTimeout, "ENDPOINT_SYNC_REQUEST_TIMEOUT")

	setStr(&cfg.Admin.Token, "ENDPOINT_ADMIN_TOKEN")

	setStr(&cfg.LogLevel, "ENDPOINT_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
