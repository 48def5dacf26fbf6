// Package config resolves process configuration from the environment, an
// optional .env file and an optional YAML policy file.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"dispatchopt/internal/opt"
	"dispatchopt/internal/scheduler"
	"dispatchopt/internal/store"
)

type Config struct {
	Port             string
	DatabaseURL      string
	RedisURL         string
	PolicyFile       string
	SeedDir          string
	OptimizeSchedule string
	// OptimizeRatePerMin caps how often runs may be triggered over HTTP. 0 disables the limit.
	OptimizeRatePerMin float64
	NotifyURLs         []string
	NotifySecret       string
	NotifyMaxAttempts  int
	Location           *time.Location
	HistoryPageSize    int
	Policy             opt.Policy
}

// Load reads .env (if present), environment variables and the policy file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found (using environment variables)")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function so tests can inject values.
func FromEnv(getenv func(string) string) (Config, error) {
	get := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}

	cfg := Config{
		Port:             get("PORT", "8080"),
		DatabaseURL:      get("DATABASE_URL", ""),
		RedisURL:         get("REDIS_URL", ""),
		PolicyFile:       get("POLICY_FILE", ""),
		SeedDir:          get("SEED_DIR", ""),
		OptimizeSchedule: get("OPTIMIZE_SCHEDULE", ""),
		NotifySecret:     get("NOTIFY_SECRET", ""),
	}

	var err error
	if cfg.OptimizeRatePerMin, err = strconv.ParseFloat(get("OPTIMIZE_RATE_PER_MIN", "6"), 64); err != nil || cfg.OptimizeRatePerMin < 0 {
		return Config{}, fmt.Errorf("load config: OPTIMIZE_RATE_PER_MIN must be a non-negative number, got %q", getenv("OPTIMIZE_RATE_PER_MIN"))
	}
	if cfg.HistoryPageSize, err = strconv.Atoi(get("HISTORY_PAGE_SIZE", "100")); err != nil || cfg.HistoryPageSize <= 0 || cfg.HistoryPageSize > store.MaxLimit {
		return Config{}, fmt.Errorf("load config: HISTORY_PAGE_SIZE must be an integer in [1,%d], got %q", store.MaxLimit, getenv("HISTORY_PAGE_SIZE"))
	}
	if cfg.NotifyMaxAttempts, err = strconv.Atoi(get("NOTIFY_MAX_ATTEMPTS", "5")); err != nil || cfg.NotifyMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("load config: NOTIFY_MAX_ATTEMPTS must be a positive integer, got %q", getenv("NOTIFY_MAX_ATTEMPTS"))
	}
	for _, u := range strings.Split(get("NOTIFY_URLS", ""), ",") {
		if u = strings.TrimSpace(u); u != "" {
			cfg.NotifyURLs = append(cfg.NotifyURLs, u)
		}
	}

	if cfg.OptimizeSchedule != "" {
		if err := scheduler.Validate(cfg.OptimizeSchedule); err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	}

	tz := get("TZ_NAME", "Local")
	if cfg.Location, err = time.LoadLocation(tz); err != nil {
		return Config{}, fmt.Errorf("load config: TZ_NAME %q: %w", tz, err)
	}

	cfg.Policy = opt.DefaultPolicy()
	if cfg.PolicyFile != "" {
		if cfg.Policy, err = LoadPolicy(cfg.PolicyFile); err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	}
	return cfg, nil
}
