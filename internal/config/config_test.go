package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"dispatchopt/internal/model"
	"dispatchopt/internal/opt"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(envMap(nil))
	if err != nil { t.Fatalf("FromEnv: %v", err) }
	if cfg.Port != "8080" || cfg.DatabaseURL != "" || cfg.OptimizeRatePerMin != 6 || cfg.HistoryPageSize != 100 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Policy.DefaultMaxHours != 12 || !cfg.Policy.ReassignAll { t.Fatalf("unexpected policy: %+v", cfg.Policy) }
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"PORT":                  "9090",
		"NOTIFY_URLS":           " http://a.example/hook , ,http://b.example/hook",
		"OPTIMIZE_RATE_PER_MIN": "0",
		"TZ_NAME":               "UTC",
	}))
	if err != nil { t.Fatalf("FromEnv: %v", err) }
	if cfg.Port != "9090" || len(cfg.NotifyURLs) != 2 || cfg.NotifyURLs[1] != "http://b.example/hook" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Location.String() != "UTC" { t.Fatalf("location: %v", cfg.Location) }
}

func TestFromEnvRejectsBadNumbers(t *testing.T) {
	if _, err := FromEnv(envMap(map[string]string{"HISTORY_PAGE_SIZE": "zero"})); err == nil {
		t.Fatal("expected error for bad HISTORY_PAGE_SIZE")
	}
	if _, err := FromEnv(envMap(map[string]string{"HISTORY_PAGE_SIZE": "2000"})); err == nil {
		t.Fatal("expected error for HISTORY_PAGE_SIZE above the list cap")
	}
	if _, err := FromEnv(envMap(map[string]string{"OPTIMIZE_RATE_PER_MIN": "-1"})); err == nil {
		t.Fatal("expected error for negative rate")
	}
	if _, err := FromEnv(envMap(map[string]string{"OPTIMIZE_SCHEDULE": "every hour"})); err == nil {
		t.Fatal("expected error for bad OPTIMIZE_SCHEDULE")
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := []byte(`
default_max_hours_per_driver_per_day: 9.5
reassign_all: false
traffic_multipliers:
  high: 2.0
fuel:
  rate_per_km: 6
penalty:
  per_minute: 1.5
`)
	if err := os.WriteFile(path, body, 0o600); err != nil { t.Fatal(err) }

	p, err := LoadPolicy(path)
	if err != nil { t.Fatalf("LoadPolicy: %v", err) }
	if p.DefaultMaxHours != 9.5 || p.ReassignAll { t.Fatalf("unexpected policy: %+v", p) }
	if p.TrafficMultipliers[model.TrafficHigh] != 2.0 || p.TrafficMultipliers[model.TrafficLow] != 1.0 {
		t.Fatalf("multipliers should merge with defaults: %v", p.TrafficMultipliers)
	}
	if p.Fuel.RatePerKm != 6 || p.Fuel.HighTrafficSurchargePerKm != 2 { t.Fatalf("fuel: %+v", p.Fuel) }
	if p.Penalty.PerMinute != 1.5 || p.Penalty.Flat != 50 { t.Fatalf("penalty: %+v", p.Penalty) }
}

func TestParsePolicyRejectsUnknownAndInvalid(t *testing.T) {
	if _, err := ParsePolicy([]byte("fuel_rate: 3\n")); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
	_, err := ParsePolicy([]byte("traffic_multipliers:\n  medium: 0.5\n"))
	if !errors.Is(err, opt.ErrConfiguration) { t.Fatalf("expected configuration error, got %v", err) }
	if p, err := ParsePolicy(nil); err != nil || p.RoundingDecimals != 2 { t.Fatalf("empty policy: %+v %v", p, err) }
}
