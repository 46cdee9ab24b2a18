package config

import (
	"os"
	"path/filepath"
	"testing"
)

// unsetEnv clears a variable for the test while restoring the original
// value afterwards.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	_ = os.Unsetenv(key)
}

func TestLoadDefaults(t *testing.T) {
	unsetEnv(t, "CONFIG_FILE")
	unsetEnv(t, "PORT")
	unsetEnv(t, "LOG_DB_PATH")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9000" {
		t.Fatalf("expected default port 9000, got %s", cfg.Port)
	}
	if cfg.RateLimitSeconds != 10 {
		t.Fatalf("expected default rate limit 10, got %d", cfg.RateLimitSeconds)
	}
	if cfg.OCPPVersion != "1.6" {
		t.Fatalf("expected default version 1.6, got %s", cfg.OCPPVersion)
	}
	if cfg.LogDBPath != "usage_log.db" {
		t.Fatalf("expected default db path, got %s", cfg.LogDBPath)
	}
	if !cfg.SharedChargingAllowed() || !cfg.AutoDetect() {
		t.Fatalf("boolean defaults should be true")
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	yaml := `
port: "8000"
allow_shared_charging: false
preferred_provider: P
rate_limit_seconds: 5
ocpp_version: "2.0.1"
presence_sensor: person.owner
allowed_providers:
  - P
  - A
ocpp_services:
  - id: svc1
    url: wss://csms.example.com/ocpp
    version: "1.6"
    auth_type: token
    token: abc
  - id: svc2
    url: wss://other.example.com/ocpp
    enabled: false
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "9100")
	unsetEnv(t, "LOG_DB_PATH")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9100" {
		t.Fatalf("env should override yaml port, got %s", cfg.Port)
	}
	if cfg.SharedChargingAllowed() {
		t.Fatalf("allow_shared_charging false not honored")
	}
	if cfg.PreferredProvider != "P" || cfg.RateLimitSeconds != 5 || cfg.OCPPVersion != "2.0.1" {
		t.Fatalf("yaml values lost: %+v", cfg)
	}
	if len(cfg.AllowedProviders) != 2 {
		t.Fatalf("allowed providers lost: %v", cfg.AllowedProviders)
	}
	if len(cfg.OCPPServices) != 2 {
		t.Fatalf("expected 2 services, got %d", len(cfg.OCPPServices))
	}
	if !cfg.OCPPServices[0].IsEnabled() || cfg.OCPPServices[1].IsEnabled() {
		t.Fatalf("enabled flags wrong")
	}
	if cfg.OCPPServices[0].AuthType != AuthToken || cfg.OCPPServices[0].Token != "abc" {
		t.Fatalf("service auth lost: %+v", cfg.OCPPServices[0])
	}
}

func TestLoadRejectsBadVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(`ocpp_version: "3.0"`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	unsetEnv(t, "PORT")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unsupported version")
	}
}

func TestLoadRejectsDuplicateServiceIDs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	yaml := `
ocpp_services:
  - id: svc1
    url: wss://a.example.com
  - id: svc1
    url: wss://b.example.com
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	unsetEnv(t, "PORT")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for duplicate service ids")
	}
}

func TestHTTPAddress(t *testing.T) {
	cfg := &Config{Port: "9000"}
	if cfg.HTTPAddress() != ":9000" {
		t.Fatalf("unexpected address %s", cfg.HTTPAddress())
	}
	cfg.Port = ":7000"
	if cfg.HTTPAddress() != ":7000" {
		t.Fatalf("unexpected address %s", cfg.HTTPAddress())
	}
	cfg.Port = ""
	if cfg.HTTPAddress() != ":9000" {
		t.Fatalf("unexpected fallback %s", cfg.HTTPAddress())
	}
}
