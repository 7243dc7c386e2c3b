// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LEXFORUM_SECURITY_JWT_SECRET", testSecret)
	t.Setenv("LEXFORUM_METERING_IN_MEMORY", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Metering.TotalLimit != 5 {
		t.Errorf("default total limit = %d, want 5", cfg.Metering.TotalLimit)
	}
	if cfg.Metering.KeyTTL != 30*24*time.Hour {
		t.Errorf("default key TTL = %v, want 720h", cfg.Metering.KeyTTL)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LEXFORUM_SECURITY_JWT_SECRET", testSecret)
	t.Setenv("LEXFORUM_METERING_IN_MEMORY", "true")
	t.Setenv("LEXFORUM_SERVER_PORT", "9090")
	t.Setenv("LEXFORUM_METERING_TOTAL_LIMIT", "10")
	t.Setenv("LEXFORUM_SECURITY_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Metering.TotalLimit != 10 {
		t.Errorf("total limit = %d, want 10", cfg.Metering.TotalLimit)
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.Security.CORSOrigins) != len(want) {
		t.Fatalf("cors origins = %v, want %v", cfg.Security.CORSOrigins, want)
	}
	for i := range want {
		if cfg.Security.CORSOrigins[i] != want[i] {
			t.Errorf("cors origin %d = %q, want %q", i, cfg.Security.CORSOrigins[i], want[i])
		}
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := strings.Join([]string{
		"server:",
		"  port: 4000",
		"metering:",
		"  in_memory: true",
		"  total_limit: 3",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONFIG_PATH", path)
	t.Setenv("LEXFORUM_SECURITY_JWT_SECRET", testSecret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("port = %d, want 4000 from file", cfg.Server.Port)
	}
	if cfg.Metering.TotalLimit != 3 {
		t.Errorf("total limit = %d, want 3 from file", cfg.Metering.TotalLimit)
	}
}

func TestEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 4000\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONFIG_PATH", path)
	t.Setenv("LEXFORUM_SECURITY_JWT_SECRET", testSecret)
	t.Setenv("LEXFORUM_METERING_IN_MEMORY", "true")
	t.Setenv("LEXFORUM_SERVER_PORT", "5000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("port = %d, env must beat file", cfg.Server.Port)
	}
}

func TestValidateRejectsShortJWTSecret(t *testing.T) {
	cfg := defaultConfig()
	cfg.Security.JWTSecret = "short"
	cfg.Metering.InMemory = true

	if err := cfg.Validate(); err == nil {
		t.Error("short JWT secret must fail validation")
	}
}

func TestValidateRejectsMissingDataDir(t *testing.T) {
	cfg := defaultConfig()
	cfg.Security.JWTSecret = testSecret
	cfg.Metering.DataDir = ""
	cfg.Metering.InMemory = false

	if err := cfg.Validate(); err == nil {
		t.Error("persistent metering without a data dir must fail validation")
	}
}

func TestValidateProductionRules(t *testing.T) {
	cfg := defaultConfig()
	cfg.Security.JWTSecret = testSecret
	cfg.Server.Environment = "production"

	// Wildcard CORS is the default; production must reject it.
	if err := cfg.Validate(); err == nil {
		t.Error("wildcard CORS must fail validation in production")
	}

	cfg.Security.CORSOrigins = []string{"https://app.example"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid production config rejected: %v", err)
	}

	cfg.Security.RateLimitDisabled = true
	if err := cfg.Validate(); err == nil {
		t.Error("disabled rate limiting must fail validation in production")
	}
}

func TestEnvTransform(t *testing.T) {
	cases := map[string]string{
		"LEXFORUM_SERVER_PORT":           "server.port",
		"LEXFORUM_SECURITY_JWT_SECRET":   "security.jwt_secret",
		"LEXFORUM_METERING_TOTAL_LIMIT":  "metering.total_limit",
		"LEXFORUM_LOGGING_LEVEL":         "logging.level",
		"LEXFORUM_SECURITY_CORS_ORIGINS": "security.cors_origins",
	}
	for in, want := range cases {
		if got := envTransformFunc(in); got != want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", in, got, want)
		}
	}
}
