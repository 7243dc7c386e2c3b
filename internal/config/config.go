// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

// Package config loads layered configuration: struct defaults, then an
// optional YAML file, then environment variables. ENV > file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the server.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Security SecurityConfig `koanf:"security"`
	Metering MeteringConfig `koanf:"metering"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host        string        `koanf:"host" validate:"required"`
	Port        int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout     time.Duration `koanf:"timeout"`
	Environment string        `koanf:"environment" validate:"oneof=development production"`
}

// SecurityConfig holds authentication and rate limiting settings.
type SecurityConfig struct {
	// JWTSecret signs and verifies session tokens. Minimum 32 characters;
	// there is no development fallback.
	JWTSecret string `koanf:"jwt_secret" validate:"required,min=32"`

	SessionTimeout time.Duration `koanf:"session_timeout"`

	CORSOrigins []string `koanf:"cors_origins"`

	// RateLimitReqs requests per RateLimitWindow per client IP.
	RateLimitReqs     int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// MeteringConfig holds usage key settings.
type MeteringConfig struct {
	// TotalLimit is the call budget for newly provisioned keys.
	TotalLimit int `koanf:"total_limit" validate:"min=1"`

	// KeyTTL is how long a new key is valid from creation.
	KeyTTL time.Duration `koanf:"key_ttl"`

	// DataDir is the BadgerDB directory for key persistence. Ignored
	// when InMemory is set.
	DataDir string `koanf:"data_dir"`

	// InMemory disables persistence; quota resets on restart.
	InMemory bool `koanf:"in_memory"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// Validate checks the configuration for internal consistency. Struct
// tags cover the per-field rules; cross-field rules live here.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive")
	}
	if c.Security.SessionTimeout <= 0 {
		return fmt.Errorf("security.session_timeout must be positive")
	}
	if c.Metering.KeyTTL <= 0 {
		return fmt.Errorf("metering.key_ttl must be positive")
	}
	if !c.Security.RateLimitDisabled && c.Security.RateLimitWindow <= 0 {
		return fmt.Errorf("security.rate_limit_window must be positive")
	}

	if !c.Metering.InMemory && c.Metering.DataDir == "" {
		return fmt.Errorf("metering.data_dir is required unless metering.in_memory is set")
	}

	if c.Server.Environment == "production" {
		for _, origin := range c.Security.CORSOrigins {
			if origin == "*" {
				return fmt.Errorf("security.cors_origins must not contain %q in production", "*")
			}
		}
		if c.Security.RateLimitDisabled {
			return fmt.Errorf("security.rate_limit_disabled must not be set in production")
		}
	}

	return nil
}
