// Package config loads the crypto machine's configuration from a TOML
// file with environment-variable overrides, following the same
// pattern as the rest of this codebase's configuration layer.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// StoreConfig controls the crypto store backend.
type StoreConfig struct {
	Path             string `toml:"path" env:"E2EE_STORE_PATH"`
	Backend          string `toml:"backend" env:"E2EE_STORE_BACKEND"` // "sqlcipher" or "sqlite"
	PickleKeyEnv     string `toml:"pickle_key_env" env:"E2EE_PICKLE_KEY_ENV"`
	PBKDF2Iterations int    `toml:"pbkdf2_iterations" env:"E2EE_PBKDF2_ITERATIONS"`
}

// AccountConfig controls one-time and fallback key housekeeping.
type AccountConfig struct {
	OneTimeKeyTargetCount int `toml:"otk_target_count" env:"E2EE_OTK_TARGET_COUNT"`
}

// GroupConfig controls outbound Megolm session rotation policy.
type GroupConfig struct {
	RotationMaxAgeSeconds int `toml:"rotation_max_age_seconds" env:"E2EE_ROTATION_MAX_AGE_SECONDS"`
	RotationMaxMessages   int `toml:"rotation_max_messages" env:"E2EE_ROTATION_MAX_MESSAGES"`
}

// VerificationConfig controls SAS/QR verification flow defaults.
type VerificationConfig struct {
	SASTimeoutSeconds int      `toml:"sas_timeout_seconds" env:"E2EE_SAS_TIMEOUT_SECONDS"`
	AcceptMethods     []string `toml:"accept_methods"`
}

// LoggingConfig controls the ambient logging stack.
type LoggingConfig struct {
	Level  string `toml:"level" env:"E2EE_LOG_LEVEL"`
	Format string `toml:"format" env:"E2EE_LOG_FORMAT"`
	Output string `toml:"output" env:"E2EE_LOG_OUTPUT"`
}

// Config holds all crypto machine configuration.
type Config struct {
	Store        StoreConfig         `toml:"store"`
	Account      AccountConfig       `toml:"account"`
	Group        GroupConfig         `toml:"group"`
	Verification VerificationConfig  `toml:"verification"`
	Logging      LoggingConfig       `toml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path:             "./e2ee-store.db",
			Backend:          "sqlcipher",
			PickleKeyEnv:     "E2EE_PICKLE_PASSPHRASE",
			PBKDF2Iterations: 100_000,
		},
		Account: AccountConfig{
			OneTimeKeyTargetCount: 50,
		},
		Group: GroupConfig{
			RotationMaxAgeSeconds: 7 * 24 * 3600,
			RotationMaxMessages:   100,
		},
		Verification: VerificationConfig{
			SASTimeoutSeconds: 600,
			AcceptMethods:     []string{"m.sas.v1", "m.qr_code.scan.v1", "m.qr_code.show.v1"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads a TOML config file and overlays environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("E2EE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("E2EE_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("E2EE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("E2EE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("E2EE_PICKLE_KEY_ENV"); v != "" {
		cfg.Store.PickleKeyEnv = v
	}
	if v := os.Getenv("E2EE_LOG_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("%w: store.path is required", ErrInvalidConfig)
	}

	switch c.Store.Backend {
	case "sqlcipher", "sqlite":
	default:
		return fmt.Errorf("%w: store.backend must be sqlcipher or sqlite", ErrInvalidConfig)
	}

	if c.Store.PBKDF2Iterations < 100_000 {
		return fmt.Errorf("%w: store.pbkdf2_iterations must be at least 100000", ErrInvalidConfig)
	}

	if c.Account.OneTimeKeyTargetCount <= 0 {
		return fmt.Errorf("%w: account.otk_target_count must be positive", ErrInvalidConfig)
	}

	if c.Group.RotationMaxAgeSeconds <= 0 || c.Group.RotationMaxMessages <= 0 {
		return fmt.Errorf("%w: group rotation thresholds must be positive", ErrInvalidConfig)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("%w: logging.level must be one of: debug, info, warn, error", ErrInvalidConfig)
	}

	return nil
}
