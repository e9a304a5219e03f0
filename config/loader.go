// Copyright (C) 2025 partymesh
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.


package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// LoaderOptions configures the configuration loader
type LoaderOptions struct {
	// ConfigDir is the directory containing config files (default: ./config)
	ConfigDir string
	// Environment overrides automatic environment detection
	Environment string
	// SkipEnvSubstitution disables environment variable substitution
	SkipEnvSubstitution bool
	// SkipValidation disables configuration validation
	SkipValidation bool
	// EnvFile is an optional dotenv file loaded into the process
	// environment before config files are read (default: ".env", best
	// effort -- a missing file is not an error).
	EnvFile string
}

// DefaultLoaderOptions returns default loader options
func DefaultLoaderOptions() LoaderOptions {
	return LoaderOptions{
		ConfigDir:           "config",
		Environment:         "",
		SkipEnvSubstitution: false,
		SkipValidation:      false,
		EnvFile:             ".env",
	}
}

// Load loads configuration with automatic environment detection
func Load(opts ...LoaderOptions) (*Config, error) {
	options := DefaultLoaderOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	if options.EnvFile != "" {
		// best effort: a missing .env is the common case outside local dev
		_ = godotenv.Load(options.EnvFile)
	}

	// Determine environment
	env := options.Environment
	if env == "" {
		env = GetEnvironment()
	}

	// Try to load environment-specific config file
	envConfigPath := filepath.Join(options.ConfigDir, fmt.Sprintf("%s.yaml", env))
	cfg, err := loadConfigFile(envConfigPath)
	if err != nil {
		// Fall back to default config file
		defaultConfigPath := filepath.Join(options.ConfigDir, "default.yaml")
		cfg, err = loadConfigFile(defaultConfigPath)
		if err != nil {
			// Fall back to config.yaml
			configPath := filepath.Join(options.ConfigDir, "config.yaml")
			cfg, err = loadConfigFile(configPath)
			if err != nil {
				// Return empty config with defaults
				cfg = &Config{}
			}
		}
	}

	// Set environment
	if cfg.Environment == "" {
		cfg.Environment = env
	}

	// Apply defaults
	setDefaults(cfg)

	// Substitute environment variables
	if !options.SkipEnvSubstitution {
		SubstituteEnvVarsInConfig(cfg)
	}

	// Override with environment variables (highest priority)
	applyEnvironmentOverrides(cfg)

	// Validate configuration
	if !options.SkipValidation {
		errors := ValidateConfiguration(cfg)
		// Only fail on error-level validation issues
		for _, e := range errors {
			if e.Level == "error" {
				return nil, fmt.Errorf("configuration validation failed: %s - %s", e.Field, e.Message)
			}
		}
	}

	return cfg, nil
}

// loadConfigFile loads a single config file
func loadConfigFile(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}
	return LoadFromFile(path)
}

// applyEnvironmentOverrides overrides config with environment variables
func applyEnvironmentOverrides(cfg *Config) {
	// Party overrides
	if maxAge := os.Getenv("PARTYMESH_MAX_AGE"); maxAge != "" && cfg.Party != nil {
		if d, err := time.ParseDuration(maxAge); err == nil {
			cfg.Party.MaxAge = d
		}
	}
	if maxSkew := os.Getenv("PARTYMESH_MAX_SKEW"); maxSkew != "" && cfg.Party != nil {
		if d, err := time.ParseDuration(maxSkew); err == nil {
			cfg.Party.MaxSkew = d
		}
	}
	if backend := os.Getenv("PARTYMESH_STORAGE_BACKEND"); backend != "" && cfg.Party != nil {
		cfg.Party.StorageBackend = backend
	}
	if dir := os.Getenv("PARTYMESH_STORAGE_DIR"); dir != "" && cfg.Party != nil {
		cfg.Party.StorageDir = dir
	}

	// KeyStore overrides
	if ksDir := os.Getenv("PARTYMESH_KEYSTORE_DIR"); ksDir != "" && cfg.KeyStore != nil {
		cfg.KeyStore.Directory = ksDir
	}

	// Logging overrides
	if logLevel := os.Getenv("PARTYMESH_LOG_LEVEL"); logLevel != "" && cfg.Logging != nil {
		cfg.Logging.Level = logLevel
	}
	if logFormat := os.Getenv("PARTYMESH_LOG_FORMAT"); logFormat != "" && cfg.Logging != nil {
		cfg.Logging.Format = logFormat
	}

	// Metrics overrides
	if os.Getenv("PARTYMESH_METRICS_ENABLED") == "true" && cfg.Metrics != nil {
		cfg.Metrics.Enabled = true
	}
	if os.Getenv("PARTYMESH_METRICS_ENABLED") == "false" && cfg.Metrics != nil {
		cfg.Metrics.Enabled = false
	}
}

// ValidationError describes a single configuration problem found by
// ValidateConfiguration. Level is "error" (load must fail) or "warning"
// (load proceeds but the issue is worth surfacing).
type ValidationError struct {
	Field   string
	Message string
	Level   string
}

// ValidateConfiguration checks a loaded Config for internally inconsistent
// or unsafe values. It never mutates cfg.
func ValidateConfiguration(cfg *Config) []ValidationError {
	var errs []ValidationError

	if cfg.Party != nil {
		if cfg.Party.MaxAge <= 0 {
			errs = append(errs, ValidationError{Field: "party.max_age", Message: "must be positive", Level: "error"})
		}
		if cfg.Party.MaxSkew < 0 {
			errs = append(errs, ValidationError{Field: "party.max_skew", Message: "must not be negative", Level: "error"})
		}
		switch cfg.Party.StorageBackend {
		case "memory", "file":
		default:
			errs = append(errs, ValidationError{Field: "party.storage_backend", Message: "must be \"memory\" or \"file\"", Level: "error"})
		}
		if cfg.Party.StorageBackend == "file" && cfg.Party.StorageDir == "" {
			errs = append(errs, ValidationError{Field: "party.storage_dir", Message: "required when storage_backend is \"file\"", Level: "error"})
		}
	}

	if cfg.Logging != nil {
		switch cfg.Logging.Level {
		case "debug", "info", "warn", "error":
		default:
			errs = append(errs, ValidationError{Field: "logging.level", Message: "unrecognized level, defaulting behavior may differ", Level: "warning"})
		}
	}

	return errs
}

// LoadForEnvironment loads configuration for a specific environment
func LoadForEnvironment(environment string) (*Config, error) {
	return Load(LoaderOptions{
		ConfigDir:   "config",
		Environment: environment,
	})
}

// MustLoad loads configuration or panics on error
func MustLoad(opts ...LoaderOptions) *Config {
	cfg, err := Load(opts...)
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
	return cfg
}
