// Package config provides configuration management for the Glasswing SDK.
// Supports TOML configuration files with sensible defaults.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// StorageConfig configures the settings store.
type StorageConfig struct {
	// Path of the SQLite settings database. Empty selects the in-memory
	// store.
	Path string `toml:"path"`
}

// EncryptionConfig configures outbound session handling.
type EncryptionConfig struct {
	// DeviceID identifies this device in encrypted event content.
	DeviceID string `toml:"device_id"`

	// RotationPeriodSeconds and RotationPeriodMessages override the
	// default session rotation thresholds for newly encrypted rooms.
	RotationPeriodSeconds  uint64 `toml:"rotation_period_seconds"`
	RotationPeriodMessages uint64 `toml:"rotation_period_messages"`

	// OnlyAllowTrustedDevices requires device trust in every room,
	// regardless of per-room settings.
	OnlyAllowTrustedDevices bool `toml:"only_allow_trusted_devices"`
}

// BackupConfig configures key backup restore.
type BackupConfig struct {
	// BatchSize bounds how many backup entries are processed per import
	// batch.
	BatchSize int `toml:"batch_size"`
}

// LoggingConfig configures the SDK logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

// Config holds all SDK configuration.
type Config struct {
	Storage    StorageConfig    `toml:"storage"`
	Encryption EncryptionConfig `toml:"encryption"`
	Backup     BackupConfig     `toml:"backup"`
	Logging    LoggingConfig    `toml:"logging"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Encryption: EncryptionConfig{
			DeviceID:               "GLASSWING",
			RotationPeriodSeconds:  7 * 24 * 3600,
			RotationPeriodMessages: 100,
		},
		Backup: BackupConfig{
			BatchSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads a TOML configuration file, applying defaults for any values
// the file omits.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistent values.
func (c Config) Validate() error {
	if c.Encryption.DeviceID == "" {
		return fmt.Errorf("%w: encryption.device_id is required", ErrInvalidConfig)
	}
	if c.Encryption.RotationPeriodSeconds == 0 {
		return fmt.Errorf("%w: encryption.rotation_period_seconds must be positive", ErrInvalidConfig)
	}
	if c.Encryption.RotationPeriodMessages == 0 {
		return fmt.Errorf("%w: encryption.rotation_period_messages must be positive", ErrInvalidConfig)
	}
	if c.Backup.BatchSize <= 0 {
		return fmt.Errorf("%w: backup.batch_size must be positive", ErrInvalidConfig)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: logging.format must be \"text\" or \"json\"", ErrInvalidConfig)
	}
	return nil
}
