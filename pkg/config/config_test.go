package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Encryption.RotationPeriodSeconds != 7*24*3600 {
		t.Errorf("rotation period = %d", cfg.Encryption.RotationPeriodSeconds)
	}
	if cfg.Encryption.RotationPeriodMessages != 100 {
		t.Errorf("rotation messages = %d", cfg.Encryption.RotationPeriodMessages)
	}
	if cfg.Backup.BatchSize != 1000 {
		t.Errorf("batch size = %d", cfg.Backup.BatchSize)
	}
	if cfg.Storage.Path != "" {
		t.Errorf("storage path = %q, want in-memory default", cfg.Storage.Path)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[storage]
path = "/var/lib/glasswing/settings.db"

[encryption]
device_id = "MYDEVICE"
rotation_period_messages = 50
only_allow_trusted_devices = true

[backup]
batch_size = 250

[logging]
level = "debug"
format = "json"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != "/var/lib/glasswing/settings.db" {
		t.Errorf("storage path = %q", cfg.Storage.Path)
	}
	if cfg.Encryption.DeviceID != "MYDEVICE" {
		t.Errorf("device id = %q", cfg.Encryption.DeviceID)
	}
	if !cfg.Encryption.OnlyAllowTrustedDevices {
		t.Error("only_allow_trusted_devices not applied")
	}
	if cfg.Encryption.RotationPeriodMessages != 50 {
		t.Errorf("rotation messages = %d", cfg.Encryption.RotationPeriodMessages)
	}
	// Values the file omits keep their defaults.
	if cfg.Encryption.RotationPeriodSeconds != 7*24*3600 {
		t.Errorf("rotation seconds = %d", cfg.Encryption.RotationPeriodSeconds)
	}
	if cfg.Backup.BatchSize != 250 {
		t.Errorf("batch size = %d", cfg.Backup.BatchSize)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "empty device id", mutate: func(c *Config) { c.Encryption.DeviceID = "" }},
		{name: "zero rotation seconds", mutate: func(c *Config) { c.Encryption.RotationPeriodSeconds = 0 }},
		{name: "zero rotation messages", mutate: func(c *Config) { c.Encryption.RotationPeriodMessages = 0 }},
		{name: "zero batch size", mutate: func(c *Config) { c.Backup.BatchSize = 0 }},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}
