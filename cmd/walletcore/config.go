package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the device bring-up configuration: where the flash
// simulation is sized, where snapshots go, and where the
// device's manufacturing-time hardware secret can be read from. None
// of these are cryptographic material themselves (the hardware secret
// is read from the path named here, never embedded in the file).
type Config struct {
	// Flash configures the in-memory norcow simulation.
	Flash FlashConfig `yaml:"flash"`

	// Backup configures the optional SQLite snapshot history.
	Backup BackupConfig `yaml:"backup"`

	// HardwareSecretFile points at the manufacturing-time secret this
	// device mixes into every PIN-derived key. In production this
	// would be read from a secure element; here it is a file path so
	// the binary can be exercised without one.
	HardwareSecretFile string `yaml:"hardware_secret_file"`

	// AuditLogPath receives structured lifecycle and fault events.
	// Empty means stderr.
	AuditLogPath string `yaml:"audit_log_path"`
}

// FlashConfig sizes the norcow simulation.
type FlashConfig struct {
	SectorSizeBytes int `yaml:"sector_size_bytes"`
}

// BackupConfig locates the snapshot history database.
type BackupConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// DefaultConfig returns the configuration used when no file is present,
// suitable for local exercise of the CLI without any setup.
func DefaultConfig() *Config {
	return &Config{
		Flash: FlashConfig{SectorSizeBytes: 16 * 1024},
		Backup: BackupConfig{
			Enabled: false,
			DBPath:  "walletcore-snapshots.db",
		},
		HardwareSecretFile: "",
		AuditLogPath:       "",
	}
}

// LoadConfig reads path as YAML, falling back to DefaultConfig if the
// file does not exist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if cfg.Flash.SectorSizeBytes == 0 {
		cfg.Flash.SectorSizeBytes = 16 * 1024
	}
	return cfg, nil
}
