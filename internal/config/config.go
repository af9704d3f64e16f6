// Package config loads and saves the tool-wide configuration file.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/aurorabench/celltools/internal/model"
)

// DefaultConfigDir returns the default directory for application
// configuration. On all platforms this is ~/.celltools/
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".celltools")
}

// DefaultConfigPath returns the default path for the application config file.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Save persists an AppConfig to the given path as YAML.
// It creates any missing parent directories automatically.
func Save(path string, cfg model.AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Load reads an AppConfig from the given path.
// If the file does not exist, it returns DefaultAppConfig with no error.
func Load(path string) (model.AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.DefaultAppConfig(), nil
		}
		return model.AppConfig{}, err
	}
	var cfg model.AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.AppConfig{}, err
	}
	if cfg.RackToPress == nil {
		cfg.RackToPress = model.DefaultRackToPress()
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// applyDefaults fills zero values left by partial config files.
func applyDefaults(cfg *model.AppConfig) {
	def := model.DefaultAppConfig()
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = def.DatabasePath
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = def.BackupDir
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = def.OutputDir
	}
	if cfg.ReturnStep == 0 {
		cfg.ReturnStep = def.ReturnStep
	}
	if cfg.ElectrolyteSafetyFactor == 0 {
		cfg.ElectrolyteSafetyFactor = def.ElectrolyteSafetyFactor
	}
	if cfg.RejectionCostFactor == 0 {
		cfg.RejectionCostFactor = def.RejectionCostFactor
	}
	if cfg.ExactTimeoutSeconds == 0 {
		cfg.ExactTimeoutSeconds = def.ExactTimeoutSeconds
	}
}
