// Package config manages persistent settings for brushmic.
// Settings are stored as JSON at os.UserConfigDir()/brushmic/config.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"brushmic/internal/hysteresis"
)

// Config holds all persistent settings.
type Config struct {
	InputDeviceID     int               `json:"input_device_id"`
	WAVPath           string            `json:"wav_path"`
	ListenAddr        string            `json:"listen_addr"`
	DBPath            string            `json:"db_path"`
	TickMs            int               `json:"tick_ms"`
	ReportIntervalSec int               `json:"report_interval_sec"`
	Profile           string            `json:"profile"`
	Detection         hysteresis.Params `json:"detection"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		InputDeviceID:     -1,
		ListenAddr:        ":8080",
		DBPath:            "brushmic.db",
		TickMs:            20,
		ReportIntervalSec: 30,
		Profile:           "default",
		Detection:         hysteresis.DefaultParams(),
	}
}

// Tick returns the update interval, at least 1 ms.
func (c Config) Tick() time.Duration {
	if c.TickMs < 1 {
		return time.Millisecond
	}
	return time.Duration(c.TickMs) * time.Millisecond
}

// ReportInterval returns the diagnostics interval; zero disables reporting.
func (c Config) ReportInterval() time.Duration {
	if c.ReportIntervalSec < 0 {
		return 0
	}
	return time.Duration(c.ReportIntervalSec) * time.Second
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "brushmic", "config.json"), nil
}

// Load reads the config file at Path. If the file is missing or unreadable,
// the default config is returned, never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	return LoadFile(path)
}

// LoadFile is Load for an explicit path.
func LoadFile(path string) Config {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	cfg.Detection = cfg.Detection.Normalize()
	return cfg
}

// Save writes cfg to Path, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveFile(path, cfg)
}

// SaveFile is Save for an explicit path.
func SaveFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
