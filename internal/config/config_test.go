package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"brushmic/internal/config"
	"brushmic/internal/hysteresis"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if cfg.InputDeviceID != -1 {
		t.Errorf("expected default device -1, got %d", cfg.InputDeviceID)
	}
	if cfg.ListenAddr == "" || cfg.DBPath == "" {
		t.Error("expected listen address and db path defaults")
	}
	if cfg.Tick() != 20*time.Millisecond {
		t.Errorf("tick: got %v", cfg.Tick())
	}
	if cfg.Detection != hysteresis.DefaultParams() {
		t.Errorf("detection defaults: got %+v", cfg.Detection)
	}
	if cfg.Profile != "default" {
		t.Errorf("profile: got %q", cfg.Profile)
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg := config.Default()
	cfg.InputDeviceID = 3
	cfg.WAVPath = "/tmp/brush.wav"
	cfg.ListenAddr = "127.0.0.1:9000"
	cfg.TickMs = 10
	cfg.Profile = "kids"
	cfg.Detection = hysteresis.Params{RatioOn: 2.2, RatioHold: 1.6, TonalityOn: 0.6, TonalityHold: 0.5, DebounceFrames: 8}

	if err := config.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := config.Load()
	if loaded != cfg {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", loaded, cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if cfg := config.Load(); cfg != config.Default() {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path := filepath.Join(dir, "brushmic", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json {{{"), 0o600); err != nil {
		t.Fatal(err)
	}

	if cfg := config.Load(); cfg != config.Default() {
		t.Errorf("expected defaults on corrupt file, got %+v", cfg)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.json")
	if err := os.WriteFile(path, []byte(`{"tick_ms": 40, "detection": {"ratio_on": 2.5}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := config.LoadFile(path)
	if cfg.TickMs != 40 {
		t.Errorf("tick_ms: got %d", cfg.TickMs)
	}
	if cfg.Detection.RatioOn != 2.5 {
		t.Errorf("ratio_on: got %v", cfg.Detection.RatioOn)
	}
	if cfg.Detection.RatioHold != hysteresis.DefaultRatioHold {
		t.Errorf("unset ratio_hold should keep default, got %v", cfg.Detection.RatioHold)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("unset listen_addr should keep default, got %q", cfg.ListenAddr)
	}
}

func TestLoadNormalizesDebounce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	if err := os.WriteFile(path, []byte(`{"detection": {"debounce_frames": 0}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := config.LoadFile(path).Detection.DebounceFrames; got != 1 {
		t.Errorf("debounce: got %d, want 1", got)
	}
}

func TestSaveCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if err := config.Save(config.Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(dir, "brushmic", "config.json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}

func TestIntervals(t *testing.T) {
	cfg := config.Config{TickMs: 0, ReportIntervalSec: -5}
	if cfg.Tick() != time.Millisecond {
		t.Errorf("tick floor: got %v", cfg.Tick())
	}
	if cfg.ReportInterval() != 0 {
		t.Errorf("negative report interval should disable, got %v", cfg.ReportInterval())
	}
}
