package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultAppConfig(t *testing.T) {
	cfg := DefaultAppConfig()

	if !cfg.Reduce.GenerateWindowA11y || !cfg.Reduce.GenerateElementA11y {
		t.Errorf("A11y matching should default on: %+v", cfg.Reduce)
	}
	if cfg.Reduce.Flatten {
		t.Error("Flatten should default off")
	}
	if cfg.Prediction == nil || cfg.Prediction.Enabled {
		t.Errorf("Prediction should default off: %+v", cfg.Prediction)
	}
	if cfg.Plugins == nil || !cfg.Plugins.Enabled {
		t.Errorf("Plugins should default on: %+v", cfg.Plugins)
	}
}

func TestConfigLoadMissingFile(t *testing.T) {
	m := NewConfigManager(t.TempDir())
	if err := m.Load(); err != nil {
		t.Fatalf("Load of missing file should fall back to defaults: %v", err)
	}
	if !m.GetConfig().Plugins.Enabled {
		t.Error("Defaults not applied")
	}
}

func TestConfigSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	m := NewConfigManager(dir)
	err := m.UpdateConfig(func(cfg *AppConfig) {
		cfg.FFmpegPath = "/opt/ffmpeg"
		cfg.Reduce.Flatten = true
		cfg.Prediction = &PredictionConfig{Enabled: true, Endpoint: "http://localhost:9000", Model: "vision-1"}
	})
	if err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}

	fresh := NewConfigManager(dir)
	if err := fresh.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg := fresh.GetConfig()
	if cfg.FFmpegPath != "/opt/ffmpeg" {
		t.Errorf("FFmpegPath not persisted: %q", cfg.FFmpegPath)
	}
	if !cfg.Reduce.Flatten {
		t.Error("Reduce options not persisted")
	}
	if cfg.Prediction == nil || !cfg.Prediction.Enabled || cfg.Prediction.Model != "vision-1" {
		t.Errorf("Prediction not persisted: %+v", cfg.Prediction)
	}
}

func TestConfigLoadBackfillsSections(t *testing.T) {
	dir := t.TempDir()
	// 老版本配置可能缺少后加的段
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"dataDir": "/tmp/x"}`), 0644); err != nil {
		t.Fatalf("Cannot write config: %v", err)
	}

	m := NewConfigManager(dir)
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg := m.GetConfig()
	if cfg.Prediction == nil {
		t.Error("Prediction section should be backfilled")
	}
	if cfg.Plugins == nil || !cfg.Plugins.Enabled {
		t.Errorf("Plugins section should be backfilled enabled: %+v", cfg.Plugins)
	}
	if cfg.DataDir != "/tmp/x" {
		t.Errorf("Explicit fields should survive: %q", cfg.DataDir)
	}
}

func TestConfigLoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{nope"), 0644); err != nil {
		t.Fatalf("Cannot write config: %v", err)
	}
	m := NewConfigManager(dir)
	if err := m.Load(); err == nil {
		t.Error("Expected error for invalid config file")
	}
}
