package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ========================================
// App Configuration - 应用配置管理
// ========================================

// AppConfig 应用配置文件内容
type AppConfig struct {
	// 数据根目录, 空串时用 ~/.scribe
	DataDir string `json:"dataDir,omitempty"`

	// ffmpeg 路径, 空串时从 PATH 查找
	FFmpegPath  string `json:"ffmpegPath,omitempty"`
	FFprobePath string `json:"ffprobePath,omitempty"`

	// 归约默认选项
	Reduce ReduceConfig `json:"reduce"`

	// 目标兜底预测
	Prediction *PredictionConfig `json:"prediction,omitempty"`

	// 归约后处理脚本
	Plugins *PluginsConfig `json:"plugins,omitempty"`
}

// PredictionConfig 目标兜底预测的远端配置
type PredictionConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
	Model    string `json:"model,omitempty"`
}

// PluginsConfig 脚本目录配置
type PluginsConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir,omitempty"` // 空串时用 <dataDir>/plugins
}

// ConfigManager manages configuration persistence
type ConfigManager struct {
	config   *AppConfig
	configMu sync.RWMutex
	filePath string
}

// NewConfigManager creates a new config manager
func NewConfigManager(dataDir string) *ConfigManager {
	return &ConfigManager{
		filePath: filepath.Join(dataDir, "config.json"),
		config:   DefaultAppConfig(),
	}
}

// DefaultAppConfig returns the default configuration
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Reduce: ReduceConfig{
			GenerateWindowA11y:  true,
			GenerateElementA11y: true,
			Flatten:             false,
		},
		Prediction: &PredictionConfig{
			Enabled: false,
		},
		Plugins: &PluginsConfig{
			Enabled: true,
		},
	}
}

// Load loads the configuration from disk
func (m *ConfigManager) Load() error {
	m.configMu.Lock()
	defer m.configMu.Unlock()

	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.config = DefaultAppConfig()
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config AppConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	// 缺省字段补默认值
	if config.Prediction == nil {
		config.Prediction = &PredictionConfig{}
	}
	if config.Plugins == nil {
		config.Plugins = &PluginsConfig{Enabled: true}
	}
	m.config = &config
	return nil
}

// Save saves the configuration to disk
func (m *ConfigManager) Save() error {
	m.configMu.RLock()
	config := m.config
	m.configMu.RUnlock()

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(m.filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfig returns a copy of the current configuration
func (m *ConfigManager) GetConfig() *AppConfig {
	m.configMu.RLock()
	defer m.configMu.RUnlock()

	configCopy := *m.config
	return &configCopy
}

// UpdateConfig updates the configuration
func (m *ConfigManager) UpdateConfig(updater func(*AppConfig)) error {
	m.configMu.Lock()
	updater(m.config)
	m.configMu.Unlock()

	LogUserAction(ActionSettingsChange, "", nil)
	return m.Save()
}

// DefaultDataDir 默认数据目录
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".scribe"
	}
	return filepath.Join(home, ".scribe")
}
