// Package config provides configuration management for the sync client:
// a process-wide settings file plus a multi-mount drives registry.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// ProcessConfig holds daemon-wide settings that apply across every
// mount unless a MountConfig overrides them. Generalized from the
// teacher's single-share Config, which mixed process and share settings
// into one struct.
type ProcessConfig struct {
	DebugLogging       bool `json:"debug_logging"`
	MaxConcurrent      int  `json:"max_concurrent"`
	BandwidthLimitKBps int  `json:"bandwidth_limit_kbps"`
	PollIntervalSecs   int  `json:"poll_interval_secs"`
	RetryAttempts      int  `json:"retry_attempts"`
	RetryDelaySecs     int  `json:"retry_delay_secs"`

	// DefaultExcludePatterns seeds a newly added mount's ExcludePatterns.
	DefaultExcludePatterns []string `json:"default_exclude_patterns"`

	configPath string
	mu         sync.RWMutex
}

// DefaultProcessConfig returns a configuration with sensible defaults.
func DefaultProcessConfig() *ProcessConfig {
	return &ProcessConfig{
		MaxConcurrent:      4,
		PollIntervalSecs:   30,
		RetryAttempts:      3,
		RetryDelaySecs:     5,
		BandwidthLimitKBps: 0, // Unlimited
		DefaultExcludePatterns: []string{
			"*.tmp",
			"*.temp",
			"~$*",
			".DS_Store",
			"Thumbs.db",
			"desktop.ini",
			".git/**",
			".svn/**",
			"node_modules/**",
			"__pycache__/**",
			"*.pyc",
			".sync_*",
		},
	}
}

// GetConfigDir returns the platform-specific configuration directory.
func GetConfigDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		baseDir = os.Getenv("XDG_CONFIG_HOME")
		if baseDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(home, ".config")
		}
	}

	configDir := filepath.Join(baseDir, "NithronSync")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// GetDataDir returns the platform-specific data directory.
func GetDataDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("LOCALAPPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		baseDir = os.Getenv("XDG_DATA_HOME")
		if baseDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(home, ".local", "share")
		}
	}

	dataDir := filepath.Join(baseDir, "NithronSync")
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// GetLogDir returns the platform-specific log directory.
func GetLogDir() (string, error) {
	var logDir string

	switch runtime.GOOS {
	case "windows":
		baseDir := os.Getenv("LOCALAPPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		logDir = filepath.Join(baseDir, "NithronSync", "logs")
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		logDir = filepath.Join(home, "Library", "Logs", "NithronSync")
	default: // Linux and others
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		logDir = filepath.Join(home, ".local", "share", "nithron-sync", "logs")
	}

	if err := os.MkdirAll(logDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}

	return logDir, nil
}

// GetDefaultSyncFolder returns the default parent directory new mounts
// are created under.
func GetDefaultSyncFolder() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "NithronSync"), nil
}

// LoadProcess loads the process-wide configuration from the default
// location.
func LoadProcess() (*ProcessConfig, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}
	return LoadProcessFrom(filepath.Join(configDir, "config.json"))
}

// LoadProcessFrom loads the process-wide configuration from a specific
// file.
func LoadProcessFrom(path string) (*ProcessConfig, error) {
	cfg := DefaultProcessConfig()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save persists the process-wide configuration to disk.
func (c *ProcessConfig) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.configPath == "" {
		configDir, err := GetConfigDir()
		if err != nil {
			return err
		}
		c.configPath = filepath.Join(configDir, "config.json")
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(c.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Update mutates the config under lock and saves it.
func (c *ProcessConfig) Update(fn func(*ProcessConfig)) error {
	c.mu.Lock()
	fn(c)
	c.mu.Unlock()
	return c.Save()
}
