package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MountConfig is one mount's persisted configuration: its remote
// credential, its local/remote roots, and its per-mount overrides of
// the process defaults.
type MountConfig struct {
	ID          string `json:"id"`
	ServerURL   string `json:"server_url"`
	DeviceID    string `json:"device_id"`
	DeviceToken string `json:"device_token"`
	AccessToken string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`

	LocalRoot       string   `json:"local_root"`
	RemoteRoot      string   `json:"remote_root"`
	ExcludePatterns []string `json:"exclude_patterns"`
	ConflictPolicy  string   `json:"conflict_policy"` // "keep_local", "keep_remote", "keep_both"
	Enabled         bool     `json:"enabled"`

	drives *DrivesFile
}

// DrivesFile is the persisted multi-mount registry, one entry per
// mount, saved as drives.json alongside config.json.
type DrivesFile struct {
	mu     sync.RWMutex
	path   string
	Drives []*MountConfig `json:"drives"`
}

// LoadDrives loads the drives registry from the default location.
func LoadDrives() (*DrivesFile, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}
	return LoadDrivesFrom(filepath.Join(configDir, "drives.json"))
}

// LoadDrivesFrom loads the drives registry from a specific file.
func LoadDrivesFrom(path string) (*DrivesFile, error) {
	df := &DrivesFile{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return df, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read drives file: %w", err)
	}
	if err := json.Unmarshal(data, df); err != nil {
		return nil, fmt.Errorf("failed to parse drives file: %w", err)
	}
	for _, d := range df.Drives {
		d.drives = df
	}
	return df, nil
}

// Save persists the drives registry to disk.
func (df *DrivesFile) Save() error {
	df.mu.RLock()
	defer df.mu.RUnlock()

	path := df.path
	if path == "" {
		configDir, err := GetConfigDir()
		if err != nil {
			return err
		}
		path = filepath.Join(configDir, "drives.json")
	}

	data, err := json.MarshalIndent(df, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal drives file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write drives file: %w", err)
	}
	return nil
}

// All returns a snapshot of every configured mount.
func (df *DrivesFile) All() []*MountConfig {
	df.mu.RLock()
	defer df.mu.RUnlock()
	out := make([]*MountConfig, len(df.Drives))
	copy(out, df.Drives)
	return out
}

// Add appends cfg to the registry and persists it.
func (df *DrivesFile) Add(cfg *MountConfig) error {
	df.mu.Lock()
	cfg.drives = df
	df.Drives = append(df.Drives, cfg)
	df.mu.Unlock()
	return df.Save()
}

// Remove deletes the mount with id from the registry and persists it.
func (df *DrivesFile) Remove(id string) error {
	df.mu.Lock()
	for i, d := range df.Drives {
		if d.ID == id {
			df.Drives = append(df.Drives[:i], df.Drives[i+1:]...)
			break
		}
	}
	df.mu.Unlock()
	return df.Save()
}

// setTokens updates one mount's tokens in place and persists the whole
// registry, satisfying api.Config.SetTokens for that mount.
func (df *DrivesFile) setTokens(id, access, refresh string) error {
	df.mu.Lock()
	for _, d := range df.Drives {
		if d.ID == id {
			d.AccessToken = access
			d.RefreshToken = refresh
			break
		}
	}
	df.mu.Unlock()
	return df.Save()
}

// APIConfig adapts a MountConfig to api.Config's method set, persisting
// a refreshed token pair back through the owning DrivesFile.
type APIConfig struct {
	cfg *MountConfig
}

// AsAPIConfig wraps m for use as an api.Config.
func (m *MountConfig) AsAPIConfig() *APIConfig { return &APIConfig{cfg: m} }

func (a *APIConfig) ServerURL() string    { return a.cfg.ServerURL }
func (a *APIConfig) AccessToken() string  { return a.cfg.AccessToken }
func (a *APIConfig) RefreshToken() string { return a.cfg.RefreshToken }
func (a *APIConfig) DeviceID() string     { return a.cfg.DeviceID }
func (a *APIConfig) SetTokens(access, refresh string) error {
	if a.cfg.drives == nil {
		a.cfg.AccessToken, a.cfg.RefreshToken = access, refresh
		return nil
	}
	a.cfg.AccessToken, a.cfg.RefreshToken = access, refresh
	return a.cfg.drives.setTokens(a.cfg.ID, access, refresh)
}
