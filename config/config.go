// Package config holds persistent local-device settings and the stable
// identity provider. The stable identity is generated once per installation
// and survives reconnects; the transient connection handle does not.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "landrop"
	// ModeRelay discovers devices through a shared signaling endpoint that
	// also forwards transfer payloads.
	ModeRelay = "relay"
	// ModeLocal discovers devices over the subnet and transfers directly.
	ModeLocal = "local"
	// DefaultRelayURL is the signaling endpoint used when none is configured.
	DefaultRelayURL = "ws://127.0.0.1:8787/ws"

	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings. StableID is the
// opaque persisted identity; it never changes once written.
type DeviceConfig struct {
	StableID      string `json:"stableId"`
	DeviceName    string `json:"deviceName"`
	Mode          string `json:"mode"`
	RelayURL      string `json:"relayUrl"`
	ListeningPort int    `json:"listeningPort"`
	DownloadsDir  string `json:"downloadsDir"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("LANDROP_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, generating the
// stable identity on first run, and returns the config plus its path.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create data directory %q: %w", dataDir, err)
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	deviceName := "LanDrop Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}

	return &DeviceConfig{
		StableID:      uuid.NewString(),
		DeviceName:    deviceName,
		Mode:          ModeRelay,
		RelayURL:      DefaultRelayURL,
		ListeningPort: 0,
		DownloadsDir:  filepath.Join(dataDir, "downloads"),
	}
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.StableID == "" {
		cfg.StableID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		deviceName := "LanDrop Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	if cfg.Mode != ModeRelay && cfg.Mode != ModeLocal {
		cfg.Mode = ModeRelay
		updated = true
	}

	if cfg.Mode == ModeRelay && cfg.RelayURL == "" {
		cfg.RelayURL = DefaultRelayURL
		updated = true
	}

	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = filepath.Join(dataDir, "downloads")
		updated = true
	}

	return updated
}
