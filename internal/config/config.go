// Package config manages persistent settings for the bridge: the
// controller interface to watch, the daemon socket path, a pipe capacity
// clamp value (for pcm.WithPipeCapacity) and the default profile. It only
// stores and loads them; callers apply them.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all persistent settings.
type Config struct {
	Interface         string `json:"interface"`
	DaemonSocket      string `json:"daemon_socket"`
	PipeCapacityBytes int    `json:"pipe_capacity_bytes"`
	DefaultProfile    string `json:"default_profile"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Interface:         "hci0",
		DaemonSocket:      "/var/run/bluealsa/hci0",
		PipeCapacityBytes: 2048,
		DefaultProfile:    "a2dp",
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "btaudiobridge", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned, never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
