package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"btaudiobridge/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if cfg.Interface != "hci0" {
		t.Errorf("expected interface 'hci0', got %q", cfg.Interface)
	}
	if cfg.PipeCapacityBytes != 2048 {
		t.Errorf("expected pipe capacity 2048, got %d", cfg.PipeCapacityBytes)
	}
	if cfg.DefaultProfile != "a2dp" {
		t.Errorf("expected default profile 'a2dp', got %q", cfg.DefaultProfile)
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg := config.Config{
		Interface:         "hci1",
		DaemonSocket:      "/tmp/bluealsa/hci1",
		PipeCapacityBytes: 4096,
		DefaultProfile:    "sco",
	}

	if err := config.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := config.Load()
	if loaded.Interface != cfg.Interface {
		t.Errorf("interface: want %q got %q", cfg.Interface, loaded.Interface)
	}
	if loaded.DaemonSocket != cfg.DaemonSocket {
		t.Errorf("daemon socket: want %q got %q", cfg.DaemonSocket, loaded.DaemonSocket)
	}
	if loaded.PipeCapacityBytes != cfg.PipeCapacityBytes {
		t.Errorf("pipe capacity: want %d got %d", cfg.PipeCapacityBytes, loaded.PipeCapacityBytes)
	}
	if loaded.DefaultProfile != cfg.DefaultProfile {
		t.Errorf("default profile: want %q got %q", cfg.DefaultProfile, loaded.DefaultProfile)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := config.Load()
	if cfg.Interface == "" {
		t.Error("expected non-empty interface from defaults")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path := filepath.Join(dir, "btaudiobridge", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json {{{"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Load()
	if cfg.Interface != "hci0" {
		t.Errorf("expected default interface on corrupt file, got %q", cfg.Interface)
	}
}

func TestSaveCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if err := config.Save(config.Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(dir, "btaudiobridge", "config.json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}
