package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveDataDirHonorsOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LANDROP_DATA_DIR", dir)

	got, err := ResolveDataDir()
	if err != nil {
		t.Fatalf("ResolveDataDir returned error: %v", err)
	}
	if got != dir {
		t.Fatalf("expected override %q, got %q", dir, got)
	}
}

func TestLoadOrCreateGeneratesStableIdentityOnce(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LANDROP_DATA_DIR", dir)

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate returned error: %v", err)
	}
	if cfg.StableID == "" {
		t.Fatal("first run must generate a stable identity")
	}
	if cfgPath != filepath.Join(dir, "config.json") {
		t.Fatalf("unexpected config path: %q", cfgPath)
	}

	// The identity survives reloads.
	again, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate returned error: %v", err)
	}
	if again.StableID != cfg.StableID {
		t.Fatalf("stable identity changed across reloads: %q vs %q", again.StableID, cfg.StableID)
	}
}

func TestLoadOrCreateBackfillsMissingFields(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LANDROP_DATA_DIR", dir)

	partial := `{"stableId": "keep-me", "mode": "bogus"}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(partial), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate returned error: %v", err)
	}
	if cfg.StableID != "keep-me" {
		t.Fatal("existing stable identity must not be regenerated")
	}
	if cfg.Mode != ModeRelay {
		t.Fatalf("invalid mode should fall back to relay, got %q", cfg.Mode)
	}
	if cfg.DeviceName == "" || cfg.DownloadsDir == "" || cfg.RelayURL == "" {
		t.Fatalf("defaults not backfilled: %+v", cfg)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	want := &DeviceConfig{
		StableID:      "stable-1",
		DeviceName:    "Test Device",
		Mode:          ModeLocal,
		ListeningPort: 9999,
		DownloadsDir:  "/tmp/downloads",
	}
	if err := Save(path, want); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if *got != *want {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, want)
	}
}
