package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.PortMode != PortModeAutomatic {
		t.Fatalf("expected default port mode %q, got %q", PortModeAutomatic, firstCfg.PortMode)
	}
	if firstCfg.ListeningPort != 0 {
		t.Fatalf("expected automatic mode listening port 0, got %d", firstCfg.ListeningPort)
	}
	if uint64(firstCfg.ColorARGB)>>24 != 0xFF {
		t.Fatalf("expected an opaque colour, got %#x", firstCfg.ColorARGB)
	}
	if firstCfg.HistoryWindow != DefaultHistoryWindow || firstCfg.ConnectTimeout() != 20*time.Second {
		t.Fatalf("unexpected defaults: %+v", firstCfg)
	}
	if !firstCfg.DiscoveryEnabled {
		t.Fatalf("expected discovery to be enabled by default")
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.ColorARGB != firstCfg.ColorARGB {
		t.Fatalf("expected stable colour, got %#x then %#x", firstCfg.ColorARGB, secondCfg.ColorARGB)
	}
	if secondCfg.PortMode != firstCfg.PortMode {
		t.Fatalf("expected stable port mode, got %q then %q", firstCfg.PortMode, secondCfg.PortMode)
	}
}

func TestLoadOrCreateNormalizesLegacyPortModeFromExistingPort(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	legacy := []byte(`{"device_id":"legacy-device","device_name":"Legacy","listening_port":9999}`)
	if err := os.WriteFile(cfgPath, legacy, 0o600); err != nil {
		t.Fatalf("write legacy config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.PortMode != PortModeFixed {
		t.Fatalf("expected legacy config to normalize to fixed mode, got %q", cfg.PortMode)
	}
	if cfg.ListeningPort != 9999 {
		t.Fatalf("expected legacy fixed listening port to be retained, got %d", cfg.ListeningPort)
	}
	if cfg.ListenAddress() != ":9999" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress())
	}
	if cfg.HistoryWindow != DefaultHistoryWindow || cfg.ConnectTimeoutSeconds != DefaultConnectTimeoutSeconds {
		t.Fatalf("expected missing limits to be filled in, got %+v", cfg)
	}
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := defaultConfig()
	cfg.PortMode = "sometimes"
	if err := Save(path, cfg); err == nil {
		t.Fatalf("expected invalid port mode to be rejected")
	}

	cfg = defaultConfig()
	cfg.StaticPeers = map[string]string{"peer": "not an address"}
	if err := Save(path, cfg); err == nil {
		t.Fatalf("expected invalid static peer address to be rejected")
	}
}

func TestLoadRuntimeAppliesEnvironmentOverrides(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	t.Setenv(EnvPrefix+"_LISTEN_PORT", "4567")
	t.Setenv(EnvPrefix+"_CONNECT_TIMEOUT", "5s")
	t.Setenv(EnvPrefix+"_DISCOVERY", "false")

	cfg, dataDir, cfgPath, err := LoadRuntime()
	if err != nil {
		t.Fatalf("LoadRuntime failed: %v", err)
	}
	if dataDir != tempDir {
		t.Fatalf("unexpected data dir %q", dataDir)
	}
	if cfg.ListenAddress() != ":4567" || cfg.ConnectTimeout() != 5*time.Second || cfg.DiscoveryEnabled {
		t.Fatalf("expected overrides to apply, got %+v", cfg)
	}

	persisted, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if persisted.PortMode != PortModeAutomatic || !persisted.DiscoveryEnabled {
		t.Fatalf("expected overrides not to be persisted, got %+v", persisted)
	}
}

func TestLoadRuntimeReadsDotEnvFromDataDir(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	key := EnvPrefix + "_HISTORY_WINDOW"
	// Register the restore, then clear it so the .env value is picked up.
	t.Setenv(key, "")
	os.Unsetenv(key)

	if err := os.WriteFile(filepath.Join(tempDir, ".env"), []byte(key+"=42\n"), 0o600); err != nil {
		t.Fatalf("write .env failed: %v", err)
	}

	cfg, _, _, err := LoadRuntime()
	if err != nil {
		t.Fatalf("LoadRuntime failed: %v", err)
	}
	if cfg.HistoryWindow != 42 {
		t.Fatalf("expected history window from .env, got %d", cfg.HistoryWindow)
	}
}

func TestReadOverridesRejectsInvalidValues(t *testing.T) {
	t.Setenv(EnvPrefix+"_LISTEN_PORT", "70000")
	if _, err := ReadOverrides(); err == nil {
		t.Fatalf("expected out-of-range port to be rejected")
	}
}

func TestUpdatePairedPeersKeepsOtherSettings(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfg, path, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if err := UpdatePairedPeers(path, []string{"peer-a", "peer-b"}); err != nil {
		t.Fatalf("UpdatePairedPeers failed: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(reloaded.PairedPeers) != 2 || reloaded.PairedPeers[1] != "peer-b" {
		t.Fatalf("unexpected paired peers: %v", reloaded.PairedPeers)
	}
	if reloaded.DeviceID != cfg.DeviceID || reloaded.ColorARGB != cfg.ColorARGB {
		t.Fatalf("expected other settings to survive, got %+v", reloaded)
	}
}
