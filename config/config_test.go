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

	firstCfg, firstDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, firstDir)
	}
	if firstCfg.DownloadDir != filepath.Join(tempDir, "downloads") {
		t.Fatalf("unexpected download dir %q", firstCfg.DownloadDir)
	}
	if firstCfg.RelayURL != DefaultRelayURL {
		t.Fatalf("expected default relay URL, got %q", firstCfg.RelayURL)
	}
	if len(firstCfg.ICEServers) != 1 || firstCfg.ICEServers[0] != DefaultICEServers[0] {
		t.Fatalf("unexpected ICE servers %v", firstCfg.ICEServers)
	}
	if _, err := os.Stat(ConfigPath(tempDir)); err != nil {
		t.Fatalf("expected config file to be written: %v", err)
	}

	secondCfg, secondDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondDir != firstDir {
		t.Fatalf("expected data dir to be stable, got %q then %q", firstDir, secondDir)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	partial := &DeviceConfig{
		DeviceID: "legacy-device",
		RelayURL: " https://relay.example.com/ ",
	}
	if err := Save(ConfigPath(tempDir), partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "legacy-device" {
		t.Fatalf("expected device ID to be retained, got %q", cfg.DeviceID)
	}
	if cfg.RelayURL != "https://relay.example.com" {
		t.Fatalf("expected trimmed relay URL, got %q", cfg.RelayURL)
	}
	if cfg.DeviceName == "" || cfg.DownloadDir == "" || len(cfg.ICEServers) == 0 {
		t.Fatalf("expected defaults to be filled in: %+v", cfg)
	}

	reloaded, err := Load(ConfigPath(tempDir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.RelayURL != cfg.RelayURL {
		t.Fatalf("expected normalized config to be persisted, got %q", reloaded.RelayURL)
	}
}

func TestServerConfigFromEnv(t *testing.T) {
	env := map[string]string{
		"FT_ADDR":            "127.0.0.1:9000",
		"FT_OFFER_TTL":       "1h",
		"FT_RATE_LIMIT":      "5",
		"FT_ADVERTISE":       "true",
		"FT_REUSABLE_WINDOW": "48h",
	}
	cfg, err := ServerConfigFromEnv(func(key string) string { return env[key] })
	if err != nil {
		t.Fatalf("ServerConfigFromEnv failed: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9000" || cfg.OfferTTL != time.Hour || cfg.RateLimit != 5 || !cfg.Advertise {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.ReusableWindow != 48*time.Hour {
		t.Fatalf("unexpected reusable window %s", cfg.ReusableWindow)
	}
	if cfg.AnalyticsRateLimit != DefaultServerConfig().AnalyticsRateLimit {
		t.Fatalf("expected default analytics limit, got %d", cfg.AnalyticsRateLimit)
	}
}

func TestServerConfigFromEnvRejectsInvalidValues(t *testing.T) {
	env := map[string]string{
		"FT_OFFER_TTL":  "soon",
		"FT_RATE_LIMIT": "-1",
		"FT_ADVERTISE":  "maybe",
	}
	if _, err := ServerConfigFromEnv(func(key string) string { return env[key] }); err == nil {
		t.Fatalf("expected invalid values to be rejected")
	}
}

func TestLoadServerConfigReadsEnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, []byte("FT_DB_PATH=/tmp/relay.db\nFT_CLEANUP_INTERVAL=30s\n"), 0o600); err != nil {
		t.Fatalf("write env file failed: %v", err)
	}
	// Registers cleanup so variables set by godotenv are restored.
	t.Setenv("FT_DB_PATH", "")
	t.Setenv("FT_CLEANUP_INTERVAL", "")
	os.Unsetenv("FT_DB_PATH")
	os.Unsetenv("FT_CLEANUP_INTERVAL")

	cfg, err := LoadServerConfig(envFile)
	if err != nil {
		t.Fatalf("LoadServerConfig failed: %v", err)
	}
	if cfg.DatabasePath != "/tmp/relay.db" || cfg.CleanupInterval != 30*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	if _, err := LoadServerConfig(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file must be ignored: %v", err)
	}
}
