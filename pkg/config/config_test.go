package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
network:
  listen_address: "0.0.0.0:28080"

limits:
  initial_max_packet_size: 256Ki
  full_max_packet_size: 100Mi
  invoke_timeout: 45s
  max_connections: 500

logging:
  level: "DEBUG"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Network.ListenAddress != "0.0.0.0:28080" {
		t.Errorf("listen_address = %q, want 0.0.0.0:28080", cfg.Network.ListenAddress)
	}
	if cfg.Limits.InvokeTimeout != 45*time.Second {
		t.Errorf("invoke_timeout = %v, want 45s", cfg.Limits.InvokeTimeout)
	}
	if cfg.Limits.MaxConnections != 500 {
		t.Errorf("max_connections = %d, want 500", cfg.Limits.MaxConnections)
	}
	// Format/Output/Metrics were left unset; defaults must fill them.
	if cfg.Logging.Format != "text" {
		t.Errorf("format = %q, want default text", cfg.Logging.Format)
	}
	if cfg.Metrics.ListenAddress == "" {
		t.Error("metrics listen address should have a default")
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	cfg, err := Load(filepath.Join(tmpDir, "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file should fall back to defaults, got error: %v", err)
	}
	if cfg.Network.ListenAddress == "" {
		t.Error("expected default listen address")
	}
}

func TestLoad_EmptyListenAddress_UsesDefault(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("network:\n  listen_address: \"\"\n"), 0644); err == nil {
		// Empty listen_address falls back to the default via ApplyDefaults,
		// so this is expected to load successfully, not fail validation.
		if _, err := Load(configPath); err != nil {
			t.Errorf("empty listen_address should be filled by defaults, got: %v", err)
		}
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Errorf("default config should validate cleanly: %v", err)
	}
	if cfg.Limits.InitialMaxPacketSize == 0 {
		t.Error("expected a non-zero default initial max packet size")
	}
	if cfg.Limits.FullMaxPacketSize <= cfg.Limits.InitialMaxPacketSize {
		t.Error("full max packet size should exceed the initial ceiling")
	}
}

func TestDefaultConfigExists(t *testing.T) {
	// Just exercise the path-construction logic; the default path won't
	// exist in a CI sandbox.
	_ = DefaultConfigExists()
}

func TestGetDefaultConfigPath(t *testing.T) {
	path := GetDefaultConfigPath()
	if filepath.Base(path) != "config.yaml" {
		t.Errorf("default config path %q should end in config.yaml", path)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "config.yaml")

	cfg := GetDefaultConfig()
	cfg.Network.ListenAddress = "127.0.0.1:9999"

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load after SaveConfig: %v", err)
	}
	if loaded.Network.ListenAddress != "127.0.0.1:9999" {
		t.Errorf("round-tripped listen_address = %q, want 127.0.0.1:9999", loaded.Network.ListenAddress)
	}
}
