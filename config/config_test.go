package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDecodesPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "srtla.toml")
	contents := `
local_port = 6001
receiver_host = "relay.example.com"
receiver_port = 5100
log_level = "debug"

[[path]]
local_addr = "192.168.1.10"
type = "wifi"
weight = 5

[[path]]
local_addr = "10.10.0.2"
type = "cellular"
weight = 1
`
	if err := os.WriteFile(file, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReceiverHost != "relay.example.com" || cfg.ReceiverPort != 5100 {
		t.Errorf("receiver = %s:%d, want relay.example.com:5100", cfg.ReceiverHost, cfg.ReceiverPort)
	}
	if len(cfg.Paths) != 2 {
		t.Fatalf("len(Paths) = %d, want 2", len(cfg.Paths))
	}
	if cfg.Paths[0].Type != "wifi" || cfg.Paths[1].Type != "cellular" {
		t.Errorf("path types = %v", cfg.Paths)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SRTLA_RECEIVER_HOST", "override.example.com")
	t.Setenv("SRTLA_RECEIVER_PORT", "9999")

	cfg := EnvOverride(Default())
	if cfg.ReceiverHost != "override.example.com" {
		t.Errorf("ReceiverHost = %s, want override.example.com", cfg.ReceiverHost)
	}
	if cfg.ReceiverPort != 9999 {
		t.Errorf("ReceiverPort = %d, want 9999", cfg.ReceiverPort)
	}
}
