package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Error("missing file did not yield defaults")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "p2p_port: 7000\nlight: true\nbootnodes:\n  - 10.0.0.1:8998\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.P2PPort != 7000 || !cfg.Light {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if len(cfg.Bootnodes) != 1 || cfg.Bootnodes[0] != "10.0.0.1:8998" {
		t.Errorf("bootnodes = %v", cfg.Bootnodes)
	}
	// Untouched fields keep their defaults.
	if cfg.APIPort != Default().APIPort {
		t.Errorf("api port = %d, want default %d", cfg.APIPort, Default().APIPort)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("p2p_port: [not a port"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed yaml accepted")
	}
}
