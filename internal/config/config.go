// Package config loads the node configuration from a YAML file, with
// sensible defaults for every field.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the node configuration.
type Config struct {
	// DataDir holds the block (or light-node metadata) files and the
	// address book.
	DataDir string `yaml:"data_dir"`

	// P2PPort is the TCP port of the peer protocol listener.
	P2PPort int `yaml:"p2p_port"`

	// APIPort is the TCP port of the query API listener.
	APIPort int `yaml:"api_port"`

	// MetricsPort serves Prometheus metrics; 0 disables the endpoint.
	MetricsPort int `yaml:"metrics_port"`

	// Light runs the header-only node flavor.
	Light bool `yaml:"light"`

	// FullIBD verifies every transaction during initial block download.
	FullIBD bool `yaml:"full_ibd"`

	// Bootnodes are the seed peer addresses dialed at startup.
	Bootnodes []string `yaml:"bootnodes"`

	// LogLevel is a zap level string: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:     "snapd-data",
		P2PPort:     8998,
		APIPort:     8999,
		MetricsPort: 0,
		LogLevel:    "info",
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
