// Package config loads the CLI's static configuration: the receiver
// address, the local listening port, and the bootstrap set of paths to
// dial at startup. Format and decoding follow the one repo in the
// reference corpus that configures a multipath sender this way.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the top-level decoded TOML document.
type Config struct {
	LocalPort    int          `toml:"local_port"`
	ReceiverHost string       `toml:"receiver_host"`
	ReceiverPort int          `toml:"receiver_port"`
	LogLevel     string       `toml:"log_level"`
	Paths        []PathConfig `toml:"path"`
}

// PathConfig describes one bootstrap path: which local source address to
// dial the receiver from, its bond type tag, and its advisory weight.
// Binding the socket to a specific egress interface is the embedder's
// responsibility (spec §1); LocalAddr here is the simplest form of that —
// a local IP the kernel will route through the desired interface.
type PathConfig struct {
	LocalAddr string `toml:"local_addr"`
	Type      string `toml:"type"`
	Weight    int    `toml:"weight"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LocalPort:    6000,
		ReceiverHost: "127.0.0.1",
		ReceiverPort: 5000,
		LogLevel:     "info",
	}
}

// Load decodes a TOML config file at path. It does not fall back to
// Default() for zero-valued fields; callers that want defaults layered
// under a partial file should decode into a copy of Default() themselves.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// EnvOverride applies environment variable overrides on top of a loaded
// config, matching the teacher's envOr convention for container-style
// deploys where a mounted file is impractical.
func EnvOverride(cfg Config) Config {
	if v := os.Getenv("SRTLA_RECEIVER_HOST"); v != "" {
		cfg.ReceiverHost = v
	}
	if v := os.Getenv("SRTLA_RECEIVER_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.ReceiverPort)
	}
	if v := os.Getenv("SRTLA_LOCAL_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.LocalPort)
	}
	if v := os.Getenv("SRTLA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}
