// Package config loads the server's TOML configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full server configuration. It is read once at startup and
// never reloaded.
type Config struct {
	ControlAddr     string  `toml:"control_addr"`
	PassivePort     int     `toml:"passive_port"`
	User            string  `toml:"user"`
	Password        string  `toml:"password"`
	ChunkSize       int     `toml:"chunk_size"`
	AcceptTimeoutMS int     `toml:"accept_timeout_ms"`
	TickIntervalMS  int     `toml:"tick_interval_ms"`
	MaxUploadBytes  int64   `toml:"max_upload_bytes"`
	Mounts          []Mount `toml:"mounts"`
}

// Mount binds a virtual directory name to a physical path.
type Mount struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
}

// Default returns the configuration used when a field is absent from the
// file: standard FTP control port, a fixed passive port and a tick cadence
// of 20ms.
func Default() *Config {
	return &Config{
		ControlAddr:     ":21",
		PassivePort:     55555,
		ChunkSize:       4096,
		AcceptTimeoutMS: 5000,
		TickIntervalMS:  20,
	}
}

// Load reads and validates a TOML configuration file. Missing fields keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration for the engine's requirements.
func (c *Config) Validate() error {
	if c.User == "" {
		return fmt.Errorf("user must be set")
	}
	if len(c.Mounts) != 2 {
		return fmt.Errorf("exactly two mounts are required, got %d", len(c.Mounts))
	}
	for _, m := range c.Mounts {
		if m.Name == "" || m.Path == "" {
			return fmt.Errorf("mount name and path must be set")
		}
	}
	if c.PassivePort < 0 || c.PassivePort > 65535 {
		return fmt.Errorf("invalid passive_port %d", c.PassivePort)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.TickIntervalMS <= 0 {
		return fmt.Errorf("tick_interval_ms must be positive")
	}
	return nil
}
