// Package config loads the optional YAML configuration file. Values
// from the file replace flag defaults; explicit flags still win.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/preers/preers/internal/data"
)

// Config mirrors the daemon's command-line surface.
type Config struct {
	Port       int    `yaml:"port"`
	DB         string `yaml:"db"`
	HTTPPort   int    `yaml:"http_port"`
	Relay      bool   `yaml:"relay"`
	Rendezvous bool   `yaml:"rendezvous"`
}

// Default returns the built-in defaults: OS-chosen overlay port,
// ./preers.db, the fixed admin port, no server roles.
func Default() *Config {
	return &Config{
		Port:     0,
		DB:       "./preers.db",
		HTTPPort: data.DefaultHTTPPort,
	}
}

// Load reads and validates a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks port ranges and required fields.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range", c.HTTPPort)
	}
	if c.DB == "" {
		return fmt.Errorf("db path cannot be empty")
	}
	return nil
}
