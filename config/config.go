// Package config holds the server's configuration: built-in defaults,
// overridden by an optional YAML file, overridden by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the Wisp server configuration.
type Config struct {
	// Host and Port form the listen address.
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// StaticDir is the root served to non-WebSocket HTTP requests.
	// Defaults to the current working directory.
	StaticDir string `yaml:"static_dir,omitempty"`

	// MetricsAddr, when set, exposes Prometheus metrics on a separate
	// listener (e.g. "127.0.0.1:9090").
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// LogLevel is a zerolog level name: trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty"`
}

// Default returns the built-in defaults.
func Default() Config {
	cwd, _ := os.Getwd()
	return Config{
		Host:      "127.0.0.1",
		Port:      6001,
		StaticDir: cwd,
		LogLevel:  "info",
	}
}

// Load reads the YAML config file at path. A missing file yields defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	// Re-apply defaults for fields the file left empty.
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 6001
	}
	if cfg.StaticDir == "" {
		cfg.StaticDir, _ = os.Getwd()
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

// ApplyEnv overlays the HOST, PORT and STATIC environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			return fmt.Errorf("invalid PORT %q", v)
		}
		c.Port = p
	}
	if v := os.Getenv("STATIC"); v != "" {
		c.StaticDir = v
	}
	return nil
}

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
