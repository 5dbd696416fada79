package socks5

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tunable parameters of a Server. The zero value is
// not directly usable; use DefaultConfig or LoadConfig, both of which
// fill in this module's default timeouts for any zero-valued field.
type Config struct {
	BindIP           string        `yaml:"bind_ip"`
	Port             uint16        `yaml:"port"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	Debug            bool          `yaml:"debug"`
}

// DefaultConfig returns a Config bound to bindIP:port with this
// module's default 10s handshake timeout and 300s relay idle timeout.
func DefaultConfig(bindIP string, port uint16) *Config {
	return &Config{
		BindIP:           bindIP,
		Port:             port,
		HandshakeTimeout: defaultHandshakeTimeout,
		IdleTimeout:      defaultIdleTimeout,
	}
}

// LoadConfig reads a YAML config file from path, applying this
// module's default timeouts to any field left zero.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.BindIP == "" {
		cfg.BindIP = "0.0.0.0"
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return cfg, nil
}
