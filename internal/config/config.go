package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Backend BackendConfig `yaml:"backend"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// SessionConfig controls per-session buffering and client keep-alive.
type SessionConfig struct {
	// BufferCapacity is the max frames held per session before the
	// oldest frame is evicted.
	BufferCapacity int `yaml:"buffer_capacity"`
	// HeartbeatInterval is how long a client stream may sit idle
	// before a heartbeat is emitted.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

type BackendConfig struct {
	// ProbeTimeout bounds the initial backend stream open at connect time.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// CallTimeout bounds a single forwarded request/response call.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Session: SessionConfig{
			BufferCapacity:    100,
			HeartbeatInterval: 15 * time.Second,
		},
		Backend: BackendConfig{
			ProbeTimeout: 5 * time.Second,
			CallTimeout:  10 * time.Second,
		},
	}
}

// Default returns the built-in configuration, used when no config file
// is present.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Session.BufferCapacity < 1 {
		return fmt.Errorf("session.buffer_capacity must be >= 1, got %d", c.Session.BufferCapacity)
	}
	if c.Session.HeartbeatInterval <= 0 {
		return fmt.Errorf("session.heartbeat_interval must be positive, got %s", c.Session.HeartbeatInterval)
	}
	return nil
}
