package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models conflux.yml.
type Config struct {
	Collaboration struct {
		SessionTimeoutMinutes int `yaml:"session_timeout_minutes"`
		SweepIntervalMinutes  int `yaml:"sweep_interval_minutes"`
	} `yaml:"collaboration"`
	Server struct {
		Listen                 string `yaml:"listen"`
		BasePath               string `yaml:"base_path"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
}

// SessionTimeout returns the configured session liveness window.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Collaboration.SessionTimeoutMinutes) * time.Minute
}

// SweepInterval returns the configured maintenance sweep period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Collaboration.SweepIntervalMinutes) * time.Minute
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Collaboration.SessionTimeoutMinutes <= 0 {
		return fmt.Errorf("config.collaboration.session_timeout_minutes must be positive")
	}
	if c.Collaboration.SweepIntervalMinutes <= 0 {
		return fmt.Errorf("config.collaboration.sweep_interval_minutes must be positive")
	}
	if c.Collaboration.SweepIntervalMinutes > c.Collaboration.SessionTimeoutMinutes {
		return fmt.Errorf("config.collaboration.sweep_interval_minutes must not exceed session_timeout_minutes")
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("config.server.listen is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "conflux.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run cfx init or create it from the default template", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `collaboration:
  # A session is live while its last activity is younger than this window.
  session_timeout_minutes: 30
  # How often the serve command sweeps expired sessions.
  sweep_interval_minutes: 5

server:
  listen: "127.0.0.1:8080"
  base_path: /v0
  allow_legacy_actor_header: false
`
