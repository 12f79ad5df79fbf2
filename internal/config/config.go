package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models driveline.yml.
type Config struct {
	Core struct {
		MaxPayloadBytes    int `yaml:"max_payload_bytes"`
		DefaultMaxAttempts int `yaml:"default_max_attempts"`
	} `yaml:"core"`
	Dispatcher struct {
		IntervalSeconds       int `yaml:"interval_seconds"`
		Workers               int `yaml:"workers"`
		BatchSize             int `yaml:"batch_size"`
		HandlerTimeoutSeconds int `yaml:"handler_timeout_seconds"`
	} `yaml:"dispatcher"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one fan-out consumer endpoint.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Types          []string `yaml:"types"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Core.MaxPayloadBytes < 0 {
		return fmt.Errorf("config.core.max_payload_bytes must not be negative")
	}
	if c.Core.DefaultMaxAttempts < 1 {
		return fmt.Errorf("config.core.default_max_attempts must be at least 1")
	}
	if c.Dispatcher.IntervalSeconds < 1 {
		return fmt.Errorf("config.dispatcher.interval_seconds must be at least 1")
	}
	if c.Dispatcher.Workers < 1 {
		return fmt.Errorf("config.dispatcher.workers must be at least 1")
	}
	if c.Dispatcher.BatchSize < 1 {
		return fmt.Errorf("config.dispatcher.batch_size must be at least 1")
	}
	if c.Dispatcher.HandlerTimeoutSeconds < 1 {
		return fmt.Errorf("config.dispatcher.handler_timeout_seconds must be at least 1")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, t := range hook.Types {
			if t == "" {
				return fmt.Errorf("config.webhooks[%d] has empty type filter entry", i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "driveline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Fields left
// unset fall back to defaults before validation.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `core:
  max_payload_bytes: 65536
  default_max_attempts: 5

dispatcher:
  interval_seconds: 2
  workers: 4
  batch_size: 100
  handler_timeout_seconds: 30
`
