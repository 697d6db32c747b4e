// Package config loads the daemon configuration from a YAML file with
// environment variable fallbacks.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment fallbacks, consulted when the file leaves a value unset.
const (
	EnvManifestDir = "CALLSURFACE_MANIFEST_DIR"
	EnvConsumerURL = "CALLSURFACE_CONSUMER_URL"
	EnvToken       = "CALLSURFACE_TOKEN"
	EnvLogLevel    = "CALLSURFACE_LOG_LEVEL"
)

// Config is the daemon configuration.
type Config struct {
	// ManifestDir holds one JSON manifest per consumer process.
	ManifestDir string `yaml:"manifest_dir"`
	// ConsumerURL is the base URL consumer bind endpoints hang off.
	ConsumerURL string `yaml:"consumer_url"`
	// Token is the bearer credential presented on bind.
	Token    string `yaml:"token"`
	LogLevel string `yaml:"log_level"`

	BindTimeout           time.Duration `yaml:"bind_timeout"`
	ReconnectDelay        time.Duration `yaml:"reconnect_delay"`
	TeardownDelay         time.Duration `yaml:"teardown_delay"`
	DisconnectToneTimeout time.Duration `yaml:"disconnect_tone_timeout"`
	ReloadDebounce        time.Duration `yaml:"reload_debounce"`
}

// Load reads the configuration file, applies environment fallbacks and
// defaults, and validates the result. An empty path yields a config built
// from environment and defaults alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if c.ManifestDir == "" {
		c.ManifestDir = os.Getenv(EnvManifestDir)
	}
	if c.ConsumerURL == "" {
		c.ConsumerURL = os.Getenv(EnvConsumerURL)
	}
	if c.Token == "" {
		c.Token = os.Getenv(EnvToken)
	}
	if c.LogLevel == "" {
		c.LogLevel = os.Getenv(EnvLogLevel)
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.BindTimeout <= 0 {
		c.BindTimeout = 4 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 250 * time.Millisecond
	}
	if c.TeardownDelay <= 0 {
		c.TeardownDelay = 3 * time.Second
	}
	if c.DisconnectToneTimeout <= 0 {
		c.DisconnectToneTimeout = 5 * time.Second
	}
	if c.ReloadDebounce <= 0 {
		c.ReloadDebounce = 100 * time.Millisecond
	}
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ManifestDir) == "" {
		return fmt.Errorf("manifest_dir is required")
	}
	if strings.TrimSpace(c.ConsumerURL) == "" {
		return fmt.Errorf("consumer_url is required")
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not recognized", c.LogLevel)
	}
	return nil
}
