// Package config handles configuration loading and validation for linkwatch.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tunnelmesh/linkwatch/internal/connection"
	"github.com/tunnelmesh/linkwatch/internal/validation"
)

// Defaults applied by Load.
const (
	DefaultName          = "linkwatch"
	DefaultTimeout       = "10s"
	DefaultDebounce      = "100ms"
	DefaultMetricsListen = "127.0.0.1:9464"
	DefaultLogLevel      = "info"
)

// TargetConfig describes the endpoint to connect to.
type TargetConfig struct {
	URL       string `yaml:"url"`
	Transport string `yaml:"transport"` // tcp, ws or wss; empty infers from the URL
	Timeout   string `yaml:"timeout"`   // Duration string, e.g. "10s"
}

// AuthConfig holds the credentials checked before connecting.
type AuthConfig struct {
	Key      string `yaml:"key"`
	Password string `yaml:"password"`
}

// WatchConfig holds configuration for the file watcher.
type WatchConfig struct {
	Paths    []string `yaml:"paths"`
	Debounce string   `yaml:"debounce"` // Duration string, e.g. "100ms"
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Config is the top-level linkwatch configuration.
type Config struct {
	Name     string        `yaml:"name"`
	Target   TargetConfig  `yaml:"target"`
	Auth     AuthConfig    `yaml:"auth"`
	Watch    WatchConfig   `yaml:"watch"`
	Metrics  MetricsConfig `yaml:"metrics"`
	LogLevel string        `yaml:"log_level"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Target.Timeout == "" {
		c.Target.Timeout = DefaultTimeout
	}
	c.Target.Transport = strings.ToLower(strings.TrimSpace(c.Target.Transport))
	if c.Watch.Debounce == "" {
		c.Watch.Debounce = DefaultDebounce
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = DefaultMetricsListen
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	// Expand home directory in watch paths
	for i, p := range c.Watch.Paths {
		c.Watch.Paths[i] = expandHome(p)
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// Validate checks the configuration for structural errors. Whether the
// target may be connected to is decided by the validation chain over Record.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if d, err := time.ParseDuration(c.Target.Timeout); err != nil || d <= 0 {
		return fmt.Errorf("target.timeout must be a positive duration, got %q", c.Target.Timeout)
	}
	if _, err := time.ParseDuration(c.Watch.Debounce); err != nil {
		return fmt.Errorf("watch.debounce must be a duration, got %q", c.Watch.Debounce)
	}
	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen must be host:port: %w", err)
		}
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level %q is not a valid level", c.LogLevel)
	}
	return nil
}

// Timeout returns the connect timeout. Invalid values fall back to the default.
func (c *Config) Timeout() time.Duration {
	d, err := time.ParseDuration(c.Target.Timeout)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultTimeout)
	}
	return d
}

// Debounce returns the watcher debounce interval.
func (c *Config) Debounce() time.Duration {
	d, err := time.ParseDuration(c.Watch.Debounce)
	if err != nil {
		d, _ = time.ParseDuration(DefaultDebounce)
	}
	return d
}

// Record flattens the fields checked before a connect.
func (c *Config) Record() validation.Record {
	r := validation.Record{}
	set := func(k, v string) {
		if v != "" {
			r[k] = v
		}
	}
	set(validation.KeyKey, c.Auth.Key)
	set(validation.KeyPassword, c.Auth.Password)
	set(validation.KeyURL, c.targetURL())
	set(validation.KeyTransport, c.Target.Transport)
	return r
}

// Endpoint parses the target. An explicit transport applies to URLs without
// a scheme.
func (c *Config) Endpoint() (connection.Endpoint, error) {
	return connection.ParseEndpoint(c.targetURL())
}

func (c *Config) targetURL() string {
	u := strings.TrimSpace(c.Target.URL)
	if u == "" || c.Target.Transport == "" || strings.Contains(u, "://") {
		return u
	}
	return c.Target.Transport + "://" + u
}

// ApplyLogLevel sets the global zerolog level if level parses. It returns
// whether the level was applied.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	zerolog.SetGlobalLevel(lvl)
	return true
}
