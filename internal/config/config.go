// ABOUTME: Configuration loading and parsing for coven-control
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-control configuration
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Chat    ChatConfig    `yaml:"chat"`
	Logging LoggingConfig `yaml:"logging"`
}

// GatewayConfig holds the connection settings for the gateway
type GatewayConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	HandshakeTimeout time.Duration `yaml:"-"`
	CallTimeout      time.Duration `yaml:"-"`
	ReconnectInitial time.Duration `yaml:"-"`
	ReconnectMax     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
	CallTimeoutRaw      string `yaml:"call_timeout"`
	ReconnectInitialRaw string `yaml:"reconnect_initial"`
	ReconnectMaxRaw     string `yaml:"reconnect_max"`
}

// ChatConfig holds chat defaults
type ChatConfig struct {
	SessionKey string `yaml:"session_key"`
	Deliver    bool   `yaml:"deliver"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the config file omits a value.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultCallTimeout      = 30 * time.Second
	DefaultReconnectInitial = 1 * time.Second
	DefaultReconnectMax     = 30 * time.Second
	DefaultSessionKey       = "main"
)

// DefaultPath returns the conventional config location under the user's
// config directory, or empty if that cannot be determined.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "coven-control", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Gateway.HandshakeTimeout == 0 {
		c.Gateway.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Gateway.CallTimeout == 0 {
		c.Gateway.CallTimeout = DefaultCallTimeout
	}
	if c.Gateway.ReconnectInitial == 0 {
		c.Gateway.ReconnectInitial = DefaultReconnectInitial
	}
	if c.Gateway.ReconnectMax == 0 {
		c.Gateway.ReconnectMax = DefaultReconnectMax
	}
	if c.Chat.SessionKey == "" {
		c.Chat.SessionKey = DefaultSessionKey
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}

	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("gateway.url must use ws:// or wss://, got %q", u.Scheme)
	}

	if c.Gateway.ReconnectInitial > c.Gateway.ReconnectMax {
		return fmt.Errorf("gateway.reconnect_initial must not exceed gateway.reconnect_max")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"handshake_timeout", cfg.Gateway.HandshakeTimeoutRaw, &cfg.Gateway.HandshakeTimeout},
		{"call_timeout", cfg.Gateway.CallTimeoutRaw, &cfg.Gateway.CallTimeout},
		{"reconnect_initial", cfg.Gateway.ReconnectInitialRaw, &cfg.Gateway.ReconnectInitial},
		{"reconnect_max", cfg.Gateway.ReconnectMaxRaw, &cfg.Gateway.ReconnectMax},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
