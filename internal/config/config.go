// Package config handles qqbridge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/qqbridge/config.yaml, /etc/qqbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "qqbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/qqbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all qqbridge configuration.
type Config struct {
	// QQ is the bot's own account number. Required: inbound events from
	// this account are flagged as self-authored, and @-mentions of it set
	// the is_at_me flag.
	QQ      string        `yaml:"qq"`
	Gateway GatewayConfig `yaml:"gateway"`

	// Groups lists the group IDs to observe. Absent (null) means all
	// joined groups; an explicit empty list means none.
	Groups []string `yaml:"groups"`

	// Friends lists the QQ IDs allowed for direct chat. Direct messages
	// require explicit listing; an absent or empty list means none.
	Friends []string `yaml:"friends"`

	// BufferSize is the per-conversation sliding window capacity (default 100).
	BufferSize int `yaml:"buffer_size"`

	// RateLimitSec is the per-conversation outbound cooldown in seconds (default 3).
	RateLimitSec int `yaml:"rate_limit_sec"`

	// ChunkMaxChars caps auto-split chunk length in runes (default 30).
	ChunkMaxChars int `yaml:"chunk_max_chars"`

	LogLevel string `yaml:"log_level"`
}

// GatewayConfig defines the NapCat (OneBot v11) gateway endpoints.
type GatewayConfig struct {
	Host      string `yaml:"host"`       // Default: 127.0.0.1
	APIPort   int    `yaml:"api_port"`   // HTTP API port (default: 3000)
	EventPort int    `yaml:"event_port"` // WebSocket event stream port (default: 3001)
	Token     string `yaml:"token"`      // Optional access token
}

// APIBaseURL returns the base URL for OneBot HTTP API actions.
func (g GatewayConfig) APIBaseURL() string {
	return fmt.Sprintf("http://%s:%d", g.Host, g.APIPort)
}

// EventURL returns the WebSocket URL for the event stream.
func (g GatewayConfig) EventURL() string {
	return fmt.Sprintf("ws://%s:%d", g.Host, g.EventPort)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:      "127.0.0.1",
			APIPort:   3000,
			EventPort: 3001,
		},
		BufferSize:    100,
		RateLimitSec:  3,
		ChunkMaxChars: 30,
		LogLevel:      "info",
	}
}

// Validate checks the configuration for values that cannot work at runtime.
func (c *Config) Validate() error {
	if c.QQ == "" {
		return fmt.Errorf("qq is required (the bot's own account number)")
	}
	if c.Gateway.Host == "" {
		return fmt.Errorf("gateway.host is required")
	}
	if c.Gateway.APIPort <= 0 {
		return fmt.Errorf("gateway.api_port must be positive, got %d", c.Gateway.APIPort)
	}
	if c.Gateway.EventPort <= 0 {
		return fmt.Errorf("gateway.event_port must be positive, got %d", c.Gateway.EventPort)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize)
	}
	if c.RateLimitSec < 0 {
		return fmt.Errorf("rate_limit_sec must not be negative, got %d", c.RateLimitSec)
	}
	if c.ChunkMaxChars <= 0 {
		return fmt.Errorf("chunk_max_chars must be positive, got %d", c.ChunkMaxChars)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
