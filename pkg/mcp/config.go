package mcp

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Config.applyDefaults.
const (
	DefaultRequestTimeout       = 30 * time.Second
	DefaultConnectTimeout       = 10 * time.Second
	DefaultReconnectDelay       = 1 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHealthInterval       = 10 * time.Second
	DefaultContainerUser        = "agent"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) value() time.Duration { return time.Duration(d) }

// Config describes how to launch and supervise the child tool server.
type Config struct {
	// Command is the server executable. When ContainerName is set the
	// executable is run inside that container via the host docker CLI.
	Command       string            `yaml:"command"`
	Args          []string          `yaml:"args,omitempty"`
	ContainerName string            `yaml:"container,omitempty"`
	ContainerUser string            `yaml:"container_user,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`

	// RequestTimeout bounds each in-flight RPC request.
	RequestTimeout Duration `yaml:"request_timeout,omitempty"`
	// ConnectTimeout bounds the initialize handshake.
	ConnectTimeout Duration `yaml:"connect_timeout,omitempty"`
	// ReconnectDelay is the backoff base: attempt n waits delay * 2^(n-1),
	// capped at 30s.
	ReconnectDelay       Duration `yaml:"reconnect_delay,omitempty"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts,omitempty"`
	// HealthInterval is the liveness probe period.
	HealthInterval Duration `yaml:"health_interval,omitempty"`

	// ClientName and ClientVersion identify this client in the handshake.
	ClientName    string `yaml:"client_name,omitempty"`
	ClientVersion string `yaml:"client_version,omitempty"`
}

// LoadConfig reads a YAML config file and applies defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %q: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = Duration(DefaultConnectTimeout)
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = Duration(DefaultReconnectDelay)
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = Duration(DefaultHealthInterval)
	}
	if c.ContainerUser == "" {
		c.ContainerUser = DefaultContainerUser
	}
	if c.ClientName == "" {
		c.ClientName = "deskwire"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "dev"
	}
}

// Validate checks the config for launch-critical mistakes.
func (c *Config) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("config: command is required")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("config: max_reconnect_attempts must be >= 0")
	}
	return nil
}
