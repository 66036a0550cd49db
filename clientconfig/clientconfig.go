package clientconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
	"miren.dev/dispatch/pkg/affinity"
	"miren.dev/dispatch/pkg/cond"
	"miren.dev/dispatch/pkg/retry"
)

const (
	// DefaultConfigPath is the default path for the config file in user's home directory
	DefaultConfigPath = ".config/dispatch/config.yaml"

	// EnvConfigPath is the environment variable name for custom config path
	EnvConfigPath = "DISPATCH_CONFIG"
)

const (
	TransportLocal = "local"
	TransportH3    = "h3"
	TransportGRPC  = "grpc"
)

type Format int

const (
	YAML Format = iota
	TOML
)

// FormatFor picks the encoding from the file extension, YAML unless it ends
// in .toml.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return TOML
	}
	return YAML
}

// Duration is a time.Duration written as a string such as "250ms".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type RetryConfig struct {
	MaxAttempts    int      `yaml:"max_attempts" toml:"max_attempts"`
	BaseDelay      Duration `yaml:"base_delay,omitempty" toml:"base_delay,omitempty"`
	MaxDelay       Duration `yaml:"max_delay,omitempty" toml:"max_delay,omitempty"`
	AttemptTimeout Duration `yaml:"attempt_timeout,omitempty" toml:"attempt_timeout,omitempty"`

	// RetryCodes are application error codes retried like transport failures.
	RetryCodes []string `yaml:"retry_codes,omitempty" toml:"retry_codes,omitempty"`
}

type EtcdConfig struct {
	Endpoints   []string `yaml:"endpoints" toml:"endpoints"`
	Prefix      string   `yaml:"prefix,omitempty" toml:"prefix,omitempty"`
	DialTimeout Duration `yaml:"dial_timeout,omitempty" toml:"dial_timeout,omitempty"`
}

// Config represents the complete client configuration
type Config struct {
	Transport  string      `yaml:"transport" toml:"transport"`
	Retry      RetryConfig `yaml:"retry" toml:"retry"`
	RoundRobin []string    `yaml:"round_robin,omitempty" toml:"round_robin,omitempty"`
	Etcd       *EtcdConfig `yaml:"etcd,omitempty" toml:"etcd,omitempty"`
}

func Default() *Config {
	return &Config{
		Transport: TransportH3,
		Retry: RetryConfig{
			MaxAttempts: retry.DefaultMaxAttempts,
			BaseDelay:   Duration(retry.DefaultBaseDelay),
			MaxDelay:    Duration(retry.DefaultMaxBackoff),
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Transport {
	case "", TransportLocal, TransportH3, TransportGRPC:
	default:
		return cond.ValidationFailure("config", "unknown transport %q", c.Transport)
	}

	if c.Retry.MaxAttempts < 0 {
		return cond.ValidationFailure("config", "max_attempts must not be negative, got %d", c.Retry.MaxAttempts)
	}

	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 || c.Retry.AttemptTimeout < 0 {
		return cond.ValidationFailure("config", "retry durations must not be negative")
	}

	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		return cond.ValidationFailure("config", "base_delay %s exceeds max_delay %s",
			time.Duration(c.Retry.BaseDelay), time.Duration(c.Retry.MaxDelay))
	}

	for _, addr := range c.RoundRobin {
		if strings.TrimSpace(addr) == "" {
			return cond.ValidationFailure("config", "empty round_robin address")
		}
	}

	if c.Etcd != nil && len(c.Etcd.Endpoints) == 0 {
		return cond.ValidationFailure("config", "etcd section requires at least one endpoint")
	}

	return nil
}

// RetryOptions builds the retry options the retry section describes. Unset
// fields keep the retry package defaults.
func (c *Config) RetryOptions() retry.Options {
	rc := c.Retry

	policy := retry.NewStandard(func(o *retry.StandardOptions) {
		if rc.MaxAttempts > 0 {
			o.MaxAttempts = rc.MaxAttempts
		}
		if rc.BaseDelay > 0 {
			o.BaseDelay = time.Duration(rc.BaseDelay)
		}
		if rc.MaxDelay > 0 {
			o.MaxBackoff = time.Duration(rc.MaxDelay)
		}
	}, retry.WithRetryCodes(rc.RetryCodes...))

	return retry.Options{
		Policy:         policy,
		AttemptTimeout: time.Duration(rc.AttemptTimeout),
	}
}

func (c *Config) Addresses() []affinity.Address {
	out := make([]affinity.Address, 0, len(c.RoundRobin))
	for _, a := range c.RoundRobin {
		out = append(out, affinity.Address(a))
	}
	return out
}

// LoadConfig loads the configuration from disk
func LoadConfig() (*Config, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, fmt.Errorf("failed to determine config path: %w", err)
	}

	return LoadConfigFrom(configPath)
}

// LoadConfigFrom loads the configuration at configPath, decoding it by its
// extension.
func LoadConfigFrom(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return DecodeConfig(data, FormatFor(configPath))
}

// DecodeConfig parses data on top of the defaults.
func DecodeConfig(data []byte, format Format) (*Config, error) {
	config := Default()

	var err error
	switch format {
	case TOML:
		err = toml.Unmarshal(data, config)
	default:
		err = yaml.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func (c *Config) SaveTo(path string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var (
		data []byte
		err  error
	)

	switch FormatFor(path) {
	case TOML:
		data, err = toml.Marshal(c)
	default:
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// getConfigPath determines the configuration file path
func getConfigPath() (string, error) {
	// Check environment variable first
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, DefaultConfigPath), nil
}
