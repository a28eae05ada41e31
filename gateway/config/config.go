package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway daemon configuration parsed from YAML.
type Config struct {
	ListenAddress string          `yaml:"listenAddress"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rateLimit"`
}

// AuthConfig gates the configurator endpoints behind HMAC-signed JWTs.
type AuthConfig struct {
	HMACSecret string        `yaml:"hmacSecret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ClockSkew  time.Duration `yaml:"clockSkew"`
}

// RateLimitConfig bounds per-client request rates.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	Burst             int     `yaml:"burst"`
}

// Load reads and validates a YAML gateway configuration.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gateway config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("gateway config: parsing %s: %w", path, err)
	}
	cfg.normalise()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalise() {
	c.ListenAddress = strings.TrimSpace(c.ListenAddress)
	if c.ListenAddress == "" {
		c.ListenAddress = ":8545"
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 600
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
	if c.Auth.ClockSkew <= 0 {
		c.Auth.ClockSkew = 30 * time.Second
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return fmt.Errorf("gateway config: auth.hmacSecret is required")
	}
	return nil
}
