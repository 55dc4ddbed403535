// Package config loads the proxy's YAML configuration file.
package config

import (
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "config/config.yaml"

var (
	ErrMissingUpstream = errors.New("config: upstream is required")
	ErrInvalid         = errors.New("config: invalid value")
)

// Config is loaded once at startup and never mutated afterwards.
type Config struct {
	Upstream        string        `yaml:"upstream"`
	Listen          string        `yaml:"listen"`
	ControlSocket   string        `yaml:"control_socket"`
	MaxConnections  int           `yaml:"max_connections"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	HandoverTimeout time.Duration `yaml:"handover_timeout"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	AcceptBackoff   Backoff       `yaml:"accept_backoff"`
	RateLimit       RateLimit     `yaml:"rate_limit"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	State           State         `yaml:"state"`
	MDNS            MDNS          `yaml:"mdns"`
}

// Backoff bounds the accept retry loop: delays are Unit, 2*Unit, ... up to
// Max units.
type Backoff struct {
	Unit time.Duration `yaml:"unit"`
	Max  int           `yaml:"max"`
}

// RateLimit values are connections per second; zero disables a bucket.
type RateLimit struct {
	Global    int `yaml:"global"`
	PerSource int `yaml:"per_source"`
	Burst     int `yaml:"burst"`
}

type State struct {
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type MDNS struct {
	Enabled bool   `yaml:"enabled"`
	Service string `yaml:"service"`
}

// Default returns a Config with every optional field populated.
func Default() Config {
	return Config{
		Listen:          "127.0.0.1:8080",
		ControlSocket:   "/tmp/proto-socket",
		MaxConnections:  250,
		DialTimeout:     5 * time.Second,
		HandoverTimeout: 30 * time.Second,
		ShutdownGrace:   5 * time.Second,
		AcceptBackoff:   Backoff{Unit: time.Second, Max: 64},
		State:           State{Backend: "memory", Path: "hotproxy.db"},
		MDNS:            MDNS{Service: "_hotproxy._tcp"},
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	return Parse(raw)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Upstream == "" {
		return ErrMissingUpstream
	}
	if _, _, err := net.SplitHostPort(c.Upstream); err != nil {
		return errors.Wrapf(ErrInvalid, "upstream %q: %v", c.Upstream, err)
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return errors.Wrapf(ErrInvalid, "listen %q: %v", c.Listen, err)
	}
	if c.ControlSocket == "" {
		return errors.Wrap(ErrInvalid, "control_socket is empty")
	}
	if c.MaxConnections <= 0 {
		return errors.Wrapf(ErrInvalid, "max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.AcceptBackoff.Unit <= 0 || c.AcceptBackoff.Max <= 0 {
		return errors.Wrap(ErrInvalid, "accept_backoff unit and max must be positive")
	}
	if c.DialTimeout < 0 || c.IdleTimeout < 0 {
		return errors.Wrap(ErrInvalid, "timeouts must not be negative")
	}
	if c.HandoverTimeout <= 0 || c.ShutdownGrace <= 0 {
		return errors.Wrap(ErrInvalid, "handover_timeout and shutdown_grace must be positive")
	}
	if c.RateLimit.Global < 0 || c.RateLimit.PerSource < 0 || c.RateLimit.Burst < 0 {
		return errors.Wrap(ErrInvalid, "rate_limit values must not be negative")
	}
	switch c.State.Backend {
	case "memory":
	case "bolt":
		if c.State.Path == "" {
			return errors.Wrap(ErrInvalid, "state.path is required for the bolt backend")
		}
	case "redis":
		if c.State.RedisAddr == "" {
			return errors.Wrap(ErrInvalid, "state.redis_addr is required for the redis backend")
		}
	default:
		return errors.Wrapf(ErrInvalid, "unknown state.backend %q", c.State.Backend)
	}
	return nil
}
