// Package config defines the TOML configuration for the nipgate proxy.
//
// Durations are stored as strings ("30s", "5m", "1d") and converted through
// Get* accessors so a malformed value is reported at startup instead of
// silently becoming zero.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/nipgate/nipgate/helpers"
)

// Default timeouts applied when the corresponding setting is empty.
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultReadHeaderTimeout = 30 * time.Second
	DefaultMaxIdleConnAge    = 90 * time.Second
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Policy  PolicyConfig  `toml:"policy"`
	Status  StatusConfig  `toml:"status"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig configures the proxy listener and upstream connection pool.
type ServerConfig struct {
	Name                  string   `toml:"name"`
	Addr                  string   `toml:"addr"`
	DefaultPort           int      `toml:"default_port"`
	HostSuffix            string   `toml:"host_suffix"`
	ConnectTimeout        string   `toml:"connect_timeout"`
	IdleTimeout           string   `toml:"idle_timeout"`
	ReadHeaderTimeout     string   `toml:"read_header_timeout"`
	MaxIdleConnAge        string   `toml:"max_idle_conn_age"`
	MaxIdlePerDestination int      `toml:"max_idle_per_destination"`
	MaxConnections        int      `toml:"max_connections"`
	MaxConnectionsPerIP   int      `toml:"max_connections_per_ip"`
	TrustedNetworks       []string `toml:"trusted_networks"`
	Debug                 bool     `toml:"debug"`
}

func (s ServerConfig) GetConnectTimeout() (time.Duration, error) {
	if s.ConnectTimeout == "" {
		return DefaultConnectTimeout, nil
	}
	return helpers.ParseDuration(s.ConnectTimeout)
}

func (s ServerConfig) GetIdleTimeout() (time.Duration, error) {
	if s.IdleTimeout == "" {
		return DefaultIdleTimeout, nil
	}
	return helpers.ParseDuration(s.IdleTimeout)
}

func (s ServerConfig) GetReadHeaderTimeout() (time.Duration, error) {
	if s.ReadHeaderTimeout == "" {
		return DefaultReadHeaderTimeout, nil
	}
	return helpers.ParseDuration(s.ReadHeaderTimeout)
}

func (s ServerConfig) GetMaxIdleConnAge() (time.Duration, error) {
	if s.MaxIdleConnAge == "" {
		return DefaultMaxIdleConnAge, nil
	}
	return helpers.ParseDuration(s.MaxIdleConnAge)
}

// PolicyConfig restricts which decoded destinations the proxy will dial.
type PolicyConfig struct {
	PortMin        int      `toml:"port_min"`
	PortMax        int      `toml:"port_max"`
	DeniedNetworks []string `toml:"denied_networks"`
	AllowLoopback  bool     `toml:"allow_loopback"`
	AllowPrivate   bool     `toml:"allow_private"`
}

// StatusConfig configures the optional status/metrics HTTP listener.
type StatusConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	APIKey  string `toml:"api_key"`
}

// LoggingConfig configures output, format and level of the logger.
type LoggingConfig struct {
	Output string `toml:"output"`
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// NewDefaultConfig returns the built-in defaults, suitable for running the
// proxy on :8080 forwarding to port 80 with public destinations only.
func NewDefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:                  "nipgate",
			Addr:                  ":8080",
			DefaultPort:           80,
			MaxIdlePerDestination: 4,
		},
		Policy: PolicyConfig{
			PortMin:      1,
			PortMax:      65535,
			AllowPrivate: true,
		},
		Status: StatusConfig{
			Addr: "127.0.0.1:9090",
		},
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
	}
}

// Load decodes the TOML file at path over the existing values in cfg.
func Load(path string, cfg *Config) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for startup-fatal mistakes.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Server.DefaultPort < 1 || c.Server.DefaultPort > 65535 {
		return fmt.Errorf("server.default_port must be in 1-65535, got %d", c.Server.DefaultPort)
	}
	if _, err := c.Server.GetConnectTimeout(); err != nil {
		return fmt.Errorf("server.connect_timeout: %w", err)
	}
	if _, err := c.Server.GetIdleTimeout(); err != nil {
		return fmt.Errorf("server.idle_timeout: %w", err)
	}
	if _, err := c.Server.GetReadHeaderTimeout(); err != nil {
		return fmt.Errorf("server.read_header_timeout: %w", err)
	}
	if _, err := c.Server.GetMaxIdleConnAge(); err != nil {
		return fmt.Errorf("server.max_idle_conn_age: %w", err)
	}
	for _, n := range c.Server.TrustedNetworks {
		if err := checkNetwork(n); err != nil {
			return fmt.Errorf("server.trusted_networks: %w", err)
		}
	}

	if c.Policy.PortMin < 1 || c.Policy.PortMin > 65535 {
		return fmt.Errorf("policy.port_min must be in 1-65535, got %d", c.Policy.PortMin)
	}
	if c.Policy.PortMax < 1 || c.Policy.PortMax > 65535 {
		return fmt.Errorf("policy.port_max must be in 1-65535, got %d", c.Policy.PortMax)
	}
	if c.Policy.PortMin > c.Policy.PortMax {
		return fmt.Errorf("policy.port_min (%d) must not exceed policy.port_max (%d)", c.Policy.PortMin, c.Policy.PortMax)
	}
	for _, n := range c.Policy.DeniedNetworks {
		if err := checkNetwork(n); err != nil {
			return fmt.Errorf("policy.denied_networks: %w", err)
		}
	}

	if c.Status.Enabled && c.Status.Addr == "" {
		return fmt.Errorf("status.addr must not be empty when status.enabled is true")
	}

	return nil
}

func checkNetwork(n string) error {
	if _, _, err := net.ParseCIDR(n); err == nil {
		return nil
	}
	if ip := net.ParseIP(n); ip != nil {
		return nil
	}
	return fmt.Errorf("invalid network %q", n)
}
