// Package config provides configuration parsing and validation for the Metroo relay.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/metroo-relay/internal/logging"
	"github.com/postalsys/metroo-relay/internal/protocol"
)

// Config represents the complete relay configuration.
type Config struct {
	Relay  RelayConfig  `yaml:"relay"`
	Auth   AuthConfig   `yaml:"auth"`
	Log    LogConfig    `yaml:"log"`
	Health HealthConfig `yaml:"health"`
}

// RelayConfig contains the control socket and connection settings.
type RelayConfig struct {
	Listen         string          `yaml:"listen"`          // control socket address
	PortRange      PortRangeConfig `yaml:"port_range"`      // ports handed out as connection IDs
	ConnTTL        time.Duration   `yaml:"conn_ttl"`        // lifetime without a refresh
	SweepInterval  time.Duration   `yaml:"sweep_interval"`  // expiry sweep period
	MaxConnections int             `yaml:"max_connections"` // 0 = bounded by the port range
	AllowUnsafe    bool            `yaml:"allow_unsafe"`    // admit unencrypted sessions
	Upstream       string          `yaml:"upstream"`        // where DATA payloads are forwarded
	HelloRate      float64         `yaml:"hello_rate"`      // CLIENTHELLO per second, 0 = unlimited
	HelloBurst     int             `yaml:"hello_burst"`
	HelloWindow    time.Duration   `yaml:"hello_window"`  // accepted CLIENTHELLO clock skew
	SocketBuffer   int             `yaml:"socket_buffer"` // SO_RCVBUF/SO_SNDBUF of the control socket, 0 = OS default
	TOS            int             `yaml:"tos"`           // IP TOS / traffic class of relay sockets, 0 = unset
}

// PortRangeConfig is an inclusive port range.
type PortRangeConfig struct {
	Min uint16 `yaml:"min"`
	Max uint16 `yaml:"max"`
}

// AuthConfig points at the users file.
type AuthConfig struct {
	UsersFile string `yaml:"users_file"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// HealthConfig configures the health check HTTP server.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Listen: fmt.Sprintf("0.0.0.0:%d", protocol.ControlPort),
			PortRange: PortRangeConfig{
				Min: 40000,
				Max: 50000,
			},
			ConnTTL:       protocol.DefaultConnLifetime,
			SweepInterval: 5 * time.Second,
			HelloRate:     50,
			HelloBurst:    100,
			HelloWindow:   30 * time.Second,
			SocketBuffer:  1 << 20,
		},
		Auth: AuthConfig{
			UsersFile: "./users.yaml",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := ExpandEnv(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// ExpandEnv replaces ${VAR}, ${VAR:-default} and $VAR references with
// environment values. Unset variables without a default are kept verbatim.
func ExpandEnv(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Relay
	if err := validateAddress(c.Relay.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("relay.listen: %v", err))
	}
	if c.Relay.PortRange.Min == 0 {
		errs = append(errs, "relay.port_range.min must be positive")
	}
	if c.Relay.PortRange.Max < c.Relay.PortRange.Min {
		errs = append(errs, fmt.Sprintf("relay.port_range is empty (%d-%d)", c.Relay.PortRange.Min, c.Relay.PortRange.Max))
	}
	if c.Relay.ConnTTL <= 0 {
		errs = append(errs, "relay.conn_ttl must be positive")
	}
	if c.Relay.SweepInterval <= 0 {
		errs = append(errs, "relay.sweep_interval must be positive")
	}
	if c.Relay.MaxConnections < 0 {
		errs = append(errs, "relay.max_connections must not be negative")
	}
	if c.Relay.Upstream != "" {
		if err := validateAddress(c.Relay.Upstream); err != nil {
			errs = append(errs, fmt.Sprintf("relay.upstream: %v", err))
		}
	}
	if c.Relay.HelloRate < 0 {
		errs = append(errs, "relay.hello_rate must not be negative")
	}
	if c.Relay.HelloRate > 0 && c.Relay.HelloBurst < 1 {
		errs = append(errs, "relay.hello_burst must be at least 1 when hello_rate is set")
	}
	if c.Relay.HelloWindow <= 0 {
		errs = append(errs, "relay.hello_window must be positive")
	}

	if c.Relay.SocketBuffer < 0 {
		errs = append(errs, "relay.socket_buffer must not be negative")
	}
	if c.Relay.TOS < 0 || c.Relay.TOS > 255 {
		errs = append(errs, fmt.Sprintf("relay.tos must be between 0 and 255, got %d", c.Relay.TOS))
	}

	// Auth
	if c.Auth.UsersFile == "" {
		errs = append(errs, "auth.users_file is required")
	}

	// Logging
	if !logging.IsValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !logging.IsValidFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	// Health
	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func validateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return nil
}

// String returns a YAML representation of the config (for debugging).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
