// Package config provides configuration parsing and validation for quictun.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"
)

// Config represents the complete client configuration.
type Config struct {
	Relay   RelayConfig   `yaml:"relay"`
	SOCKS5  SOCKS5Config  `yaml:"socks5"`
	UDP     UDPConfig     `yaml:"udp"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// RelayConfig defines how to reach and authenticate with the relay server.
type RelayConfig struct {
	Address            string        `yaml:"address"`              // host:port of the relay
	ServerName         string        `yaml:"server_name"`          // TLS server name, defaults to the address host
	IP                 string        `yaml:"ip"`                   // optional IP override for the relay host
	Token              string        `yaml:"token"`                // shared authentication token
	CA                 string        `yaml:"ca"`                   // CA certificate file path
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"` // skip verification (dev only)
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	Retries            int           `yaml:"retries"`      // dial attempts before giving up
	IdleTimeout        time.Duration `yaml:"idle_timeout"` // close the connection after this long with no tasks
	KeepAlive          time.Duration `yaml:"keep_alive"`   // QUIC keep-alive period, 0 disables
	ReduceRTT          bool          `yaml:"reduce_rtt"`   // use 0-RTT resumption when available
}

// SOCKS5Config defines the local SOCKS5 listener.
type SOCKS5Config struct {
	Address        string `yaml:"address"`
	AllowExternal  bool   `yaml:"allow_external"` // accept connections from non-loopback sources
	Username       string `yaml:"username"`       // enables username/password auth when set
	Password       string `yaml:"password"`
	MaxConnections int    `yaml:"max_connections"`
}

// UDPConfig defines UDP relay tuning.
type UDPConfig struct {
	MaxPacketSize     int           `yaml:"max_packet_size"`    // per-message budget on the wire
	ReassemblyTimeout time.Duration `yaml:"reassembly_timeout"` // discard incomplete packets after this long
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			ConnectTimeout: 10 * time.Second,
			Retries:        3,
			IdleTimeout:    60 * time.Second,
			KeepAlive:      15 * time.Second,
		},
		SOCKS5: SOCKS5Config{
			Address:        "127.0.0.1:1080",
			MaxConnections: 1000,
		},
		UDP: UDPConfig{
			MaxPacketSize:     1350,
			ReassemblyTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9090",
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
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		// Simple lookup
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Relay.Address == "" {
		errs = append(errs, "relay.address is required")
	}
	if c.Relay.Token == "" {
		errs = append(errs, "relay.token is required")
	}
	if c.Relay.Retries < 1 {
		errs = append(errs, "relay.retries must be positive")
	}
	if c.Relay.IdleTimeout < 0 {
		errs = append(errs, "relay.idle_timeout must not be negative")
	}

	if c.SOCKS5.Address == "" {
		errs = append(errs, "socks5.address is required")
	}
	if c.SOCKS5.MaxConnections < 1 {
		errs = append(errs, "socks5.max_connections must be positive")
	}
	if (c.SOCKS5.Username == "") != (c.SOCKS5.Password == "") {
		errs = append(errs, "socks5.username and socks5.password must be set together")
	}

	// The packet header alone needs 8 bytes plus at least a 1-byte
	// address; anything this small cannot carry payload.
	if c.UDP.MaxPacketSize < 64 {
		errs = append(errs, "udp.max_packet_size must be at least 64")
	}
	if c.UDP.MaxPacketSize > 65535 {
		errs = append(errs, "udp.max_packet_size must fit in 16 bits")
	}
	if c.UDP.ReassemblyTimeout < time.Second {
		errs = append(errs, "udp.reassembly_timeout must be at least 1s")
	}

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// TokenHash returns the 64-bit digest of the shared token that is sent
// in the authentication header. The relay stores the same digest.
func (c *Config) TokenHash() uint64 {
	return xxhash.Sum64String(c.Relay.Token)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (for debugging).
// Sensitive values are redacted.
func (c *Config) String() string {
	redacted := *c
	if redacted.Relay.Token != "" {
		redacted.Relay.Token = "[REDACTED]"
	}
	if redacted.SOCKS5.Password != "" {
		redacted.SOCKS5.Password = "[REDACTED]"
	}
	data, _ := yaml.Marshal(&redacted)
	return string(data)
}
