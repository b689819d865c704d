package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	Host        string `toml:"host"`
	TCPPort     int    `toml:"tcp_port"`
	HTTPPort    int    `toml:"http_port"`
	MetricsPort int    `toml:"metrics_port"`
}

type LimitsSection struct {
	MaxFrameSize          int `toml:"max_frame_size"`
	MaxMessageLength      int `toml:"max_message_length"`
	MaxUsernameLength     int `toml:"max_username_length"`
	MaxMalformedEnvelopes int `toml:"max_malformed_envelopes"`
	WriteTimeoutSeconds   int `toml:"write_timeout_seconds"`
	BroadcastWorkers      int `toml:"broadcast_workers"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	def := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			Host:        def.Host,
			TCPPort:     def.TCPPort,
			HTTPPort:    def.HTTPPort,
			MetricsPort: def.MetricsPort,
		},
		Limits: LimitsSection{
			MaxFrameSize:          int(def.MaxFrameSize),
			MaxMessageLength:      def.MaxMessageLength,
			MaxUsernameLength:     def.MaxUsernameLength,
			MaxMalformedEnvelopes: def.MaxMalformedEnvelopes,
			WriteTimeoutSeconds:   int(def.WriteTimeout / time.Second),
			BroadcastWorkers:      def.BroadcastWorkers,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// If we can't write, just run on defaults
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// ExpandHome replaces a leading "~/" with the user's home directory
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: LANCHAT_SECTION_KEY
// Example: LANCHAT_SERVER_TCP_PORT=7000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	if val := os.Getenv("LANCHAT_SERVER_HOST"); val != "" {
		config.Server.Host = val
	}
	envInt("LANCHAT_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("LANCHAT_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("LANCHAT_SERVER_METRICS_PORT", &config.Server.MetricsPort)

	// Limits section
	envInt("LANCHAT_LIMITS_MAX_FRAME_SIZE", &config.Limits.MaxFrameSize)
	envInt("LANCHAT_LIMITS_MAX_MESSAGE_LENGTH", &config.Limits.MaxMessageLength)
	envInt("LANCHAT_LIMITS_MAX_USERNAME_LENGTH", &config.Limits.MaxUsernameLength)
	envInt("LANCHAT_LIMITS_MAX_MALFORMED_ENVELOPES", &config.Limits.MaxMalformedEnvelopes)
	envInt("LANCHAT_LIMITS_WRITE_TIMEOUT_SECONDS", &config.Limits.WriteTimeoutSeconds)
	envInt("LANCHAT_LIMITS_BROADCAST_WORKERS", &config.Limits.BroadcastWorkers)

	return config
}

// envInt overwrites *dst when key holds a valid integer
func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# lanchat relay configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# LANCHAT_SECTION_KEY (e.g., LANCHAT_SERVER_TCP_PORT=7000)

[server]
# Interface to listen on (use "0.0.0.0" to accept LAN clients)
host = "127.0.0.1"

# Port for TCP chat connections
tcp_port = 65432

# Port for the WebSocket endpoint (/ws), same protocol over WebSocket
# Set to 0 to disable
http_port = 0

# Port for /metrics and /health (internal only - never expose publicly!)
# Set to 0 to disable
metrics_port = 9090

[limits]
# Maximum frame payload in bytes (also caps sticker/drawing size)
max_frame_size = 16777216

# Maximum chat message length in bytes
max_message_length = 4096

# Maximum username length in bytes
max_username_length = 32

# Consecutive undecodable envelopes tolerated before the connection is closed
max_malformed_envelopes = 10

# Seconds a single write to a client may take before that client is dropped
write_timeout_seconds = 10

# Parallel writers used per broadcast
# Uncomment to change from default (32):
# broadcast_workers = 32
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig.
// Zero values keep the defaults.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.Host) != "" {
		cfg.Host = strings.TrimSpace(c.Server.Host)
	}
	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.MetricsPort != 0 {
		cfg.MetricsPort = c.Server.MetricsPort
	}

	if c.Limits.MaxFrameSize > 0 {
		cfg.MaxFrameSize = uint32(c.Limits.MaxFrameSize)
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.MaxUsernameLength != 0 {
		cfg.MaxUsernameLength = c.Limits.MaxUsernameLength
	}
	if c.Limits.MaxMalformedEnvelopes != 0 {
		cfg.MaxMalformedEnvelopes = c.Limits.MaxMalformedEnvelopes
	}
	if c.Limits.WriteTimeoutSeconds != 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second
	}
	if c.Limits.BroadcastWorkers != 0 {
		cfg.BroadcastWorkers = c.Limits.BroadcastWorkers
	}

	return cfg
}
