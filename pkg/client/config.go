package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the client config file
type TOMLConfig struct {
	Broker    BrokerSection    `toml:"broker"`
	Directory DirectorySection `toml:"directory"`
	Timing    TimingSection    `toml:"timing"`
	Client    ClientSection    `toml:"client"`
	Metrics   MetricsSection   `toml:"metrics"`
}

type BrokerSection struct {
	URL                 string `toml:"url"`
	HeartbeatIntervalMS int    `toml:"heartbeat_interval_ms"`
	ReconnectDelayMS    int    `toml:"reconnect_delay_ms"`
	OutgoingQueueSize   int    `toml:"outgoing_queue_size"`
}

type DirectorySection struct {
	BaseURL          string `toml:"base_url"`
	RequestTimeoutMS int    `toml:"request_timeout_ms"`
}

type TimingSection struct {
	TypingDebounceMS int `toml:"typing_debounce_ms"`
	TypingExpiryMS   int `toml:"typing_expiry_ms"`
	EchoWindowMS     int `toml:"echo_window_ms"`
}

type ClientSection struct {
	StatePath string `toml:"state_path"`
}

type MetricsSection struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// DefaultTOMLConfig returns the default client configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Broker: BrokerSection{
			URL:                 "ws://localhost:8080/ws",
			HeartbeatIntervalMS: 4000,
			ReconnectDelayMS:    5000,
			OutgoingQueueSize:   100,
		},
		Directory: DirectorySection{
			BaseURL:          "http://localhost:8080",
			RequestTimeoutMS: 10000,
		},
		Timing: TimingSection{
			TypingDebounceMS: 500,
			TypingExpiryMS:   3000,
			EchoWindowMS:     10000,
		},
		Client: ClientSection{
			StatePath: "~/.kjnchat/state.db",
		},
		Metrics: MetricsSection{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9101",
		},
	}
}

// SessionConfig converts the timing section to a session configuration
func (c TOMLConfig) SessionConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	if c.Timing.TypingDebounceMS > 0 {
		cfg.TypingDebounce = time.Duration(c.Timing.TypingDebounceMS) * time.Millisecond
	}
	if c.Timing.TypingExpiryMS > 0 {
		cfg.TypingExpiry = time.Duration(c.Timing.TypingExpiryMS) * time.Millisecond
	}
	if c.Timing.EchoWindowMS > 0 {
		cfg.EchoWindow = time.Duration(c.Timing.EchoWindowMS) * time.Millisecond
	}
	if c.Directory.RequestTimeoutMS > 0 {
		cfg.FetchTimeout = time.Duration(c.Directory.RequestTimeoutMS) * time.Millisecond
	}
	return cfg
}

// ExpandPath expands a leading ~/ to the user's home directory
func ExpandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, create default config
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			// If we can't write, just return defaults without error
			// (might be a permissions issue, but we can still run)
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	// Load from file
	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: KJNCHAT_SECTION_KEY
// Example: KJNCHAT_BROKER_URL=ws://chat.example.com/ws
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Broker section
	if val := os.Getenv("KJNCHAT_BROKER_URL"); val != "" {
		config.Broker.URL = val
	}
	if val := os.Getenv("KJNCHAT_BROKER_HEARTBEAT_INTERVAL_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			config.Broker.HeartbeatIntervalMS = ms
		}
	}
	if val := os.Getenv("KJNCHAT_BROKER_RECONNECT_DELAY_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			config.Broker.ReconnectDelayMS = ms
		}
	}
	if val := os.Getenv("KJNCHAT_BROKER_OUTGOING_QUEUE_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			config.Broker.OutgoingQueueSize = size
		}
	}

	// Directory section
	if val := os.Getenv("KJNCHAT_DIRECTORY_BASE_URL"); val != "" {
		config.Directory.BaseURL = val
	}
	if val := os.Getenv("KJNCHAT_DIRECTORY_REQUEST_TIMEOUT_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			config.Directory.RequestTimeoutMS = ms
		}
	}

	// Timing section
	if val := os.Getenv("KJNCHAT_TIMING_TYPING_DEBOUNCE_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			config.Timing.TypingDebounceMS = ms
		}
	}
	if val := os.Getenv("KJNCHAT_TIMING_TYPING_EXPIRY_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			config.Timing.TypingExpiryMS = ms
		}
	}
	if val := os.Getenv("KJNCHAT_TIMING_ECHO_WINDOW_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			config.Timing.EchoWindowMS = ms
		}
	}

	// Client section
	if val := os.Getenv("KJNCHAT_CLIENT_STATE_PATH"); val != "" {
		config.Client.StatePath = val
	}

	// Metrics section
	if val := os.Getenv("KJNCHAT_METRICS_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			config.Metrics.Enabled = enabled
		}
	}
	if val := os.Getenv("KJNCHAT_METRICS_LISTEN_ADDR"); val != "" {
		config.Metrics.ListenAddr = val
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Create file
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# KJN Chat Client Configuration
# This file was auto-generated with default values
# Settings below are active - modify them to change client behavior
#
# Environment variables can override these settings:
# KJNCHAT_SECTION_KEY (e.g., KJNCHAT_BROKER_URL=ws://chat.example.com/ws)

[broker]
# WebSocket URL of the message broker
url = "ws://localhost:8080/ws"

# Heartbeat ping interval in milliseconds
heartbeat_interval_ms = 4000

# Delay between reconnection attempts in milliseconds
reconnect_delay_ms = 5000

# Size of the outgoing frame queue
outgoing_queue_size = 100

[directory]
# Base URL of the user/group directory API
base_url = "http://localhost:8080"

# Timeout for directory requests in milliseconds
request_timeout_ms = 10000

[timing]
# Quiet period before a typing signal is published
typing_debounce_ms = 500

# How long a received typing signal stays visible without refresh
typing_expiry_ms = 3000

# How long a locally echoed message waits for its broker copy
echo_window_ms = 10000

[client]
# Path to the SQLite state database
state_path = "~/.kjnchat/state.db"

[metrics]
# Serve Prometheus metrics on listen_addr when enabled
enabled = false
listen_addr = "127.0.0.1:9101"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
