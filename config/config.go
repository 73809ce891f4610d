package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/sakthipriyas/spead2/errors"
)

// Config is the receiver daemon configuration
type Config struct {
	// LogLevel is one of debug, info, warn, error
	LogLevel string `json:"log_level"`

	Metrics MetricsConfig  `json:"metrics"`
	NATS    NATSConfig     `json:"nats"`
	Stream  StreamConfig   `json:"stream"`
	Readers []ReaderConfig `json:"readers"`
}

// MetricsConfig configures the Prometheus exposition endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// NATSConfig configures the heap forwarder output
type NATSConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Subject string `json:"subject"`
}

// StreamConfig configures the ring stream
type StreamConfig struct {
	Name            string `json:"name"`
	MaxHeaps        int    `json:"max_heaps"`
	RingHeaps       int    `json:"ring_heaps"`
	AllowIncomplete bool   `json:"allow_incomplete"`
	BugCompat       uint32 `json:"bug_compat"`
}

// ReaderConfig configures one packet source
type ReaderConfig struct {
	// Type is one of udp, bypass, websocket
	Type string `json:"type"`

	// Endpoint is the host:port for udp and bypass readers
	Endpoint string `json:"endpoint"`

	// Technology and Interface select the bypass driver
	Technology string `json:"technology"`
	Interface  string `json:"interface"`

	// URL is the websocket endpoint for websocket readers
	URL string `json:"url"`

	MaxSize          int    `json:"max_size"`
	BufferSize       int    `json:"buffer_size"`
	MmsgCount        int    `json:"mmsg_count"`
	InterfaceAddress string `json:"interface_address"`
	InterfaceIndex   int    `json:"interface_index"`
}

// Default returns the configuration defaults
func Default() Config {
	return Config{
		LogLevel: "info",
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		NATS: NATSConfig{
			Enabled: true,
			URL:     "nats://127.0.0.1:4222",
			Subject: "telemetry.heaps",
		},
		Stream: StreamConfig{
			Name:      "spead-recv",
			MaxHeaps:  4,
			RingHeaps: 4,
		},
	}
}

// Load reads a JSON config file, applies defaults, and validates
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "file read")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "JSON parsing")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown log level %q: %w", c.LogLevel, errors.ErrInvalidConfig),
			"config", "Validate", "log level validation")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(
			fmt.Errorf("metrics port %d out of range: %w", c.Metrics.Port, errors.ErrInvalidConfig),
			"config", "Validate", "metrics validation")
	}

	if c.NATS.Enabled && c.NATS.Subject == "" {
		return errors.WrapInvalid(
			fmt.Errorf("NATS enabled without subject: %w", errors.ErrMissingConfig),
			"config", "Validate", "NATS validation")
	}

	if len(c.Readers) == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("no readers configured: %w", errors.ErrMissingConfig),
			"config", "Validate", "reader validation")
	}
	for i, r := range c.Readers {
		if err := r.validate(); err != nil {
			return errors.Wrap(err, "config", "Validate", fmt.Sprintf("reader %d", i))
		}
	}
	return nil
}

func (r *ReaderConfig) validate() error {
	switch r.Type {
	case "udp":
		if _, _, err := net.SplitHostPort(r.Endpoint); err != nil {
			return fmt.Errorf("udp reader endpoint %q: %w", r.Endpoint, errors.ErrInvalidConfig)
		}
	case "bypass":
		if r.Technology == "" || r.Interface == "" {
			return fmt.Errorf("bypass reader needs technology and interface: %w", errors.ErrMissingConfig)
		}
		if _, _, err := net.SplitHostPort(r.Endpoint); err != nil {
			return fmt.Errorf("bypass reader endpoint %q: %w", r.Endpoint, errors.ErrInvalidConfig)
		}
	case "websocket":
		if r.URL == "" {
			return fmt.Errorf("websocket reader needs a URL: %w", errors.ErrMissingConfig)
		}
	default:
		return fmt.Errorf("unknown reader type %q: %w", r.Type, errors.ErrInvalidConfig)
	}
	return nil
}
