// Package config holds the JSON-serializable configuration surface for a
// PowerPlant, in the same nested-struct-with-json-tags shape the teacher
// repo uses for its application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds all nucleus configuration.
type Config struct {
	// ThreadCount is the number of worker threads for the default pool
	// (pool 1). Must be positive.
	ThreadCount int `json:"thread_count"`

	Network     NetworkConfig     `json:"network"`
	Logging     LoggingConfig     `json:"logging"`
	Diagnostics DiagnosticsConfig `json:"diagnostics"`

	// WatchConfig enables pkg/extension/confwatch against the file this
	// Config was loaded from (Load populates configPath below). Has no
	// effect on a Config built via Default() directly.
	WatchConfig bool `json:"watch_config"`

	configPath string
}

// ConfigPath returns the path Load read this Config from, or "" for a
// Config built via Default().
func (c *Config) ConfigPath() string {
	return c.configPath
}

// NetworkConfig configures the multicast discovery / UDP transport.
type NetworkConfig struct {
	// Enabled controls whether the transport extension is installed at
	// plant start. Disabled by default for tests that only exercise the
	// scheduler/registry.
	Enabled bool `json:"enabled"`

	// Name is this process's peer name, announced to the multicast group.
	Name string `json:"name"`

	// MulticastGroup is the discovery group address (IPv4 or IPv6 — the
	// address family of this value determines which sockets are opened).
	MulticastGroup string `json:"multicast_group"`

	// Port is the UDP port the multicast group and unicast sockets share
	// for the purposes of addressing (the unicast socket itself binds an
	// ephemeral port).
	Port int `json:"port"`

	// MTU bounds outbound fragment size; packet_data_mtu is derived from
	// this minus the wire header and IP/UDP overhead (§4.5).
	MTU int `json:"mtu"`

	// AnnounceInterval is the cadence of the announce/retransmit tick.
	AnnounceInterval time.Duration `json:"announce_interval"`
}

// LoggingConfig mirrors the teacher's LoggingConfig shape.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
	File   string `json:"file"`
}

// DiagnosticsConfig configures the optional HTTP/WebSocket introspection
// surface (pkg/diagnostics).
type DiagnosticsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// Default returns sensible defaults for a single-process, network-less
// plant; callers that want the transport enable NetworkConfig.Enabled
// and fill in MulticastGroup/Port.
func Default() *Config {
	return &Config{
		ThreadCount: 4,
		Network: NetworkConfig{
			Enabled:          false,
			Name:             "",
			MulticastGroup:   "239.226.152.162",
			Port:             7447,
			MTU:              1500,
			AnnounceInterval: time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Diagnostics: DiagnosticsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
	}
}

// Validate checks the configuration for construction-time errors (§7
// "Configuration errors: invalid multicast address, non-positive thread
// count: fail at construction; caller-visible").
func (c *Config) Validate() error {
	if c.ThreadCount <= 0 {
		return fmt.Errorf("config: thread_count must be positive, got %d", c.ThreadCount)
	}
	if c.Network.Enabled {
		if c.Network.MulticastGroup == "" {
			return fmt.Errorf("config: network.multicast_group is required when network is enabled")
		}
		if c.Network.Port <= 0 || c.Network.Port > 65535 {
			return fmt.Errorf("config: network.port must be in (0, 65535], got %d", c.Network.Port)
		}
		if c.Network.MTU <= 0 {
			return fmt.Errorf("config: network.mtu must be positive, got %d", c.Network.MTU)
		}
		if c.Network.AnnounceInterval <= 0 {
			return fmt.Errorf("config: network.announce_interval must be positive")
		}
	}
	return nil
}

// Load reads and parses a JSON configuration file, applying Default()
// values for anything the file omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.configPath = path
	return cfg, nil
}

// Save serializes the configuration as indented JSON to path.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
