package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the hub.
type Config struct {
	// Server configures the transport endpoint and REST API.
	Server ServerConfig `yaml:"server"`

	// DataDir is the application-private directory holding the sandbox
	// and message documents.
	DataDir string `yaml:"data_dir"`

	// Runtime configures how sandbox containers are built and run.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Ports configures the two host port bands handed to sandboxes.
	Ports PortsConfig `yaml:"ports"`

	// Relay configures message forwarding.
	Relay RelayConfig `yaml:"relay"`

	// Log configures the process logger.
	Log LogConfig `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Address is the listen address (host:port).
	Address string `yaml:"address"`

	// WebSocketPath is the path agents and the console connect to.
	WebSocketPath string `yaml:"ws_path"`

	// MaxFrameBytes bounds a single inbound frame. Prompts may carry files.
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`
}

// RuntimeConfig configures the sandbox image and container environment.
type RuntimeConfig struct {
	// Image is the tag the sandbox image is built as.
	Image string `yaml:"image"`

	// BuildContext is the directory holding the sandbox Dockerfile.
	BuildContext string `yaml:"build_context"`

	// ContainerPrefix is prepended to the agent id to form the container name.
	ContainerPrefix string `yaml:"container_prefix"`

	// HubHost is injected as HOST_IP so the agent can dial back to the hub.
	HubHost string `yaml:"hub_host"`

	// Geometry is the virtual display size.
	Geometry string `yaml:"geometry"`

	// RequiredEnv lists host environment variables that must be set at
	// creation time; their values are passed into the sandbox.
	RequiredEnv []string `yaml:"required_env"`
}

// PortsConfig configures the vnc and bridge port bands.
type PortsConfig struct {
	VNCBase    int `yaml:"vnc_base"`
	BridgeBase int `yaml:"bridge_base"`
	Window     int `yaml:"window"`
}

// RelayConfig configures the relay protocol handler.
type RelayConfig struct {
	// ChunkSize is the maximum size in bytes of one chunk's data.
	ChunkSize int `yaml:"chunk_size"`

	// HistorySize is how many agent messages are attached to a prompt.
	HistorySize int `yaml:"history_size"`

	// OutboundQueue is the per-connection send queue length.
	OutboundQueue int `yaml:"outbound_queue"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Server: ServerConfig{
			Address:       "0.0.0.0:3030",
			WebSocketPath: "/ws",
			MaxFrameBytes: 64 << 20,
		},
		DataDir: filepath.Join(home, ".agenthub", "data"),
		Runtime: RuntimeConfig{
			Image:           "minimal-vnc-desktop",
			BuildContext:    "image",
			ContainerPrefix: "agent-",
			HubHost:         "host.docker.internal",
			Geometry:        "1920x1080",
			RequiredEnv:     []string{"ANTHROPIC_API_KEY"},
		},
		Ports: PortsConfig{
			VNCBase:    5900,
			BridgeBase: 6080,
			Window:     100,
		},
		Relay: RelayConfig{
			ChunkSize:     1024,
			HistorySize:   5,
			OutboundQueue: 256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns ~/.agenthub/config.yaml.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agenthub", "config.yaml")
}

// Load reads configuration from a YAML file, falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks for settings the hub cannot run with.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Ports.Window <= 0 {
		return fmt.Errorf("ports.window must be positive, got %d", c.Ports.Window)
	}
	vncEnd := c.Ports.VNCBase + c.Ports.Window
	bridgeEnd := c.Ports.BridgeBase + c.Ports.Window
	if c.Ports.VNCBase < bridgeEnd && c.Ports.BridgeBase < vncEnd {
		return fmt.Errorf("port bands overlap: vnc %d-%d, bridge %d-%d",
			c.Ports.VNCBase, vncEnd-1, c.Ports.BridgeBase, bridgeEnd-1)
	}
	if vncEnd > 65536 || bridgeEnd > 65536 || c.Ports.VNCBase <= 0 || c.Ports.BridgeBase <= 0 {
		return fmt.Errorf("port bands must lie within 1-65535")
	}
	if c.Relay.ChunkSize < 4 {
		return fmt.Errorf("relay.chunk_size must be at least 4 bytes, got %d", c.Relay.ChunkSize)
	}
	if c.Relay.HistorySize < 1 {
		return fmt.Errorf("relay.history_size must be positive")
	}
	return nil
}

// SandboxesPath is the location of the persisted sandbox list.
func (c *Config) SandboxesPath() string {
	return filepath.Join(c.DataDir, "sandboxes.json")
}

// MessagesPath is the location of the persisted message map.
func (c *Config) MessagesPath() string {
	return filepath.Join(c.DataDir, "messages.json")
}
