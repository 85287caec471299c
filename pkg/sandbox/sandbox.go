package sandbox

import (
	"context"
	"time"
)

// Container ports inside every sandbox image.
const (
	ContainerVNCPort    = 5900
	ContainerBridgePort = 6080
)

// Sandbox is a provisioned container running a remote desktop for one agent.
type Sandbox struct {
	// ID is the container id reported by the runtime.
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	DisplayName  string    `json:"display_name"`
	Kind         string    `json:"kind"`
	VNCPort      int       `json:"vnc_port"`
	BridgePort   int       `json:"bridge_port"`
	SystemPrompt string    `json:"system_prompt"`
	MessageIDs   []string  `json:"message_ids"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s Sandbox) clone() Sandbox {
	s.MessageIDs = append([]string(nil), s.MessageIDs...)
	return s
}

// CreateRequest describes a sandbox to provision.
type CreateRequest struct {
	AgentID      string `json:"agent_id"`
	DisplayName  string `json:"display_name"`
	Kind         string `json:"kind"`
	SystemPrompt string `json:"system_prompt"`
}

// PortBinding maps a host port to a container port (tcp).
type PortBinding struct {
	HostPort      int
	ContainerPort int
}

// RunSpec is everything the runtime needs to run a sandbox container.
type RunSpec struct {
	Name   string
	Image  string
	Env    []string
	Ports  []PortBinding
	Labels map[string]string
}

// Runtime is the container runtime the lifecycle manager drives.
type Runtime interface {
	// Ping checks that the runtime daemon is reachable.
	Ping(ctx context.Context) error

	// Exists reports whether a container with the given name exists.
	Exists(ctx context.Context, name string) (bool, error)

	// Remove force-removes a container. Removing a missing container is
	// not an error.
	Remove(ctx context.Context, name string) error

	// Build builds the image in contextDir and tags it.
	Build(ctx context.Context, contextDir, tag string) error

	// Run creates and starts a container, returning its id.
	Run(ctx context.Context, spec RunSpec) (string, error)

	// Start starts an existing container by id or name.
	Start(ctx context.Context, id string) error

	// Close releases any resources held by the runtime (e.g. docker client).
	Close() error
}
