package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"

	"github.com/nstogner/agenthub/pkg/sandbox"
)

// HostGateway lets a sandbox reach the hub on the docker host.
const HostGateway = "host.docker.internal:host-gateway"

// Runtime implements sandbox.Runtime on the docker engine API.
type Runtime struct {
	client *client.Client
}

// Verify interface compliance.
var _ sandbox.Runtime = (*Runtime)(nil)

// New creates a Runtime from the environment (DOCKER_HOST and friends).
func New() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Runtime{client: cli}, nil
}

func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.client.Ping(ctx); err != nil {
		return fmt.Errorf("pinging docker daemon: %w", err)
	}
	return nil
}

func (r *Runtime) Exists(ctx context.Context, name string) (bool, error) {
	_, err := r.client.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting container %s: %w", name, err)
	}
	return true, nil
}

func (r *Runtime) Remove(ctx context.Context, name string) error {
	err := r.client.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing container %s: %w", name, err)
	}
	return nil
}

// Build tars contextDir, builds it as tag and waits for the build to
// finish. Errors reported inside the build stream are returned.
func (r *Runtime) Build(ctx context.Context, contextDir, tag string) error {
	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("archiving build context %s: %w", contextDir, err)
	}
	defer buildCtx.Close()

	resp, err := r.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("building image %s: %w", tag, err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("building image %s: %w", tag, err)
	}
	return nil
}

// Run creates and starts a container for spec.
func (r *Runtime) Run(ctx context.Context, spec sandbox.RunSpec) (string, error) {
	exposed, bindings := portMap(spec.Ports)

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		ExtraHosts:   []string{HostGateway},
	}

	resp, err := r.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}
	if err := r.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return resp.ID, fmt.Errorf("starting container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	if err := r.client.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", id, err)
	}
	return nil
}

// Container is a hub-managed container as reported by the daemon.
type Container struct {
	ID      string
	Name    string
	AgentID string
	State   string
}

// List returns every container carrying the hub's manager label,
// running or not.
func (r *Runtime) List(ctx context.Context) ([]Container, error) {
	found, err := r.client.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", sandbox.LabelManager+"="+sandbox.LabelManagerValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	out := make([]Container, 0, len(found))
	for _, c := range found {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, Container{
			ID:      c.ID,
			Name:    name,
			AgentID: c.Labels[sandbox.LabelAgentID],
			State:   c.State,
		})
	}
	return out, nil
}

// Close releases the Docker client resources.
func (r *Runtime) Close() error {
	return r.client.Close()
}

// portMap publishes each binding on all host interfaces so the desktop
// viewer and in-sandbox bridge are reachable from outside the host.
func portMap(bindings []sandbox.PortBinding) (nat.PortSet, nat.PortMap) {
	exposed := make(nat.PortSet, len(bindings))
	published := make(nat.PortMap, len(bindings))
	for _, b := range bindings {
		port := nat.Port(strconv.Itoa(b.ContainerPort) + "/tcp")
		exposed[port] = struct{}{}
		published[port] = append(published[port], nat.PortBinding{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(b.HostPort),
		})
	}
	return exposed, published
}
