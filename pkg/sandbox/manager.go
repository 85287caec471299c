package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nstogner/agenthub/pkg/apperr"
	"github.com/nstogner/agenthub/pkg/ports"
	"github.com/nstogner/agenthub/pkg/store/jsonfile"
)

const (
	// LabelManager identifies containers managed by the hub.
	LabelManager = "manager"
	// LabelManagerValue is the value of the manager label.
	LabelManagerValue = "agenthub"
	// LabelAgentID records which agent a container belongs to.
	LabelAgentID = "agent-id"

	// DefaultKind is used when a create request names no kind.
	DefaultKind = "desktop"

	// startConcurrency bounds parallel resumes in StartAll.
	startConcurrency = 4
)

// Options configures a Manager.
type Options struct {
	// Path is the sandbox list document.
	Path string
	// Image is the tag the sandbox image is built as.
	Image string
	// BuildContext is the directory holding the sandbox Dockerfile.
	BuildContext string
	// ContainerPrefix is prepended to the agent id to name the container.
	ContainerPrefix string
	// HubHost is injected as HOST_IP.
	HubHost string
	// Geometry is injected as GEOMETRY.
	Geometry string
	// RequiredEnv names host variables that must be set at creation time.
	RequiredEnv []string
	// LookupEnv reads host variables. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Manager builds, runs and resumes sandbox containers and owns the
// persisted sandbox list.
type Manager struct {
	rt    Runtime
	ports *ports.Allocator
	opts  Options

	// createMu serializes Create so probing and binding ports never
	// interleave between two creations.
	createMu sync.Mutex

	mu        sync.Mutex
	sandboxes []Sandbox
}

// NewManager creates a Manager. Call Load to read the persisted list.
func NewManager(rt Runtime, alloc *ports.Allocator, opts Options) *Manager {
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.ContainerPrefix == "" {
		opts.ContainerPrefix = "agent-"
	}
	return &Manager{
		rt:    rt,
		ports: alloc,
		opts:  opts,
	}
}

func (m *Manager) containerName(agentID string) string {
	return m.opts.ContainerPrefix + agentID
}

// Load replaces the in-memory list with the persisted document.
func (m *Manager) Load() error {
	var list []Sandbox
	if _, err := jsonfile.ReadDocument(m.opts.Path, &list); err != nil {
		return apperr.Wrap(apperr.KindIO, "load sandboxes", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sandboxes = list
	return nil
}

// saveLocked persists the list. Must be called with m.mu held. Failures
// are logged; the in-memory list stays authoritative.
func (m *Manager) saveLocked() {
	list := m.sandboxes
	if list == nil {
		list = []Sandbox{}
	}
	if err := jsonfile.WriteDocument(m.opts.Path, list); err != nil {
		slog.Error("Failed to persist sandboxes", "path", m.opts.Path, "error", err)
	}
}

// Create provisions a sandbox for req.AgentID: any container with the same
// name is removed, the image is built, and a container is run on a fresh
// port pair. On failure no record is kept, but a partially created
// container may remain on the host.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Sandbox, error) {
	if req.AgentID == "" {
		return nil, apperr.New(apperr.KindInvalid, "agent id must not be empty")
	}
	if strings.ContainsAny(req.AgentID, "/: ") {
		return nil, apperr.Newf(apperr.KindInvalid, "agent id %q contains invalid characters", req.AgentID)
	}
	if req.Kind == "" {
		req.Kind = DefaultKind
	}
	if req.DisplayName == "" {
		req.DisplayName = req.AgentID
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	credentials, err := m.credentials()
	if err != nil {
		return nil, err
	}

	if err := m.rt.Ping(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindResource, "container runtime unreachable", err)
	}

	lease, err := m.ports.Allocate(m.assignedPorts())
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	name := m.containerName(req.AgentID)
	exists, err := m.rt.Exists(ctx, name)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindResource, fmt.Sprintf("inspect container %s", name), err)
	}
	if exists {
		slog.Info("Removing existing container", "container", name)
		if err := m.rt.Remove(ctx, name); err != nil {
			return nil, apperr.Wrap(apperr.KindResource, fmt.Sprintf("remove container %s", name), err)
		}
	}

	slog.Info("Building sandbox image", "image", m.opts.Image, "context", m.opts.BuildContext)
	if err := m.rt.Build(ctx, m.opts.BuildContext, m.opts.Image); err != nil {
		return nil, apperr.Wrap(apperr.KindResource, "build sandbox image", err)
	}

	slog.Info("Starting sandbox container", "agentID", req.AgentID, "ports", lease.Pair.String())
	id, err := m.rt.Run(ctx, RunSpec{
		Name:  name,
		Image: m.opts.Image,
		Env:   m.environment(req, credentials),
		Ports: []PortBinding{
			{HostPort: lease.VNC, ContainerPort: ContainerVNCPort},
			{HostPort: lease.Bridge, ContainerPort: ContainerBridgePort},
		},
		Labels: map[string]string{
			LabelManager: LabelManagerValue,
			LabelAgentID: req.AgentID,
		},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindResource, "run sandbox container", err)
	}

	sb := Sandbox{
		ID:           id,
		AgentID:      req.AgentID,
		DisplayName:  req.DisplayName,
		Kind:         req.Kind,
		VNCPort:      lease.VNC,
		BridgePort:   lease.Bridge,
		SystemPrompt: req.SystemPrompt,
		MessageIDs:   []string{},
		CreatedAt:    time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexLocked(req.AgentID); i >= 0 {
		// Re-provisioning keeps the conversation.
		sb.MessageIDs = m.sandboxes[i].MessageIDs
		m.sandboxes[i] = sb
	} else {
		m.sandboxes = append(m.sandboxes, sb)
	}
	m.saveLocked()

	out := sb.clone()
	return &out, nil
}

// credentials resolves RequiredEnv from the host environment.
func (m *Manager) credentials() ([]string, error) {
	var env []string
	for _, name := range m.opts.RequiredEnv {
		v, ok := m.opts.LookupEnv(name)
		if !ok || v == "" {
			return nil, apperr.Newf(apperr.KindConfiguration, "%s not set", name)
		}
		env = append(env, name+"="+v)
	}
	return env, nil
}

func (m *Manager) environment(req CreateRequest, credentials []string) []string {
	env := []string{
		"CONTAINER_ID=" + req.AgentID,
		"AGENT_KIND=" + req.Kind,
		"DISPLAY=:0",
	}
	if m.opts.HubHost != "" {
		env = append(env, "HOST_IP="+m.opts.HubHost)
	}
	if m.opts.Geometry != "" {
		env = append(env, "GEOMETRY="+m.opts.Geometry)
	}
	return append(env, credentials...)
}

func (m *Manager) assignedPorts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, 2*len(m.sandboxes))
	for _, sb := range m.sandboxes {
		out = append(out, sb.VNCPort, sb.BridgePort)
	}
	return out
}

// indexLocked finds a sandbox by agent id. Must be called with m.mu held.
func (m *Manager) indexLocked(agentID string) int {
	for i, sb := range m.sandboxes {
		if sb.AgentID == agentID {
			return i
		}
	}
	return -1
}

// lookup resolves a sandbox by container id or agent id.
func (m *Manager) lookup(id string) (Sandbox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sb := range m.sandboxes {
		if sb.ID == id || sb.AgentID == id {
			return sb.clone(), true
		}
	}
	return Sandbox{}, false
}

// Start re-issues a start for a known sandbox, addressed by container id
// or agent id.
func (m *Manager) Start(ctx context.Context, id string) error {
	sb, ok := m.lookup(id)
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "sandbox %s not found", id)
	}
	if err := m.rt.Start(ctx, sb.ID); err != nil {
		return apperr.Wrap(apperr.KindResource, fmt.Sprintf("start sandbox %s", sb.AgentID), err)
	}
	return nil
}

// StartReport is the joined outcome of StartAll.
type StartReport struct {
	Started []string
	Failed  map[string]error
}

// Err joins every failure, ordered by agent id, or returns nil.
func (r *StartReport) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.Failed))
	for agentID := range r.Failed {
		ids = append(ids, agentID)
	}
	sort.Strings(ids)

	errs := make([]error, 0, len(ids))
	for _, agentID := range ids {
		errs = append(errs, fmt.Errorf("%s: %w", agentID, r.Failed[agentID]))
	}
	return errors.Join(errs...)
}

// StartAll resumes every known sandbox. Starts run concurrently and
// independently: one failure never cancels the others. It returns once
// all of them have finished.
func (m *Manager) StartAll(ctx context.Context) *StartReport {
	list := m.List()
	report := &StartReport{Failed: make(map[string]error)}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(startConcurrency)
	for _, sb := range list {
		g.Go(func() error {
			slog.Info("Starting sandbox", "agentID", sb.AgentID, "container", sb.ID)
			err := m.Start(ctx, sb.ID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Error("Failed to start sandbox", "agentID", sb.AgentID, "error", err)
				report.Failed[sb.AgentID] = err
				return nil
			}
			report.Started = append(report.Started, sb.AgentID)
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// List returns a copy of all known sandboxes in creation order.
func (m *Manager) List() []Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		out = append(out, sb.clone())
	}
	return out
}

// ByAgent returns the sandbox for an agent.
func (m *Manager) ByAgent(agentID string) (Sandbox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexLocked(agentID); i >= 0 {
		return m.sandboxes[i].clone(), true
	}
	return Sandbox{}, false
}

// SystemPrompt returns the agent's stored system prompt.
func (m *Manager) SystemPrompt(agentID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexLocked(agentID); i >= 0 {
		return m.sandboxes[i].SystemPrompt, true
	}
	return "", false
}

// MessageIDs returns a copy of the agent's ordered message ids.
func (m *Manager) MessageIDs(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexLocked(agentID); i >= 0 {
		return append([]string(nil), m.sandboxes[i].MessageIDs...)
	}
	return nil
}

// AppendMessageID records a relayed message on the agent's sandbox and
// persists the list.
func (m *Manager) AppendMessageID(agentID, messageID string) error {
	return m.update(agentID, func(sb *Sandbox) {
		sb.MessageIDs = append(sb.MessageIDs, messageID)
	})
}

// Rename changes a sandbox's display name.
func (m *Manager) Rename(agentID, name string) error {
	if strings.TrimSpace(name) == "" {
		return apperr.New(apperr.KindInvalid, "display name must not be empty")
	}
	return m.update(agentID, func(sb *Sandbox) {
		sb.DisplayName = name
	})
}

// SetSystemPrompt replaces the prompt attached to every future prompt
// relayed to the agent.
func (m *Manager) SetSystemPrompt(agentID, prompt string) error {
	return m.update(agentID, func(sb *Sandbox) {
		sb.SystemPrompt = prompt
	})
}

func (m *Manager) update(agentID string, fn func(*Sandbox)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(agentID)
	if i < 0 {
		return apperr.Newf(apperr.KindNotFound, "no sandbox for agent %s", agentID)
	}
	fn(&m.sandboxes[i])
	m.saveLocked()
	return nil
}

// Clear forgets every sandbox and deletes the document. With
// removeContainers set, containers are force-removed first; removal
// failures are logged and do not stop the clear.
func (m *Manager) Clear(ctx context.Context, removeContainers bool) error {
	if removeContainers {
		for _, sb := range m.List() {
			if err := m.rt.Remove(ctx, m.containerName(sb.AgentID)); err != nil {
				slog.Error("Failed to remove sandbox container", "agentID", sb.AgentID, "error", err)
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sandboxes = nil
	if err := jsonfile.RemoveDocument(m.opts.Path); err != nil {
		return apperr.Wrap(apperr.KindIO, "clear sandboxes", err)
	}
	return nil
}

// Close releases the runtime.
func (m *Manager) Close() error {
	return m.rt.Close()
}
