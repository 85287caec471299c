package sandbox_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/agenthub/pkg/apperr"
	"github.com/nstogner/agenthub/pkg/ports"
	"github.com/nstogner/agenthub/pkg/sandbox"
)

// fakeRuntime records calls and fails on demand.
type fakeRuntime struct {
	mu sync.Mutex

	pingErr  error
	buildErr error
	runErr   error
	startErr map[string]error

	existing map[string]bool
	removed  []string
	runs     []sandbox.RunSpec
	started  []string
	nextID   int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{existing: make(map[string]bool), startErr: make(map[string]error)}
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeRuntime) Exists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[name], nil
}

func (f *fakeRuntime) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.existing, name)
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeRuntime) Build(ctx context.Context, contextDir, tag string) error { return f.buildErr }

func (f *fakeRuntime) Run(ctx context.Context, spec sandbox.RunSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return "", f.runErr
	}
	f.nextID++
	f.existing[spec.Name] = true
	f.runs = append(f.runs, spec)
	return fmt.Sprintf("container-%d", f.nextID), nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.startErr[id]; err != nil {
		return err
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeRuntime) Close() error { return nil }

func env(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func setupManager(t *testing.T, rt sandbox.Runtime, inUse ...int) (*sandbox.Manager, string) {
	path := filepath.Join(t.TempDir(), "sandboxes.json")
	busy := make(map[int]bool)
	for _, p := range inUse {
		busy[p] = true
	}
	alloc := ports.NewAllocator(
		ports.Band{Base: 5900, Window: 100},
		ports.Band{Base: 6080, Window: 100},
		ports.ProberFunc(func(p int) bool { return busy[p] }),
	)
	m := sandbox.NewManager(rt, alloc, sandbox.Options{
		Path:            path,
		Image:           "minimal-vnc-desktop",
		BuildContext:    "image",
		ContainerPrefix: "agent-",
		HubHost:         "host.docker.internal",
		Geometry:        "1920x1080",
		RequiredEnv:     []string{"ANTHROPIC_API_KEY"},
		LookupEnv:       env(map[string]string{"ANTHROPIC_API_KEY": "sk-test"}),
	})
	require.NoError(t, m.Load())
	return m, path
}

func TestManager_Create(t *testing.T) {
	rt := newFakeRuntime()
	m, _ := setupManager(t, rt, 5900)

	sb, err := m.Create(context.Background(), sandbox.CreateRequest{
		AgentID:      "a1",
		DisplayName:  "Pam",
		Kind:         "pam",
		SystemPrompt: "be brief",
	})
	require.NoError(t, err)

	assert.Equal(t, "container-1", sb.ID)
	assert.Equal(t, "a1", sb.AgentID)
	assert.Equal(t, "Pam", sb.DisplayName)
	assert.Equal(t, 5901, sb.VNCPort)
	assert.Equal(t, 6080, sb.BridgePort)
	assert.Equal(t, "be brief", sb.SystemPrompt)
	assert.Empty(t, sb.MessageIDs)

	require.Len(t, rt.runs, 1)
	spec := rt.runs[0]
	assert.Equal(t, "agent-a1", spec.Name)
	assert.Equal(t, "minimal-vnc-desktop", spec.Image)
	assert.Contains(t, spec.Env, "CONTAINER_ID=a1")
	assert.Contains(t, spec.Env, "HOST_IP=host.docker.internal")
	assert.Contains(t, spec.Env, "ANTHROPIC_API_KEY=sk-test")
	assert.Contains(t, spec.Env, "AGENT_KIND=pam")
	assert.ElementsMatch(t, []sandbox.PortBinding{
		{HostPort: 5901, ContainerPort: sandbox.ContainerVNCPort},
		{HostPort: 6080, ContainerPort: sandbox.ContainerBridgePort},
	}, spec.Ports)
	assert.Equal(t, "a1", spec.Labels[sandbox.LabelAgentID])

	got, ok := m.ByAgent("a1")
	require.True(t, ok)
	assert.Equal(t, *sb, got)
}

func TestManager_CreateDefaults(t *testing.T) {
	m, _ := setupManager(t, newFakeRuntime())

	sb, err := m.Create(context.Background(), sandbox.CreateRequest{AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "a1", sb.DisplayName)
	assert.Equal(t, sandbox.DefaultKind, sb.Kind)
}

func TestManager_CreateRemovesExistingContainer(t *testing.T) {
	rt := newFakeRuntime()
	rt.existing["agent-a1"] = true
	m, _ := setupManager(t, rt)

	_, err := m.Create(context.Background(), sandbox.CreateRequest{AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-a1"}, rt.removed)
}

func TestManager_CreateAssignsDistinctPorts(t *testing.T) {
	m, _ := setupManager(t, newFakeRuntime())

	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		sb, err := m.Create(context.Background(), sandbox.CreateRequest{AgentID: fmt.Sprintf("a%d", i)})
		require.NoError(t, err)
		assert.False(t, seen[sb.VNCPort])
		assert.False(t, seen[sb.BridgePort])
		seen[sb.VNCPort] = true
		seen[sb.BridgePort] = true
	}
	assert.Len(t, m.List(), 5)
}

func TestManager_ConcurrentCreatesNeverSharePorts(t *testing.T) {
	m, _ := setupManager(t, newFakeRuntime())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Create(context.Background(), sandbox.CreateRequest{AgentID: fmt.Sprintf("a%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	seen := make(map[int]string)
	for _, sb := range m.List() {
		for _, p := range []int{sb.VNCPort, sb.BridgePort} {
			other, dup := seen[p]
			assert.False(t, dup, "port %d shared by %s and %s", p, other, sb.AgentID)
			seen[p] = sb.AgentID
		}
	}
	assert.Len(t, seen, 20)
}

func TestManager_CreateFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(rt *fakeRuntime)
		lookup   map[string]string
		wantKind apperr.Kind
	}{
		{
			name:     "missing credential",
			setup:    func(rt *fakeRuntime) {},
			lookup:   map[string]string{},
			wantKind: apperr.KindConfiguration,
		},
		{
			name:     "daemon unreachable",
			setup:    func(rt *fakeRuntime) { rt.pingErr = errors.New("connection refused") },
			wantKind: apperr.KindResource,
		},
		{
			name:     "build failure",
			setup:    func(rt *fakeRuntime) { rt.buildErr = errors.New("Dockerfile not found") },
			wantKind: apperr.KindResource,
		},
		{
			name:     "run failure",
			setup:    func(rt *fakeRuntime) { rt.runErr = errors.New("port is already allocated") },
			wantKind: apperr.KindResource,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newFakeRuntime()
			tt.setup(rt)

			lookup := map[string]string{"ANTHROPIC_API_KEY": "sk-test"}
			if tt.lookup != nil {
				lookup = tt.lookup
			}
			path := filepath.Join(t.TempDir(), "sandboxes.json")
			alloc := ports.NewAllocator(ports.Band{Base: 5900, Window: 5}, ports.Band{Base: 6080, Window: 5}, nil)
			m := sandbox.NewManager(rt, alloc, sandbox.Options{
				Path:        path,
				RequiredEnv: []string{"ANTHROPIC_API_KEY"},
				LookupEnv:   env(lookup),
			})

			sb, err := m.Create(context.Background(), sandbox.CreateRequest{AgentID: "a1"})
			require.Error(t, err)
			assert.Nil(t, sb)
			assert.Equal(t, tt.wantKind, apperr.KindOf(err))
			assert.Empty(t, m.List())

			// A failed create must not leak its port reservation.
			lease, err := alloc.Allocate(nil)
			require.NoError(t, err)
			assert.Equal(t, 5900, lease.VNC)
		})
	}
}

func TestManager_CreateRejectsBadAgentID(t *testing.T) {
	m, _ := setupManager(t, newFakeRuntime())

	_, err := m.Create(context.Background(), sandbox.CreateRequest{})
	assert.Equal(t, apperr.KindInvalid, apperr.KindOf(err))

	_, err = m.Create(context.Background(), sandbox.CreateRequest{AgentID: "a/b"})
	assert.Equal(t, apperr.KindInvalid, apperr.KindOf(err))
}

func TestManager_PersistAndReload(t *testing.T) {
	rt := newFakeRuntime()
	m, path := setupManager(t, rt)

	_, err := m.Create(context.Background(), sandbox.CreateRequest{AgentID: "a1", SystemPrompt: "p1"})
	require.NoError(t, err)
	require.NoError(t, m.AppendMessageID("a1", "m1"))
	require.NoError(t, m.AppendMessageID("a1", "m2"))
	require.NoError(t, m.Rename("a1", "Renamed"))
	require.NoError(t, m.SetSystemPrompt("a1", "p2"))

	reloaded := sandbox.NewManager(rt, nil, sandbox.Options{Path: path})
	require.NoError(t, reloaded.Load())

	assert.Equal(t, m.List(), reloaded.List())
	assert.Equal(t, []string{"m1", "m2"}, reloaded.MessageIDs("a1"))
	prompt, ok := reloaded.SystemPrompt("a1")
	require.True(t, ok)
	assert.Equal(t, "p2", prompt)
	sb, _ := reloaded.ByAgent("a1")
	assert.Equal(t, "Renamed", sb.DisplayName)
}

func TestManager_RecreateKeepsMessages(t *testing.T) {
	rt := newFakeRuntime()
	m, _ := setupManager(t, rt)

	first, err := m.Create(context.Background(), sandbox.CreateRequest{AgentID: "a1"})
	require.NoError(t, err)
	require.NoError(t, m.AppendMessageID("a1", "m1"))

	second, err := m.Create(context.Background(), sandbox.CreateRequest{AgentID: "a1"})
	require.NoError(t, err)

	assert.Len(t, m.List(), 1)
	assert.Equal(t, []string{"m1"}, second.MessageIDs)
	assert.NotEqual(t, first.VNCPort, second.VNCPort)
	assert.Equal(t, []string{"agent-a1"}, rt.removed)
}

func TestManager_UpdatesUnknownAgent(t *testing.T) {
	m, _ := setupManager(t, newFakeRuntime())

	assert.True(t, apperr.IsNotFound(m.AppendMessageID("ghost", "m1")))
	assert.True(t, apperr.IsNotFound(m.Rename("ghost", "x")))
	assert.True(t, apperr.IsNotFound(m.SetSystemPrompt("ghost", "x")))
	assert.Nil(t, m.MessageIDs("ghost"))
	_, ok := m.SystemPrompt("ghost")
	assert.False(t, ok)
	assert.Equal(t, apperr.KindInvalid, apperr.KindOf(m.Rename("ghost", " ")))
}

func TestManager_Start(t *testing.T) {
	rt := newFakeRuntime()
	m, _ := setupManager(t, rt)

	sb, err := m.Create(context.Background(), sandbox.CreateRequest{AgentID: "a1"})
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background(), "a1"))
	require.NoError(t, m.Start(context.Background(), sb.ID))
	assert.Equal(t, []string{sb.ID, sb.ID}, rt.started)

	err = m.Start(context.Background(), "ghost")
	assert.True(t, apperr.IsNotFound(err))
}

func TestManager_StartAllAggregatesFailures(t *testing.T) {
	rt := newFakeRuntime()
	m, _ := setupManager(t, rt)

	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := m.Create(context.Background(), sandbox.CreateRequest{AgentID: id})
		require.NoError(t, err)
	}
	a2, _ := m.ByAgent("a2")
	rt.startErr[a2.ID] = errors.New("no such container")

	report := m.StartAll(context.Background())

	assert.ElementsMatch(t, []string{"a1", "a3"}, report.Started)
	require.Len(t, report.Failed, 1)
	assert.Contains(t, report.Failed, "a2")
	require.Error(t, report.Err())
	assert.Contains(t, report.Err().Error(), "a2")
	assert.Len(t, rt.started, 2)
}

func TestManager_StartAllEmpty(t *testing.T) {
	m, _ := setupManager(t, newFakeRuntime())

	report := m.StartAll(context.Background())
	assert.Empty(t, report.Started)
	assert.NoError(t, report.Err())
}

func TestManager_Clear(t *testing.T) {
	rt := newFakeRuntime()
	m, path := setupManager(t, rt)

	_, err := m.Create(context.Background(), sandbox.CreateRequest{AgentID: "a1"})
	require.NoError(t, err)

	require.NoError(t, m.Clear(context.Background(), true))
	assert.Empty(t, m.List())
	assert.Equal(t, []string{"agent-a1"}, rt.removed)

	reloaded := sandbox.NewManager(rt, nil, sandbox.Options{Path: path})
	require.NoError(t, reloaded.Load())
	assert.Empty(t, reloaded.List())
}
