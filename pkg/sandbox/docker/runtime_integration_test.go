package docker_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/agenthub/pkg/sandbox"
	"github.com/nstogner/agenthub/pkg/sandbox/docker"
)

func TestIntegration_Runtime_Lifecycle(t *testing.T) {
	if os.Getenv("DOCKER_HOST") == "" {
		t.Skip("Skipping integration test: DOCKER_HOST not set")
	}

	rt, err := docker.New()
	if err != nil {
		t.Skipf("Skipping test: Docker not available or failed to init: %v", err)
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := rt.Ping(ctx); err != nil {
		t.Skipf("Skipping test: Docker daemon unreachable: %v", err)
	}

	dir := t.TempDir()
	dockerfile := "FROM busybox:latest\nCMD [\"sleep\", \"300\"]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(dockerfile), 0644))

	tag := "agenthub-test:" + uuid.NewString()[:8]
	require.NoError(t, rt.Build(ctx, dir, tag))

	agentID := uuid.NewString()
	name := "agenthub-test-" + agentID
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt.Remove(cleanupCtx, name)
	}()

	exists, err := rt.Exists(ctx, name)
	require.NoError(t, err)
	assert.False(t, exists)

	id, err := rt.Run(ctx, sandbox.RunSpec{
		Name:  name,
		Image: tag,
		Env:   []string{"CONTAINER_ID=" + agentID},
		Labels: map[string]string{
			sandbox.LabelManager: sandbox.LabelManagerValue,
			sandbox.LabelAgentID: agentID,
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	exists, err = rt.Exists(ctx, name)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, rt.Start(ctx, id))

	containers, err := rt.List(ctx)
	require.NoError(t, err)
	var found bool
	for _, c := range containers {
		if c.AgentID == agentID {
			found = true
			assert.Equal(t, name, c.Name)
		}
	}
	assert.True(t, found)

	require.NoError(t, rt.Remove(ctx, name))
	require.NoError(t, rt.Remove(ctx, name))
}
