package main

import (
	"fmt"

	"github.com/nstogner/agenthub/pkg/config"
	"github.com/nstogner/agenthub/pkg/ports"
	"github.com/nstogner/agenthub/pkg/sandbox"
	"github.com/nstogner/agenthub/pkg/sandbox/docker"
	"github.com/nstogner/agenthub/pkg/store/jsonfile"
)

// app holds the components every subcommand shares.
type app struct {
	runtime   *docker.Runtime
	sandboxes *sandbox.Manager
	messages  *jsonfile.Store
}

// newApp builds the components from cfg and loads both documents.
func newApp(cfg *config.Config) (*app, error) {
	rt, err := docker.New()
	if err != nil {
		return nil, err
	}

	alloc := ports.NewAllocator(
		ports.Band{Base: cfg.Ports.VNCBase, Window: cfg.Ports.Window},
		ports.Band{Base: cfg.Ports.BridgeBase, Window: cfg.Ports.Window},
		ports.NewCommandProber(),
	)
	mgr := sandbox.NewManager(rt, alloc, sandbox.Options{
		Path:            cfg.SandboxesPath(),
		Image:           cfg.Runtime.Image,
		BuildContext:    cfg.Runtime.BuildContext,
		ContainerPrefix: cfg.Runtime.ContainerPrefix,
		HubHost:         cfg.Runtime.HubHost,
		Geometry:        cfg.Runtime.Geometry,
		RequiredEnv:     cfg.Runtime.RequiredEnv,
	})
	if err := mgr.Load(); err != nil {
		rt.Close()
		return nil, fmt.Errorf("load sandboxes: %w", err)
	}

	messages := jsonfile.New(cfg.MessagesPath())
	if err := messages.Load(); err != nil {
		rt.Close()
		return nil, fmt.Errorf("load messages: %w", err)
	}

	return &app{runtime: rt, sandboxes: mgr, messages: messages}, nil
}

func (a *app) Close() error {
	return a.sandboxes.Close()
}
