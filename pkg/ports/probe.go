package ports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

const probeTimeout = 2 * time.Second

// CommandProber asks the OS which ports are in use via ss (linux) or
// lsof (darwin). When the tool is missing it falls back to a bind test.
type CommandProber struct {
	// Run executes a command and returns its stdout. Tests replace it.
	Run func(ctx context.Context, name string, args ...string) ([]byte, error)

	fallback ListenProber
}

// NewCommandProber creates a prober for the current OS.
func NewCommandProber() *CommandProber {
	return &CommandProber{Run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// InUse reports whether anything is listening on (or connected from) port.
func (p *CommandProber) InUse(port int) bool {
	name, args := probeCommand(runtime.GOOS, port)
	if name == "" {
		return p.fallback.InUse(port)
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	out, err := p.Run(ctx, name, args...)
	if err != nil {
		// lsof exits 1 when nothing matches.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(out) == 0 {
			return false
		}
		slog.Debug("Port probe command failed, falling back to bind test", "port", port, "command", name, "error", err)
		return p.fallback.InUse(port)
	}
	return hasListener(name, string(out))
}

func probeCommand(goos string, port int) (string, []string) {
	switch goos {
	case "linux":
		return "ss", []string{"-Htan", "sport", fmt.Sprintf("= :%d", port)}
	case "darwin":
		return "lsof", []string{"-nP", fmt.Sprintf("-iTCP:%d", port)}
	default:
		return "", nil
	}
}

// hasListener interprets probe output. ss prints nothing but an optional
// header when no socket matches; lsof prints nothing at all.
func hasListener(command, out string) bool {
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if command == "ss" && strings.HasPrefix(line, "State") {
			continue
		}
		if command == "lsof" && strings.HasPrefix(line, "COMMAND") {
			continue
		}
		return true
	}
	return false
}

// ListenProber tests a port by binding to it on all interfaces.
type ListenProber struct{}

func (ListenProber) InUse(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return true
	}
	l.Close()
	return false
}
