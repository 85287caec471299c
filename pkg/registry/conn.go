package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned when sending to a connection that has gone away.
var ErrClosed = errors.New("connection closed")

// Transport is the write side of a peer connection.
type Transport interface {
	WriteMessage(data []byte) error
	Close() error
}

// Role is what a connection announced itself as in its init envelope.
type Role string

const (
	RoleUnknown Role = ""
	RoleAgent   Role = "agent"
	RoleClient  Role = "client"
)

// PromptState is an agent's prompt_running status.
type PromptState string

const (
	StateStopped PromptState = "stopped"
	StateRunning PromptState = "running"
	StateLoading PromptState = "loading"
	StateNA      PromptState = "na"
)

// ParseState validates a prompt_running value.
func ParseState(s string) (PromptState, error) {
	switch st := PromptState(s); st {
	case StateStopped, StateRunning, StateLoading, StateNA:
		return st, nil
	}
	return "", fmt.Errorf("unknown prompt state %q", s)
}

// Conn is one peer connection. Outbound frames are queued by Send and
// written by Run, so no caller ever blocks on the transport while holding
// shared state.
type Conn struct {
	id        string
	transport Transport
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	role    Role
	agentID string
	state   PromptState
}

// NewConn wraps a transport with an outbound queue of length queue.
func NewConn(t Transport, queue int) *Conn {
	if queue <= 0 {
		queue = 1
	}
	return &Conn{
		id:        uuid.NewString(),
		transport: t,
		send:      make(chan []byte, queue),
		done:      make(chan struct{}),
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// AgentID is empty unless the connection registered as an agent.
func (c *Conn) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

func (c *Conn) State() PromptState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s PromptState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Send queues a frame. It blocks while the queue is full and fails with
// ErrClosed once the connection is closed.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// SendJSON marshals v and queues it as one frame.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return c.Send(data)
}

// Run drains the outbound queue until the connection is closed or a write
// fails. A failed write closes the connection.
func (c *Conn) Run() error {
	for {
		select {
		case <-c.done:
			return nil
		case data := <-c.send:
			if err := c.transport.WriteMessage(data); err != nil {
				c.Close()
				return fmt.Errorf("write to %s: %w", c.id, err)
			}
		}
	}
}

// Close stops the writer and closes the transport. Frames still queued
// are dropped. Close is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
