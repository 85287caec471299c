// Package registry tracks the single operator console connection and the
// live agent connections, keyed by agent id.
//
// An agent's entry is only ever replaced, never evicted: after a
// disconnect, Agent still returns the closed connection with state na so
// callers can tell a gone agent from one that never connected.
package registry

import (
	"log/slog"
	"sync"

	"github.com/nstogner/agenthub/pkg/apperr"
)

// StatusUpdate is sent to the client when an agent's state changes
// without a message from the agent itself.
type StatusUpdate struct {
	AgentID       string      `json:"agent_id"`
	PromptRunning PromptState `json:"prompt_running"`
}

// Registry is safe for concurrent use. Its lock is never held while
// sending.
type Registry struct {
	mu     sync.Mutex
	client *Conn
	agents map[string]*Conn
	byConn map[string]*Conn
}

func New() *Registry {
	return &Registry{
		agents: make(map[string]*Conn),
		byConn: make(map[string]*Conn),
	}
}

// RegisterClient makes c the console connection. A previous console
// connection is superseded without notice.
func (r *Registry) RegisterClient(c *Conn) {
	c.mu.Lock()
	c.role = RoleClient
	c.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil && r.client != c {
		slog.Info("Client connection superseded", "previous", r.client.ID(), "conn", c.ID())
	}
	r.client = c
	r.byConn[c.ID()] = c
}

// RegisterAgent makes c the connection for agentID, replacing any previous
// one.
func (r *Registry) RegisterAgent(agentID string, c *Conn, initial PromptState) {
	c.mu.Lock()
	c.role = RoleAgent
	c.agentID = agentID
	c.state = initial
	c.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = c
	r.byConn[c.ID()] = c
}

// MarkDisconnected closes the connection. If it is still the current entry
// for its agent, the agent's state becomes na and the client is told. An
// agent that has already been replaced by a newer connection is left alone.
func (r *Registry) MarkDisconnected(connID string) {
	r.mu.Lock()
	c, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connID)

	var notify *Conn
	agentID := c.AgentID()
	switch c.Role() {
	case RoleClient:
		if r.client == c {
			r.client = nil
		}
	case RoleAgent:
		if r.agents[agentID] == c {
			c.setState(StateNA)
			notify = r.client
		}
	}
	r.mu.Unlock()

	c.Close()

	if notify == nil {
		return
	}
	update := StatusUpdate{AgentID: agentID, PromptRunning: StateNA}
	if err := notify.SendJSON(update); err != nil {
		slog.Warn("Failed to notify client of disconnect", "agentID", agentID, "error", err)
	}
}

// Client returns the console connection, if one is registered.
func (r *Registry) Client() (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client, r.client != nil
}

// Agent returns the most recently registered connection for agentID,
// which may be closed.
func (r *Registry) Agent(agentID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.agents[agentID]
	return c, ok
}

// SetState updates an agent's prompt state.
func (r *Registry) SetState(agentID string, s PromptState) error {
	c, ok := r.Agent(agentID)
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "agent %s not connected", agentID)
	}
	c.setState(s)
	return nil
}

// State returns an agent's prompt state.
func (r *Registry) State(agentID string) (PromptState, bool) {
	c, ok := r.Agent(agentID)
	if !ok {
		return "", false
	}
	return c.State(), true
}

// Agents returns the state of every agent ever registered, live or not.
func (r *Registry) Agents() map[string]PromptState {
	r.mu.Lock()
	agents := make(map[string]*Conn, len(r.agents))
	for id, c := range r.agents {
		agents[id] = c
	}
	r.mu.Unlock()

	out := make(map[string]PromptState, len(agents))
	for id, c := range agents {
		out[id] = c.State()
	}
	return out
}
