// Package relay interprets envelopes arriving on the transport and routes
// them between the operator console and the agents.
//
// Every frame is a JSON object discriminated by its message-type key:
//
//	init     register the sender as the client or as an agent
//	message  agent reply, tagged, persisted and forwarded to the client
//	prompt   client instruction, enriched with history and sent to the agent in chunks
//	stop     client cancellation, sent to the agent in chunks
//
// Malformed or unrecognized frames are dropped. Nothing is ever echoed back
// to the sender on failure.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nstogner/agenthub/pkg/apperr"
	"github.com/nstogner/agenthub/pkg/registry"
	"github.com/nstogner/agenthub/pkg/store"
)

// Envelope keys.
const (
	KeyMessageType    = "message-type"
	KeyConnectionType = "connection-type"
	KeyContainerID    = "container_id"
	KeyPromptRunning  = "prompt_running"
	KeyAgentID        = "agent_id"
	KeyMessageID      = "message_id"
	KeyFiles          = "files"
	KeyRecentMessages = "recent-messages"
	KeySystemPrompt   = "additional_system_prompt"
	KeyAgentMessage   = "agent-message"
)

// Message types.
const (
	TypeInit    = "init"
	TypeMessage = "message"
	TypePrompt  = "prompt"
	TypeStop    = "stop"
)

// DefaultHistorySize is how many agent messages a prompt carries.
const DefaultHistorySize = 5

// logPreview bounds how much of an inbound frame is logged.
const logPreview = 250

// Sandboxes is the part of the sandbox manager the relay reads and
// updates.
type Sandboxes interface {
	SystemPrompt(agentID string) (string, bool)
	MessageIDs(agentID string) []string
	AppendMessageID(agentID, messageID string) error
}

// Options configures a Handler.
type Options struct {
	ChunkSize   int
	HistorySize int
}

// Handler is the relay service. One Handler serves every connection.
type Handler struct {
	reg       *registry.Registry
	store     store.Store
	sandboxes Sandboxes
	opts      Options

	newID func() string
}

func NewHandler(reg *registry.Registry, st store.Store, sandboxes Sandboxes, opts Options) *Handler {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	return &Handler{
		reg:       reg,
		store:     st,
		sandboxes: sandboxes,
		opts:      opts,
		newID:     uuid.NewString,
	}
}

// Handle processes one inbound frame from c. The returned error is for
// logging only.
func (h *Handler) Handle(c *registry.Conn, raw []byte) error {
	slog.Debug("Received frame", "conn", c.ID(), "frame", preview(raw))

	var env store.Payload
	if err := json.Unmarshal(raw, &env); err != nil {
		return apperr.Wrap(apperr.KindProtocol, "malformed envelope", err)
	}
	if env == nil {
		return apperr.New(apperr.KindProtocol, "envelope is not an object")
	}

	msgType, _ := env.String(KeyMessageType)
	switch msgType {
	case TypeInit:
		return h.handleInit(c, env, raw)
	case TypeMessage:
		return h.handleAgentMessage(c, env)
	case TypePrompt:
		return h.handleClientMessage(env, true)
	case TypeStop:
		return h.handleClientMessage(env, false)
	default:
		return apperr.Newf(apperr.KindProtocol, "unknown message type %q", msgType)
	}
}

// Disconnect is called once c's read loop has ended.
func (h *Handler) Disconnect(c *registry.Conn) {
	h.reg.MarkDisconnected(c.ID())
}

func (h *Handler) handleInit(c *registry.Conn, env store.Payload, raw []byte) error {
	connType, _ := env.String(KeyConnectionType)
	switch registry.Role(connType) {
	case registry.RoleClient:
		h.reg.RegisterClient(c)
		slog.Info("Client connected", "conn", c.ID())
		return nil

	case registry.RoleAgent:
		agentID, ok := env.String(KeyContainerID)
		if !ok || agentID == "" {
			return apperr.New(apperr.KindProtocol, "agent init without container_id")
		}
		state := registry.StateStopped
		if s, ok := env.String(KeyPromptRunning); ok {
			parsed, err := registry.ParseState(s)
			if err != nil {
				slog.Warn("Ignoring agent init state", "agentID", agentID, "error", err)
			} else {
				state = parsed
			}
		}
		h.reg.RegisterAgent(agentID, c, state)
		slog.Info("Agent connected", "agentID", agentID, "conn", c.ID(), "state", state)

		if client, ok := h.reg.Client(); ok {
			if err := client.Send(raw); err != nil {
				slog.Warn("Failed to forward agent init", "agentID", agentID, "error", err)
			}
		}
		return nil

	default:
		return apperr.Newf(apperr.KindProtocol, "unknown connection type %q", connType)
	}
}

func (h *Handler) handleAgentMessage(c *registry.Conn, env store.Payload) error {
	if c.Role() != registry.RoleAgent {
		return apperr.New(apperr.KindProtocol, "message from a connection that is not an agent")
	}
	agentID := c.AgentID()
	messageID := h.newID()

	env[KeyAgentID] = agentID
	env[KeyMessageID] = messageID

	if s, ok := env.String(KeyPromptRunning); ok {
		if state, err := registry.ParseState(s); err != nil {
			slog.Warn("Ignoring agent state", "agentID", agentID, "error", err)
		} else if err := h.reg.SetState(agentID, state); err != nil {
			slog.Warn("Failed to update agent state", "agentID", agentID, "error", err)
		}
	}

	h.record(agentID, messageID, env)
	return nil
}

// handleClientMessage sends a prompt or stop to its agent, then stores the
// client's copy under the same message id. The stored copy is kept and
// forwarded even when the agent is not connected.
func (h *Handler) handleClientMessage(env store.Payload, withHistory bool) error {
	agentID, ok := env.String(KeyAgentID)
	if !ok || agentID == "" {
		return apperr.New(apperr.KindProtocol, "client message without agent_id")
	}
	messageID := h.newID()

	if agent, ok := h.reg.Agent(agentID); ok && !agent.Closed() {
		if err := h.reg.SetState(agentID, registry.StateRunning); err != nil {
			slog.Warn("Failed to update agent state", "agentID", agentID, "error", err)
		}

		out := env.Clone()
		if withHistory {
			out[KeyRecentMessages] = h.RecentAgentMessages(agentID, h.opts.HistorySize)
			if prompt, ok := h.sandboxes.SystemPrompt(agentID); ok {
				out[KeySystemPrompt] = prompt
			}
		}
		out[KeyMessageID] = messageID

		if err := h.sendChunked(agent, messageID, out); err != nil {
			slog.Error("Failed to forward to agent", "agentID", agentID, "messageID", messageID, "error", err)
		}
	} else {
		slog.Warn("Agent not connected", "agentID", agentID, "messageType", env[KeyMessageType])
	}

	stored := env.Clone()
	delete(stored, KeyFiles)
	stored[KeyMessageID] = messageID
	h.record(agentID, messageID, stored)
	return nil
}

// sendChunked serializes payload and queues its chunks in index order. It
// stops at the first failed send.
func (h *Handler) sendChunked(agent *registry.Conn, messageID string, payload store.Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	for _, chunk := range Chunks(messageID, string(data), h.opts.ChunkSize) {
		if err := agent.SendJSON(chunk); err != nil {
			return fmt.Errorf("chunk %d/%d: %w", chunk.Index, chunk.Total, err)
		}
	}
	return nil
}

// record forwards payload to the client, persists it and appends its id to
// the agent's sandbox. Persistence failures are logged.
func (h *Handler) record(agentID, messageID string, payload store.Payload) {
	if client, ok := h.reg.Client(); ok {
		if err := client.SendJSON(payload); err != nil {
			slog.Warn("Failed to forward to client", "messageID", messageID, "error", err)
		}
	}

	if err := h.store.Insert(messageID, payload); err != nil {
		slog.Error("Failed to store message", "messageID", messageID, "error", err)
	}
	if err := h.sandboxes.AppendMessageID(agentID, messageID); err != nil {
		if apperr.IsNotFound(err) {
			slog.Debug("Message for agent without sandbox", "agentID", agentID, "messageID", messageID)
			return
		}
		slog.Error("Failed to record message on sandbox", "agentID", agentID, "error", err)
	}
}

// RecentAgentMessages returns up to n of the agent's most recent stored
// messages that carry an agent-message key, oldest first. The result is
// never nil.
func (h *Handler) RecentAgentMessages(agentID string, n int) []store.Payload {
	out := []store.Payload{}
	if n <= 0 {
		return out
	}
	ids := h.sandboxes.MessageIDs(agentID)
	for i := len(ids) - 1; i >= 0 && len(out) < n; i-- {
		p, ok := h.store.Get(ids[i])
		if !ok || !p.Has(KeyAgentMessage) {
			continue
		}
		out = append(out, p)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// History returns every stored message of the agent in the order it was
// relayed. Ids with no stored payload are skipped.
func (h *Handler) History(agentID string) []store.Payload {
	ids := h.sandboxes.MessageIDs(agentID)
	out := make([]store.Payload, 0, len(ids))
	for _, id := range ids {
		if p, ok := h.store.Get(id); ok {
			out = append(out, p)
		}
	}
	return out
}

func preview(raw []byte) string {
	s := string(raw)
	n := 0
	for i := range s {
		if n == logPreview {
			return s[:i] + "..."
		}
		n++
	}
	return s
}
