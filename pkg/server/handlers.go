package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nstogner/agenthub/pkg/apperr"
	"github.com/nstogner/agenthub/pkg/registry"
	"github.com/nstogner/agenthub/pkg/sandbox"
)

// --- Sandboxes ---

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.sandboxes.List())
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	var req sandbox.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, apperr.Wrap(apperr.KindInvalid, "decode request", err))
		return
	}

	sb, err := s.sandboxes.Create(r.Context(), req)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, sb)
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	sb, ok := s.sandboxes.ByAgent(agentID)
	if !ok {
		s.errorResponse(w, apperr.Newf(apperr.KindNotFound, "no sandbox for agent %s", agentID))
		return
	}
	s.jsonResponse(w, http.StatusOK, sb)
}

// updateSandboxRequest carries the editable fields. Absent fields are left
// unchanged.
type updateSandboxRequest struct {
	DisplayName  *string `json:"display_name"`
	SystemPrompt *string `json:"system_prompt"`
}

func (s *Server) handleUpdateSandbox(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req updateSandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, apperr.Wrap(apperr.KindInvalid, "decode request", err))
		return
	}
	if _, ok := s.sandboxes.ByAgent(agentID); !ok {
		s.errorResponse(w, apperr.Newf(apperr.KindNotFound, "no sandbox for agent %s", agentID))
		return
	}

	if req.DisplayName != nil {
		if err := s.sandboxes.Rename(agentID, *req.DisplayName); err != nil {
			s.errorResponse(w, err)
			return
		}
	}
	if req.SystemPrompt != nil {
		if err := s.sandboxes.SetSystemPrompt(agentID, *req.SystemPrompt); err != nil {
			s.errorResponse(w, err)
			return
		}
	}

	sb, _ := s.sandboxes.ByAgent(agentID)
	s.jsonResponse(w, http.StatusOK, sb)
}

func (s *Server) handleStartSandbox(w http.ResponseWriter, r *http.Request) {
	if err := s.sandboxes.Start(r.Context(), chi.URLParam(r, "agentID")); err != nil {
		s.errorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Messages ---

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if _, ok := s.sandboxes.ByAgent(agentID); !ok {
		s.errorResponse(w, apperr.Newf(apperr.KindNotFound, "no sandbox for agent %s", agentID))
		return
	}
	s.jsonResponse(w, http.StatusOK, s.relay.History(agentID))
}

// statusResponse mirrors the status update pushed to the console.
type statusResponse = registry.StatusUpdate

// handleGetStatus reports an agent's prompt state. An agent that has never
// connected is stopped if it has a sandbox and na otherwise.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	state, ok := s.reg.State(agentID)
	if !ok {
		state = registry.StateNA
		if _, exists := s.sandboxes.ByAgent(agentID); exists {
			state = registry.StateStopped
		}
	}
	s.jsonResponse(w, http.StatusOK, statusResponse{AgentID: agentID, PromptRunning: state})
}

// --- State ---

// handleClearState forgets every sandbox and message. With
// ?containers=true the sandbox containers are removed too.
func (s *Server) handleClearState(w http.ResponseWriter, r *http.Request) {
	removeContainers := false
	if v := r.URL.Query().Get("containers"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.errorResponse(w, apperr.Wrap(apperr.KindInvalid, "parse containers", err))
			return
		}
		removeContainers = b
	}

	if err := s.sandboxes.Clear(r.Context(), removeContainers); err != nil {
		s.errorResponse(w, err)
		return
	}
	if err := s.store.Clear(); err != nil {
		s.errorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
