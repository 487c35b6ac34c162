package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aida-agent/aida/internal/events"
)

// handleSessions returns the full identity-map snapshot.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "session store not configured")
		return
	}

	snapshot, err := s.store.Snapshot()
	if err != nil {
		s.logger.Error("session snapshot failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "snapshot failed")
		return
	}
	counts, err := s.store.Counts()
	if err != nil {
		s.logger.Error("session counts failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "counts failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"counts": counts,
		"maps":   snapshot,
	}, s.logger)
}

// handleSessionsReset clears all four identity maps.
func (s *Server) handleSessionsReset(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "session store not configured")
		return
	}

	counts, err := s.store.Counts()
	if err != nil {
		s.logger.Error("session counts failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "counts failed")
		return
	}
	if err := s.store.Reset(); err != nil {
		s.logger.Error("session reset failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "reset failed")
		return
	}

	cleared := counts.Sessions + counts.Responses + counts.Language + counts.Handoff
	s.logger.Info("identity maps cleared via API", "entries", cleared)
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceWeb,
		Kind:      events.KindSessionsReset,
		Data:      map[string]any{"cleared": cleared},
	})

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "ok", "cleared": cleared}, s.logger)
}

// contactView is the per-contact identity state for debugging.
type contactView struct {
	Contact           string `json:"contact"`
	SessionID         string `json:"session_id,omitempty"`
	ContinuationToken string `json:"continuation_token,omitempty"`
	Language          string `json:"language,omitempty"`
	HumanActivity     string `json:"human_activity,omitempty"`
}

// handleConversation returns the identity state for one contact.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "session store not configured")
		return
	}

	contact := r.PathValue("contact")
	sessionID, err := s.store.LookupSession(contact)
	if err != nil {
		s.logger.Error("session lookup failed", "contact", contact, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if sessionID == "" {
		s.errorResponse(w, http.StatusNotFound, "contact has no session")
		return
	}

	view := contactView{Contact: contact, SessionID: sessionID}
	if token, err := s.store.ContinuationToken(sessionID); err == nil {
		view.ContinuationToken = token
	}
	if tag, err := s.store.Language(contact); err == nil {
		view.Language = tag
	}
	if marker, err := s.store.HumanActivity(contact); err == nil && !marker.IsZero() {
		view.HumanActivity = marker.UTC().Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, view, s.logger)
}

// debugMessageRequest is the body of POST /api/debug/message.
type debugMessageRequest struct {
	Contact string `json:"contact"`
	Text    string `json:"text"`
}

// handleDebugMessage runs one message through the gate and the
// orchestrator without touching the gateway or the record store. The
// reply, if any, is returned instead of delivered.
func (s *Server) handleDebugMessage(w http.ResponseWriter, r *http.Request) {
	if s.gate == nil || s.agent == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "pipeline not configured")
		return
	}

	var req debugMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Contact == "" || req.Text == "" {
		s.errorResponse(w, http.StatusBadRequest, "contact and text are required")
		return
	}

	decision := s.gate.CheckInbound(req.Contact, "text", req.Text)
	if !decision.Allow {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]any{
			"allowed": false,
			"reason":  decision.Reason,
		}, s.logger)
		return
	}

	reply, err := s.agent.ProcessTurn(r.Context(), req.Contact, req.Text)
	if err != nil {
		s.logger.Error("debug turn failed", "contact", req.Contact, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "turn failed: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"allowed": true,
		"reply":   reply,
	}, s.logger)
}

// handleInstructionsReload re-reads the instructions file.
func (s *Server) handleInstructionsReload(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "orchestrator not configured")
		return
	}
	if err := s.agent.ReloadInstructions(); err != nil {
		s.logger.Error("instructions reload failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}
