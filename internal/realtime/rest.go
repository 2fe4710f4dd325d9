package realtime

import (
	"encoding/json"
	"net/http"
	"strconv"

	"sessiond/internal/protocol"

	"go.uber.org/zap"
)

type sendPromptRequest struct {
	Prompt string `json:"prompt"`
}

type injectRequest struct {
	Message string `json:"message"`
	Urgent  bool   `json:"urgent"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	code, status := classify(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeError(w, status, code, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req protocol.SessionCreatePayload
	if !decodeBody(w, r, &req) {
		return
	}

	if req.ParentID != "" && req.Role == nil && req.Preset == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRole, "role or preset is required for a watcher")
		return
	}

	sum, err := s.create(req)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}

	// Broadcast to WebSocket clients.
	s.broadcastSessionUpdate(sum)

	writeJSON(w, http.StatusCreated, sum)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sum, err := s.reg.Get(r.PathValue("id"))
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleSendPrompt(w http.ResponseWriter, r *http.Request) {
	var req sendPromptRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.reg.Send(r.PathValue("id"), req.Prompt); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Interrupt(r.PathValue("id")); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "interrupted"})
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	var req injectRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.reg.Inject(r.PathValue("id"), req.Message, req.Urgent); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleBufferedOutput(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	id := r.PathValue("id")
	events, err := s.reg.BufferedOutput(id, limit)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.BufferedOutputPayload{SessionID: id, Events: events})
}

func (s *Server) handleNavigate(direction string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.navigate(r.PathValue("id"), direction)
		if err != nil {
			s.writeRegistryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Flush(r.Context(), r.PathValue("id")); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	cascade, _ := strconv.ParseBool(r.URL.Query().Get("cascade"))

	if err := s.remove(r.PathValue("id"), cascade); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleHistorySessions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, protocol.ErrHistoryDisabled, "history is not configured")
		return
	}
	ids, err := s.history.Sessions(r.Context())
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"sessions": ids})
}

// handleHistory returns the flushed transcript of a session, which may
// outlive the session itself.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, protocol.ErrHistoryDisabled, "history is not configured")
		return
	}
	id := r.PathValue("id")
	events, err := s.history.LoadHistory(r.Context(), id)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, protocol.ErrSessionNotFound, "no history for "+id)
		return
	}
	writeJSON(w, http.StatusOK, protocol.BufferedOutputPayload{SessionID: id, Events: events})
}
