package api

import (
	"encoding/json"
	"net/http"
)

// sipCredentialsResponse is the JSON shape of a credential set.
type sipCredentialsResponse struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Domain   string `json:"domain"`
	ServerIP string `json:"serverIp"`
}

// handleCallCredentials resolves a call token to its SIP credentials.
// The token arrives as the callToken query parameter.
func (s *Server) handleCallCredentials(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("callToken")
	if token == "" {
		writeError(w, http.StatusBadRequest, "callToken is required")
		return
	}

	call, err := s.calls.Credentials(r.Context(), token)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"callId": call.CallID,
		"sipCredentials": sipCredentialsResponse{
			Username: call.Credentials.Username,
			Password: call.Credentials.Password,
			Domain:   call.Credentials.Domain,
			ServerIP: call.Credentials.ServerIP,
		},
	})
}

// handleCallEnd hangs up the doorphone leg for a call token. Serves both
// /calls/end and /calls/reject.
func (s *Server) handleCallEnd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CallToken string `json:"callToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CallToken == "" {
		writeError(w, http.StatusBadRequest, "callToken is required")
		return
	}

	if err := s.calls.EndCall(r.Context(), req.CallToken); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleOutgoingCredentials mints a disposable SIP account for a
// client-initiated call.
func (s *Server) handleOutgoingCredentials(w http.ResponseWriter, r *http.Request) {
	token, rec, err := s.calls.OutgoingCredentials(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"outgoingToken": token,
		"sipCredentials": sipCredentialsResponse{
			Username: rec.Credentials.Username,
			Password: rec.Credentials.Password,
			Domain:   rec.Credentials.Domain,
			ServerIP: rec.Credentials.ServerIP,
		},
	})
}

// handleOutgoingCleanup releases an outgoing credential set before its TTL.
func (s *Server) handleOutgoingCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OutgoingToken string `json:"outgoingToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OutgoingToken == "" {
		writeError(w, http.StatusBadRequest, "outgoingToken is required")
		return
	}

	if err := s.calls.OutgoingCleanup(r.Context(), req.OutgoingToken); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
