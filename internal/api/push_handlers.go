package api

import (
	"encoding/json"
	"net/http"
)

// handlePushRegister stores or refreshes a device push token for a user.
// Re-registering the same (user, token) pair is an update, not an error.
func (s *Server) handlePushRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"userId"`
		PushToken string `json:"pushToken"`
		Platform  string `json:"platform"`
		DeviceID  string `json:"deviceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.PushToken == "" || req.Platform == "" {
		writeError(w, http.StatusBadRequest, "userId, pushToken and platform are required")
		return
	}

	ctx := r.Context()
	if err := s.registry.EnsureUser(ctx, req.UserID); err != nil {
		writeServiceError(w, err)
		return
	}
	if err := s.registry.SavePushToken(ctx, req.UserID, req.PushToken, req.Platform, req.DeviceID); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
