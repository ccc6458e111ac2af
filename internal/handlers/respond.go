package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"realtime-chat/internal/models"
	"realtime-chat/pkg/logger"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding response: %v", err)
	}
}

// writeError maps err onto an HTTP status and the wire error payload.
func writeError(w http.ResponseWriter, err error) {
	code := models.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case models.CodeUnauthorized:
		status = http.StatusUnauthorized
	case models.CodeChatNotFound:
		status = http.StatusNotFound
	case models.CodeNotAParticipant:
		status = http.StatusForbidden
	case models.CodeInvalidParticipant, models.CodeInvalidCommand:
		status = http.StatusBadRequest
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("Request failed: %v", err)
		message = "internal error"
	}
	writeJSON(w, status, models.ErrorPayload{Code: code, Message: message})
}

// tokenFromRequest reads a bearer token from the Authorization header,
// falling back to the token query parameter.
func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
