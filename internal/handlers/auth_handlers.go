package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"realtime-chat/internal/auth"
	"realtime-chat/internal/models"
	"realtime-chat/pkg/logger"
)

type AuthHandlers struct {
	authService *auth.Service
}

func NewAuthHandlers(authService *auth.Service) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
	}
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", models.ErrInvalidCommand))
		return
	}

	response, err := h.authService.Login(r.Context(), &req)
	if err != nil {
		logger.Error("Login error: %v", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

type userKey struct{}

// RequireUser resolves the caller from the request token and stores the
// user in the request context.
func (h *AuthHandlers) RequireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := h.authService.GetUserFromToken(r.Context(), tokenFromRequest(r))
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	}
}

// UserFromContext returns the user stored by RequireUser.
func UserFromContext(ctx context.Context) *models.User {
	user, _ := ctx.Value(userKey{}).(*models.User)
	return user
}

func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
