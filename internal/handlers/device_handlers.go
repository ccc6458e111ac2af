package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"realtime-chat/internal/models"
	"realtime-chat/internal/notification"
	"realtime-chat/pkg/logger"
)

type DeviceHandlers struct {
	registry notification.TokenRegistry
}

func NewDeviceHandlers(registry notification.TokenRegistry) *DeviceHandlers {
	return &DeviceHandlers{registry: registry}
}

// RegisterDevice stores a push token for the caller.
func (h *DeviceHandlers) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var req models.RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		writeError(w, fmt.Errorf("%w: device token is required", models.ErrInvalidCommand))
		return
	}

	h.registry.Register(user.ID, strings.TrimSpace(req.Token))
	logger.Debug("Registered device token for user %s", user.ID)
	w.WriteHeader(http.StatusNoContent)
}
