package handlers

import (
	"net/http"

	"realtime-chat/internal/config"
	ws "realtime-chat/internal/websocket"
	"realtime-chat/pkg/logger"

	"github.com/gorilla/websocket"
)

type WebSocketHandlers struct {
	gateway  *ws.Gateway
	cfg      config.GatewayConfig
	upgrader websocket.Upgrader
}

func NewWebSocketHandlers(gateway *ws.Gateway, cfg config.GatewayConfig) *WebSocketHandlers {
	return &WebSocketHandlers{
		gateway: gateway,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Configure for production
		},
	}
}

// HandleWebSocket upgrades the request and opens a gateway session. A bad
// token still gets the upgrade so the client receives an UNAUTHORIZED
// error event before the close.
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tokenStr := tokenFromRequest(r)

	// Upgrade connection to WebSocket
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	client := ws.NewClient(h.gateway, conn, h.cfg)

	// Start client pumps
	go client.WritePump()

	session, err := h.gateway.Connect(r.Context(), tokenStr, client)
	if err != nil {
		logger.Debug("WebSocket connect rejected: %v", err)
		return
	}
	client.Attach(session)

	go client.ReadPump()
}
