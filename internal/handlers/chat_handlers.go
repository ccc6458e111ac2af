package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"realtime-chat/internal/models"
	"realtime-chat/internal/services"
	ws "realtime-chat/internal/websocket"
)

type ChatHandlers struct {
	chatService *services.ChatService
	gateway     *ws.Gateway
}

func NewChatHandlers(chatService *services.ChatService, gateway *ws.Gateway) *ChatHandlers {
	return &ChatHandlers{
		chatService: chatService,
		gateway:     gateway,
	}
}

func (h *ChatHandlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.chatService.ListUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if users == nil {
		users = []*models.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *ChatHandlers) ListChats(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	chats, err := h.chatService.ListChats(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if chats == nil {
		chats = []*models.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *ChatHandlers) CreateChat(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var req models.CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", models.ErrInvalidCommand))
		return
	}

	chat, err := h.gateway.CreateChat(r.Context(), user.ID, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

// GetMessages serves GET /chats/{id}/messages?limit=&before=.
func (h *ChatHandlers) GetMessages(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var opts models.HistoryOptions
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, fmt.Errorf("%w: invalid limit %q", models.ErrInvalidCommand, v))
			return
		}
		opts.Limit = limit
	}
	if v := r.URL.Query().Get("before"); v != "" {
		before, err := strconv.ParseInt(v, 10, 64)
		if err != nil || before < 0 {
			writeError(w, fmt.Errorf("%w: invalid before %q", models.ErrInvalidCommand, v))
			return
		}
		opts.BeforeSeq = before
	}

	messages, err := h.chatService.GetHistory(r.Context(), chatIDFromPath(r), user.ID, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *ChatHandlers) MarkRead(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	if err := h.chatService.MarkRead(r.Context(), chatIDFromPath(r), user.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// chatIDFromPath extracts {id} from /chats/{id}/...
func chatIDFromPath(r *http.Request) string {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
