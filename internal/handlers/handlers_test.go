package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"realtime-chat/internal/auth"
	"realtime-chat/internal/config"
	"realtime-chat/internal/database"
	"realtime-chat/internal/models"
	"realtime-chat/internal/notification"
	"realtime-chat/internal/presence"
	"realtime-chat/internal/services"
	ws "realtime-chat/internal/websocket"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	cfg      *config.Config
	auth     *AuthHandlers
	chats    *ChatHandlers
	devices  *DeviceHandlers
	ws       *WebSocketHandlers
	registry *notification.MemoryTokenRegistry
	authSvc  *auth.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{
		JWT:  config.JWTConfig{Secret: []byte("test"), ExpiresIn: time.Hour},
		Chat: config.ChatConfig{MaxMessageLength: 100},
		Gateway: config.GatewayConfig{
			SendBuffer: 16,
			WriteWait:  time.Second,
			PongWait:   5 * time.Second,
			PingPeriod: 4 * time.Second,
		},
	}
	db := database.NewMemoryDB()
	authSvc := auth.NewService(db, cfg)
	chatSvc := services.NewChatService(db, cfg)
	gateway := ws.NewGateway(authSvc, chatSvc, presence.NewMemoryStore(db), notification.LogDispatcher{})
	registry := notification.NewMemoryTokenRegistry()

	return &testServer{
		cfg:      cfg,
		auth:     NewAuthHandlers(authSvc),
		chats:    NewChatHandlers(chatSvc, gateway),
		devices:  NewDeviceHandlers(registry),
		ws:       NewWebSocketHandlers(gateway, cfg.Gateway),
		registry: registry,
		authSvc:  authSvc,
	}
}

func (s *testServer) login(t *testing.T, username string) models.LoginResponse {
	t.Helper()
	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"username":"` + username + `"}`)
	s.auth.Login(rec, httptest.NewRequest(http.MethodPost, "/login", body))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func authed(method, target, token string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestLoginHandler(t *testing.T) {
	s := newTestServer(t)

	resp := s.login(t, "alice")
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "alice", resp.User.Username)

	rec := httptest.NewRecorder()
	s.auth.Login(rec, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	s.auth.Login(rec, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":""}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequireUser(t *testing.T) {
	s := newTestServer(t)
	alice := s.login(t, "alice")

	var seen *models.User
	handler := s.auth.RequireUser(func(w http.ResponseWriter, r *http.Request) {
		seen = UserFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"bearer", authed(http.MethodGet, "/chats", alice.Token, nil), http.StatusNoContent},
		{"query", httptest.NewRequest(http.MethodGet, "/chats?token="+alice.Token, nil), http.StatusNoContent},
		{"missing", httptest.NewRequest(http.MethodGet, "/chats", nil), http.StatusUnauthorized},
		{"garbage", authed(http.MethodGet, "/chats", "nope", nil), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			rec := httptest.NewRecorder()
			handler(rec, tt.req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusNoContent {
				require.NotNil(t, seen)
				assert.Equal(t, alice.User.ID, seen.ID)
			}
		})
	}
}

func TestChatEndpoints(t *testing.T) {
	s := newTestServer(t)
	alice, bob, carol := s.login(t, "alice"), s.login(t, "bob"), s.login(t, "carol")

	// create
	body, _ := json.Marshal(models.CreateChatRequest{ParticipantIDs: []string{bob.User.ID}, Type: models.ChatTypeDM})
	rec := httptest.NewRecorder()
	s.auth.RequireUser(s.chats.CreateChat)(rec, authed(http.MethodPost, "/chats", alice.Token, body))
	require.Equal(t, http.StatusCreated, rec.Code)
	var chat models.Chat
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&chat))
	assert.Len(t, chat.Participants, 2)

	// invalid dm
	body, _ = json.Marshal(models.CreateChatRequest{ParticipantIDs: []string{bob.User.ID, carol.User.ID}, Type: models.ChatTypeDM})
	rec = httptest.NewRecorder()
	s.auth.RequireUser(s.chats.CreateChat)(rec, authed(http.MethodPost, "/chats", alice.Token, body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var payload models.ErrorPayload
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&payload))
	assert.Equal(t, models.CodeInvalidParticipant, payload.Code)

	// list
	rec = httptest.NewRecorder()
	s.auth.RequireUser(s.chats.ListChats)(rec, authed(http.MethodGet, "/chats", bob.Token, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var chats []models.Chat
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&chats))
	require.Len(t, chats, 1)
	assert.Equal(t, chat.ID, chats[0].ID)

	// history, empty and forbidden
	rec = httptest.NewRecorder()
	s.auth.RequireUser(s.chats.GetMessages)(rec, authed(http.MethodGet, "/chats/"+chat.ID+"/messages?limit=10", bob.Token, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = httptest.NewRecorder()
	s.auth.RequireUser(s.chats.GetMessages)(rec, authed(http.MethodGet, "/chats/"+chat.ID+"/messages", carol.Token, nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	s.auth.RequireUser(s.chats.GetMessages)(rec, authed(http.MethodGet, "/chats/missing/messages", bob.Token, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	s.auth.RequireUser(s.chats.GetMessages)(rec, authed(http.MethodGet, "/chats/"+chat.ID+"/messages?limit=x", bob.Token, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// mark read
	rec = httptest.NewRecorder()
	s.auth.RequireUser(s.chats.MarkRead)(rec, authed(http.MethodPost, "/chats/"+chat.ID+"/read", bob.Token, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// users
	rec = httptest.NewRecorder()
	s.chats.ListUsers(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var users []models.User
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&users))
	assert.Len(t, users, 3)
}

func TestRegisterDevice(t *testing.T) {
	s := newTestServer(t)
	alice := s.login(t, "alice")

	rec := httptest.NewRecorder()
	s.auth.RequireUser(s.devices.RegisterDevice)(rec, authed(http.MethodPost, "/devices", alice.Token, []byte(`{"token":"fcm-1"}`)))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"fcm-1"}, s.registry.Tokens(alice.User.ID))

	rec = httptest.NewRecorder()
	s.auth.RequireUser(s.devices.RegisterDevice)(rec, authed(http.MethodPost, "/devices", alice.Token, []byte(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func dial(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn, want models.EventType) models.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var event models.Event
		require.NoError(t, conn.ReadJSON(&event))
		if event.Type == want {
			return event
		}
	}
}

func TestWebSocketEndToEnd(t *testing.T) {
	s := newTestServer(t)
	alice, bob := s.login(t, "alice"), s.login(t, "bob")

	chat, err := s.chats.gateway.CreateChat(context.Background(), alice.User.ID, &models.CreateChatRequest{
		ParticipantIDs: []string{bob.User.ID}, Type: models.ChatTypeDM,
	})
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(s.ws.HandleWebSocket))
	defer server.Close()

	aliceConn := dial(t, server, alice.Token)
	connected := readEvent(t, aliceConn, models.EventConnected)
	assert.Equal(t, alice.User.ID, connected.UserID)

	bobConn := dial(t, server, bob.Token)
	readEvent(t, bobConn, models.EventConnected)

	online := readEvent(t, aliceConn, models.EventStatusChange)
	assert.Equal(t, bob.User.ID, online.UserID)
	assert.Equal(t, models.StatusOnline, online.Status)

	require.NoError(t, aliceConn.WriteJSON(models.Command{
		Type: models.CommandSendMessage, ChatID: chat.ID, Content: "hi bob", ClientRef: "temp-1",
	}))

	ack := readEvent(t, aliceConn, models.EventMessageNew)
	assert.Equal(t, "temp-1", ack.ClientRef)
	got := readEvent(t, bobConn, models.EventMessageNew)
	assert.Equal(t, ack.Message.ID, got.Message.ID)
	assert.Equal(t, "hi bob", got.Message.Content)

	// malformed commands are rejected without dropping the connection
	require.NoError(t, bobConn.WriteMessage(websocket.TextMessage, []byte("not json")))
	rejected := readEvent(t, bobConn, models.EventError)
	assert.Equal(t, models.CodeInvalidCommand, rejected.Error.Code)

	bobConn.Close()
	offline := readEvent(t, aliceConn, models.EventStatusChange)
	assert.Equal(t, models.StatusOffline, offline.Status)
	assert.NotNil(t, offline.LastSeen)
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	s := newTestServer(t)
	server := httptest.NewServer(http.HandlerFunc(s.ws.HandleWebSocket))
	defer server.Close()

	conn := dial(t, server, "bogus")
	event := readEvent(t, conn, models.EventError)
	assert.Equal(t, models.CodeUnauthorized, event.Error.Code)

	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection is closed after the rejection")
}
