package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"realtime-chat/internal/models"
	"realtime-chat/internal/services"
	ws "realtime-chat/internal/websocket"
	"realtime-chat/pkg/logger"

	"github.com/gorilla/websocket"
)

// Transport is the realtime link between a controller and the gateway.
// The event channel is closed when the connection ends.
type Transport interface {
	Connect(ctx context.Context, token string) (<-chan models.Event, error)
	Send(ctx context.Context, cmd models.Command) error
	Close() error
}

// Directory is the read side used on activation and chat selection.
type Directory interface {
	ListChats(ctx context.Context) ([]*models.Chat, error)
	ListUsers(ctx context.Context) ([]*models.User, error)
	GetMessages(ctx context.Context, chatID string) ([]*models.Message, error)
}

const eventBuffer = 256

// WSTransport talks to the gateway over a websocket connection.
type WSTransport struct {
	url    string
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSTransport dials wsURL (for example ws://localhost:8080/ws) on Connect.
func NewWSTransport(wsURL string) *WSTransport {
	return &WSTransport{
		url:    wsURL,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (t *WSTransport) Connect(ctx context.Context, token string) (<-chan models.Event, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	events := make(chan models.Event, eventBuffer)
	go t.readLoop(conn, events)
	return events, nil
}

func (t *WSTransport) readLoop(conn *websocket.Conn, events chan<- models.Event) {
	defer close(events)
	for {
		var event models.Event
		if err := conn.ReadJSON(&event); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Gateway connection lost: %v", err)
			}
			return
		}
		events <- event
	}
}

func (t *WSTransport) Send(_ context.Context, cmd models.Command) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return models.ErrNotConnected
	}
	if err := t.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("%w: %v", models.ErrNotConnected, err)
	}
	return nil
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := t.conn.Close()
	t.conn = nil
	return err
}

// HTTPDirectory reads chats, users and history from the REST API.
type HTTPDirectory struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPDirectory(baseURL, token string) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *HTTPDirectory) ListChats(ctx context.Context) ([]*models.Chat, error) {
	var chats []*models.Chat
	return chats, d.get(ctx, "/chats", &chats)
}

func (d *HTTPDirectory) ListUsers(ctx context.Context) ([]*models.User, error) {
	var users []*models.User
	return users, d.get(ctx, "/users", &users)
}

func (d *HTTPDirectory) GetMessages(ctx context.Context, chatID string) ([]*models.Message, error) {
	var messages []*models.Message
	return messages, d.get(ctx, "/chats/"+url.PathEscape(chatID)+"/messages", &messages)
}

func (d *HTTPDirectory) get(ctx context.Context, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+d.token)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var payload models.ErrorPayload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
		}
		return fmt.Errorf("GET %s: %w: %s", path, models.ErrorFromCode(payload.Code), payload.Message)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// LocalTransport attaches a controller directly to an in-process gateway.
// Events are copied through JSON so the controller never shares memory
// with the gateway.
type LocalTransport struct {
	gateway *ws.Gateway
	sink    *localSink

	mu      sync.Mutex
	session *ws.Session
}

func NewLocalTransport(gateway *ws.Gateway) *LocalTransport {
	return &LocalTransport{
		gateway: gateway,
		sink:    &localSink{events: make(chan models.Event, eventBuffer)},
	}
}

func (t *LocalTransport) Connect(ctx context.Context, token string) (<-chan models.Event, error) {
	session, err := t.gateway.Connect(ctx, token, t.sink)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.session = session
	t.mu.Unlock()
	return t.sink.events, nil
}

// Send runs cmd on the session. Rejections come back as error events.
func (t *LocalTransport) Send(ctx context.Context, cmd models.Command) error {
	session := t.current()
	if session == nil {
		return models.ErrNotConnected
	}
	if err := session.Handle(ctx, cmd); errors.Is(err, models.ErrNotConnected) {
		return err
	}
	return nil
}

// Close ends the session the way a dropped websocket would.
func (t *LocalTransport) Close() error {
	if session := t.current(); session != nil {
		session.Close(context.Background())
	}
	t.sink.Close()
	return nil
}

func (t *LocalTransport) current() *ws.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// localSink is the gateway side of a LocalTransport.
type localSink struct {
	mu     sync.Mutex
	events chan models.Event
	closed bool
}

func (s *localSink) Send(event models.Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		return false
	}
	var copied models.Event
	if err := json.Unmarshal(data, &copied); err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- copied:
		return true
	default:
		s.closeLocked()
		return false
	}
}

func (s *localSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *localSink) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// LocalDirectory reads straight from the chat service as userID.
type LocalDirectory struct {
	chats  *services.ChatService
	userID string
}

func NewLocalDirectory(chats *services.ChatService, userID string) *LocalDirectory {
	return &LocalDirectory{chats: chats, userID: userID}
}

func (d *LocalDirectory) ListChats(ctx context.Context) ([]*models.Chat, error) {
	return d.chats.ListChats(ctx, d.userID)
}

func (d *LocalDirectory) ListUsers(ctx context.Context) ([]*models.User, error) {
	return d.chats.ListUsers(ctx)
}

func (d *LocalDirectory) GetMessages(ctx context.Context, chatID string) ([]*models.Message, error) {
	return d.chats.GetHistory(ctx, chatID, d.userID, models.HistoryOptions{})
}
