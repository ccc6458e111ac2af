package websocket

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"realtime-chat/internal/models"
	"realtime-chat/internal/notification"
	"realtime-chat/internal/presence"
	"realtime-chat/internal/services"
	"realtime-chat/pkg/logger"

	"github.com/google/uuid"
)

// Authenticator resolves a connection token to a user.
type Authenticator interface {
	GetUserFromToken(ctx context.Context, token string) (*models.User, error)
}

// Relay carries events to users whose session lives in another process.
type Relay interface {
	Publish(ctx context.Context, userID string, event models.Event) error
}

// Gateway routes commands and events between sessions. It keeps at most
// one session per user; a new connection replaces the previous one.
type Gateway struct {
	auth     Authenticator
	chats    *services.ChatService
	presence presence.Store
	notifier notification.Dispatcher
	relay    Relay

	mu       sync.RWMutex
	sessions map[string]*Session

	// userLocks order connect, disconnect and injected presence per user.
	userLocks [64]sync.Mutex
}

type Option func(*Gateway)

// WithRelay enables cross-process delivery for users online elsewhere.
func WithRelay(r Relay) Option {
	return func(g *Gateway) {
		g.relay = r
	}
}

func NewGateway(auth Authenticator, chats *services.ChatService, store presence.Store, notifier notification.Dispatcher, opts ...Option) *Gateway {
	g := &Gateway{
		auth:     auth,
		chats:    chats,
		presence: store,
		notifier: notifier,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Connect authenticates token and registers a session writing to sink.
// On success the session is Active, the user is online and every other
// session has been told so.
func (g *Gateway) Connect(ctx context.Context, token string, sink Sink) (*Session, error) {
	s := &Session{
		id:      uuid.NewString(),
		gateway: g,
		sink:    sink,
		state:   StateConnecting,
	}

	user, err := g.auth.GetUserFromToken(ctx, token)
	if err != nil {
		s.setState(StateClosed)
		sink.Send(models.NewErrorEvent(err, ""))
		sink.Close()
		return nil, err
	}
	s.user = user
	s.setState(StateAuthenticated)

	unlock := g.lockUser(user.ID)
	g.mu.Lock()
	old := g.sessions[user.ID]
	g.sessions[user.ID] = s
	g.mu.Unlock()

	if old != nil && old.markClosed() {
		logger.Info("Session %s of user %s replaced by %s", old.id, user.Username, s.id)
		old.sink.Close()
	}

	entry := g.presence.SetOnline(ctx, user.ID, s.id)
	s.setState(StateActive)
	unlock()

	s.send(models.Event{Type: models.EventConnected, UserID: user.ID, Status: entry.Status})

	logger.Info("User %s connected (session %s)", user.Username, s.id)
	g.broadcastStatus(entry)
	return s, nil
}

// Disconnect closes s. Presence is cleared only when s is still the
// user's current session.
func (g *Gateway) Disconnect(ctx context.Context, s *Session) {
	if s == nil || !s.markClosed() {
		return
	}

	unlock := g.lockUser(s.UserID())
	g.mu.Lock()
	current := g.sessions[s.UserID()] == s
	if current {
		delete(g.sessions, s.UserID())
	}
	g.mu.Unlock()

	var (
		entry   models.PresenceEntry
		changed bool
	)
	if current {
		entry, changed = g.presence.SetOffline(ctx, s.UserID(), s.id)
	}
	unlock()

	s.sink.Close()
	if !current {
		return
	}

	logger.Info("User %s disconnected (session %s)", s.user.Username, s.id)
	if changed {
		g.broadcastStatus(entry)
	}
}

// Shutdown closes every session.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.RLock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.RUnlock()

	for _, s := range sessions {
		g.Disconnect(ctx, s)
	}
}

// Touch refreshes presence liveness for s after a heartbeat.
func (g *Gateway) Touch(ctx context.Context, s *Session) {
	if s.State() == StateActive {
		g.presence.Touch(ctx, s.UserID(), s.id)
	}
}

func (g *Gateway) lockUser(userID string) func() {
	h := fnv.New32a()
	h.Write([]byte(userID))
	m := &g.userLocks[h.Sum32()%uint32(len(g.userLocks))]
	m.Lock()
	return m.Unlock
}

func (g *Gateway) session(userID string) *Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sessions[userID]
}

// ActiveSessions reports how many users hold a session on this gateway.
func (g *Gateway) ActiveSessions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// DeliverLocal hands event to userID's session on this gateway, if any.
func (g *Gateway) DeliverLocal(userID string, event models.Event) bool {
	if s := g.session(userID); s != nil {
		return s.send(event)
	}
	return false
}

// deliver sends event to a user who is online according to presence,
// either to the local session or through the relay. It reports false when
// the user could not be reached.
func (g *Gateway) deliver(ctx context.Context, userID string, event models.Event) bool {
	if !g.presence.IsOnline(ctx, userID) {
		return false
	}
	if g.DeliverLocal(userID, event) {
		return true
	}
	if g.relay != nil {
		if err := g.relay.Publish(ctx, userID, event); err != nil {
			logger.Error("Relay publish to %s failed: %v", userID, err)
			return false
		}
		return true
	}
	return false
}

func (g *Gateway) broadcastStatus(entry models.PresenceEntry) {
	event := models.NewStatusEvent(entry)

	g.mu.RLock()
	defer g.mu.RUnlock()
	for userID, s := range g.sessions {
		if userID != entry.UserID {
			s.send(event)
		}
	}
}

func (g *Gateway) handleSendMessage(ctx context.Context, s *Session, cmd models.Command) error {
	msg, err := g.chats.SendMessage(ctx, cmd.ChatID, s.UserID(), cmd.Content, models.MessageType(cmd.Kind))
	if err != nil {
		return err
	}
	return g.fanOut(ctx, msg, cmd.ClientRef)
}

// SendAs posts a message on behalf of senderID without an originating
// session and fans it out like any other message.
func (g *Gateway) SendAs(ctx context.Context, senderID, chatID, content string) (*models.Message, error) {
	msg, err := g.chats.SendMessage(ctx, chatID, senderID, content, models.MessageTypeText)
	if err != nil {
		return nil, err
	}
	return msg, g.fanOut(ctx, msg, "")
}

// fanOut delivers one stored message: the sender gets the acknowledgement
// with clientRef, every other participant gets it live when reachable and
// a push notification otherwise.
func (g *Gateway) fanOut(ctx context.Context, msg *models.Message, clientRef string) error {
	chat, err := g.chats.GetChat(ctx, msg.ChatID, msg.SenderID)
	if err != nil {
		return fmt.Errorf("load chat for fan-out: %w", err)
	}

	if s := g.session(msg.SenderID); s != nil {
		s.send(models.NewMessageEvent(msg, clientRef))
	}

	senderName := msg.SenderID
	for _, p := range chat.Participants {
		if p.ID == msg.SenderID {
			senderName = p.Username
		}
	}

	event := models.NewMessageEvent(msg, "")
	for _, p := range chat.Participants {
		if p.ID == msg.SenderID {
			continue
		}
		if g.deliver(ctx, p.ID, event) {
			continue
		}

		logger.Warn("%v: message %s to user %s falls back to push", models.ErrDeliveryDegraded, msg.ID, p.ID)
		title := notification.MessageTitle(chat, senderName)
		if err := g.notifier.Notify(ctx, p.ID, title, msg.Content, notification.MessageData(msg)); err != nil {
			logger.Error("Notify %s failed: %v", p.ID, err)
		}
	}
	return nil
}

func (g *Gateway) handleCreateChat(ctx context.Context, s *Session, cmd models.Command) error {
	_, err := g.CreateChat(ctx, s.UserID(), &models.CreateChatRequest{
		ParticipantIDs: cmd.ParticipantIDs,
		Type:           models.ChatType(cmd.Kind),
		Name:           cmd.Name,
	})
	return err
}

// CreateChat creates a chat for creatorID and announces it to every
// participant that is currently reachable. Offline participants find it
// on their next chat listing.
func (g *Gateway) CreateChat(ctx context.Context, creatorID string, req *models.CreateChatRequest) (*models.Chat, error) {
	chat, err := g.chats.CreateChat(ctx, creatorID, req)
	if err != nil {
		return nil, err
	}

	logger.Info("User %s created %s chat %s", creatorID, chat.Type, chat.ID)
	for _, p := range chat.Participants {
		event := models.NewChatCreatedEvent(chat.Clone())
		if p.ID == creatorID {
			g.DeliverLocal(p.ID, event)
			continue
		}
		g.deliver(ctx, p.ID, event)
	}
	return chat, nil
}

func (g *Gateway) handleSetStatus(ctx context.Context, s *Session, cmd models.Command) error {
	entry, ok := g.presence.SetStatus(ctx, s.UserID(), cmd.Status)
	if !ok {
		return fmt.Errorf("%w: cannot set status %q", models.ErrInvalidCommand, cmd.Status)
	}
	g.broadcastStatus(entry)
	return nil
}

// InjectPresence forces a presence change for a user that has no session
// on this gateway and broadcasts it. Users with a live session are left
// alone.
func (g *Gateway) InjectPresence(ctx context.Context, userID string, status models.UserStatus) (models.PresenceEntry, bool) {
	unlock := g.lockUser(userID)
	if g.session(userID) != nil {
		unlock()
		return g.presence.Get(ctx, userID), false
	}

	var (
		entry   models.PresenceEntry
		changed bool
	)
	switch status {
	case models.StatusOnline, models.StatusAway:
		before := g.presence.Get(ctx, userID)
		entry = g.presence.SetOnline(ctx, userID, "injected-"+uuid.NewString())
		if status == models.StatusAway {
			entry, _ = g.presence.SetStatus(ctx, userID, models.StatusAway)
		}
		changed = before.Status != entry.Status
	case models.StatusOffline:
		entry, changed = g.presence.SetOffline(ctx, userID, "")
	default:
		unlock()
		return g.presence.Get(ctx, userID), false
	}
	unlock()

	if changed {
		g.broadcastStatus(entry)
	}
	return entry, changed
}
