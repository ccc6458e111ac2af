// Package client keeps one signed-in user's live view of their chats.
//
// A Controller is an actor: gateway events and user actions are applied
// one at a time by a single goroutine, and network calls run on their own
// goroutines and post their results back into the loop.
package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"realtime-chat/internal/models"
	"realtime-chat/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned by calls made after the controller stopped.
var ErrStopped = errors.New("controller stopped")

// TempIDPrefix marks provisional messages that the server has not confirmed yet.
const TempIDPrefix = "temp-"

type Controller struct {
	self      *models.User
	token     string
	transport Transport
	directory Directory
	now       func() time.Time

	actions chan func(*state)
	stopped chan struct{}
	cancel  context.CancelFunc
	ctx     context.Context
}

type state struct {
	connected bool
	chats     []*models.Chat
	users     map[string]*models.User
	presence  map[string]models.PresenceEntry

	activeChatID   string
	messages       []*models.Message
	historyLoading bool
	historyReq     uint64

	// pending maps a provisional message id to its chat.
	pending map[string]string
	lastErr error
}

// Snapshot is a copy of the controller state for rendering.
type Snapshot struct {
	Self           *models.User
	Connected      bool
	Chats          []*models.Chat
	Users          []*models.User
	Presence       map[string]models.PresenceEntry
	ActiveChatID   string
	Messages       []*models.Message
	HistoryLoading bool
	LastError      error
}

// New builds a controller for self, authenticated by token.
func New(self *models.User, token string, transport Transport, directory Directory) *Controller {
	return &Controller{
		self:      self.Clone(),
		token:     token,
		transport: transport,
		directory: directory,
		now:       time.Now,
		actions:   make(chan func(*state)),
		stopped:   make(chan struct{}),
	}
}

// Start connects to the gateway, loads the chat list and the user
// directory concurrently and starts the event loop. The loop runs until
// ctx is done or Stop is called.
func (c *Controller) Start(ctx context.Context) error {
	events, err := c.transport.Connect(ctx, c.token)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	var (
		chats []*models.Chat
		users []*models.User
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		chats, err = c.directory.ListChats(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		users, err = c.directory.ListUsers(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		c.transport.Close()
		return fmt.Errorf("load initial state: %w", err)
	}

	st := &state{
		connected: true,
		chats:     chats,
		users:     make(map[string]*models.User, len(users)),
		presence:  make(map[string]models.PresenceEntry, len(users)),
		pending:   make(map[string]string),
	}
	for _, u := range users {
		st.users[u.ID] = u
		if u.ID == c.self.ID {
			continue
		}
		st.presence[u.ID] = models.PresenceEntry{UserID: u.ID, Status: u.Status, LastSeen: u.LastSeen}
	}
	sortChats(st.chats)

	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.run(st, events)
	return nil
}

// Stop ends the event loop and closes the transport.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.stopped
	}
	if err := c.transport.Close(); err != nil {
		logger.Debug("Closing transport: %v", err)
	}
}

func (c *Controller) run(st *state, events <-chan models.Event) {
	defer close(c.stopped)
	for {
		select {
		case <-c.ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				st.connected = false
				events = nil
				logger.Info("Gateway connection closed for %s", c.self.Username)
				continue
			}
			c.apply(st, event)
		case fn := <-c.actions:
			fn(st)
		}
	}
}

// do runs fn on the loop and waits until it has been applied.
func (c *Controller) do(fn func(*state)) error {
	if c.ctx == nil {
		return ErrStopped
	}
	done := make(chan struct{})
	select {
	case c.actions <- func(st *state) { fn(st); close(done) }:
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		return ErrStopped
	}
}

// post queues fn without waiting. Results arriving after Stop are dropped.
func (c *Controller) post(fn func(*state)) {
	select {
	case c.actions <- fn:
	case <-c.stopped:
	}
}

// emit sends cmd off the loop. A send failure is reported back as if the
// gateway had rejected the command.
func (c *Controller) emit(cmd models.Command) {
	go func() {
		if err := c.transport.Send(c.ctx, cmd); err != nil {
			c.post(func(st *state) {
				c.reject(st, models.NewErrorEvent(err, cmd.ClientRef))
			})
		}
	}()
}

func (c *Controller) apply(st *state, event models.Event) {
	switch event.Type {
	case models.EventConnected:
		st.connected = true
	case models.EventMessageNew:
		if event.Message != nil {
			c.applyMessage(st, event.Message, event.ClientRef)
		}
	case models.EventChatCreated:
		if event.Chat != nil && findChat(st.chats, event.Chat.ID) == nil {
			st.chats = append([]*models.Chat{event.Chat}, st.chats...)
		}
	case models.EventStatusChange:
		entry := models.PresenceEntry{UserID: event.UserID, Status: event.Status, LastSeen: event.LastSeen}
		if event.UserID != c.self.ID {
			st.presence[event.UserID] = entry
		}
		if u, ok := st.users[event.UserID]; ok {
			u.Status = event.Status
			u.LastSeen = event.LastSeen
		}
	case models.EventError:
		c.reject(st, event)
	default:
		logger.Debug("Ignoring %s event", event.Type)
	}
}

func (c *Controller) applyMessage(st *state, msg *models.Message, clientRef string) {
	confirmed := false
	if chatID, ok := st.pending[clientRef]; ok && chatID == msg.ChatID {
		delete(st.pending, clientRef)
		confirmed = true
	}

	viewing := msg.ChatID == st.activeChatID
	if viewing {
		seen := indexOf(st.messages, msg.ID) >= 0
		switch {
		case confirmed && seen:
			// history already brought the stored copy
			if i := indexOf(st.messages, clientRef); i >= 0 {
				st.messages = slices.Delete(st.messages, i, i+1)
			}
		case confirmed && replaceMessage(st.messages, clientRef, msg):
		case !seen:
			st.messages = append(st.messages, msg)
		}
	}

	chat := findChat(st.chats, msg.ChatID)
	if chat == nil {
		logger.Debug("Message %s for unknown chat %s", msg.ID, msg.ChatID)
		return
	}

	last := chat.LastMessage
	known := last != nil && last.ID == msg.ID
	if newerPreview(last, msg, clientRef) {
		chat.LastMessage = msg
	}
	switch {
	case viewing:
		chat.UnreadCount = 0
	case !known && !confirmed && msg.SenderID != c.self.ID:
		chat.UnreadCount++
	}
	sortChats(st.chats)
}

// reject drops the provisional message a failed command created, if any,
// and records the error.
func (c *Controller) reject(st *state, event models.Event) {
	var err error = errors.New("unknown error")
	if event.Error != nil {
		err = fmt.Errorf("%w: %s", models.ErrorFromCode(event.Error.Code), event.Error.Message)
	}
	st.lastErr = err

	chatID, ok := st.pending[event.ClientRef]
	if !ok {
		logger.Warn("Gateway error: %v", err)
		return
	}
	delete(st.pending, event.ClientRef)

	if chatID == st.activeChatID {
		if i := indexOf(st.messages, event.ClientRef); i >= 0 {
			st.messages = slices.Delete(st.messages, i, i+1)
		}
	}
	if chat := findChat(st.chats, chatID); chat != nil && chat.LastMessage != nil && chat.LastMessage.ID == event.ClientRef {
		chat.LastMessage = nil
		if chatID == st.activeChatID && len(st.messages) > 0 {
			chat.LastMessage = st.messages[len(st.messages)-1]
		}
		sortChats(st.chats)
	}
}

// SendMessage appends a provisional message to the active chat and sends
// it. Blank content is ignored.
func (c *Controller) SendMessage(content string, kind models.MessageType) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if kind == "" {
		kind = models.MessageTypeText
	}

	var sendErr error
	err := c.do(func(st *state) {
		if st.activeChatID == "" {
			sendErr = fmt.Errorf("%w: no chat selected", models.ErrInvalidCommand)
			return
		}

		msg := &models.Message{
			ID:        TempIDPrefix + uuid.NewString(),
			ChatID:    st.activeChatID,
			SenderID:  c.self.ID,
			Content:   content,
			Type:      kind,
			CreatedAt: c.now(),
		}
		st.messages = append(st.messages, msg)
		st.pending[msg.ID] = msg.ChatID
		if chat := findChat(st.chats, msg.ChatID); chat != nil {
			chat.LastMessage = msg
			sortChats(st.chats)
		}

		c.emit(models.Command{
			Type:      models.CommandSendMessage,
			ChatID:    msg.ChatID,
			Content:   content,
			Kind:      string(kind),
			ClientRef: msg.ID,
		})
	})
	if err != nil {
		return err
	}
	return sendErr
}

// SelectChat makes chatID the viewed chat, loads its full history and
// marks it read. A history response that arrives after the user moved to
// another chat is discarded.
func (c *Controller) SelectChat(chatID string) error {
	return c.do(func(st *state) {
		st.activeChatID = chatID
		st.messages = nil
		st.historyLoading = true
		st.historyReq++
		req := st.historyReq

		if chat := findChat(st.chats, chatID); chat != nil {
			chat.UnreadCount = 0
		}

		go func() {
			messages, err := c.directory.GetMessages(c.ctx, chatID)
			c.post(func(st *state) {
				if st.historyReq != req {
					return
				}
				st.historyLoading = false
				if err != nil {
					st.lastErr = err
					return
				}
				c.loadHistory(st, messages)
			})
		}()
		c.emit(models.Command{Type: models.CommandMarkRead, ChatID: chatID})
	})
}

// loadHistory replaces the visible messages with the fetched history.
// Messages that arrived live while the fetch was in flight and are newer
// than the history are kept after it, followed by provisional messages
// still waiting for confirmation.
func (c *Controller) loadHistory(st *state, messages []*models.Message) {
	var lastSeq int64
	fetched := make(map[string]bool, len(messages))
	for _, m := range messages {
		fetched[m.ID] = true
		lastSeq = max(lastSeq, m.Seq)
	}

	var live, pending []*models.Message
	for _, m := range st.messages {
		switch {
		case isProvisional(m):
			if _, ok := st.pending[m.ID]; ok {
				pending = append(pending, m)
			}
		case !fetched[m.ID] && m.Seq > lastSeq:
			live = append(live, m)
		}
	}
	st.messages = append(append(append([]*models.Message(nil), messages...), live...), pending...)
}

// CreateChat asks the gateway to create a chat. The chat shows up through
// the chat.created event.
func (c *Controller) CreateChat(participantIDs []string, kind models.ChatType, name string) error {
	return c.do(func(*state) {
		c.emit(models.Command{
			Type:           models.CommandCreateChat,
			ParticipantIDs: participantIDs,
			Kind:           string(kind),
			Name:           name,
		})
	})
}

// SetStatus publishes the user's own ONLINE or AWAY status.
func (c *Controller) SetStatus(status models.UserStatus) error {
	return c.do(func(*state) {
		c.emit(models.Command{Type: models.CommandSetStatus, Status: status})
	})
}

func (c *Controller) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := c.do(func(st *state) {
		snap = Snapshot{
			Self:           c.self.Clone(),
			Connected:      st.connected,
			Chats:          make([]*models.Chat, len(st.chats)),
			Users:          make([]*models.User, 0, len(st.users)),
			Presence:       make(map[string]models.PresenceEntry, len(st.presence)),
			ActiveChatID:   st.activeChatID,
			Messages:       make([]*models.Message, len(st.messages)),
			HistoryLoading: st.historyLoading,
			LastError:      st.lastErr,
		}
		for i, chat := range st.chats {
			snap.Chats[i] = chat.Clone()
		}
		for _, u := range st.users {
			snap.Users = append(snap.Users, u.Clone())
		}
		slices.SortFunc(snap.Users, func(a, b *models.User) int { return strings.Compare(a.Username, b.Username) })
		for id, entry := range st.presence {
			snap.Presence[id] = entry
		}
		for i, m := range st.messages {
			cp := *m
			snap.Messages[i] = &cp
		}
	})
	return snap, err
}

// sortChats orders by last activity, newest first. Equal times keep their
// current order.
func sortChats(chats []*models.Chat) {
	slices.SortStableFunc(chats, func(a, b *models.Chat) int {
		return b.ActivityAt().Compare(a.ActivityAt())
	})
}

func findChat(chats []*models.Chat, chatID string) *models.Chat {
	for _, chat := range chats {
		if chat.ID == chatID {
			return chat
		}
	}
	return nil
}

func indexOf(messages []*models.Message, id string) int {
	return slices.IndexFunc(messages, func(m *models.Message) bool { return m.ID == id })
}

func replaceMessage(messages []*models.Message, id string, msg *models.Message) bool {
	if i := indexOf(messages, id); i >= 0 {
		messages[i] = msg
		return true
	}
	return false
}

// newerPreview reports whether msg should replace last as the chat preview.
// A provisional preview has no sequence number yet, so a peer message is
// compared to it by creation time. Confirmations of earlier sends never
// replace a later provisional preview.
func newerPreview(last, msg *models.Message, clientRef string) bool {
	switch {
	case last == nil, last.ID == clientRef:
		return true
	case isProvisional(last):
		return clientRef == "" && !msg.CreatedAt.Before(last.CreatedAt)
	default:
		return last.Seq < msg.Seq
	}
}

func isProvisional(msg *models.Message) bool {
	return strings.HasPrefix(msg.ID, TempIDPrefix)
}
