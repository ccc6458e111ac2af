package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"realtime-chat/internal/auth"
	"realtime-chat/internal/config"
	"realtime-chat/internal/database"
	"realtime-chat/internal/handlers"
	"realtime-chat/internal/models"
	"realtime-chat/internal/notification"
	"realtime-chat/internal/presence"
	"realtime-chat/internal/services"
	ws "realtime-chat/internal/websocket"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type backend struct {
	cfg     *config.Config
	db      *database.MemoryDB
	auth    *auth.Service
	chats   *services.ChatService
	gateway *ws.Gateway
	users   map[string]*models.LoginResponse
}

func newBackend(t *testing.T, usernames ...string) *backend {
	t.Helper()
	cfg := &config.Config{
		JWT:     config.JWTConfig{Secret: []byte("test"), ExpiresIn: time.Hour},
		Chat:    config.ChatConfig{MaxMessageLength: 20},
		Gateway: config.GatewayConfig{SendBuffer: 64, WriteWait: time.Second, PongWait: 5 * time.Second, PingPeriod: 4 * time.Second},
	}
	db := database.NewMemoryDB()
	b := &backend{
		cfg:   cfg,
		db:    db,
		auth:  auth.NewService(db, cfg),
		chats: services.NewChatService(db, cfg),
		users: map[string]*models.LoginResponse{},
	}
	b.gateway = ws.NewGateway(b.auth, b.chats, presence.NewMemoryStore(db), notification.LogDispatcher{})

	for _, name := range usernames {
		resp, err := b.auth.Login(context.Background(), &models.LoginRequest{Username: name})
		require.NoError(t, err)
		b.users[name] = resp
	}
	return b
}

func (b *backend) id(name string) string {
	return b.users[name].User.ID
}

func (b *backend) chat(t *testing.T, creator string, kind models.ChatType, name string, others ...string) *models.Chat {
	t.Helper()
	ids := make([]string, 0, len(others))
	for _, o := range others {
		ids = append(ids, b.id(o))
	}
	chat, err := b.gateway.CreateChat(context.Background(), b.id(creator), &models.CreateChatRequest{
		ParticipantIDs: ids, Type: kind, Name: name,
	})
	require.NoError(t, err)
	return chat
}

func (b *backend) start(t *testing.T, name string, directory Directory) *Controller {
	t.Helper()
	login := b.users[name]
	if directory == nil {
		directory = NewLocalDirectory(b.chats, login.User.ID)
	}
	c := New(&login.User, login.Token, NewLocalTransport(b.gateway), directory)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c
}

func snapshot(t *testing.T, c *Controller) Snapshot {
	t.Helper()
	snap, err := c.Snapshot()
	require.NoError(t, err)
	return snap
}

func chatByID(snap Snapshot, id string) *models.Chat {
	for _, chat := range snap.Chats {
		if chat.ID == id {
			return chat
		}
	}
	return nil
}

func selectAndWait(t *testing.T, c *Controller, chatID string) {
	t.Helper()
	require.NoError(t, c.SelectChat(chatID))
	require.Eventually(t, func() bool {
		snap := snapshot(t, c)
		return snap.ActiveChatID == chatID && !snap.HistoryLoading
	}, waitFor, tick)
}

func TestStartLoadsChatsUsersAndPresence(t *testing.T) {
	b := newBackend(t, "alice", "bob", "carol")
	dm := b.chat(t, "alice", models.ChatTypeDM, "", "bob")

	bob := b.start(t, "bob", nil)
	alice := b.start(t, "alice", nil)

	snap := snapshot(t, alice)
	assert.True(t, snap.Connected)
	require.Len(t, snap.Chats, 1)
	assert.Equal(t, dm.ID, snap.Chats[0].ID)
	assert.Len(t, snap.Users, 3)
	assert.NotContains(t, snap.Presence, b.id("alice"), "self is not part of the presence projection")
	assert.Equal(t, models.StatusOnline, snap.Presence[b.id("bob")].Status)
	assert.Equal(t, models.StatusOffline, snap.Presence[b.id("carol")].Status)

	// bob sees alice come online
	require.Eventually(t, func() bool {
		return snapshot(t, bob).Presence[b.id("alice")].Status == models.StatusOnline
	}, waitFor, tick)
}

func TestSendMessageReconcilesWithoutDuplicates(t *testing.T) {
	b := newBackend(t, "alice", "bob")
	dm := b.chat(t, "alice", models.ChatTypeDM, "", "bob")
	alice := b.start(t, "alice", nil)
	bob := b.start(t, "bob", nil)

	selectAndWait(t, alice, dm.ID)
	require.NoError(t, alice.SendMessage("  hello  ", ""))

	// the provisional copy is visible right away
	snap := snapshot(t, alice)
	require.NotEmpty(t, snap.Messages)
	assert.Equal(t, "hello", snap.Messages[0].Content)

	require.Eventually(t, func() bool {
		msgs := snapshot(t, alice).Messages
		return len(msgs) == 1 && !strings.HasPrefix(msgs[0].ID, TempIDPrefix)
	}, waitFor, tick)

	stored, err := b.db.GetMessages(context.Background(), dm.ID, models.HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, stored, 1)

	snap = snapshot(t, alice)
	assert.Equal(t, stored[0].ID, snap.Messages[0].ID)
	assert.Equal(t, stored[0].ID, chatByID(snap, dm.ID).LastMessage.ID)
	assert.Zero(t, chatByID(snap, dm.ID).UnreadCount)

	require.Eventually(t, func() bool {
		chat := chatByID(snapshot(t, bob), dm.ID)
		return chat.LastMessage != nil && chat.LastMessage.ID == stored[0].ID && chat.UnreadCount == 1
	}, waitFor, tick)
}

func TestSendMessageIgnoresBlankAndNeedsChat(t *testing.T) {
	b := newBackend(t, "alice", "bob")
	alice := b.start(t, "alice", nil)

	require.NoError(t, alice.SendMessage("   ", ""))
	err := alice.SendMessage("hi", "")
	assert.ErrorIs(t, err, models.ErrInvalidCommand)
	assert.Empty(t, snapshot(t, alice).Messages)
}

func TestRejectedSendDropsProvisionalMessage(t *testing.T) {
	b := newBackend(t, "alice", "bob")
	dm := b.chat(t, "alice", models.ChatTypeDM, "", "bob")
	alice := b.start(t, "alice", nil)

	selectAndWait(t, alice, dm.ID)
	require.NoError(t, alice.SendMessage(strings.Repeat("x", 21), ""))

	require.Eventually(t, func() bool {
		snap := snapshot(t, alice)
		return len(snap.Messages) == 0 && snap.LastError != nil
	}, waitFor, tick)

	snap := snapshot(t, alice)
	assert.ErrorIs(t, snap.LastError, models.ErrInvalidCommand)
	assert.Nil(t, chatByID(snap, dm.ID).LastMessage)
}

func TestIncomingMessagesUpdateUnreadAndOrder(t *testing.T) {
	b := newBackend(t, "alice", "bob", "carol")
	ctx := context.Background()
	dm := b.chat(t, "alice", models.ChatTypeDM, "", "bob")
	group := b.chat(t, "carol", models.ChatTypeGroup, "Team", "alice", "bob")
	bob := b.start(t, "bob", nil)

	_, err := b.gateway.SendAs(ctx, b.id("alice"), dm.ID, "one")
	require.NoError(t, err)
	_, err = b.gateway.SendAs(ctx, b.id("carol"), group.ID, "two")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := snapshot(t, bob)
		return len(snap.Chats) == 2 && snap.Chats[0].ID == group.ID &&
			snap.Chats[0].UnreadCount == 1 && snap.Chats[1].UnreadCount == 1
	}, waitFor, tick)

	selectAndWait(t, bob, dm.ID)
	assert.Zero(t, chatByID(snapshot(t, bob), dm.ID).UnreadCount)

	// selecting also resets the server side counter
	require.Eventually(t, func() bool {
		n, err := b.db.UnreadCount(ctx, dm.ID, b.id("bob"))
		return err == nil && n == 0
	}, waitFor, tick)

	_, err = b.gateway.SendAs(ctx, b.id("alice"), dm.ID, "three")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := snapshot(t, bob)
		return len(snap.Messages) == 2 && snap.Chats[0].ID == dm.ID
	}, waitFor, tick)

	snap := snapshot(t, bob)
	assert.Equal(t, []string{"one", "three"}, []string{snap.Messages[0].Content, snap.Messages[1].Content})
	assert.Zero(t, chatByID(snap, dm.ID).UnreadCount, "viewed chat stays read")
	assert.Equal(t, 1, chatByID(snap, group.ID).UnreadCount)
}

func TestChatCreatedIsPrepended(t *testing.T) {
	b := newBackend(t, "alice", "bob", "carol")
	b.chat(t, "alice", models.ChatTypeDM, "", "bob")
	alice := b.start(t, "alice", nil)
	bob := b.start(t, "bob", nil)

	require.NoError(t, bob.CreateChat([]string{b.id("alice"), b.id("carol")}, models.ChatTypeGroup, "Lunch"))

	for _, c := range []*Controller{alice, bob} {
		require.Eventually(t, func() bool {
			snap := snapshot(t, c)
			return len(snap.Chats) == 2 && snap.Chats[0].Name == "Lunch"
		}, waitFor, tick)
	}
}

type gatedDirectory struct {
	Directory
	gatedChat string
	gate      chan struct{}
	once      sync.Once
	released  chan struct{}
}

func (d *gatedDirectory) GetMessages(ctx context.Context, chatID string) ([]*models.Message, error) {
	if chatID == d.gatedChat {
		<-d.gate
		defer d.once.Do(func() { close(d.released) })
	}
	return d.Directory.GetMessages(ctx, chatID)
}

func TestStaleHistoryIsDiscarded(t *testing.T) {
	b := newBackend(t, "alice", "bob", "carol")
	ctx := context.Background()
	first := b.chat(t, "alice", models.ChatTypeDM, "", "bob")
	second := b.chat(t, "alice", models.ChatTypeDM, "", "carol")
	_, err := b.gateway.SendAs(ctx, b.id("bob"), first.ID, "from first")
	require.NoError(t, err)
	_, err = b.gateway.SendAs(ctx, b.id("carol"), second.ID, "from second")
	require.NoError(t, err)

	dir := &gatedDirectory{
		Directory: NewLocalDirectory(b.chats, b.id("alice")),
		gatedChat: first.ID,
		gate:      make(chan struct{}),
		released:  make(chan struct{}),
	}
	alice := b.start(t, "alice", dir)

	require.NoError(t, alice.SelectChat(first.ID))
	selectAndWait(t, alice, second.ID)

	close(dir.gate)
	<-dir.released
	// one more round trip through the loop so the stale result has been applied
	snapshot(t, alice)

	assert.Never(t, func() bool {
		snap := snapshot(t, alice)
		return snap.ActiveChatID != second.ID || len(snap.Messages) != 1 || snap.Messages[0].Content != "from second"
	}, 100*time.Millisecond, tick)
}

// heldDirectory reads the history of heldChat and then waits for release
// before returning it.
type heldDirectory struct {
	Directory
	heldChat string
	read     chan struct{}
	release  chan struct{}
}

func (d *heldDirectory) GetMessages(ctx context.Context, chatID string) ([]*models.Message, error) {
	messages, err := d.Directory.GetMessages(ctx, chatID)
	if chatID == d.heldChat {
		close(d.read)
		<-d.release
	}
	return messages, err
}

func contents(messages []*models.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Content)
	}
	return out
}

func TestLiveMessageDuringHistoryLoadIsKept(t *testing.T) {
	b := newBackend(t, "alice", "bob")
	ctx := context.Background()
	dm := b.chat(t, "alice", models.ChatTypeDM, "", "bob")
	_, err := b.gateway.SendAs(ctx, b.id("bob"), dm.ID, "old")
	require.NoError(t, err)

	dir := &heldDirectory{
		Directory: NewLocalDirectory(b.chats, b.id("alice")),
		heldChat:  dm.ID,
		read:      make(chan struct{}),
		release:   make(chan struct{}),
	}
	alice := b.start(t, "alice", dir)

	require.NoError(t, alice.SelectChat(dm.ID))
	<-dir.read

	_, err = b.gateway.SendAs(ctx, b.id("bob"), dm.ID, "live")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return slices.Contains(contents(snapshot(t, alice).Messages), "live")
	}, waitFor, tick)

	close(dir.release)
	require.Eventually(t, func() bool {
		return !snapshot(t, alice).HistoryLoading
	}, waitFor, tick)

	snap := snapshot(t, alice)
	assert.Equal(t, []string{"old", "live"}, contents(snap.Messages))
	assert.Equal(t, "live", chatByID(snap, dm.ID).LastMessage.Content)
	assert.Zero(t, chatByID(snap, dm.ID).UnreadCount)
}

func TestPeerMessageReplacesProvisionalPreview(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := New(&models.User{ID: "alice"}, "", nil, nil)

	provisional := &models.Message{ID: TempIDPrefix + "1", ChatID: "c1", SenderID: "alice", Content: "mine", CreatedAt: base.Add(2 * time.Second)}
	st := &state{
		chats: []*models.Chat{
			{ID: "c2", CreatedAt: base, LastMessage: &models.Message{ID: "m0", ChatID: "c2", Seq: 1, CreatedAt: base.Add(3 * time.Second)}},
			{ID: "c1", CreatedAt: base, LastMessage: provisional},
		},
		pending: map[string]string{provisional.ID: "c1"},
	}

	// the peer's message is newer than the provisional one
	peer := &models.Message{ID: "m2", ChatID: "c1", SenderID: "bob", Content: "theirs", Seq: 2, CreatedAt: base.Add(4 * time.Second)}
	c.applyMessage(st, peer, "")
	require.Equal(t, "c1", st.chats[0].ID, "peer activity moves the chat up")
	assert.Equal(t, "m2", st.chats[0].LastMessage.ID)
	assert.Equal(t, 1, st.chats[0].UnreadCount)

	// the earlier send is confirmed later but does not hide the newer message
	ack := &models.Message{ID: "m1", ChatID: "c1", SenderID: "alice", Content: "mine", Seq: 1, CreatedAt: base.Add(2 * time.Second)}
	c.applyMessage(st, ack, provisional.ID)
	assert.Equal(t, "m2", st.chats[0].LastMessage.ID)
	assert.Equal(t, 1, st.chats[0].UnreadCount)
	assert.Empty(t, st.pending)

	// an older peer message leaves a newer provisional preview alone
	later := &models.Message{ID: TempIDPrefix + "2", ChatID: "c2", SenderID: "alice", CreatedAt: base.Add(10 * time.Second)}
	st.chats[1].LastMessage = later
	st.pending[later.ID] = "c2"
	c.applyMessage(st, &models.Message{ID: "m3", ChatID: "c2", SenderID: "bob", Seq: 2, CreatedAt: base.Add(5 * time.Second)}, "")
	assert.Equal(t, later.ID, chatByID(Snapshot{Chats: st.chats}, "c2").LastMessage.ID)
}

func TestStatusChangeAndDisconnect(t *testing.T) {
	b := newBackend(t, "alice", "bob")
	alice := b.start(t, "alice", nil)
	bob := b.start(t, "bob", nil)

	require.NoError(t, bob.SetStatus(models.StatusAway))
	require.Eventually(t, func() bool {
		return snapshot(t, alice).Presence[b.id("bob")].Status == models.StatusAway
	}, waitFor, tick)

	bob.Stop()
	require.Eventually(t, func() bool {
		entry := snapshot(t, alice).Presence[b.id("bob")]
		return entry.Status == models.StatusOffline && entry.LastSeen != nil
	}, waitFor, tick)

	_, err := bob.Snapshot()
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStartFailsWithBadToken(t *testing.T) {
	b := newBackend(t, "alice")
	login := b.users["alice"]
	c := New(&login.User, "bogus", NewLocalTransport(b.gateway), NewLocalDirectory(b.chats, login.User.ID))

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	_, err = c.Snapshot()
	assert.ErrorIs(t, err, ErrStopped)
}

func TestControllerOverWebSocket(t *testing.T) {
	b := newBackend(t, "alice", "bob")
	dm := b.chat(t, "alice", models.ChatTypeDM, "", "bob")

	authHandlers := handlers.NewAuthHandlers(b.auth)
	chatHandlers := handlers.NewChatHandlers(b.chats, b.gateway)
	wsHandlers := handlers.NewWebSocketHandlers(b.gateway, b.cfg.Gateway)

	mux := http.NewServeMux()
	mux.HandleFunc("/users", chatHandlers.ListUsers)
	mux.HandleFunc("/chats", authHandlers.RequireUser(chatHandlers.ListChats))
	mux.HandleFunc("/chats/", authHandlers.RequireUser(chatHandlers.GetMessages))
	mux.HandleFunc("/ws", wsHandlers.HandleWebSocket)
	server := httptest.NewServer(mux)
	defer server.Close()

	connect := func(name string) *Controller {
		login := b.users[name]
		c := New(&login.User, login.Token,
			NewWSTransport("ws"+strings.TrimPrefix(server.URL, "http")+"/ws"),
			NewHTTPDirectory(server.URL, login.Token))
		require.NoError(t, c.Start(context.Background()))
		t.Cleanup(c.Stop)
		return c
	}
	alice, bob := connect("alice"), connect("bob")

	selectAndWait(t, alice, dm.ID)
	require.NoError(t, alice.SendMessage("over the wire", ""))

	require.Eventually(t, func() bool {
		msgs := snapshot(t, alice).Messages
		return len(msgs) == 1 && !strings.HasPrefix(msgs[0].ID, TempIDPrefix)
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		chat := chatByID(snapshot(t, bob), dm.ID)
		return chat != nil && chat.LastMessage != nil && chat.LastMessage.Content == "over the wire" && chat.UnreadCount == 1
	}, waitFor, tick)
}

func TestHTTPDirectoryMapsErrors(t *testing.T) {
	b := newBackend(t, "alice")
	authHandlers := handlers.NewAuthHandlers(b.auth)
	chatHandlers := handlers.NewChatHandlers(b.chats, b.gateway)
	server := httptest.NewServer(authHandlers.RequireUser(chatHandlers.GetMessages))
	defer server.Close()

	_, err := NewHTTPDirectory(server.URL, "bogus").GetMessages(context.Background(), "c1")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	_, err = NewHTTPDirectory(server.URL, b.users["alice"].Token).GetMessages(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrChatNotFound)
}
