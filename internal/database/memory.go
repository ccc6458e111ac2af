package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"realtime-chat/internal/models"

	"github.com/google/uuid"
)

// MemoryDB keeps everything in process. The top-level lock guards the
// indexes; each chat carries its own lock so appends to different chats
// never contend.
type MemoryDB struct {
	mu        sync.RWMutex
	users     map[string]*models.User
	byName    map[string]string
	chats     map[string]*chatRecord
	userChats map[string][]string
	now       func() time.Time
}

type chatRecord struct {
	mu             sync.Mutex
	id             string
	chatType       models.ChatType
	name           string
	createdAt      time.Time
	participantIDs []string
	messages       []*models.Message
	unread         map[string]int
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		users:     make(map[string]*models.User),
		byName:    make(map[string]string),
		chats:     make(map[string]*chatRecord),
		userChats: make(map[string][]string),
		now:       time.Now,
	}
}

func (db *MemoryDB) Close() error {
	return nil
}

// User Repository Implementation
func (db *MemoryDB) CreateUser(_ context.Context, user *models.User) (*models.User, error) {
	if strings.TrimSpace(user.Username) == "" {
		return nil, fmt.Errorf("username is required")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	key := strings.ToLower(user.Username)
	if _, exists := db.byName[key]; exists {
		return nil, fmt.Errorf("username %q already taken", user.Username)
	}

	u := user.Clone()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if _, exists := db.users[u.ID]; exists {
		return nil, fmt.Errorf("user id %q already exists", u.ID)
	}
	if u.Status == "" {
		u.Status = models.StatusOffline
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = db.now()
	}

	db.users[u.ID] = u
	db.byName[key] = u.ID
	return u.Clone(), nil
}

func (db *MemoryDB) GetUserByID(_ context.Context, id string) (*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	u, ok := db.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUserNotFound, id)
	}
	return u.Clone(), nil
}

func (db *MemoryDB) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	id, ok := db.byName[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUserNotFound, username)
	}
	return db.users[id].Clone(), nil
}

func (db *MemoryDB) ListUsers(_ context.Context) ([]*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	users := make([]*models.User, 0, len(db.users))
	for _, u := range db.users {
		users = append(users, u.Clone())
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].CreatedAt.Before(users[j].CreatedAt)
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}

func (db *MemoryDB) UpdateUserStatus(_ context.Context, id string, status models.UserStatus, lastSeen *time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	u, ok := db.users[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrUserNotFound, id)
	}
	u.Status = status
	if lastSeen != nil {
		ls := *lastSeen
		u.LastSeen = &ls
	}
	return nil
}

// Chat Repository Implementation
func (db *MemoryDB) CreateChat(_ context.Context, chat *models.Chat) (*models.Chat, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rec := &chatRecord{
		id:        chat.ID,
		chatType:  chat.Type,
		name:      chat.Name,
		createdAt: chat.CreatedAt,
		unread:    make(map[string]int),
	}
	if rec.id == "" {
		rec.id = uuid.NewString()
	}
	if _, exists := db.chats[rec.id]; exists {
		return nil, fmt.Errorf("chat id %q already exists", rec.id)
	}
	if rec.createdAt.IsZero() {
		rec.createdAt = db.now()
	}

	for _, p := range chat.Participants {
		if _, ok := db.users[p.ID]; !ok {
			return nil, fmt.Errorf("%w: %s", models.ErrInvalidParticipant, p.ID)
		}
		rec.participantIDs = append(rec.participantIDs, p.ID)
	}

	db.chats[rec.id] = rec
	for _, id := range rec.participantIDs {
		db.userChats[id] = append(db.userChats[id], rec.id)
	}

	return db.snapshotLocked(rec, ""), nil
}

func (db *MemoryDB) GetChat(_ context.Context, chatID, viewerID string) (*models.Chat, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rec, ok := db.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrChatNotFound, chatID)
	}
	return db.snapshotLocked(rec, viewerID), nil
}

func (db *MemoryDB) ListUserChats(_ context.Context, userID string) ([]*models.Chat, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	ids := db.userChats[userID]
	chats := make([]*models.Chat, 0, len(ids))
	for _, id := range ids {
		chats = append(chats, db.snapshotLocked(db.chats[id], userID))
	}
	return chats, nil
}

// snapshotLocked builds a detached Chat. Callers hold db.mu (read or write).
func (db *MemoryDB) snapshotLocked(rec *chatRecord, viewerID string) *models.Chat {
	chat := &models.Chat{
		ID:        rec.id,
		Type:      rec.chatType,
		Name:      rec.name,
		CreatedAt: rec.createdAt,
	}
	for _, id := range rec.participantIDs {
		chat.Participants = append(chat.Participants, db.users[id].Clone())
	}

	rec.mu.Lock()
	if n := len(rec.messages); n > 0 {
		last := *rec.messages[n-1]
		chat.LastMessage = &last
	}
	if viewerID != "" {
		chat.UnreadCount = rec.unread[viewerID]
	}
	rec.mu.Unlock()

	return chat
}

func (db *MemoryDB) record(chatID string) (*chatRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rec, ok := db.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrChatNotFound, chatID)
	}
	return rec, nil
}

// Message Repository Implementation
func (db *MemoryDB) AppendMessage(_ context.Context, chatID, senderID, content string, msgType models.MessageType) (*models.Message, error) {
	rec, err := db.record(chatID)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !contains(rec.participantIDs, senderID) {
		return nil, fmt.Errorf("%w: %s in chat %s", models.ErrNotAParticipant, senderID, chatID)
	}

	createdAt := db.now()
	if n := len(rec.messages); n > 0 {
		if prev := rec.messages[n-1].CreatedAt; !createdAt.After(prev) {
			createdAt = prev.Add(time.Microsecond)
		}
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Type:      msgType,
		CreatedAt: createdAt,
		Seq:       int64(len(rec.messages) + 1),
	}
	rec.messages = append(rec.messages, msg)

	for _, id := range rec.participantIDs {
		if id != senderID {
			rec.unread[id]++
		}
	}

	out := *msg
	return &out, nil
}

func (db *MemoryDB) GetMessages(_ context.Context, chatID string, opts models.HistoryOptions) ([]*models.Message, error) {
	rec, err := db.record(chatID)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	end := len(rec.messages)
	if opts.BeforeSeq > 0 && opts.BeforeSeq-1 < int64(end) {
		end = int(opts.BeforeSeq - 1)
	}
	start := 0
	if opts.Limit > 0 && end-opts.Limit > 0 {
		start = end - opts.Limit
	}

	messages := make([]*models.Message, 0, end-start)
	for _, m := range rec.messages[start:end] {
		cp := *m
		messages = append(messages, &cp)
	}
	return messages, nil
}

// Unread Repository Implementation
func (db *MemoryDB) IncrementUnread(_ context.Context, chatID, viewerID string) error {
	return db.withParticipant(chatID, viewerID, func(rec *chatRecord) {
		rec.unread[viewerID]++
	})
}

func (db *MemoryDB) ResetUnread(_ context.Context, chatID, viewerID string) error {
	return db.withParticipant(chatID, viewerID, func(rec *chatRecord) {
		delete(rec.unread, viewerID)
	})
}

func (db *MemoryDB) UnreadCount(_ context.Context, chatID, viewerID string) (int, error) {
	var n int
	err := db.withParticipant(chatID, viewerID, func(rec *chatRecord) {
		n = rec.unread[viewerID]
	})
	return n, err
}

func (db *MemoryDB) withParticipant(chatID, viewerID string, fn func(*chatRecord)) error {
	rec, err := db.record(chatID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !contains(rec.participantIDs, viewerID) {
		return fmt.Errorf("%w: %s in chat %s", models.ErrNotAParticipant, viewerID, chatID)
	}
	fn(rec)
	return nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
