package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"realtime-chat/internal/config"
	"realtime-chat/internal/database"
	"realtime-chat/internal/models"
)

const defaultGroupName = "New Group"

type ChatService struct {
	db               database.Database
	maxMessageLength int
}

func NewChatService(db database.Database, cfg *config.Config) *ChatService {
	return &ChatService{
		db:               db,
		maxMessageLength: cfg.Chat.MaxMessageLength,
	}
}

// CreateChat creates a chat between the creator and the given users. The
// creator is always a participant; duplicate ids are ignored.
func (s *ChatService) CreateChat(ctx context.Context, creatorID string, req *models.CreateChatRequest) (*models.Chat, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown chat type %q", models.ErrInvalidCommand, req.Type)
	}

	ids := []string{creatorID}
	seen := map[string]bool{creatorID: true}
	for _, id := range req.ParticipantIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	if req.Type == models.ChatTypeDM && len(ids) != 2 {
		return nil, fmt.Errorf("%w: a dm needs exactly 2 participants, got %d", models.ErrInvalidParticipant, len(ids))
	}

	participants := make([]*models.User, 0, len(ids))
	for _, id := range ids {
		u, err := s.db.GetUserByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidParticipant, err)
		}
		participants = append(participants, u)
	}

	chat := &models.Chat{
		Type:         req.Type,
		Participants: participants,
	}
	if req.Type == models.ChatTypeGroup {
		chat.Name = strings.TrimSpace(req.Name)
		if chat.Name == "" {
			chat.Name = defaultGroupName
		}
	}

	return s.db.CreateChat(ctx, chat)
}

// SendMessage validates and appends one message. The store bumps the
// unread counter of every participant except the sender in the same step.
func (s *ChatService) SendMessage(ctx context.Context, chatID, senderID, content string, msgType models.MessageType) (*models.Message, error) {
	if msgType == "" {
		msgType = models.MessageTypeText
	}
	if !msgType.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %q", models.ErrInvalidCommand, msgType)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: message content is empty", models.ErrInvalidCommand)
	}
	if s.maxMessageLength > 0 && utf8.RuneCountInString(content) > s.maxMessageLength {
		return nil, fmt.Errorf("%w: message exceeds %d characters", models.ErrInvalidCommand, s.maxMessageLength)
	}

	return s.db.AppendMessage(ctx, chatID, senderID, content, msgType)
}

// ListChats returns the user's chats, most recent activity first. A chat
// without messages counts from its creation time, so a fresh chat sorts
// ahead of older conversations.
func (s *ChatService) ListChats(ctx context.Context, userID string) ([]*models.Chat, error) {
	chats, err := s.db.ListUserChats(ctx, userID)
	if err != nil {
		return nil, err
	}
	SortByActivity(chats)
	return chats, nil
}

// SortByActivity orders chats by activity time, newest first. Ties go to
// chats with messages, then to the newer chat, then by id.
func SortByActivity(chats []*models.Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		a, b := chats[i], chats[j]
		if ta, tb := a.ActivityAt(), b.ActivityAt(); !ta.Equal(tb) {
			return ta.After(tb)
		}
		if (a.LastMessage != nil) != (b.LastMessage != nil) {
			return a.LastMessage != nil
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// GetChat returns the chat as seen by viewerID, who must be a participant.
func (s *ChatService) GetChat(ctx context.Context, chatID, viewerID string) (*models.Chat, error) {
	chat, err := s.db.GetChat(ctx, chatID, viewerID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(viewerID) {
		return nil, fmt.Errorf("%w: %s in chat %s", models.ErrNotAParticipant, viewerID, chatID)
	}
	return chat, nil
}

func (s *ChatService) GetHistory(ctx context.Context, chatID, viewerID string, opts models.HistoryOptions) ([]*models.Message, error) {
	if _, err := s.GetChat(ctx, chatID, viewerID); err != nil {
		return nil, err
	}
	return s.db.GetMessages(ctx, chatID, opts)
}

func (s *ChatService) MarkRead(ctx context.Context, chatID, viewerID string) error {
	return s.db.ResetUnread(ctx, chatID, viewerID)
}

func (s *ChatService) ListUsers(ctx context.Context) ([]*models.User, error) {
	users, err := s.db.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		u.PasswordHash = ""
	}
	return users, nil
}
