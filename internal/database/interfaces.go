package database

import (
	"context"
	"time"

	"realtime-chat/internal/models"
)

type UserRepository interface {
	CreateUser(ctx context.Context, user *models.User) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)
	UpdateUserStatus(ctx context.Context, id string, status models.UserStatus, lastSeen *time.Time) error
}

type ChatRepository interface {
	// CreateChat persists chat with its already-resolved participants.
	CreateChat(ctx context.Context, chat *models.Chat) (*models.Chat, error)
	// GetChat returns the chat with UnreadCount for viewerID.
	GetChat(ctx context.Context, chatID, viewerID string) (*models.Chat, error)
	ListUserChats(ctx context.Context, userID string) ([]*models.Chat, error)
}

type MessageRepository interface {
	// AppendMessage assigns id, seq and timestamp, appends to the chat history
	// and updates the chat's last message and the unread counters of every
	// participant but the sender, all as one step per chat.
	AppendMessage(ctx context.Context, chatID, senderID, content string, msgType models.MessageType) (*models.Message, error)
	GetMessages(ctx context.Context, chatID string, opts models.HistoryOptions) ([]*models.Message, error)
}

type UnreadRepository interface {
	IncrementUnread(ctx context.Context, chatID, viewerID string) error
	ResetUnread(ctx context.Context, chatID, viewerID string) error
	UnreadCount(ctx context.Context, chatID, viewerID string) (int, error)
}

type Database interface {
	UserRepository
	ChatRepository
	MessageRepository
	UnreadRepository
	Close() error
}
