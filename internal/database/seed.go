package database

import (
	"context"
	"errors"
	"fmt"

	"realtime-chat/internal/models"
	"realtime-chat/pkg/logger"
)

var demoUsers = []models.User{
	{ID: "u1", Username: "John Doe", Avatar: "https://images.unsplash.com/photo-1472099645785-5658abf4ff4e?w=256&h=256&fit=facearea&facepad=2"},
	{ID: "u2", Username: "Alice Smith", Avatar: "https://images.unsplash.com/photo-1438761681033-6461ffad8d80?w=256&h=256&fit=facearea&facepad=2"},
	{ID: "u3", Username: "Bob Johnson", Avatar: "https://images.unsplash.com/photo-1500648767791-00dcc994a43e?w=256&h=256&fit=facearea&facepad=2"},
	{ID: "u4", Username: "Sarah Wilson", Avatar: "https://images.unsplash.com/photo-1494790108377-be9c29b29330?w=256&h=256&fit=facearea&facepad=2"},
	{ID: "u5", Username: "Mike Chen", Avatar: "https://images.unsplash.com/photo-1519345182560-3f2917c472ef?w=256&h=256&fit=facearea&facepad=2"},
}

type demoMessage struct {
	senderID string
	content  string
}

var demoChats = []struct {
	chat     models.Chat
	members  []string
	messages []demoMessage
}{
	{
		chat:    models.Chat{ID: "c1", Type: models.ChatTypeDM},
		members: []string{"u1", "u2"},
		messages: []demoMessage{
			{"u1", "Hi Alice!"},
			{"u2", "Hey, are you available?"},
		},
	},
	{
		chat:    models.Chat{ID: "c2", Type: models.ChatTypeGroup, Name: "NestJS Developers"},
		members: []string{"u1", "u3", "u4"},
		messages: []demoMessage{
			{"u3", "Did you check the PR?"},
		},
	},
}

// SeedDemo loads a small fixed directory with two conversations. It is a
// no-op when the first demo user already exists.
func SeedDemo(ctx context.Context, db Database) error {
	if _, err := db.GetUserByID(ctx, demoUsers[0].ID); err == nil {
		logger.Debug("Demo data already present, skipping seed")
		return nil
	} else if !errors.Is(err, models.ErrUserNotFound) {
		return err
	}

	byID := make(map[string]*models.User, len(demoUsers))
	for i := range demoUsers {
		u, err := db.CreateUser(ctx, &demoUsers[i])
		if err != nil {
			return fmt.Errorf("seed user %s: %w", demoUsers[i].Username, err)
		}
		byID[u.ID] = u
	}

	for _, dc := range demoChats {
		chat := dc.chat
		for _, id := range dc.members {
			chat.Participants = append(chat.Participants, byID[id])
		}
		if _, err := db.CreateChat(ctx, &chat); err != nil {
			return fmt.Errorf("seed chat %s: %w", chat.ID, err)
		}
		for _, m := range dc.messages {
			if _, err := db.AppendMessage(ctx, chat.ID, m.senderID, m.content, models.MessageTypeText); err != nil {
				return fmt.Errorf("seed message in %s: %w", chat.ID, err)
			}
		}
	}

	logger.Info("Seeded %d demo users and %d chats", len(demoUsers), len(demoChats))
	return nil
}
