// Package notification delivers best-effort push notifications to users
// who cannot receive an event live.
package notification

import (
	"context"

	"realtime-chat/internal/models"
	"realtime-chat/pkg/logger"
)

type Dispatcher interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string) error
}

// MessageTitle is the push title for a new message in chat.
func MessageTitle(chat *models.Chat, senderName string) string {
	if chat.Type == models.ChatTypeGroup {
		return "New message in " + chat.Name
	}
	return "New message from " + senderName
}

// MessageData is the data payload attached to a new message push.
func MessageData(msg *models.Message) map[string]string {
	return map[string]string{
		"type":      string(models.EventMessageNew),
		"chatId":    msg.ChatID,
		"messageId": msg.ID,
		"senderId":  msg.SenderID,
	}
}

// LogDispatcher writes each push to the log instead of sending it.
type LogDispatcher struct{}

func (LogDispatcher) Notify(_ context.Context, userID, title, body string, _ map[string]string) error {
	logger.Info("[PUSH] To %s: %s - %s", userID, title, body)
	return nil
}

// DispatcherFunc adapts a plain function to Dispatcher.
type DispatcherFunc func(ctx context.Context, userID, title, body string, data map[string]string) error

func (f DispatcherFunc) Notify(ctx context.Context, userID, title, body string, data map[string]string) error {
	return f(ctx, userID, title, body, data)
}
