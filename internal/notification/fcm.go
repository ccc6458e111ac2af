package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"realtime-chat/pkg/logger"
)

// TokenRegistry maps users to the device tokens they registered.
type TokenRegistry interface {
	Register(userID, token string)
	Remove(userID, token string)
	Tokens(userID string) []string
}

type MemoryTokenRegistry struct {
	mu     sync.RWMutex
	tokens map[string][]string
}

func NewMemoryTokenRegistry() *MemoryTokenRegistry {
	return &MemoryTokenRegistry{tokens: make(map[string][]string)}
}

func (r *MemoryTokenRegistry) Register(userID, token string) {
	if token == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tokens[userID] {
		if t == token {
			return
		}
	}
	r.tokens[userID] = append(r.tokens[userID], token)
}

func (r *MemoryTokenRegistry) Remove(userID, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.tokens[userID]
	for i, t := range list {
		if t == token {
			r.tokens[userID] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (r *MemoryTokenRegistry) Tokens(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.tokens[userID]...)
}

// messageSender is the subset of *messaging.Client used here.
type messageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMDispatcher sends pushes through Firebase Cloud Messaging to every
// device token registered for the user. Users without tokens are skipped.
type FCMDispatcher struct {
	client   messageSender
	registry TokenRegistry
}

func NewFCMDispatcher(ctx context.Context, credentialsFile string, registry TokenRegistry) (*FCMDispatcher, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}
	return &FCMDispatcher{client: client, registry: registry}, nil
}

func (d *FCMDispatcher) Notify(ctx context.Context, userID, title, body string, data map[string]string) error {
	tokens := d.registry.Tokens(userID)
	if len(tokens) == 0 {
		logger.Debug("[FCM] No device token for user %s, skipping push", userID)
		return nil
	}

	var errs []error
	for _, token := range tokens {
		msg := &messaging.Message{
			Notification: &messaging.Notification{
				Title: title,
				Body:  body,
			},
			Data:  data,
			Token: token,
			Android: &messaging.AndroidConfig{
				Priority: "high",
				Notification: &messaging.AndroidNotification{
					Sound: "default",
				},
			},
			APNS: &messaging.APNSConfig{
				Payload: &messaging.APNSPayload{
					Aps: &messaging.Aps{
						Sound: "default",
					},
				},
			},
		}

		if _, err := d.client.Send(ctx, msg); err != nil {
			if messaging.IsUnregistered(err) {
				logger.Info("[FCM] Dropping stale token for user %s", userID)
				d.registry.Remove(userID, token)
				continue
			}
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("fcm send to %s: %w", userID, errors.Join(errs...))
	}
	return nil
}
