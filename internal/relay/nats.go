// Package relay moves per-user events between gateway processes over NATS.
// Delivery is at most once: a user who is not connected to any subscriber
// when the event arrives never sees it.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"realtime-chat/internal/models"
	"realtime-chat/pkg/logger"

	"github.com/nats-io/nats.go"
)

// Handler receives an event addressed to userID.
type Handler func(userID string, event models.Event)

type Config struct {
	URL           string
	SubjectPrefix string
	Name          string
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "chat",
		Name:          "realtime-chat-gateway",
	}
}

type NATSRelay struct {
	nc     *nats.Conn
	prefix string
	sub    *nats.Subscription
}

func Connect(cfg Config) (*NATSRelay, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("[nats] Disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("[nats] Reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("[nats] Connected to NATS at %s", cfg.URL)
	return &NATSRelay{nc: nc, prefix: cfg.SubjectPrefix}, nil
}

// NewWithConn wraps an existing connection.
func NewWithConn(nc *nats.Conn, prefix string) *NATSRelay {
	return &NATSRelay{nc: nc, prefix: prefix}
}

func (r *NATSRelay) subject(userID string) string {
	return r.prefix + ".user." + userID
}

func (r *NATSRelay) Publish(_ context.Context, userID string, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal relay event: %w", err)
	}
	if err := r.nc.Publish(r.subject(userID), data); err != nil {
		return fmt.Errorf("publish to %s: %w", userID, err)
	}
	return nil
}

// Subscribe delivers every relayed event to handler until ctx is done or
// the relay is closed.
func (r *NATSRelay) Subscribe(ctx context.Context, handler Handler) error {
	subjectPrefix := r.prefix + ".user."
	sub, err := r.nc.Subscribe(subjectPrefix+"*", func(msg *nats.Msg) {
		userID := strings.TrimPrefix(msg.Subject, subjectPrefix)

		var event models.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logger.Error("[nats] Dropping malformed event for %s: %v", userID, err)
			return
		}
		handler(userID, event)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s*: %w", subjectPrefix, err)
	}
	r.sub = sub

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			logger.Warn("[nats] Unsubscribe failed: %v", err)
		}
	}()
	return nil
}

func (r *NATSRelay) Close() {
	if err := r.nc.Drain(); err != nil {
		logger.Warn("[nats] Drain failed: %v", err)
		r.nc.Close()
	}
}
