// Package simulator generates background activity around one target user:
// other users flip between online and offline, and co-participants post
// into the target's chats. It drives the gateway's fan-out and push paths
// in demos and load checks.
package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"realtime-chat/internal/config"
	"realtime-chat/internal/models"
	"realtime-chat/pkg/logger"
)

const (
	presenceFlipChance = 0.3
	messageChance      = 0.1

	simulatedContent = "Simulated message from the activity generator..."
)

// Gateway is the part of the realtime gateway the simulator drives.
type Gateway interface {
	InjectPresence(ctx context.Context, userID string, status models.UserStatus) (models.PresenceEntry, bool)
	SendAs(ctx context.Context, senderID, chatID, content string) (*models.Message, error)
}

// Directory lists users and chats. *services.ChatService satisfies it.
type Directory interface {
	ListUsers(ctx context.Context) ([]*models.User, error)
	ListChats(ctx context.Context, userID string) ([]*models.Chat, error)
}

type Simulator struct {
	gateway  Gateway
	dir      Directory
	targetID string
	cfg      config.SimulatorConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func New(gateway Gateway, dir Directory, targetID string, cfg config.SimulatorConfig, rng *rand.Rand) *Simulator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Simulator{
		gateway:  gateway,
		dir:      dir,
		targetID: targetID,
		cfg:      cfg,
		rng:      rng,
	}
}

func (s *Simulator) float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *Simulator) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}

// TickPresence flips a random user other than the target online or
// offline with probability 0.3. It reports whether a change was broadcast.
func (s *Simulator) TickPresence(ctx context.Context) (models.PresenceEntry, bool, error) {
	if s.float() >= presenceFlipChance {
		return models.PresenceEntry{}, false, nil
	}

	users, err := s.dir.ListUsers(ctx)
	if err != nil {
		return models.PresenceEntry{}, false, fmt.Errorf("list users: %w", err)
	}
	var candidates []*models.User
	for _, u := range users {
		if u.ID != s.targetID {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		return models.PresenceEntry{}, false, nil
	}

	user := candidates[s.intn(len(candidates))]
	status := models.StatusOffline
	if s.float() < 0.5 {
		status = models.StatusOnline
	}

	entry, changed := s.gateway.InjectPresence(ctx, user.ID, status)
	if changed {
		logger.Debug("[simulator] %s is now %s", user.Username, entry.Status)
	}
	return entry, changed, nil
}

// TickMessage posts into a random chat of the target with probability
// 0.1, sent by the first other participant. It returns nil when nothing
// was posted.
func (s *Simulator) TickMessage(ctx context.Context) (*models.Message, error) {
	if s.float() >= messageChance {
		return nil, nil
	}

	chats, err := s.dir.ListChats(ctx, s.targetID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	if len(chats) == 0 {
		return nil, nil
	}

	chat := chats[s.intn(len(chats))]
	var senderID string
	for _, p := range chat.Participants {
		if p.ID != s.targetID {
			senderID = p.ID
			break
		}
	}
	if senderID == "" {
		return nil, nil
	}

	msg, err := s.gateway.SendAs(ctx, senderID, chat.ID, simulatedContent)
	if err != nil {
		return nil, fmt.Errorf("send into %s: %w", chat.ID, err)
	}
	logger.Debug("[simulator] %s posted %s into chat %s", senderID, msg.ID, chat.ID)
	return msg, nil
}

// Run ticks both generators on their intervals until ctx is done.
func (s *Simulator) Run(ctx context.Context) {
	presenceTicker := time.NewTicker(s.cfg.PresenceInterval)
	defer presenceTicker.Stop()
	messageTicker := time.NewTicker(s.cfg.MessageInterval)
	defer messageTicker.Stop()

	logger.Info("[simulator] Generating activity around user %s", s.targetID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-presenceTicker.C:
			if _, _, err := s.TickPresence(ctx); err != nil {
				logger.Warn("[simulator] Presence tick failed: %v", err)
			}
		case <-messageTicker.C:
			if _, err := s.TickMessage(ctx); err != nil {
				logger.Warn("[simulator] Message tick failed: %v", err)
			}
		}
	}
}
