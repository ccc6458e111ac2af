package presence

import (
	"context"
	"sync"
	"time"

	"realtime-chat/internal/models"
	"realtime-chat/pkg/logger"
)

type MemoryStore struct {
	keys    keyedMutex
	mu      sync.RWMutex
	entries map[string]models.PresenceEntry
	sink    StatusSink
	now     func() time.Time
}

// NewMemoryStore returns an in-process store. sink may be nil.
func NewMemoryStore(sink StatusSink) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]models.PresenceEntry),
		sink:    sink,
		now:     time.Now,
	}
}

func (s *MemoryStore) SetOnline(ctx context.Context, userID, sessionID string) models.PresenceEntry {
	defer s.keys.lock(userID)()

	prev := s.load(userID)
	entry := models.PresenceEntry{
		UserID:    userID,
		Status:    models.StatusOnline,
		LastSeen:  prev.LastSeen,
		SessionID: sessionID,
	}
	s.store(entry)

	if prev.Status != entry.Status {
		s.notify(ctx, entry)
	}
	return entry
}

func (s *MemoryStore) SetOffline(ctx context.Context, userID, sessionID string) (models.PresenceEntry, bool) {
	defer s.keys.lock(userID)()

	prev := s.load(userID)
	if prev.SessionID == "" || (sessionID != "" && prev.SessionID != sessionID) {
		return prev, false
	}

	seen := s.now()
	entry := models.PresenceEntry{
		UserID:   userID,
		Status:   models.StatusOffline,
		LastSeen: &seen,
	}
	s.store(entry)
	s.notify(ctx, entry)
	return entry, true
}

func (s *MemoryStore) SetStatus(ctx context.Context, userID string, status models.UserStatus) (models.PresenceEntry, bool) {
	if status != models.StatusOnline && status != models.StatusAway {
		return s.Get(ctx, userID), false
	}

	defer s.keys.lock(userID)()

	entry := s.load(userID)
	if entry.SessionID == "" {
		return entry, false
	}
	if entry.Status == status {
		return entry, true
	}
	entry.Status = status
	s.store(entry)
	s.notify(ctx, entry)
	return entry, true
}

func (s *MemoryStore) IsOnline(_ context.Context, userID string) bool {
	return s.load(userID).SessionID != ""
}

func (s *MemoryStore) Get(_ context.Context, userID string) models.PresenceEntry {
	return s.load(userID)
}

// Touch is a no-op; in-process sessions do not expire.
func (s *MemoryStore) Touch(context.Context, string, string) {}

func (s *MemoryStore) load(userID string) models.PresenceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[userID]
	if !ok {
		return models.PresenceEntry{UserID: userID, Status: models.StatusOffline}
	}
	return entry
}

func (s *MemoryStore) store(entry models.PresenceEntry) {
	s.mu.Lock()
	s.entries[entry.UserID] = entry
	s.mu.Unlock()
}

func (s *MemoryStore) notify(ctx context.Context, entry models.PresenceEntry) {
	syncStatus(ctx, s.sink, entry)
}

func syncStatus(ctx context.Context, sink StatusSink, entry models.PresenceEntry) {
	if sink == nil {
		return
	}
	if err := sink.UpdateUserStatus(ctx, entry.UserID, entry.Status, entry.LastSeen); err != nil {
		logger.Warn("Failed to persist status for user %s: %v", entry.UserID, err)
	}
}
