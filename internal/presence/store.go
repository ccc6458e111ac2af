// Package presence tracks which users currently hold a live session.
//
// Stores never fail toward the caller: backend errors are logged and
// reads degrade to offline. Writes for one user are serialized; writes for
// different users proceed concurrently.
package presence

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"realtime-chat/internal/models"
)

// StatusSink receives every presence transition so the persisted user
// record stays in step with the store.
type StatusSink interface {
	UpdateUserStatus(ctx context.Context, id string, status models.UserStatus, lastSeen *time.Time) error
}

type Store interface {
	// SetOnline records a session for the user. Calling it again replaces
	// the session handle.
	SetOnline(ctx context.Context, userID, sessionID string) models.PresenceEntry
	// SetOffline clears the session and stamps LastSeen. It reports false
	// when the user had no recorded session, or when sessionID is set and
	// another session holds the user. An empty sessionID clears any session.
	SetOffline(ctx context.Context, userID, sessionID string) (models.PresenceEntry, bool)
	// SetStatus switches a connected user between ONLINE and AWAY. It
	// reports false when the user is offline or the status is not one of those two.
	SetStatus(ctx context.Context, userID string, status models.UserStatus) (models.PresenceEntry, bool)
	IsOnline(ctx context.Context, userID string) bool
	Get(ctx context.Context, userID string) models.PresenceEntry
	// Touch extends the liveness of a session held by a heartbeat.
	Touch(ctx context.Context, userID, sessionID string)
}

const stripes = 64

// keyedMutex serializes work per key using a fixed set of stripes.
type keyedMutex struct {
	locks [stripes]sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.locks[h.Sum32()%stripes]
	m.Lock()
	return m.Unlock
}
