package presence

import (
	"context"
	"errors"
	"time"

	"realtime-chat/internal/models"
	"realtime-chat/pkg/logger"

	"github.com/redis/go-redis/v9"
)

const (
	fieldStatus   = "status"
	fieldLastSeen = "last_seen"
)

// releaseSession deletes the online key when it still holds ARGV[1] (or
// unconditionally when ARGV[1] is empty) and records the offline status.
var releaseSession = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	return 0
end
if ARGV[1] ~= "" and current ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[2], "status", ARGV[2], "last_seen", ARGV[3])
return 1
`)

// RedisStore keeps the session handle under <prefix>user:online:<id> with a
// TTL refreshed by Touch, and the last known status and last seen time in
// the hash <prefix>user:presence:<id>. A missing online key means offline.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	keys   keyedMutex
	sink   StatusSink
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration, sink StatusSink) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		sink:   sink,
		now:    time.Now,
	}
}

func (s *RedisStore) onlineKey(userID string) string {
	return s.prefix + "user:online:" + userID
}

func (s *RedisStore) presenceKey(userID string) string {
	return s.prefix + "user:presence:" + userID
}

func (s *RedisStore) SetOnline(ctx context.Context, userID, sessionID string) models.PresenceEntry {
	defer s.keys.lock(userID)()

	prev := s.Get(ctx, userID)
	entry := models.PresenceEntry{
		UserID:    userID,
		Status:    models.StatusOnline,
		LastSeen:  prev.LastSeen,
		SessionID: sessionID,
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.onlineKey(userID), sessionID, s.ttl)
		pipe.HSet(ctx, s.presenceKey(userID), fieldStatus, string(models.StatusOnline))
		return nil
	})
	if err != nil {
		logger.Error("Failed to set user %s online: %v", userID, err)
		return prev
	}

	if prev.Status != entry.Status {
		syncStatus(ctx, s.sink, entry)
	}
	return entry
}

func (s *RedisStore) SetOffline(ctx context.Context, userID, sessionID string) (models.PresenceEntry, bool) {
	defer s.keys.lock(userID)()

	prev := s.Get(ctx, userID)
	if prev.SessionID == "" || (sessionID != "" && prev.SessionID != sessionID) {
		return prev, false
	}

	seen := s.now()
	entry := models.PresenceEntry{
		UserID:   userID,
		Status:   models.StatusOffline,
		LastSeen: &seen,
	}

	// Another process may have taken the session over since the read above.
	released, err := releaseSession.Run(ctx, s.client,
		[]string{s.onlineKey(userID), s.presenceKey(userID)},
		sessionID, string(models.StatusOffline), seen.UTC().Format(time.RFC3339Nano),
	).Int()
	switch {
	case err != nil:
		logger.Error("Failed to set user %s offline: %v", userID, err)
	case released == 0:
		return s.Get(ctx, userID), false
	}

	syncStatus(ctx, s.sink, entry)
	return entry, true
}

func (s *RedisStore) SetStatus(ctx context.Context, userID string, status models.UserStatus) (models.PresenceEntry, bool) {
	if status != models.StatusOnline && status != models.StatusAway {
		return s.Get(ctx, userID), false
	}

	defer s.keys.lock(userID)()

	entry := s.Get(ctx, userID)
	if entry.SessionID == "" {
		return entry, false
	}
	if entry.Status == status {
		return entry, true
	}

	if err := s.client.HSet(ctx, s.presenceKey(userID), fieldStatus, string(status)).Err(); err != nil {
		logger.Error("Failed to set status for user %s: %v", userID, err)
		return entry, false
	}
	entry.Status = status
	syncStatus(ctx, s.sink, entry)
	return entry, true
}

func (s *RedisStore) IsOnline(ctx context.Context, userID string) bool {
	n, err := s.client.Exists(ctx, s.onlineKey(userID)).Result()
	if err != nil {
		logger.Error("Failed to read presence for user %s: %v", userID, err)
		return false
	}
	return n == 1
}

func (s *RedisStore) Get(ctx context.Context, userID string) models.PresenceEntry {
	entry := models.PresenceEntry{UserID: userID, Status: models.StatusOffline}

	pipe := s.client.Pipeline()
	sessionCmd := pipe.Get(ctx, s.onlineKey(userID))
	fieldsCmd := pipe.HGetAll(ctx, s.presenceKey(userID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		logger.Error("Failed to read presence for user %s: %v", userID, err)
		return entry
	}

	fields := fieldsCmd.Val()
	if raw, ok := fields[fieldLastSeen]; ok {
		if seen, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			entry.LastSeen = &seen
		}
	}

	sessionID, err := sessionCmd.Result()
	if err != nil {
		return entry
	}
	entry.SessionID = sessionID
	entry.Status = models.StatusOnline
	if models.UserStatus(fields[fieldStatus]) == models.StatusAway {
		entry.Status = models.StatusAway
	}
	return entry
}

// Touch refreshes the TTL of the online key if it still belongs to sessionID.
func (s *RedisStore) Touch(ctx context.Context, userID, sessionID string) {
	current, err := s.client.Get(ctx, s.onlineKey(userID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Error("Failed to refresh presence for user %s: %v", userID, err)
		}
		return
	}
	if current != sessionID {
		return
	}
	if err := s.client.Expire(ctx, s.onlineKey(userID), s.ttl).Err(); err != nil {
		logger.Error("Failed to refresh presence for user %s: %v", userID, err)
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
