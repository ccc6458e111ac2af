package presence

import (
	"context"
	"testing"
	"time"

	"realtime-chat/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRedisAddr = "localhost:6379"

func setupRedisStore(t *testing.T, sink StatusSink) *RedisStore {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", testRedisAddr, err)
	}

	prefix := "test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})

	return NewRedisStore(client, prefix, time.Minute, sink)
}

func TestRedisStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	store := setupRedisStore(t, sink)

	assert.False(t, store.IsOnline(ctx, "u1"))

	store.SetOnline(ctx, "u1", "s1")
	store.SetOnline(ctx, "u1", "s1")
	assert.True(t, store.IsOnline(ctx, "u1"))
	assert.Equal(t, "s1", store.Get(ctx, "u1").SessionID)
	assert.Equal(t, 1, sink.count())

	entry, ok := store.SetStatus(ctx, "u1", models.StatusAway)
	require.True(t, ok)
	assert.Equal(t, models.StatusAway, entry.Status)
	assert.Equal(t, models.StatusAway, store.Get(ctx, "u1").Status)

	store.Touch(ctx, "u1", "s1")
	ttl, err := store.client.TTL(ctx, store.onlineKey("u1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	entry, changed := store.SetOffline(ctx, "u1", "")
	require.True(t, changed)
	assert.Equal(t, models.StatusOffline, entry.Status)

	got := store.Get(ctx, "u1")
	assert.Equal(t, models.StatusOffline, got.Status)
	require.NotNil(t, got.LastSeen)

	_, changed = store.SetOffline(ctx, "u1", "")
	assert.False(t, changed)
}

func TestRedisStore_SetOfflineIgnoresReplacedSession(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	store := setupRedisStore(t, sink)

	store.SetOnline(ctx, "u1", "s1")
	// another process takes the user over
	require.NoError(t, store.client.Set(ctx, store.onlineKey("u1"), "s2", time.Minute).Err())

	entry, changed := store.SetOffline(ctx, "u1", "s1")
	assert.False(t, changed)
	assert.Equal(t, "s2", entry.SessionID)
	assert.True(t, store.IsOnline(ctx, "u1"))
	assert.Equal(t, 1, sink.count())

	entry, changed = store.SetOffline(ctx, "u1", "s2")
	require.True(t, changed)
	assert.Equal(t, models.StatusOffline, entry.Status)
	assert.False(t, store.IsOnline(ctx, "u1"))
	assert.Equal(t, models.StatusOffline, store.Get(ctx, "u1").Status)
}

func TestRedisStore_DegradesWhenUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	store := NewRedisStore(client, "test:", time.Minute, nil)
	ctx := context.Background()

	assert.False(t, store.IsOnline(ctx, "u1"))
	assert.Equal(t, models.StatusOffline, store.Get(ctx, "u1").Status)
	assert.NotPanics(t, func() {
		store.SetOnline(ctx, "u1", "s1")
		store.SetOffline(ctx, "u1", "")
		store.Touch(ctx, "u1", "s1")
	})
}
