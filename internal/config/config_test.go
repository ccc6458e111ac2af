package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("PRESENCE_BACKEND", "")
	t.Setenv("WS_PONG_WAIT", "")
	t.Setenv("NATS_URL", "")
	t.Setenv("SEED_DEMO_DATA", "")

	cfg := LoadFromEnv()

	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Backend)
	assert.Equal(t, "memory", cfg.Presence.Backend)
	assert.Equal(t, 4096, cfg.Chat.MaxMessageLength)
	assert.Equal(t, 60*time.Second, cfg.Gateway.PongWait)
	assert.Equal(t, 54*time.Second, cfg.Gateway.PingPeriod)
	assert.Empty(t, cfg.NATS.URL)
	assert.False(t, cfg.Simulator.Enabled)
	assert.False(t, cfg.Database.SeedDemo)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("PORT", ":9090")
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("PRESENCE_BACKEND", "redis")
	t.Setenv("CHAT_MAX_MESSAGE_LENGTH", "10")
	t.Setenv("WS_PONG_WAIT", "10s")
	t.Setenv("SIMULATOR_ENABLED", "true")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg := LoadFromEnv()

	assert.Equal(t, ":9090", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Backend)
	assert.Equal(t, "redis", cfg.Presence.Backend)
	assert.Equal(t, 10, cfg.Chat.MaxMessageLength)
	assert.Equal(t, 9*time.Second, cfg.Gateway.PingPeriod)
	assert.True(t, cfg.Simulator.Enabled)
	assert.Equal(t, []byte("s3cret"), cfg.JWT.Secret)
}
