package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "redis", cfg.Broker.Driver)
	assert.Equal(t, 3, cfg.Broker.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Broker.InitialBackoff)
	assert.Equal(t, 5*time.Second, cfg.Broker.MaxBackoff)
	assert.Equal(t, 5, cfg.Bridge.MaxReconnects)
	assert.Equal(t, 30*time.Second, cfg.Bridge.MaxBackoff)
	assert.Equal(t, 90*time.Second, cfg.Presence.TTL)
	assert.True(t, cfg.Presence.Enabled)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "s3cret")
	t.Setenv("BROKER_DRIVER", "inmem")
	t.Setenv("HTTP_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("BRIDGE_MAX_BACKOFF", "10s")
	t.Setenv("REDIS_DB", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "inmem", cfg.Broker.Driver)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, 10*time.Second, cfg.Bridge.MaxBackoff)
	assert.Equal(t, 2, cfg.Redis.DB)
}

func TestLoadValidation(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		t.Setenv("AUTH_JWT_SECRET", "")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("bad driver", func(t *testing.T) {
		t.Setenv("AUTH_JWT_SECRET", "s3cret")
		t.Setenv("BROKER_DRIVER", "kafka")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("AUTH_JWT_SECRET", "s3cret")
		t.Setenv("BROKER_MAX_BACKOFF", "soon")
		_, err := Load()
		assert.Error(t, err)
	})
}
