package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func clearEnv(t *testing.T) {
	for _, env := range []string{
		"BACKEND_HOST", "BACKEND_PORT", "BACKEND_KEY_PREFIX",
		"CACHE_CAPACITY", "CACHE_TTL", "CACHE_CHANNEL", "CACHE_PRELOAD",
		"PORT", "LOG_LEVEL",
	} {
		// Empty values are treated as unset by viper
		t.Setenv(env, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	assert.Nil(t, err)

	assert.Equal(t, "localhost", cfg.BackendHost)
	assert.Equal(t, 6379, cfg.BackendPort)
	assert.Equal(t, "", cfg.BackendKeyPrefix)
	assert.Equal(t, 10000, cfg.CacheCapacity)
	assert.Zero(t, cfg.CacheTTL)
	assert.Equal(t, "", cfg.CacheChannel)
	assert.False(t, cfg.CachePreload)
	assert.Equal(t, 5000, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)

	assert.Equal(t, "localhost:6379", cfg.BackendAddr())
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("BACKEND_HOST", "redis.internal")
	t.Setenv("BACKEND_PORT", "6380")
	t.Setenv("BACKEND_KEY_PREFIX", "dubebox")
	t.Setenv("CACHE_CAPACITY", "500")
	t.Setenv("CACHE_TTL", "30s")
	t.Setenv("CACHE_CHANNEL", "dubebox-events")
	t.Setenv("CACHE_PRELOAD", "true")
	t.Setenv("PORT", "8080")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	assert.Nil(t, err)

	assert.Equal(t, "redis.internal", cfg.BackendHost)
	assert.Equal(t, 6380, cfg.BackendPort)
	assert.Equal(t, "dubebox", cfg.BackendKeyPrefix)
	assert.Equal(t, 500, cfg.CacheCapacity)
	assert.Equal(t, "30s", cfg.CacheTTL.String())
	assert.Equal(t, "dubebox-events", cfg.CacheChannel)
	assert.True(t, cfg.CachePreload)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)

	assert.Equal(t, "redis.internal:6380", cfg.BackendAddr())
}

func TestLoadInvalid(t *testing.T) {
	cases := map[string]string{
		"CACHE_CAPACITY": "-5",
		"BACKEND_PORT":   "70000",
		"PORT":           "0",
		"CACHE_TTL":      "-1s",
	}

	for env, value := range cases {
		t.Run(env, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(env, value)

			_, err := Load()
			assert.NotNil(t, err)
		})
	}
}
