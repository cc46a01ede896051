package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full service configuration. Every field is overridable
// through the environment variable named in Load.
type Config struct {
	BackendHost      string
	BackendPort      int
	BackendKeyPrefix string
	CacheCapacity    int
	CacheTTL         time.Duration
	CacheChannel     string
	CachePreload     bool
	Port             int
	LogLevel         string
}

// Load reads the configuration from the environment, applying defaults for
// anything unset.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("backend_host", "localhost")
	v.SetDefault("backend_port", 6379)
	v.SetDefault("backend_key_prefix", "")
	v.SetDefault("cache_capacity", 10000)
	v.SetDefault("cache_ttl", time.Duration(0))
	v.SetDefault("cache_channel", "")
	v.SetDefault("cache_preload", false)
	v.SetDefault("port", 5000)
	v.SetDefault("log_level", "info")

	bindings := map[string]string{
		"backend_host":       "BACKEND_HOST",
		"backend_port":       "BACKEND_PORT",
		"backend_key_prefix": "BACKEND_KEY_PREFIX",
		"cache_capacity":     "CACHE_CAPACITY",
		"cache_ttl":          "CACHE_TTL",
		"cache_channel":      "CACHE_CHANNEL",
		"cache_preload":      "CACHE_PRELOAD",
		"port":               "PORT",
		"log_level":          "LOG_LEVEL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	cfg := &Config{
		BackendHost:      v.GetString("backend_host"),
		BackendPort:      v.GetInt("backend_port"),
		BackendKeyPrefix: v.GetString("backend_key_prefix"),
		CacheCapacity:    v.GetInt("cache_capacity"),
		CacheTTL:         v.GetDuration("cache_ttl"),
		CacheChannel:     v.GetString("cache_channel"),
		CachePreload:     v.GetBool("cache_preload"),
		Port:             v.GetInt("port"),
		LogLevel:         v.GetString("log_level"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BackendHost == "" {
		return fmt.Errorf("backend host must not be empty")
	}
	if c.BackendPort <= 0 || c.BackendPort > 65535 {
		return fmt.Errorf("backend port out of range: %d", c.BackendPort)
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("cache capacity must be positive, got %d", c.CacheCapacity)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache TTL must not be negative, got %s", c.CacheTTL)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("listen port out of range: %d", c.Port)
	}
	return nil
}

// BackendAddr returns the backend address in host:port form.
func (c *Config) BackendAddr() string {
	return fmt.Sprintf("%s:%d", c.BackendHost, c.BackendPort)
}
