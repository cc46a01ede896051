package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dubebox/dubebox/internal/cache"
	"github.com/dubebox/dubebox/internal/config"
	"github.com/dubebox/dubebox/internal/logging"
	"github.com/dubebox/dubebox/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("DubeBox %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	backend, err := cache.NewRedisBackend[string, string](&cache.RedisBackendOptions[string]{
		RedisOptions: &redis.Options{
			Addr: cfg.BackendAddr(),
		},
		TTL:               cfg.CacheTTL,
		Key:               &cache.StringKey{},
		KeyPrefix:         cfg.BackendKeyPrefix,
		PubSub:            cfg.CacheChannel != "",
		PubSubChannelName: cfg.CacheChannel,
	})
	if err != nil {
		logging.Error("Failed to create storage backend", zap.Error(err))
		os.Exit(1)
	}

	kv, err := cache.NewWriteThrough[string, string](&cache.WriteThroughOptions[string, string]{
		LocalTTL:      cfg.CacheTTL,
		LocalCapacity: cfg.CacheCapacity,
		Key:           &cache.StringKey{},
		Backend:       backend,
		Preload:       cfg.CachePreload,
	})
	if err != nil {
		logging.Error("Failed to create cache", zap.Error(err))
		backend.Close()
		os.Exit(1)
	}

	logging.Info("Starting DubeBox",
		zap.String("version", version),
		zap.String("backend", cfg.BackendAddr()),
		zap.Int("cache_capacity", cfg.CacheCapacity),
		zap.Int("port", cfg.Port),
	)

	srv := server.New(cfg, kv)
	if err := srv.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
