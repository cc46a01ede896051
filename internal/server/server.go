package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dubebox/dubebox/internal/cache"
	"github.com/dubebox/dubebox/internal/config"
	"github.com/dubebox/dubebox/internal/logging"
	"github.com/dubebox/dubebox/internal/metrics"
)

// Server serves the key-value façade over HTTP.
type Server struct {
	cfg     *config.Config
	cache   *cache.WriteThrough[string, string]
	metrics *metrics.Metrics
	http    *http.Server
}

func New(cfg *config.Config, kv *cache.WriteThrough[string, string]) *Server {
	s := &Server{
		cfg:     cfg,
		cache:   kv,
		metrics: metrics.New(kv.Stats),
	}
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run starts the server and blocks until SIGINT/SIGTERM triggers a graceful
// shutdown, or the listener fails.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("Listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logging.Info("Shutting down gracefully", zap.String("signal", sig.String()))
		return s.Shutdown(15 * time.Second)
	}
}

// Shutdown drains in-flight requests, then closes the cache and its backend.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		logging.Error("HTTP shutdown error", zap.Error(err))
	}

	if err := s.cache.Close(); err != nil {
		logging.Error("Cache close error", zap.Error(err))
		return err
	}

	logging.Info("Server shutdown complete")
	return nil
}
