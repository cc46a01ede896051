package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/dubebox/dubebox/internal/cache"
	"github.com/dubebox/dubebox/internal/logging"
)

const welcomeMessage = "Welcome to DubeBox 🚀"

type getResponse struct {
	Key   string  `json:"key"`
	Value *string `json:"value"`
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/", s.instrument("/", s.handleWelcome))
	router.GET("/healthz", s.instrument("/healthz", s.handleHealth))
	router.GET("/set/:key/:value", s.instrument("/set", s.handleSet))
	router.GET("/get/:key", s.instrument("/get", s.handleGet))
	router.DELETE("/kv/:key", s.instrument("/kv", s.handleRemove))
	router.GET("/cache/stats", s.instrument("/cache/stats", s.handleStats))
	router.GET("/cache/entries", s.instrument("/cache/entries", s.handleEntries))
	router.POST("/cache/purge", s.instrument("/cache/purge", s.handlePurge))
	router.Handler(http.MethodGet, "/metrics", s.metrics.Handler())
	return router
}

// statusWriter captures the response code for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument tags each request with an id, logs it, and counts it.
func (s *Server) instrument(route string, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r, ps)

		s.metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
		logging.Debug("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}

func (s *Server) handleWelcome(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": welcomeMessage,
		"status":  "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.cache.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key := ps.ByName("key")
	value := ps.ByName("value")
	if !validKey(key) {
		writeError(w, http.StatusBadRequest, "invalid key")
		return
	}

	if err := s.cache.Set(r.Context(), key, value); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Stored %s → %s in Redis", key, value),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key := ps.ByName("key")
	if !validKey(key) {
		writeError(w, http.StatusBadRequest, "invalid key")
		return
	}

	value, err := s.cache.Get(r.Context(), key)
	if err != nil {
		// A miss is a normal outcome, reported as a null value.
		if errors.Is(err, cache.ErrNotFound) {
			writeJSON(w, http.StatusOK, getResponse{Key: key})
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, getResponse{Key: key, Value: value})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key := ps.ByName("key")
	if !validKey(key) {
		writeError(w, http.StatusBadRequest, "invalid key")
		return
	}

	if err := s.cache.Remove(r.Context(), key); err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Removed %s from Redis", key),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

// handleEntries dumps the local tier for debugging. The backend may hold
// more keys than shown here.
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	entries := s.cache.Entries()
	items := make([]getResponse, 0, len(entries))
	for _, entry := range entries {
		items = append(items, getResponse{Key: entry.Key, Value: entry.Value})
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.cache.Purge()
	writeJSON(w, http.StatusOK, map[string]string{"message": "cache purged"})
}

// validKey rejects keys that are empty or whitespace-only before anything
// touches the cache or the backend.
func validKey(key string) bool {
	return strings.TrimSpace(key) != ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
