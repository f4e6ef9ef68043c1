// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ardzix/masjid-display-service/internal/auth"
	"github.com/ardzix/masjid-display-service/internal/content"
	"github.com/ardzix/masjid-display-service/internal/events"
	"github.com/ardzix/masjid-display-service/internal/logging"
	"github.com/ardzix/masjid-display-service/internal/metrics"
	"github.com/ardzix/masjid-display-service/internal/quota"
	"github.com/ardzix/masjid-display-service/internal/storage"
	"github.com/ardzix/masjid-display-service/internal/uploads"
	"github.com/ardzix/masjid-display-service/pkg/protocol"
)

const version = "1.0"

// Server is the HTTP server.
type Server struct {
	uploads       *uploads.Service
	files         *content.Store
	durable       storage.Backend
	auth          *auth.Auth
	broadcaster   *events.Broadcaster
	rateLimiter   *quota.RateLimiter
	maxChunkBytes int64
}

// NewServer creates a new server.
func NewServer(
	svc *uploads.Service,
	files *content.Store,
	durable storage.Backend,
	authHandler *auth.Auth,
	broadcaster *events.Broadcaster,
	rateLimiter *quota.RateLimiter,
	maxChunkBytes int64,
) *Server {
	return &Server{
		uploads:       svc,
		files:         files,
		durable:       durable,
		auth:          authHandler,
		broadcaster:   broadcaster,
		rateLimiter:   rateLimiter,
		maxChunkBytes: maxChunkBytes,
	}
}

// Handler returns the HTTP handler with auth and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /media/{key...}", s.handleMedia)

	// Protected endpoints are registered on the same mux so the route
	// pattern reaches the metrics middleware.
	mux.Handle("POST /api/v1/chunk-upload", s.protect(s.handleChunkUpload))
	mux.Handle("GET /api/v1/uploads/{uploadId}", s.protect(s.handleUploadStatus))
	mux.Handle("DELETE /api/v1/uploads/{uploadId}", s.protect(s.handleAbortUpload))
	mux.Handle("GET /api/v1/files/{id}", s.protect(s.handleGetFile))
	mux.Handle("GET /api/v1/events", s.protect(s.handleEvents))

	// Apply logging and metrics middleware
	return logging.Middleware(metrics.Middleware(mux))
}

// protect wraps a handler with auth then the per-caller rate limiter.
func (s *Server) protect(h http.HandlerFunc) http.Handler {
	limited := quota.RateLimitMiddleware(s.rateLimiter, callerKey)(h)
	return s.auth.Middleware(limited)
}

func callerKey(ctx context.Context) (string, bool) {
	claims := auth.GetClaims(ctx)
	if claims == nil {
		return "", false
	}
	return claims.UserID(), true
}

func callerFrom(ctx context.Context) (uploads.Caller, bool) {
	claims := auth.GetClaims(ctx)
	if claims == nil {
		return uploads.Caller{}, false
	}
	return uploads.Caller{ID: claims.UserID(), IsAdmin: claims.IsAdmin}, true
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok", Version: version})
}

// ─── Files ──────────────────────────────────────────────────────────────────

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	rec, err := s.files.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, content.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		logging.WithContext(r.Context()).Error("get file failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to load file")
		return
	}
	if caller, _ := callerFrom(r.Context()); rec.OwnerID != caller.ID && !caller.IsAdmin {
		s.sendError(w, http.StatusForbidden, "file belongs to another user")
		return
	}
	s.sendJSON(w, http.StatusOK, rec)
}

// handleMedia streams committed objects from the durable store. Only keys
// under files/ are served; staging objects never are.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !strings.HasPrefix(key, "files/") || strings.Contains(key, "..") {
		s.sendError(w, http.StatusNotFound, "not found")
		return
	}

	reader, size, err := s.durable.GetObject(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		logging.WithContext(r.Context()).Error("media read failed", zap.String("key", key), zap.Error(err))
		s.sendError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	defer reader.Close()

	ct := mime.TypeByExtension(path.Ext(key))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, reader); err != nil {
		logging.Warn("media transfer error", zap.String("key", key), zap.Error(err))
	}
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	caller, _ := callerFrom(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			// Callers only see their own uploads; admins see everything.
			if event.OwnerID != caller.ID && !caller.IsAdmin {
				continue
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
