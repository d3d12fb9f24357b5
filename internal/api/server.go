// Package api exposes the HTTP interface for the harvester service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/newsharvest/gdelt-harvester/internal/dispatcher"
	"github.com/newsharvest/gdelt-harvester/internal/harvest"
	"github.com/newsharvest/gdelt-harvester/internal/metrics"
	"github.com/newsharvest/gdelt-harvester/internal/middleware"
)

// Config controls HTTP surface behavior.
type Config struct {
	// RequestTimeout bounds handler execution. Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration
	// APIKey, when non-empty, is required on every /v1 request via the
	// X-API-Key header.
	APIKey string
}

// DefaultRequestTimeout is applied when Config.RequestTimeout is unset.
const DefaultRequestTimeout = 60 * time.Second

// Server wires HTTP handlers to the dispatcher and the status store.
type Server struct {
	router     chi.Router
	dispatcher *dispatcher.Dispatcher
	store      harvest.StatusStore
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	d *dispatcher.Dispatcher,
	store harvest.StatusStore,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		dispatcher: d,
		store:      store,
		logger:     logger,
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.Metrics)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(s.apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/collections", func(r chi.Router) {
			r.Post("/", s.initiateCollection)
			r.Route("/{collection_id}", func(r chi.Router) {
				r.Get("/", s.getCollection)
				r.Get("/tasks", s.listTasks)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The status store is the one hard dependency every request needs.
	if _, _, err := s.store.GetCollection(r.Context(), "readiness-probe"); err != nil &&
		!errors.Is(err, harvest.ErrNotFound) {
		writeError(s.logger, w, http.StatusServiceUnavailable, "status store unavailable")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) initiateCollection(w http.ResponseWriter, r *http.Request) {
	var req dispatcher.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		writeError(s.logger, w, http.StatusBadRequest, "query is required")
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		if result.CollectionID != "" {
			// Partially dispatched: surface what went out along with the error.
			writeJSON(s.logger, w, http.StatusInternalServerError, map[string]any{
				"error":  err.Error(),
				"result": result,
			})
			return
		}
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(s.logger, w, status, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, result)
}

func (s *Server) getCollection(w http.ResponseWriter, r *http.Request) {
	collectionID := chi.URLParam(r, "collection_id")
	c, _, err := s.store.GetCollection(r.Context(), collectionID)
	if errors.Is(err, harvest.ErrNotFound) {
		writeError(s.logger, w, http.StatusNotFound, "collection not found")
		return
	}
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "fetch collection status")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, c)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	collectionID := chi.URLParam(r, "collection_id")
	if _, _, err := s.store.GetCollection(r.Context(), collectionID); err != nil {
		if errors.Is(err, harvest.ErrNotFound) {
			writeError(s.logger, w, http.StatusNotFound, "collection not found")
			return
		}
		writeError(s.logger, w, http.StatusInternalServerError, "fetch collection status")
		return
	}
	tasks, err := s.store.ListTasks(r.Context(), collectionID)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "list collection tasks")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{
		"collection_id": collectionID,
		"tasks":         tasks,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(s.logger, w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func (s *Server) apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(s.logger, w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON response", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
