// Package gateway is the HTTP surface of the orchestrator: the message
// endpoint the channels call, the task endpoints the workers report through,
// and a websocket event stream for observers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/bus"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/dispatcher"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/governor"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/knowledge"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/otel"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/persistence"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/shared"
)

// Config holds the gateway's wiring.
type Config struct {
	BindAddr string
	// Tokens maps bearer tokens to principal ids.
	Tokens map[string]string
	// AllowOrigins is the websocket origin allowlist.
	AllowOrigins []string

	Store      *persistence.Store
	Governor   *governor.Governor
	Dispatcher *dispatcher.Dispatcher
	Bus        *bus.Bus
	Knowledge  *knowledge.Base
	Logger     *slog.Logger
	Metrics    *otel.Metrics
	Tracer     trace.Tracer
}

type Server struct {
	cfg  Config
	http *http.Server

	mu     sync.RWMutex
	tokens map[string]string
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tokens == nil {
		cfg.Tokens = map[string]string{}
	}
	s := &Server{cfg: cfg, tokens: cfg.Tokens}
	s.http = &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetTokens swaps the token table, for config reload.
func (s *Server) SetTokens(tokens map[string]string) {
	if tokens == nil {
		tokens = map[string]string{}
	}
	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))
	r.Use(s.traceMiddleware)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/messages", s.handleMessage)
		r.Post("/cancel", s.handleCancel)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Post("/tasks/{id}/start", s.handleTaskStart)
		r.Post("/tasks/{id}/complete", s.handleTaskComplete)
		r.Post("/tasks/{id}/fail", s.handleTaskFail)
		r.Get("/events", s.handleEvents)
		r.Get("/knowledge/search", s.handleKnowledgeSearch)
	})

	return r
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.cfg.Logger.Info("gateway listening", "addr", s.cfg.BindAddr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// traceMiddleware stamps every request with a trace id, honoring an inbound
// X-Trace-Id from a trusted channel.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-Id", traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authMiddleware resolves the bearer token to a principal id.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := s.principalFor(r)
		if principal == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		ctx := shared.WithPrincipalID(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) principalFor(r *http.Request) string {
	token := bearerToken(r)
	if token == "" {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[token]
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(authz) <= len(prefix) || authz[:len(prefix)] != prefix {
		return ""
	}
	return authz[len(prefix):]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
