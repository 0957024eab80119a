// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/vidchat/internal/chat"
	"github.com/jeranaias/vidchat/internal/config"
	"github.com/jeranaias/vidchat/internal/media"
	"github.com/jeranaias/vidchat/internal/model"
	"github.com/jeranaias/vidchat/internal/ollama"
	"github.com/jeranaias/vidchat/internal/session"
	"github.com/jeranaias/vidchat/internal/storage"
)

// ============================================================================
// CONSTANTS
// ============================================================================

// Version is reported by /health. Set at build time.
var Version = "0.1.0"

const (
	// maxJSONBody caps JSON request bodies; uploads use the configured limit.
	maxJSONBody = 1 << 20

	// shutdownTimeout bounds graceful shutdown.
	shutdownTimeout = 15 * time.Second
)

// ============================================================================
// SERVER
// ============================================================================

// Deps are the collaborators the server wires into every session.
type Deps struct {
	// Client answers /api/models and /health and backs the default endpoint.
	Client *ollama.Client

	// Endpoint overrides the Ollama endpoint for every session.
	Endpoint chat.Endpoint

	Resolver media.Resolver
	Scratch  *media.Scratch

	// Conversations and Feedback are optional; their routes answer 503
	// without them.
	Conversations *storage.ConversationStore
	Feedback      *storage.FeedbackStore
}

// Server is the HTTP front end for multi-session conversations.
type Server struct {
	deps     Deps
	router   *http.ServeMux
	registry *session.Registry
	limiter  *RateLimiter
	logger   zerolog.Logger

	mu  sync.RWMutex
	cfg *config.Config

	httpServer *http.Server
}

// New builds a server from cfg. Resolver and Scratch are required.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Resolver == nil {
		return nil, errors.New("server: media resolver is required")
	}
	if deps.Scratch == nil {
		return nil, errors.New("server: scratch directory is required")
	}
	if deps.Client == nil && deps.Endpoint == nil {
		return nil, errors.New("server: ollama client or endpoint is required")
	}
	if _, err := cfg.Effective(); err != nil {
		return nil, err
	}

	s := &Server{
		deps:   deps,
		router: http.NewServeMux(),
		cfg:    cfg,
		logger: log.With().Str("component", "server").Logger(),
	}
	if cfg.Server.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	}

	s.registry = session.NewRegistry(session.Config{
		Timeout:     cfg.SessionTimeout(),
		MaxSessions: cfg.Server.MaxSessions,
	}, s.newController)
	s.registry.SetExpireCallback(s.onExpire)

	s.setupRoutes()
	return s, nil
}

// Registry returns the live session registry.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// config returns the current configuration.
func (s *Server) config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ApplyConfig swaps in a reloaded configuration. Live sessions keep their
// controllers; new sessions use the new model, profile and sampling.
func (s *Server) ApplyConfig(cfg *config.Config) {
	if _, err := cfg.Effective(); err != nil {
		s.logger.Warn().Err(err).Msg("ignoring config with unusable profile")
		return
	}
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	s.registry.SetTimeout(cfg.SessionTimeout())
	if old.Server.Addr != cfg.Server.Addr {
		s.logger.Warn().Str("addr", cfg.Server.Addr).Msg("server.addr changes take effect on restart")
	}
	s.logger.Info().Str("model", cfg.Model.Model).Str("profile", cfg.Model.Profile).Msg("configuration applied")
}

// newController is the registry factory.
func (s *Server) newController(id string) (*chat.Controller, error) {
	cfg := s.config()
	eff, err := cfg.Effective()
	if err != nil {
		return nil, err
	}
	tmpl, err := model.LookupTemplate(cfg.Model.ConvMode)
	if err != nil {
		return nil, err
	}

	ep := s.deps.Endpoint
	if ep == nil {
		oe := ollama.NewEndpoint(s.deps.Client, eff.ModelTag)
		oe.NumGPU = eff.NumGPU
		ep = oe
	}

	return chat.New(chat.Options{
		ID:       id,
		Template: tmpl,
		Endpoint: ep,
		Resolver: s.deps.Resolver,
		Scratch:  s.deps.Scratch,
		MediaURL: fileURL,
		Sampling: eff.Sampling,
	})
}

// fileURL maps a scratch path to the route that serves it.
func fileURL(path string) string {
	return "/files/" + filepath.Base(path)
}

// onExpire saves the transcript of a dirty session that is going away.
func (s *Server) onExpire(sess *session.Session) {
	if !s.config().Server.AutoSave || s.deps.Conversations == nil || !sess.IsDirty() {
		return
	}
	if _, err := s.saveTranscript(sess); err != nil {
		s.logger.Warn().Err(err).Str("session", sess.ID()).Msg("auto-save failed")
		return
	}
	s.logger.Info().Str("session", sess.ID()).Msg("transcript auto-saved")
}

// saveTranscript stores the display buffer of sess and returns the stored ID.
func (s *Server) saveTranscript(sess *session.Session) (string, error) {
	conv := sess.Controller().Transcript()
	if conv.IsEmpty() {
		return "", chat.ErrEmptyHistory
	}
	conv.Model = s.modelTag()
	id, err := s.deps.Conversations.Save(storage.FromConversation(sess.ID(), conv))
	if err != nil {
		return "", err
	}
	sess.MarkClean()
	return id, nil
}

// modelTag returns the model tag new sessions use.
func (s *Server) modelTag() string {
	if s.deps.Endpoint != nil {
		if named, ok := s.deps.Endpoint.(interface{ Model() string }); ok {
			return named.Model()
		}
	}
	eff, err := s.config().Effective()
	if err != nil {
		return ""
	}
	return eff.ModelTag
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.router.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.router.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.router.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	s.router.HandleFunc("POST /api/sessions/{id}/submit", s.handleSubmit)
	s.router.HandleFunc("POST /api/sessions/{id}/regenerate", s.handleRegenerate)
	s.router.HandleFunc("POST /api/sessions/{id}/clear", s.handleClear)
	s.router.HandleFunc("POST /api/sessions/{id}/save", s.handleSave)
	s.router.HandleFunc("POST /api/sessions/{id}/feedback", s.handleFeedback)

	s.router.HandleFunc("GET /files/{name}", s.handleFile)
	s.router.HandleFunc("GET /api/models", s.handleModels)
	s.router.HandleFunc("GET /health", s.handleHealth)
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	cfg := s.config()
	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(s.logger),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.logger),
	}
	if s.limiter != nil {
		middlewares = append(middlewares, RateLimitMiddleware(s.limiter, s.logger))
	}
	middlewares = append(middlewares, BodyLimitMiddleware(int64(cfg.Server.MaxUploadMB)<<20))
	return Chain(middlewares...)(s.router)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// ListenAndServe listens on the configured address and serves until ctx is
// canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.config().Server.Addr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server, the session sweeper and the scratch janitor
// until ctx is canceled or one of them fails. On the way out every live
// session is drained so dirty transcripts are auto-saved.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	cfg := s.config()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info().Str("addr", ln.Addr().String()).Str("version", Version).Msg("server listening")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		s.registry.Run(gctx)
		return nil
	})

	if ttl := time.Duration(cfg.Media.ScratchTTLHrs) * time.Hour; ttl > 0 {
		g.Go(func() error {
			s.cleanScratch(gctx, ttl)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		if n := s.registry.Drain(); n > 0 {
			s.logger.Info().Int("sessions", n).Msg("sessions drained")
		}
		return err
	})

	return g.Wait()
}

// cleanScratch removes media older than ttl once an hour.
func (s *Server) cleanScratch(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		if n, err := s.deps.Scratch.Cleanup(ttl); err != nil {
			s.logger.Warn().Err(err).Msg("scratch cleanup failed")
		} else if n > 0 {
			s.logger.Debug().Int("removed", n).Msg("scratch cleaned")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorBody is the payload of every error response. Session carries the
// unchanged snapshot when an action was rejected for the current state.
type ErrorBody struct {
	Error   ErrorDetail   `json:"error"`
	Session *TurnResponse `json:"session,omitempty"`
}

// ErrorDetail describes an error.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Message: message, Type: errorType(status), Code: status}})
}

func errorType(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return "invalid_request_error"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return "upstream_error"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "server_error"
	}
}
