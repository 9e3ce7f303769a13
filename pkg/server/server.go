// Package server exposes a PowerCtx client over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/oceanbase/powerctx-go/pkg/agent"
	"github.com/oceanbase/powerctx-go/pkg/core"
	"github.com/oceanbase/powerctx-go/pkg/retrieval"
	"github.com/oceanbase/powerctx-go/pkg/storage"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"

	// DefaultRequestTimeout bounds a request when none is configured.
	DefaultRequestTimeout = 60 * time.Second

	shutdownTimeout = 10 * time.Second
)

// Service is what the HTTP surface calls. *core.Client implements it.
type Service interface {
	Turn(ctx context.Context, req agent.TurnRequest) (*agent.TurnResponse, error)
	ConfirmAction(ctx context.Context, req agent.ConfirmRequest) (*agent.ConfirmResponse, error)
	RejectAction(ctx context.Context, req agent.ConfirmRequest) (*agent.ConfirmResponse, error)
	Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
	Ingest(ctx context.Context, item *storage.KnowledgeItem, entities ...core.EntityInput) error
	Sessions(ctx context.Context, ownerID string, limit int) ([]*storage.Session, error)
}

var _ Service = (*core.Client)(nil)

// Config contains configuration for the HTTP server.
type Config struct {
	// Addr is the listen address (default ":8080").
	Addr string

	// RequestTimeout bounds each request (default 60s).
	RequestTimeout time.Duration

	Logger *zerolog.Logger
}

// Server serves the PowerCtx HTTP API.
type Server struct {
	svc    Service
	cfg    Config
	logger zerolog.Logger
	router chi.Router
}

// New creates a Server for svc.
//
// Routes:
//   - GET  /healthz
//   - POST /v1/turns
//   - POST /v1/sessions/{sessionID}/actions/{actionID}/confirm
//   - POST /v1/sessions/{sessionID}/actions/{actionID}/reject
//   - GET  /v1/users/{userID}/sessions
//   - POST /v1/context/search
//   - PUT  /v1/items
func New(svc Service, cfg *Config) *Server {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	logger := zerolog.Nop()
	if c.Logger != nil {
		logger = *c.Logger
	}

	s := &Server{svc: svc, cfg: c, logger: logger}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(accessLog(s.logger))
	r.Use(recoverer(s.logger))

	r.Get("/healthz", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))

		r.Post("/turns", s.turn)
		r.Route("/sessions/{sessionID}/actions/{actionID}", func(r chi.Router) {
			r.Post("/confirm", s.confirm)
			r.Post("/reject", s.reject)
		})
		r.Get("/users/{userID}/sessions", s.sessions)
		r.Post("/context/search", s.search)
		r.Put("/items", s.ingest)
	})

	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
