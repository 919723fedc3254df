// Package api is the HTTP backend for the conversational client: it
// accepts generation requests, streams fragments over SSE, records them
// for resume, and serves the conversation history endpoints.
//
// Endpoints:
//
//	POST   /api/chat/stream              start a generation, stream fragments (SSE)
//	GET    /api/chat/{id}/resume         replay the latest generation (SSE), 204 when none
//	GET    /api/history                  cursor-paged conversation summaries
//	DELETE /api/conversations/{id}       delete a conversation
//	GET    /api/conversations/{id}/votes list votes
//	PATCH  /api/conversations/{id}/votes set a vote
//	GET    /api/health                   liveness probe
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sowankispassah/khasigpt/internal/log"
	"github.com/sowankispassah/khasigpt/internal/store"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:3400"

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout guards against slow-header clients.
	ReadHeaderTimeout = 10 * time.Second

	// IdleTimeout closes idle keep-alive connections.
	IdleTimeout = 120 * time.Second

	// MaxRequestBody caps JSON request bodies.
	MaxRequestBody = 1 << 20
)

// Config configures a Server.
type Config struct {
	Store     store.Store
	Generator Generator
	Logger    log.Logger

	// RatePerSecond and RateBurst configure per-IP rate limiting on the
	// generation endpoint. Zero RatePerSecond disables limiting.
	RatePerSecond float64
	RateBurst     int
}

// Server routes the HTTP API.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger

	health  *HealthHandler
	chat    *ChatHandler
	history *HistoryHandler
}

// NewServer wires all handlers. A nil Generator falls back to the
// simulated generator so the server runs without a model backend.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	gen := cfg.Generator
	if gen == nil {
		logger.Warn("no generator configured, using simulated responses")
		gen = NewSimGenerator(0)
	}

	var limiter *rateLimiter
	if cfg.RatePerSecond > 0 {
		limiter = newRateLimiter(cfg.RatePerSecond, cfg.RateBurst)
	}

	mux := http.NewServeMux()
	s := &Server{
		mux:     mux,
		logger:  logger,
		health:  NewHealthHandler(),
		chat:    NewChatHandler(cfg.Store, gen, limiter, logger),
		history: NewHistoryHandler(cfg.Store, logger),
	}

	s.health.RegisterRoutes(mux)
	s.chat.RegisterRoutes(mux)
	s.history.RegisterRoutes(mux)

	return s
}

// Handler returns the full handler chain: recovery outermost, then
// request logging.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		recoveryMiddleware(s.logger),
		loggingMiddleware(s.logger))
}

// Run serves until ctx is canceled, then shuts down gracefully.
//
// WriteTimeout stays zero: SSE responses are held open for the length of
// a generation.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
