// Package server exposes the chat core over HTTP: the WebSocket endpoints,
// health checks, room statistics and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/omochice/tabletalk-chat/internal/auth"
	"github.com/omochice/tabletalk-chat/internal/chat"
)

// Config holds the transport settings of the server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// ReadLimit bounds one inbound WebSocket message.
	ReadLimit int64
	// Session is applied to every accepted connection.
	Session chat.SessionConfig
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Auth       *auth.Authenticator
	Registry   *chat.Registry
	Dispatcher *chat.Dispatcher
	Presence   chat.Presence
	// Redis is pinged by the readiness check; nil when Redis is disabled.
	Redis  *redis.Client
	Logger zerolog.Logger
}

// Server represents the chat HTTP server
type Server struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	echo *echo.Echo

	listener net.Listener
	ready    chan struct{}

	// ctx is the parent of every session; cancelled on Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add in track against stopping being set in Shutdown.
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopping bool
}

// New creates a new Server instance
func New(cfg Config, deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Logger.With().Str("component", "server").Logger(),
		ready:  make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	s.echo = s.newRouter()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	s.echo.Listener = listener
	close(s.ready)

	s.log.Info().Str("addr", listener.Addr().String()).Msg("chat server started")

	if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Shutdown stops accepting requests, closes every chat session after its
// queued frames are flushed and waits for them to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	err := s.echo.Shutdown(ctx)

	s.deps.Dispatcher.CloseAll(chat.ReasonShutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("failed to drain sessions: %w", ctx.Err())
	}
	s.cancel()

	if err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	s.log.Info().Msg("chat server stopped")
	return nil
}

// track registers one chat connection with the shutdown wait group. It
// returns false once Shutdown has begun; otherwise the caller must call
// s.wg.Done when the connection ends.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}
