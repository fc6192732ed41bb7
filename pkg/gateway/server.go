// Package gateway exposes the turn pipeline over HTTP. One endpoint posts
// a message to a conversation thread; turns for the same thread are
// serialized through the lock registry so transcripts never interleave.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/taskpilot/internal/observability"
	"github.com/harun/taskpilot/pkg/session"
	"github.com/harun/taskpilot/pkg/threadlock"
	"github.com/harun/taskpilot/pkg/turn"
)

// Server is the HTTP ingress for conversation turns.
type Server struct {
	host     string
	port     int
	server   *http.Server
	pipeline *turn.Pipeline
	manager  *session.Manager
	locks    *threadlock.Registry
	logger   zerolog.Logger
}

// Config holds server configuration
type Config struct {
	Host     string
	Port     int
	Pipeline *turn.Pipeline
	Manager  *session.Manager
	Locks    *threadlock.Registry
	Logger   zerolog.Logger
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("turn pipeline is required")
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("session manager is required")
	}

	locks := cfg.Locks
	if locks == nil {
		locks = threadlock.NewRegistry(cfg.Logger)
	}

	return &Server{
		host:     cfg.Host,
		port:     cfg.Port,
		pipeline: cfg.Pipeline,
		manager:  cfg.Manager,
		locks:    locks,
		logger:   cfg.Logger,
	}, nil
}

// routes builds the request mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads/{thread}/messages", s.handleMessage)
	mux.HandleFunc("GET /threads/{thread}", s.handleThreadStats)
	mux.HandleFunc("DELETE /threads/{thread}", s.handleThreadDelete)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start starts the gateway server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("host", s.host).Int("port", s.port).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info().Msg("Shutting down gateway server")
	return s.server.Shutdown(ctx)
}
