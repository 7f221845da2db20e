package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goodtune/kquota/internal/oracle"
	"github.com/goodtune/kquota/internal/quota"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
}

// Server is the family dashboard HTTP API.
type Server struct {
	config   Config
	engine   *quota.Engine
	parent   *oracle.ParentOracle // nil unless a parent oracle is configured
	router   *mux.Router
	server   *http.Server
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	logger   zerolog.Logger

	// background resolves started by submit?resolve=async
	inflight sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(cfg Config, engine *quota.Engine, parent *oracle.ParentOracle, logger zerolog.Logger) *Server {
	s := &Server{
		config: cfg,
		engine: engine,
		parent: parent,
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	var handler http.Handler = s.router
	if len(cfg.AllowedOrigins) > 0 {
		handler = CORSMiddleware(cfg.AllowedOrigins)(handler)
	}

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	// Resolve blocks on the oracle, which may be a parent taking minutes.
	if budget := engine.Workflow.OracleTimeout(); budget+15*time.Second > s.server.WriteTimeout {
		s.server.WriteTimeout = budget + 15*time.Second
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/families/{parentID}", s.handleFamily).Methods("GET")
	api.HandleFunc("/children/{childID}/view", s.handleOpenView).Methods("POST")
	api.HandleFunc("/children/{childID}/view", s.handleCloseView).Methods("DELETE")
	api.HandleFunc("/children/{childID}/countdown", s.handleCountdown).Methods("GET")
	api.HandleFunc("/children/{childID}/requests", s.handlePending).Methods("GET")
	api.HandleFunc("/requests", s.handleSubmit).Methods("POST")
	api.HandleFunc("/requests/waiting", s.handleWaiting).Methods("GET")
	api.HandleFunc("/requests/{id}/resolve", s.handleResolve).Methods("POST")
	api.HandleFunc("/requests/{id}/verdict", s.handleVerdict).Methods("POST")
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server in the background.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server and waits for background resolves.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	s.inflight.Wait()
	return nil
}
