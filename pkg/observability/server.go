package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server provides HTTP endpoints for health and metrics
type Server struct {
	mu         sync.Mutex
	httpServer *http.Server
	checker    *HealthChecker
	port       int
}

// NewServer creates a new observability server backed by checker
func NewServer(port int, checker *HealthChecker) *Server {
	return &Server{
		checker: checker,
		port:    port,
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", HealthHandler(s.checker))
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", ReadinessHandler(s.checker))

	// Metrics endpoint
	mux.Handle("/metrics", MetricsHandler())
	return mux
}

// Start listens on the configured port and serves until Shutdown.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("observability server: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Shutdown. A clean shutdown returns nil.
func (s *Server) Serve(lis net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}
