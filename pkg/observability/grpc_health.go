package observability

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/aixgo-dev/freezetag/internal/logging"
)

// HealthServiceName is the service name reported alongside the overall ("")
// status.
const HealthServiceName = "freezetag"

// GRPCHealthServer exposes the checker's readiness through the standard
// grpc.health.v1 service.
type GRPCHealthServer struct {
	port     int
	interval time.Duration
	checker  *HealthChecker
	server   *grpc.Server
	health   *health.Server
	log      zerolog.Logger

	mu     sync.Mutex
	status healthpb.HealthCheckResponse_ServingStatus
}

// NewGRPCHealthServer creates a health server that re-evaluates checker
// every interval once Watch is running.
func NewGRPCHealthServer(port int, checker *HealthChecker, interval time.Duration) *GRPCHealthServer {
	if interval <= 0 {
		interval = time.Second
	}
	s := &GRPCHealthServer{
		port:     port,
		interval: interval,
		checker:  checker,
		server:   grpc.NewServer(),
		health:   health.NewServer(),
		log:      logging.For("grpc-health"),
		status:   healthpb.HealthCheckResponse_NOT_SERVING,
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Start listens on the configured port and serves until Shutdown.
func (s *GRPCHealthServer) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("grpc health server: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Shutdown.
func (s *GRPCHealthServer) Serve(lis net.Listener) error {
	s.log.Info().Str("addr", lis.Addr().String()).Msg("grpc health server listening")
	return s.server.Serve(lis)
}

// Watch updates the serving status every interval until ctx is done.
func (s *GRPCHealthServer) Watch(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	s.Update(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Update(ctx)
		}
	}
}

// Update evaluates the checker once and publishes the result.
func (s *GRPCHealthServer) Update(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.checker.Ready(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.setStatus(status)
	return status
}

func (s *GRPCHealthServer) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()

	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(HealthServiceName, status)
	if changed {
		s.log.Debug().Stringer("status", status).Msg("serving status changed")
	}
}

// Shutdown marks every service NOT_SERVING and stops the server.
func (s *GRPCHealthServer) Shutdown() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
