package statusrpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/drawsync/internal/config"
)

// Server hosts the health and status services.
type Server struct {
	cfg    config.StatusConfig
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a Server with both services registered and marked SERVING.
//
// Precondition: stats and logger must be non-nil.
// Postcondition: Returns a Server ready for Serve or ListenAndServe.
func NewServer(cfg config.StatusConfig, stats Stats, started time.Time, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		health: health.NewServer(),
		logger: logger,
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.logCalls))

	healthpb.RegisterHealthServer(s.grpc, s.health)
	RegisterStatusServer(s.grpc, NewService(stats, started))

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

func (s *Server) logCalls(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug("status rpc",
		zap.String("method", info.FullMethod),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	return resp, err
}

// ListenAndServe listens on the configured address and serves until Stop.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("status gRPC server listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil {
		return fmt.Errorf("serving status gRPC: %w", err)
	}
	return nil
}

// Drain marks every service NOT_SERVING without closing connections.
func (s *Server) Drain() {
	s.health.Shutdown()
}

// Stop drains health and gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.Drain()
	s.grpc.GracefulStop()
	s.logger.Info("status gRPC server stopped")
}

// Addr returns the listening address, or empty string if not yet serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
