package grpc

import (
	"fmt"
	"net"

	"marketpay/internal/config"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health check key of the payment service.
const ServiceName = "marketpay.Payments"

// Server exposes the standard gRPC health protocol so orchestrators can
// probe the process.
type Server struct {
	server  *grpc.Server
	health  *health.Server
	logger  *zap.Logger
	address string
}

func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	server := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	reflection.Register(server)

	return &Server{
		server:  server,
		health:  healthServer,
		logger:  logger.With(zap.String("component", "grpc")),
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	return s.Serve(listener)
}

func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("Starting gRPC server", zap.String("address", listener.Addr().String()))
	return s.server.Serve(listener)
}

// SetServing flips the payment service health status, e.g. while draining.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
}

func (s *Server) Stop() {
	s.logger.Info("Stopping gRPC server")
	s.health.Shutdown()
	s.server.GracefulStop()
}
