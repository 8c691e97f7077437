package api

import (
	"fmt"
	"net"

	"github.com/cuemby/middlewared/pkg/log"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name the HA peer probes.
const HealthService = "middlewared"

// GRPCServer serves the standard gRPC health service. The HA peer uses it
// as a cheap liveness probe that does not need a websocket session.
type GRPCServer struct {
	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// NewGRPCServer creates a new gRPC health server reporting NOT_SERVING
// until SetServing is called.
func NewGRPCServer() *GRPCServer {
	logger := log.WithComponent("grpc")
	s := &GRPCServer{
		grpc:   grpc.NewServer(grpc.UnaryInterceptor(UnaryInterceptor(logger))),
		health: health.NewServer(),
		logger: logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// SetServing updates the status reported for HealthService.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(HealthService, st)
}

// Start starts the gRPC server
func (s *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
