package server

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthService reports the control service as SERVING while the engine is
// Ready. The empty service name tracks the process itself.
type healthService struct {
	server *health.Server
	grpc   *grpc.Server
	logger *zap.Logger
}

func newHealthService(logger *zap.Logger) *healthService {
	h := &healthService{
		server: health.NewServer(),
		grpc:   grpc.NewServer(),
		logger: logger.With(zap.String("component", "health")),
	}
	healthpb.RegisterHealthServer(h.grpc, h.server)
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.server.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *healthService) setReady(ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(ServiceName, status)
	h.logger.Info("Serving status changed", zap.Stringer("status", status))
}

func (h *healthService) status(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.server.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// serve blocks serving the gRPC health service on address.
func (h *healthService) serve(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	h.logger.Info("Starting gRPC health server", zap.String("address", address))
	if err := h.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("gRPC health server error: %w", err)
	}
	return nil
}

func (h *healthService) stop() {
	h.server.Shutdown()
	h.grpc.GracefulStop()
}
