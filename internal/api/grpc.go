package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService wraps the standard gRPC health service. It starts
// NOT_SERVING and is flipped to SERVING once strategies are loaded.
type HealthService struct {
	srv *health.Server
}

// NewHealthService creates a HealthService reporting NOT_SERVING.
func NewHealthService() *HealthService {
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthService{srv: srv}
}

// Register adds the health service to gs.
func (h *HealthService) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, h.srv)
}

// SetServing reports whether the server is ready for traffic.
func (h *HealthService) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus("", status)
}

// Serving reports the current overall status.
func (h *HealthService) Serving() bool {
	resp, err := h.srv.Check(context.Background(), &healthpb.HealthCheckRequest{})
	return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (h *HealthService) Shutdown() { h.srv.Shutdown() }
