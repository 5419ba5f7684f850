package monitor

import (
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer exposes grpc.health.v1 for orchestrators that probe over gRPC.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	log    zerolog.Logger
}

// NewHealthServer starts out NOT_SERVING until SetServing(true).
func NewHealthServer(log zerolog.Logger) *HealthServer {
	h := &HealthServer{
		server: grpc.NewServer(),
		health: health.NewServer(),
		log:    log,
	}
	healthpb.RegisterHealthServer(h.server, h.health)
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// SetServing flips the overall status.
func (h *HealthServer) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
}

// Serve blocks serving on lis.
func (h *HealthServer) Serve(lis net.Listener) error {
	h.log.Info().Str("addr", lis.Addr().String()).Msg("grpc health server listening")
	return h.server.Serve(lis)
}

// Stop marks the service NOT_SERVING and stops accepting connections.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
