package httpapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"umagate.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// HealthServer is the standard gRPC health service with readiness checked on
// every Check call.
type HealthServer struct {
	*health.Server
	readiness readinessChecker
}

func NewHealthServer(r readinessChecker) *HealthServer {
	s := &HealthServer{Server: health.NewServer(), readiness: r}
	s.setAll(healthpb.HealthCheckResponse_SERVING)
	return s
}

// Register attaches the health service to g.
func (s *HealthServer) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s)
}

func (s *HealthServer) setAll(st healthpb.HealthCheckResponse_ServingStatus) {
	s.SetServingStatus("", st)
	s.SetServingStatus(obs.ServiceName, st)
}

// Check evaluates readiness. On failure returns gRPC Unavailable error.
func (s *HealthServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		s.setAll(healthpb.HealthCheckResponse_NOT_SERVING)
		obs.Ctx(ctx).Warn().Err(err).Msg("grpc.health.not_ready")
		return nil, status.Error(codes.Unavailable, "not ready")
	}
	obs.SetReady(true)
	s.setAll(healthpb.HealthCheckResponse_SERVING)
	return s.Server.Check(ctx, req)
}
