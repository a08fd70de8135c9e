// Package server builds the internal gRPC server: token introspection for
// resource services plus the standard gRPC health service.
package server

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/cgb37/quart-mysql-scaffold/internal/server/interceptors"
	"github.com/cgb37/quart-mysql-scaffold/internal/token"
)

// Validator checks an access token. *auth.Facade implements it.
type Validator interface {
	Validate(ctx context.Context, accessToken string) (*token.Principal, error)
}

// Deps holds the dependencies of the gRPC services.
type Deps struct {
	Validator Validator
	Logger    *zap.Logger
	// TrustProxyHeaders honors x-forwarded-for / x-real-ip metadata for client IPs.
	TrustProxyHeaders bool
	// Reflection registers the reflection service (development only).
	Reflection bool
}

// RegisterServices registers the introspection and health services with s.
//
// Service → implementation:
//   - authcore.v1.Introspection → introspectionServer (this package)
//   - grpc.health.v1.Health     → hs
func RegisterServices(s grpc.ServiceRegistrar, deps Deps, hs *health.Server) {
	s.RegisterService(&IntrospectionServiceDesc, &introspectionServer{validator: deps.Validator})
	if hs != nil {
		healthpb.RegisterHealthServer(s, hs)
	}
}

// NewGRPCServer returns a server with tracing, recovery, logging and client
// interceptors installed and all services registered. The returned health
// server starts NOT_SERVING for the introspection service; callers flip it
// with health.Checker.Watch.
func NewGRPCServer(deps Deps, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	skip := map[string]bool{
		healthpb.Health_Check_FullMethodName: true,
		healthpb.Health_Watch_FullMethodName: true,
	}
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.RecoveryUnary(logger),
			interceptors.LoggingUnary(logger.Named("grpc"), skip),
			interceptors.ClientUnary(deps.TrustProxyHeaders),
		),
	}
	s := grpc.NewServer(append(base, opts...)...)
	hs := health.NewServer()
	hs.SetServingStatus(IntrospectionServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	RegisterServices(s, deps, hs)
	if deps.Reflection {
		reflection.Register(s)
	}
	return s, hs
}
