package control

import (
	"context"
	"net"

	"github.com/signalsfoundry/vehicle-cosim/internal/logging"
	"github.com/signalsfoundry/vehicle-cosim/internal/observability"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server hosts the RunControl and health services.
type Server struct {
	GRPC   *grpc.Server
	Health *health.Server

	log logging.Logger
}

// NewServer wires svc behind the request-id, tracing and metrics
// interceptors. collector may be nil.
func NewServer(svc *Service, collector *observability.ControlCollector, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	interceptors := []grpc.UnaryServerInterceptor{
		requestLogging(svc, log),
		TracingUnaryServerInterceptor(),
	}
	if collector != nil {
		interceptors = append(interceptors, collector.UnaryServerInterceptor())
	}
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	RegisterRunControlServer(srv, svc)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &Server{GRPC: srv, Health: hs, log: log}
}

// Serve blocks until lis fails or the server is stopped.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info(context.Background(), "starting run-control gRPC server", logging.String("addr", lis.Addr().String()))
	return s.GRPC.Serve(lis)
}

// Stop marks the services as not serving and drains in-flight RPCs.
func (s *Server) Stop() {
	s.Health.Shutdown()
	s.GRPC.GracefulStop()
}
