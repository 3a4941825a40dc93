package control

import (
	"context"
	"time"

	"github.com/signalsfoundry/vehicle-cosim/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "x-request-id"

// requestLogging gives every call a request ID, taken from the client's
// x-request-id header when present and echoed back in the response header.
// Handlers find a logger on the context tagged with the method, the request
// ID and the ID of the run svc is serving.
func requestLogging(svc *Service, base logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(RequestIDHeader); len(ids) > 0 && ids[0] != "" {
				ctx = logging.ContextWithRequestID(ctx, ids[0])
			}
		}

		log := base.With(logging.String("method", info.FullMethod))
		if id := svc.runID(); id != "" {
			log = log.With(logging.String("run_id", id))
		}
		ctx, log = logging.WithRequestLogger(ctx, log)
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, logging.RequestIDFromContext(ctx)))

		started := time.Now()
		resp, err := handler(logging.ContextWithLogger(ctx, log), req)
		log.Debug(ctx, "control request",
			logging.String("code", status.Code(err).String()),
			logging.Int64("duration_us", time.Since(started).Microseconds()),
		)
		return resp, err
	}
}
