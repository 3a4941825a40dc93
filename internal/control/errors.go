package control

import (
	"errors"

	"github.com/signalsfoundry/vehicle-cosim/core"
	"github.com/signalsfoundry/vehicle-cosim/internal/config"
	"github.com/signalsfoundry/vehicle-cosim/internal/record"
	"github.com/signalsfoundry/vehicle-cosim/internal/unit"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrNoRun is returned while no run is attached to the service.
var ErrNoRun = errors.New("no run attached")

// ErrNoStore is returned by ListRuns when no record store is attached.
var ErrNoStore = errors.New("no record store attached")

// ToStatusError maps co-simulation errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, record.ErrRunNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, config.ErrInvalidConfig):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, ErrNoRun), errors.Is(err, ErrNoStore):
		return status.Error(codes.Unavailable, err.Error())

	case errors.Is(err, core.ErrNotRunning),
		errors.Is(err, core.ErrRunState),
		errors.Is(err, unit.ErrInvalidState):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, core.ErrHalted):
		return status.Error(codes.Aborted, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
