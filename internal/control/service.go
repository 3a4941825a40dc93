// Package control exposes a live co-simulation run over gRPC: status
// snapshots, halt requests and the recorded run history.
package control

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/vehicle-cosim/core"
	"github.com/signalsfoundry/vehicle-cosim/internal/logging"
	"github.com/signalsfoundry/vehicle-cosim/internal/record"
	"github.com/signalsfoundry/vehicle-cosim/model"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "cosim.control.v1.RunControl"

// Run is the part of the orchestrator the service drives.
type Run interface {
	Status() core.Status
	Halt() error
}

// RunControlServer is the server API for the RunControl service.
type RunControlServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Halt(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	ListRuns(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// Service implements RunControlServer. A run can be attached after the
// server has started.
type Service struct {
	mu    sync.RWMutex
	run   Run
	store *record.Store
	log   logging.Logger
}

func NewService(run Run, store *record.Store, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{run: run, store: store, log: log}
}

// Attach replaces the served run.
func (s *Service) Attach(run Run) {
	s.mu.Lock()
	s.run = run
	s.mu.Unlock()
}

func (s *Service) current() (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.run == nil {
		return nil, ErrNoRun
	}
	return s.run, nil
}

// runID is the ID of the attached run, or empty.
func (s *Service) runID() string {
	run, err := s.current()
	if err != nil {
		return ""
	}
	return run.Status().RunID
}

func (s *Service) logger(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.log
}

func (s *Service) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	run, err := s.current()
	if err != nil {
		return nil, ToStatusError(err)
	}
	out, err := EncodeStatus(run.Status())
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

func (s *Service) Halt(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	run, err := s.current()
	if err != nil {
		return nil, ToStatusError(err)
	}
	if err := run.Halt(); err != nil {
		s.logger(ctx).Warn(ctx, "halt rejected", logging.Err(err))
		return nil, ToStatusError(err)
	}
	s.logger(ctx).Info(ctx, "halt accepted")
	return &emptypb.Empty{}, nil
}

func (s *Service) ListRuns(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, ToStatusError(ErrNoStore)
	}
	runs, err := s.store.ListRuns(ctx)
	if err != nil {
		return nil, ToStatusError(err)
	}
	list := make([]any, 0, len(runs))
	for _, r := range runs {
		entry := map[string]any{
			"id":         r.ID,
			"state":      r.State,
			"started_at": r.StartedAt.Format(time.RFC3339),
			"final_time": r.FinalTime,
			"steps":      float64(r.Steps),
			"error":      r.Err,
		}
		if !r.FinishedAt.IsZero() {
			entry["finished_at"] = r.FinishedAt.Format(time.RFC3339)
		}
		list = append(list, entry)
	}
	out, err := structpb.NewStruct(map[string]any{"runs": list})
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// EncodeStatus renders a status snapshot as a protobuf Struct.
func EncodeStatus(st core.Status) (*structpb.Struct, error) {
	units := make([]any, 0, len(st.Units))
	for _, u := range st.Units {
		units = append(units, map[string]any{
			"name":  u.Name,
			"group": u.Group.String(),
			"state": u.State.String(),
			"steps": float64(u.Steps),
		})
	}
	return structpb.NewStruct(map[string]any{
		"run_id":      st.RunID,
		"state":       st.State.String(),
		"time":        st.Time,
		"steps":       float64(st.Steps),
		"total_steps": float64(st.TotalSteps),
		"progress":    st.Progress(),
		"error":       st.Err,
		"units":       units,
	})
}

// DecodeStatus is the inverse of EncodeStatus. Unknown state names decode
// to their zero values.
func DecodeStatus(s *structpb.Struct) core.Status {
	f := s.GetFields()
	st := core.Status{
		RunID:      f["run_id"].GetStringValue(),
		State:      parseRunState(f["state"].GetStringValue()),
		Time:       f["time"].GetNumberValue(),
		Steps:      int64(f["steps"].GetNumberValue()),
		TotalSteps: int64(f["total_steps"].GetNumberValue()),
		Err:        f["error"].GetStringValue(),
	}
	for _, v := range f["units"].GetListValue().GetValues() {
		uf := v.GetStructValue().GetFields()
		st.Units = append(st.Units, core.UnitStatus{
			Name:  uf["name"].GetStringValue(),
			Group: parseGroup(uf["group"].GetStringValue()),
			State: parseLifecycle(uf["state"].GetStringValue()),
			Steps: int64(uf["steps"].GetNumberValue()),
		})
	}
	return st
}

func parseRunState(s string) model.RunState {
	for st := model.RunSetup; st <= model.RunFailed; st++ {
		if st.String() == s {
			return st
		}
	}
	return model.RunSetup
}

func parseGroup(s string) model.Group {
	if s == model.GroupFine.String() {
		return model.GroupFine
	}
	return model.GroupCoarse
}

func parseLifecycle(s string) model.LifecycleState {
	for st := model.StateLoaded; st <= model.StateTerminated; st++ {
		if st.String() == s {
			return st
		}
	}
	return model.StateLoaded
}

// RegisterRunControlServer registers srv on s.
func RegisterRunControlServer(s grpc.ServiceRegistrar, srv RunControlServer) {
	s.RegisterService(&RunControlServiceDesc, srv)
}

func getStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunControlServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetStatus"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RunControlServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func haltHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunControlServer).Halt(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Halt"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RunControlServer).Halt(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func listRunsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunControlServer).ListRuns(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ListRuns"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RunControlServer).ListRuns(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// RunControlServiceDesc describes the RunControl service. Requests and
// responses use the well-known Empty and Struct messages, so no generated
// code is needed.
var RunControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RunControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
		{MethodName: "Halt", Handler: haltHandler},
		{MethodName: "ListRuns", Handler: listRunsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cosim/control/v1/run_control.proto",
}
