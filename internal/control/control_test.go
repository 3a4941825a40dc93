package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/signalsfoundry/vehicle-cosim/core"
	"github.com/signalsfoundry/vehicle-cosim/internal/config"
	"github.com/signalsfoundry/vehicle-cosim/internal/logging"
	"github.com/signalsfoundry/vehicle-cosim/internal/observability"
	"github.com/signalsfoundry/vehicle-cosim/internal/record"
	"github.com/signalsfoundry/vehicle-cosim/internal/unit"
	"github.com/signalsfoundry/vehicle-cosim/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeRun struct {
	mu      sync.Mutex
	st      core.Status
	halts   int
	haltErr error
}

func (f *fakeRun) Status() core.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeRun) Halt() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halts++
	return f.haltErr
}

func sampleStatus() core.Status {
	return core.Status{
		RunID:      "run-1",
		State:      model.RunRunning,
		Time:       1.5,
		Steps:      150,
		TotalSteps: 2000,
		Units: []core.UnitStatus{
			{Name: "esmini", Group: model.GroupCoarse, State: model.StateStepMode, Steps: 150},
			{Name: "vehicle", Group: model.GroupFine, State: model.StateStepMode, Steps: 600},
		},
	}
}

func dial(t *testing.T, svc *Service, collector *observability.ControlCollector) *grpc.ClientConn {
	t.Helper()
	return connect(t, NewServer(svc, collector, nil))
}

func connect(t *testing.T, srv *Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStatusRoundTrip(t *testing.T) {
	run := &fakeRun{st: sampleStatus()}
	reg := prometheus.NewRegistry()
	collector, err := observability.NewControlCollector(reg)
	if err != nil {
		t.Fatalf("NewControlCollector: %v", err)
	}
	client := NewClient(dial(t, NewService(run, nil, nil), collector))

	got, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	want := sampleStatus()
	if got.RunID != want.RunID || got.State != want.State || got.Time != want.Time || got.Steps != want.Steps || got.TotalSteps != want.TotalSteps {
		t.Fatalf("status = %+v, want %+v", got, want)
	}
	if len(got.Units) != 2 || got.Units[1] != want.Units[1] {
		t.Fatalf("units = %+v", got.Units)
	}

	if n := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("RunControl", "GetStatus", "OK")); n != 1 {
		t.Fatalf("requests counter = %v, want 1", n)
	}
}

func TestHaltMapsErrors(t *testing.T) {
	run := &fakeRun{st: sampleStatus()}
	client := NewClient(dial(t, NewService(run, nil, nil), nil))
	ctx := context.Background()

	if err := client.Halt(ctx); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	run.mu.Lock()
	run.haltErr = core.ErrNotRunning
	run.mu.Unlock()
	err := client.Halt(ctx)
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("Halt on finished run: code = %v, want FailedPrecondition", status.Code(err))
	}
	if run.halts != 2 {
		t.Fatalf("halts = %d, want 2", run.halts)
	}
}

func TestNoRunAttached(t *testing.T) {
	svc := NewService(nil, nil, nil)
	client := NewClient(dial(t, svc, nil))

	_, err := client.Status(context.Background())
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("code = %v, want Unavailable", status.Code(err))
	}

	svc.Attach(&fakeRun{st: sampleStatus()})
	if _, err := client.Status(context.Background()); err != nil {
		t.Fatalf("Status after Attach: %v", err)
	}
}

func TestListRuns(t *testing.T) {
	store, err := record.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if err := store.BeginRun(ctx, record.Run{ID: "a"}); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	client := NewClient(dial(t, NewService(nil, store, nil), nil))
	out, err := client.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	runs := out.GetFields()["runs"].GetListValue().GetValues()
	if len(runs) != 1 || runs[0].GetStructValue().GetFields()["id"].GetStringValue() != "a" {
		t.Fatalf("runs = %v", out)
	}

	noStore := NewClient(dial(t, NewService(nil, nil, nil), nil))
	if _, err := noStore.ListRuns(ctx); status.Code(err) != codes.Unavailable {
		t.Fatalf("code = %v, want Unavailable", status.Code(err))
	}
}

func TestHealthServing(t *testing.T) {
	conn := dial(t, NewService(nil, nil, nil), nil)
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health = %v", resp.GetStatus())
	}
}

func TestToStatusError(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{nil, codes.OK},
		{fmt.Errorf("wrapped: %w", record.ErrRunNotFound), codes.NotFound},
		{fmt.Errorf("%w: bad", config.ErrInvalidConfig), codes.InvalidArgument},
		{ErrNoRun, codes.Unavailable},
		{fmt.Errorf("listing: %w", ErrNoStore), codes.Unavailable},
		{core.ErrNotRunning, codes.FailedPrecondition},
		{fmt.Errorf("x: %w", unit.ErrInvalidState), codes.FailedPrecondition},
		{core.ErrHalted, codes.Aborted},
		{status.Error(codes.DeadlineExceeded, "slow"), codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
	}
	for _, tc := range cases {
		if got := status.Code(ToStatusError(tc.err)); got != tc.code {
			t.Fatalf("ToStatusError(%v) = %v, want %v", tc.err, got, tc.code)
		}
	}
}

func TestDecodeStatusUnknownNames(t *testing.T) {
	s, err := EncodeStatus(core.Status{State: model.RunFailed, Err: "unit x failed"})
	if err != nil {
		t.Fatalf("EncodeStatus: %v", err)
	}
	got := DecodeStatus(s)
	if got.State != model.RunFailed || got.Err != "unit x failed" || len(got.Units) != 0 {
		t.Fatalf("decoded = %+v", got)
	}
	if DecodeStatus(nil).State != model.RunSetup {
		t.Fatalf("nil struct should decode to setup")
	}
}

func TestRequestIDEchoedAndLogged(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.Config{Level: "debug", Format: "json", Output: &buf})
	svc := NewService(&fakeRun{st: sampleStatus()}, nil, log)
	client := NewClient(connect(t, NewServer(svc, nil, log)))

	var header metadata.MD
	ctx := metadata.AppendToOutgoingContext(context.Background(), RequestIDHeader, "req-7")
	if _, err := client.Status(ctx, grpc.Header(&header)); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got := header.Get(RequestIDHeader); len(got) != 1 || got[0] != "req-7" {
		t.Fatalf("echoed request id = %v", got)
	}

	var line map[string]any
	for _, raw := range bytes.Split(buf.Bytes(), []byte("\n")) {
		var m map[string]any
		if json.Unmarshal(raw, &m) == nil && m["msg"] == "control request" {
			line = m
		}
	}
	if line == nil {
		t.Fatalf("no request log line in:\n%s", buf.String())
	}
	if line["request_id"] != "req-7" || line["run_id"] != "run-1" || line["code"] != "OK" ||
		line["method"] != "/"+ServiceName+"/GetStatus" {
		t.Fatalf("request log = %v", line)
	}

	header = nil
	if _, err := client.Status(context.Background(), grpc.Header(&header)); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got := header.Get(RequestIDHeader); len(got) != 1 || got[0] == "" {
		t.Fatalf("generated request id not echoed: %v", got)
	}
}
