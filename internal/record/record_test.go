package record

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/vehicle-cosim/core"
	"github.com/signalsfoundry/vehicle-cosim/ensemble"
	"github.com/signalsfoundry/vehicle-cosim/internal/unit"
	"github.com/signalsfoundry/vehicle-cosim/internal/units"
	"github.com/signalsfoundry/vehicle-cosim/model"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs", "cosim.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	older := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	if err := s.BeginRun(ctx, Run{ID: "r1", Config: "units: []", StartedAt: older}); err != nil {
		t.Fatalf("BeginRun r1: %v", err)
	}
	if err := s.BeginRun(ctx, Run{ID: "r2", StartedAt: older.Add(time.Hour)}); err != nil {
		t.Fatalf("BeginRun r2: %v", err)
	}
	if err := s.BeginRun(ctx, Run{ID: "r1"}); err == nil {
		t.Fatalf("expected duplicate run id to fail")
	}

	if err := s.FinishRun(ctx, Run{ID: "r1", State: "Finished", FinalTime: 2, Steps: 200}); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := s.FinishRun(ctx, Run{ID: "ghost", State: "Failed"}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("FinishRun ghost err = %v, want ErrRunNotFound", err)
	}

	runs, err := s.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "r2" || runs[1].ID != "r1" {
		t.Fatalf("runs = %+v, want r2 then r1", runs)
	}
	if !runs[0].FinishedAt.IsZero() || runs[0].State != "Setup" {
		t.Fatalf("live run = %+v", runs[0])
	}

	r1, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r1.State != "Finished" || r1.Steps != 200 || r1.FinalTime != 2 || r1.Config != "units: []" || r1.FinishedAt.IsZero() {
		t.Fatalf("r1 = %+v", r1)
	}
	if !r1.StartedAt.Equal(older) {
		t.Fatalf("started_at = %v, want %v", r1.StartedAt, older)
	}
}

func TestSamplesAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	if err := s.BeginRun(ctx, Run{ID: "r"}); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	for step := int64(1); step <= 3; step++ {
		err := s.AddSamples(ctx, "r", step, float64(step)*0.1, []Sample{
			{Signal: "vehicle.speed", Value: float64(step) * 2},
			{Signal: "driver.throttle", Value: 0.5},
		})
		if err != nil {
			t.Fatalf("AddSamples: %v", err)
		}
	}
	if err := s.AddSamples(ctx, "missing", 1, 0, []Sample{{Signal: "x", Value: 1}}); err == nil {
		t.Fatalf("expected foreign key violation for unknown run")
	}

	signals, err := s.Signals(ctx, "r")
	if err != nil {
		t.Fatalf("Signals: %v", err)
	}
	if len(signals) != 2 || signals[0] != "driver.throttle" || signals[1] != "vehicle.speed" {
		t.Fatalf("signals = %v", signals)
	}

	pts, err := s.Samples(ctx, "r", "vehicle.speed")
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	if len(pts) != 3 || pts[2].Step != 3 || pts[2].Value != 6 || pts[0].Time != 0.1 {
		t.Fatalf("points = %+v", pts)
	}

	if err := s.DeleteRun(ctx, "r"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	pts, err = s.Samples(ctx, "r", "vehicle.speed")
	if err != nil || len(pts) != 0 {
		t.Fatalf("samples survived delete: %v %v", pts, err)
	}
	if err := s.DeleteRun(ctx, "r"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cosim.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.BeginRun(ctx, Run{ID: "kept"}); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.GetRun(ctx, "kept"); err != nil {
		t.Fatalf("GetRun after reopen: %v", err)
	}
}

func TestRecorderSamplesEveryNSteps(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	h, err := units.New("counter", "c", nil)
	if err != nil {
		t.Fatalf("units.New: %v", err)
	}
	ens := ensemble.New()
	if err := ens.Add(ensemble.Member{Proxy: unit.NewProxy("c", h)}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.BeginRun(ctx, Run{ID: "run"}); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	rec, err := NewRecorder(s, "run", core.NewResolver(ens), []string{"c.out", "c.missing", "ghost.out"}, 2, nil)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	o, err := core.New(ens, core.Settings{Start: 0, End: 0.5, Step: 0.1, SubSteps: 1}, core.Tables{}, core.WithObserver(rec))
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	res := o.Run(ctx)
	if res.State != model.RunFinished {
		t.Fatalf("result = %+v", res)
	}

	pts, err := s.Samples(ctx, "run", "c.out")
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	if len(pts) != 2 || pts[0].Step != 2 || pts[0].Value != 2 || pts[1].Step != 4 || pts[1].Value != 4 {
		t.Fatalf("points = %+v, want steps 2 and 4", pts)
	}

	run, err := s.GetRun(ctx, "run")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.State != model.RunFinished.String() || run.Steps != 5 {
		t.Fatalf("run = %+v", run)
	}
}

func TestNewRecorderRejectsBadEndpoint(t *testing.T) {
	s := openStore(t)
	if _, err := NewRecorder(s, "r", nil, []string{"nodot"}, 1, nil); err == nil {
		t.Fatalf("expected endpoint error")
	}
	if _, err := NewRecorder(nil, "r", nil, nil, 1, nil); err == nil {
		t.Fatalf("expected nil store error")
	}
}
