package core

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/signalsfoundry/vehicle-cosim/ensemble"
	"github.com/signalsfoundry/vehicle-cosim/internal/unit"
	"github.com/signalsfoundry/vehicle-cosim/internal/wiring"
	"github.com/signalsfoundry/vehicle-cosim/model"
)

func ep(u, n string) wiring.Endpoint { return wiring.Endpoint{Unit: u, Name: n} }

func bind(from, to wiring.Endpoint) *wiring.Binding {
	return &wiring.Binding{From: from, To: []wiring.Endpoint{to}, Kind: model.KindReal}
}

func incrementing(h *scriptHost, _, _ float64) model.Status {
	h.set("out", h.get("out")+1)
	return model.StatusOK
}

func echoing(h *scriptHost, _, _ float64) model.Status {
	h.set("out", h.get("in"))
	return model.StatusOK
}

func build(t *testing.T, s Settings, tables Tables, members ...ensemble.Member) *Orchestrator {
	t.Helper()
	ens := ensemble.New()
	for _, m := range members {
		if err := ens.Add(m); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	o, err := New(ens, s, tables)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func member(h *scriptHost, group model.Group) ensemble.Member {
	return ensemble.Member{Proxy: unit.NewProxy(h.name, h), Group: group}
}

func TestExplicitCouplingLagsOneStep(t *testing.T) {
	a := newScriptHost("A", nil, "in", "out")
	a.step = incrementing
	b := newScriptHost("B", nil, "in", "out")
	b.step = echoing

	o := build(t,
		Settings{Start: 0, End: 0.05, Step: 0.01, SubSteps: 1},
		Tables{Step: wiring.NewTable("step",
			bind(ep("A", "out"), ep("B", "in")),
			bind(ep("B", "out"), ep("A", "in")),
		)},
		member(a, model.GroupCoarse),
		member(b, model.GroupCoarse),
	)

	res := o.Run(context.Background())
	if res.State != model.RunFinished || res.Err != nil || res.ExitCode() != 0 {
		t.Fatalf("result = %+v", res)
	}
	if res.Steps != 5 {
		t.Fatalf("steps = %d, want 5", res.Steps)
	}
	if got := b.get("in"); got != 4.0 {
		t.Fatalf("B observed %v, want 4.0", got)
	}
	if got := a.get("out"); got != 5.0 {
		t.Fatalf("A output %v, want 5.0", got)
	}
	if res.FinalTime != 0+5*0.01 {
		t.Fatalf("final time %v, want %v", res.FinalTime, 5*0.01)
	}
}

func TestFinalTimeIsDerivedFromStepCount(t *testing.T) {
	for _, tc := range []struct {
		start, end, step float64
	}{
		{0, 1, 0.1},
		{0.3, 0.9, 0.02},
		{10, 10.35, 0.05},
	} {
		h := newScriptHost("u", nil)
		o := build(t, Settings{Start: tc.start, End: tc.end, Step: tc.step}, Tables{}, member(h, model.GroupCoarse))
		res := o.Run(context.Background())
		if res.Err != nil {
			t.Fatalf("Run: %v", res.Err)
		}
		if want := tc.start + float64(res.Steps)*tc.step; res.FinalTime != want {
			t.Fatalf("final time %v, want start+k*h = %v", res.FinalTime, want)
		}
		for i, st := range h.stepped {
			if want := tc.start + float64(i)*tc.step; st != want {
				t.Fatalf("step %d at t=%v, want %v", i, st, want)
			}
		}
	}
}

func TestStepFailureHaltsImmediately(t *testing.T) {
	var calls []string
	first := newScriptHost("first", &calls)
	bad := newScriptHost("bad", &calls)
	bad.step = func(h *scriptHost, _, _ float64) model.Status {
		if len(h.stepped) == 3 {
			return model.StatusError
		}
		return model.StatusOK
	}
	last := newScriptHost("last", &calls)
	fine := newScriptHost("fine", &calls)

	o := build(t,
		Settings{Start: 0, End: 1, Step: 0.1, SubSteps: 2},
		Tables{},
		member(first, model.GroupCoarse),
		member(bad, model.GroupCoarse),
		member(last, model.GroupCoarse),
		member(fine, model.GroupFine),
	)
	res := o.Run(context.Background())

	var sf *unit.StepFailure
	if res.State != model.RunFailed || !errors.As(res.Err, &sf) || sf.Unit != "bad" {
		t.Fatalf("result = %+v", res)
	}
	if res.ExitCode() == 0 {
		t.Fatalf("failed run must have non-zero exit code")
	}
	// The third macro-step (k=2, t=0.2) failed; the clock stays at its start.
	if res.Steps != 2 || res.FinalTime != 0.2 {
		t.Fatalf("steps/final = %d/%v, want 2/0.2", res.Steps, res.FinalTime)
	}
	limit := res.FinalTime
	for _, h := range []*scriptHost{first, bad, last, fine} {
		for _, st := range h.stepped {
			if st > limit {
				t.Fatalf("%s stepped at %v after failure at %v", h.name, st, limit)
			}
		}
	}
	if len(last.stepped) != 2 || len(fine.stepped) != 4 {
		t.Fatalf("units after the failing one were stepped: last=%v fine=%v", last.stepped, fine.stepped)
	}
	if o.State() != model.RunFailed || o.Status().Err == "" {
		t.Fatalf("status = %+v", o.Status())
	}
}

func TestSubSteppingConservesMacroStep(t *testing.T) {
	for _, n := range []int{1, 3, 7, 10} {
		coarse := newScriptHost("coarse", nil)
		fine := newScriptHost("fine", nil)
		o := build(t,
			Settings{Start: 0, End: 0.1, Step: 0.01, SubSteps: n},
			Tables{},
			member(coarse, model.GroupCoarse),
			member(fine, model.GroupFine),
		)
		res := o.Run(context.Background())
		if res.Err != nil {
			t.Fatalf("n=%d: %v", n, res.Err)
		}
		if len(coarse.stepped) != int(res.Steps) {
			t.Fatalf("n=%d: coarse stepped %d times for %d macro-steps", n, len(coarse.stepped), res.Steps)
		}
		if len(fine.stepped) != n*int(res.Steps) {
			t.Fatalf("n=%d: fine stepped %d times, want %d", n, len(fine.stepped), n*int(res.Steps))
		}
		for k := 0; k < int(res.Steps); k++ {
			macro := float64(k) * 0.01
			if fine.stepped[k*n] != macro {
				t.Fatalf("n=%d: macro-step %d sub-clock seeded at %v, want %v", n, k, fine.stepped[k*n], macro)
			}
			sum := 0.0
			for i := 0; i < n; i++ {
				sum += fine.sizes[k*n+i]
			}
			if math.Abs(sum-0.01) > 1e-15 {
				t.Fatalf("n=%d: sub-steps of macro-step %d sum to %v", n, k, sum)
			}
			last := k*n + n - 1
			if end := fine.stepped[last] + fine.sizes[last]; math.Abs(end-(macro+0.01)) > 1e-15 {
				t.Fatalf("n=%d: last sub-step ends at %v", n, end)
			}
		}
	}
}

func TestFineExchangeRunsBeforeEverySubStep(t *testing.T) {
	src := newScriptHost("vehicle", nil, "out")
	src.step = incrementing
	fine := newScriptHost("tire", nil, "in", "count")
	fine.step = func(h *scriptHost, _, _ float64) model.Status {
		h.set("count", h.get("count")+1)
		return model.StatusOK
	}
	counter := newScriptHost("probe", nil, "seen")

	o := build(t,
		Settings{Start: 0, End: 0.02, Step: 0.01, SubSteps: 4},
		Tables{
			Step: wiring.NewTable("step", bind(ep("vehicle", "out"), ep("tire", "in"))),
			Fine: wiring.NewTable("fine", bind(ep("tire", "count"), ep("probe", "seen"))),
		},
		member(src, model.GroupCoarse),
		member(fine, model.GroupFine),
		member(counter, model.GroupFine),
	)
	if res := o.Run(context.Background()); res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	// The fine table ran before each of the 8 sub-steps, so the probe saw
	// the count after 7 of them.
	if got := counter.get("seen"); got != 7 {
		t.Fatalf("probe saw %v, want 7", got)
	}
	// The coarse input is refreshed only at macro-step boundaries.
	if got := fine.get("in"); got != 1 {
		t.Fatalf("tire input %v, want 1", got)
	}
}

func TestInitializationOrder(t *testing.T) {
	var calls []string
	scenario := newScriptHost("scenario", &calls, "start_x")
	scenario.set("start_x", 42)
	vehicle := newScriptHost("vehicle", &calls, "init_x", "mass")

	ens := ensemble.New()
	_ = ens.Add(ensemble.Member{Proxy: unit.NewProxy("scenario", scenario), EarlyInit: true})
	_ = ens.Add(ensemble.Member{
		Proxy:  unit.NewProxy("vehicle", vehicle),
		Params: model.Params{"mass": model.Real(1500), "unknown": model.Real(1)},
	})
	o, err := New(ens, Settings{Start: 0, End: 0.01, Step: 0.01}, Tables{
		Init: wiring.NewTable("init", bind(ep("scenario", "start_x"), ep("vehicle", "init_x"))),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	want := "scenario.instantiate vehicle.instantiate scenario.setup scenario.enter scenario.exit vehicle.setup vehicle.enter vehicle.exit"
	if got := strings.Join(calls, " "); got != want {
		t.Fatalf("calls:\n got %s\nwant %s", got, want)
	}
	if vehicle.get("init_x") != 42 || vehicle.get("mass") != 1500 {
		t.Fatalf("vehicle not initialised: %v", vehicle.vals)
	}
	if o.State() != model.RunInitializing {
		t.Fatalf("state = %v", o.State())
	}
	if err := o.Initialize(context.Background()); !errors.Is(err, ErrRunState) {
		t.Fatalf("second Initialize = %v", err)
	}
}

func TestInitializationFailureIsFatal(t *testing.T) {
	h := newScriptHost("u", nil)
	h.failExit = true
	o := build(t, Settings{Start: 0, End: 1, Step: 0.5}, Tables{}, member(h, model.GroupCoarse))

	res := o.Run(context.Background())
	if res.State != model.RunFailed || !errors.Is(res.Err, unit.ErrModeTransition) {
		t.Fatalf("result = %+v", res)
	}
	if len(h.stepped) != 0 {
		t.Fatalf("unit stepped after failed initialization")
	}
}

func TestHaltBetweenMacroSteps(t *testing.T) {
	h := newScriptHost("u", nil)
	ens := ensemble.New()
	_ = ens.Add(member(h, model.GroupCoarse))

	var o *Orchestrator
	var finished Result
	obs := ObserverFuncs{
		Step: func(_ context.Context, step int64, _ float64) {
			if step == 3 {
				if err := o.Halt(); err != nil {
					t.Errorf("Halt: %v", err)
				}
			}
		},
		Finish: func(_ context.Context, res Result) { finished = res },
	}
	o, err := New(ens, Settings{Start: 0, End: 1, Step: 0.1}, Tables{}, WithObserver(obs))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := o.Run(context.Background())
	if !errors.Is(res.Err, ErrHalted) || res.Steps != 3 || res.ExitCode() == 0 {
		t.Fatalf("result = %+v", res)
	}
	if finished.Steps != 3 || finished.State != model.RunFailed {
		t.Fatalf("OnFinish saw %+v", finished)
	}
	if err := o.Halt(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Halt after finish = %v", err)
	}
}

func TestContextCancelStopsRun(t *testing.T) {
	h := newScriptHost("u", nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.step = func(h *scriptHost, _, _ float64) model.Status {
		if len(h.stepped) == 2 {
			cancel()
		}
		return model.StatusOK
	}
	o := build(t, Settings{Start: 0, End: 1, Step: 0.1}, Tables{}, member(h, model.GroupCoarse))
	res := o.Run(ctx)
	if !errors.Is(res.Err, ErrHalted) || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("err = %v", res.Err)
	}
	// The step in progress when ctx was cancelled completes.
	if res.Steps != 2 {
		t.Fatalf("steps = %d, want 2", res.Steps)
	}
}

func TestUnknownSignalIsTolerated(t *testing.T) {
	a := newScriptHost("A", nil, "out")
	a.step = incrementing
	b := newScriptHost("B", nil, "in")
	o := build(t,
		Settings{Start: 0, End: 0.03, Step: 0.01},
		Tables{Step: wiring.NewTable("step",
			bind(ep("A", "nope"), ep("B", "in")),
			bind(ep("A", "out"), ep("B", "in")),
		)},
		member(a, model.GroupCoarse),
		member(b, model.GroupCoarse),
	)
	res := o.Run(context.Background())
	if res.Err != nil || res.Steps != 3 {
		t.Fatalf("result = %+v", res)
	}
	if b.get("in") != 2 {
		t.Fatalf("B.in = %v, want 2", b.get("in"))
	}
}

func TestDeterministicCallSequence(t *testing.T) {
	run := func() string {
		var calls []string
		a := newScriptHost("A", &calls, "out")
		a.step = incrementing
		f := newScriptHost("F", &calls, "in")
		o := build(t,
			Settings{Start: 0, End: 0.03, Step: 0.01, SubSteps: 2},
			Tables{Step: wiring.NewTable("step", bind(ep("A", "out"), ep("F", "in")))},
			member(a, model.GroupCoarse),
			member(f, model.GroupFine),
		)
		o.Run(context.Background())
		_ = o.Close()
		return strings.Join(calls, " ")
	}
	first, second := run(), run()
	if first != second {
		t.Fatalf("call sequences differ:\n%s\n%s", first, second)
	}
	if !strings.HasSuffix(first, "F.terminate F.free A.terminate A.free") {
		t.Fatalf("units not released in reverse order: %s", first)
	}
}

func TestStatusSnapshot(t *testing.T) {
	h := newScriptHost("u", nil)
	o := build(t, Settings{Start: 0, End: 0.5, Step: 0.1}, Tables{}, member(h, model.GroupFine))
	o.Run(context.Background())

	st := o.Status()
	if st.State != model.RunFinished || st.Steps != 5 || st.TotalSteps != 5 || st.Progress() != 1 {
		t.Fatalf("status = %+v", st)
	}
	if len(st.Units) != 1 || st.Units[0].Steps != 5 || st.Units[0].Group != model.GroupFine {
		t.Fatalf("unit status = %+v", st.Units)
	}
}
