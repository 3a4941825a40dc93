package unit

import (
	"context"
	"errors"
	"testing"

	"github.com/signalsfoundry/vehicle-cosim/model"
)

type fakeHost struct {
	names  map[string]Ref
	kinds  map[Ref]model.Kind
	values map[Ref]model.Value

	instantiateStatus model.Status
	enterStatus       model.Status
	stepStatus        model.Status

	resolves   int
	calls      []string
	terminated int
	freed      int
}

func newFakeHost() *fakeHost {
	h := &fakeHost{
		names:  map[string]Ref{"x": 1, "n": 2, "flag": 3, "label": 4},
		kinds:  map[Ref]model.Kind{1: model.KindReal, 2: model.KindInteger, 3: model.KindBoolean, 4: model.KindString},
		values: map[Ref]model.Value{},
	}
	return h
}

func (h *fakeHost) Instantiate(string, bool, bool) model.Status {
	h.calls = append(h.calls, "instantiate")
	return h.instantiateStatus
}

func (h *fakeHost) SetupExperiment(float64, float64, float64) model.Status {
	h.calls = append(h.calls, "setup")
	return model.StatusOK
}

func (h *fakeHost) EnterInitializationMode() model.Status {
	h.calls = append(h.calls, "enter")
	return h.enterStatus
}

func (h *fakeHost) ExitInitializationMode() model.Status {
	h.calls = append(h.calls, "exit")
	return model.StatusOK
}

func (h *fakeHost) DoStep(float64, float64, bool) model.Status {
	h.calls = append(h.calls, "step")
	return h.stepStatus
}

func (h *fakeHost) Resolve(name string) (Ref, model.Kind, bool) {
	h.resolves++
	ref, ok := h.names[name]
	return ref, h.kinds[ref], ok
}

func (h *fakeHost) Get(ref Ref, kind model.Kind) (model.Value, model.Status) {
	v, ok := h.values[ref]
	if !ok {
		return model.Value{Kind: kind}, model.StatusOK
	}
	return v, model.StatusOK
}

func (h *fakeHost) Set(ref Ref, v model.Value) model.Status {
	h.values[ref] = v
	return model.StatusOK
}

func (h *fakeHost) Terminate() model.Status {
	h.terminated++
	return model.StatusOK
}

func (h *fakeHost) Free()                 { h.freed++ }
func (h *fakeHost) Version() string       { return "2.0" }
func (h *fakeHost) TypesPlatform() string { return "default" }

func initialized(t *testing.T, h *fakeHost) *Proxy {
	t.Helper()
	p := NewProxy("u", h)
	if err := p.Instantiate(); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if err := p.SetupExperiment(0, 1, 0); err != nil {
		t.Fatalf("SetupExperiment: %v", err)
	}
	if err := p.EnterInitializationMode(); err != nil {
		t.Fatalf("EnterInitializationMode: %v", err)
	}
	if err := p.ExitInitializationMode(); err != nil {
		t.Fatalf("ExitInitializationMode: %v", err)
	}
	return p
}

func TestProxyLifecycle(t *testing.T) {
	h := newFakeHost()
	p := initialized(t, h)
	if p.State() != model.StateStepMode {
		t.Fatalf("state = %v, want step mode", p.State())
	}
	if _, err := p.Step(0, 0.01, true); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if p.Steps() != 1 || p.LastTime() != 0.01 {
		t.Fatalf("Steps/LastTime = %d/%v", p.Steps(), p.LastTime())
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.terminated != 1 || h.freed != 1 {
		t.Fatalf("terminate/free = %d/%d, want 1/1", h.terminated, h.freed)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if h.terminated != 1 || h.freed != 1 {
		t.Fatalf("Close is not idempotent")
	}
}

func TestProxyRejectsOutOfOrderCalls(t *testing.T) {
	h := newFakeHost()
	p := NewProxy("u", h)

	if _, err := p.Step(0, 0.1, false); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Step before init = %v, want ErrInvalidState", err)
	}
	if err := p.SetupExperiment(0, 1, 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("SetupExperiment before instantiate = %v, want ErrInvalidState", err)
	}
	if err := p.Instantiate(); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if err := p.SetupExperiment(0, 1, 0); err != nil {
		t.Fatalf("SetupExperiment: %v", err)
	}
	if err := p.SetupExperiment(0, 1, 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second SetupExperiment = %v, want ErrInvalidState", err)
	}
	if err := p.EnterInitializationMode(); err != nil {
		t.Fatalf("EnterInitializationMode: %v", err)
	}
	if err := p.ExitInitializationMode(); err != nil {
		t.Fatalf("ExitInitializationMode: %v", err)
	}
	if err := p.EnterInitializationMode(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("re-entering initialization = %v, want ErrInvalidState", err)
	}
}

func TestProxyInstantiationFailure(t *testing.T) {
	h := newFakeHost()
	h.instantiateStatus = model.StatusFatal
	p := NewProxy("u", h)
	if err := p.Instantiate(); !errors.Is(err, ErrInstantiation) {
		t.Fatalf("Instantiate = %v, want ErrInstantiation", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.terminated != 0 || h.freed != 0 {
		t.Fatalf("never-instantiated unit must not be terminated or freed")
	}
}

func TestProxyModeTransitionFailure(t *testing.T) {
	h := newFakeHost()
	h.enterStatus = model.StatusError
	p := NewProxy("u", h)
	_ = p.Instantiate()
	if err := p.EnterInitializationMode(); !errors.Is(err, ErrModeTransition) {
		t.Fatalf("EnterInitializationMode = %v, want ErrModeTransition", err)
	}
}

func TestProxyStepFailure(t *testing.T) {
	h := newFakeHost()
	p := initialized(t, h)
	h.stepStatus = model.StatusDiscard

	st, err := p.Step(0.3, 0.1, true)
	if st != model.StatusDiscard {
		t.Fatalf("status = %v, want discard", st)
	}
	var sf *StepFailure
	if !errors.As(err, &sf) {
		t.Fatalf("err = %v, want *StepFailure", err)
	}
	if sf.Unit != "u" || sf.Time != 0.3 || !errors.Is(err, ErrStepFailure) {
		t.Fatalf("unexpected failure %+v", sf)
	}
}

func TestProxySignalsAndCache(t *testing.T) {
	h := newFakeHost()
	p := initialized(t, h)

	if err := p.SetReal("x", 1.5); err != nil {
		t.Fatalf("SetReal: %v", err)
	}
	if got, err := p.GetReal("x"); err != nil || got != 1.5 {
		t.Fatalf("GetReal = %v, %v", got, err)
	}
	if err := p.SetInteger("n", 7); err != nil {
		t.Fatalf("SetInteger: %v", err)
	}
	if got, _ := p.GetInteger("n"); got != 7 {
		t.Fatalf("GetInteger = %d", got)
	}
	if err := p.SetBoolean("flag", true); err != nil {
		t.Fatalf("SetBoolean: %v", err)
	}
	if got, _ := p.GetBoolean("flag"); !got {
		t.Fatalf("GetBoolean = false")
	}
	if err := p.SetString("label", "wheel_FL"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if got, _ := p.GetString("label"); got != "wheel_FL" {
		t.Fatalf("GetString = %q", got)
	}
	if h.resolves != 4 {
		t.Fatalf("resolves = %d, want 4 (one per name)", h.resolves)
	}

	// Real written to an integer signal is converted to the signal's kind.
	if err := p.SetReal("n", 3.0); err != nil {
		t.Fatalf("SetReal on integer: %v", err)
	}
	if v := h.values[2]; v.Kind != model.KindInteger || v.Int != 3 {
		t.Fatalf("host saw %+v", v)
	}
}

func TestProxyUnknownSignalIsLocal(t *testing.T) {
	h := newFakeHost()
	p := initialized(t, h)

	_, err := p.GetReal("nope")
	var use *UnknownSignalError
	if !errors.As(err, &use) || use.Name != "nope" {
		t.Fatalf("GetReal = %v, want *UnknownSignalError", err)
	}
	if !IsSignalError(err) {
		t.Fatalf("unknown signal must be a signal-level error")
	}
	if _, err := p.Step(0, 0.1, true); err != nil {
		t.Fatalf("Step after unknown signal: %v", err)
	}
}

func TestProxyApplyParams(t *testing.T) {
	h := newFakeHost()
	p := NewProxy("u", h)
	_ = p.Instantiate()

	err := p.ApplyParams(model.Params{
		"x":       model.Real(2),
		"missing": model.Real(1),
		"label":   model.String("tire"),
	})
	if !errors.Is(err, ErrUnknownSignal) {
		t.Fatalf("ApplyParams = %v, want ErrUnknownSignal", err)
	}
	if h.values[1].Real != 2 || h.values[4].Str != "tire" {
		t.Fatalf("known parameters not applied: %+v", h.values)
	}
}

func TestLoadWrapsLoaderError(t *testing.T) {
	boom := errors.New("boom")
	loader := LoaderFunc(func(context.Context, Spec) (Host, error) { return nil, boom })
	if _, err := Load(context.Background(), loader, Spec{Name: "u", Path: "x.fmu"}); !errors.Is(err, boom) {
		t.Fatalf("Load = %v, want wrapped boom", err)
	}

	ok := LoaderFunc(func(context.Context, Spec) (Host, error) { return newFakeHost(), nil })
	p, err := Load(context.Background(), ok, Spec{Name: "u"})
	if err != nil || p.Name() != "u" || p.State() != model.StateLoaded {
		t.Fatalf("Load = %v, %v", p, err)
	}
}

func TestTransitionHook(t *testing.T) {
	var seen []model.LifecycleState
	p := NewProxy("u", newFakeHost(), WithTransitionHook(func(_ string, _, to model.LifecycleState) {
		seen = append(seen, to)
	}))
	_ = p.Instantiate()
	_ = p.EnterInitializationMode()
	_ = p.ExitInitializationMode()
	_ = p.Close()

	want := []model.LifecycleState{model.StateInstantiated, model.StateInitializationMode, model.StateStepMode, model.StateTerminated}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", seen, want)
		}
	}
}
