package core

import (
	"fmt"
	"sort"

	"github.com/signalsfoundry/vehicle-cosim/internal/unit"
	"github.com/signalsfoundry/vehicle-cosim/model"
)

// scriptHost is a unit with named real signals whose DoStep runs a callback.
type scriptHost struct {
	name  string
	log   *[]string
	names []string
	vals  []float64

	step     func(h *scriptHost, t, dt float64) model.Status
	stepped  []float64
	sizes    []float64
	failExit bool
}

func newScriptHost(name string, log *[]string, signals ...string) *scriptHost {
	sort.Strings(signals)
	return &scriptHost{name: name, log: log, names: signals, vals: make([]float64, len(signals))}
}

func (h *scriptHost) record(call string) {
	if h.log != nil {
		*h.log = append(*h.log, h.name+"."+call)
	}
}

func (h *scriptHost) idx(name string) int {
	i := sort.SearchStrings(h.names, name)
	if i < len(h.names) && h.names[i] == name {
		return i
	}
	return -1
}

func (h *scriptHost) get(name string) float64 { return h.vals[h.idx(name)] }
func (h *scriptHost) set(name string, v float64) {
	h.vals[h.idx(name)] = v
}

func (h *scriptHost) Instantiate(string, bool, bool) model.Status {
	h.record("instantiate")
	return model.StatusOK
}

func (h *scriptHost) SetupExperiment(float64, float64, float64) model.Status {
	h.record("setup")
	return model.StatusOK
}

func (h *scriptHost) EnterInitializationMode() model.Status {
	h.record("enter")
	return model.StatusOK
}

func (h *scriptHost) ExitInitializationMode() model.Status {
	h.record("exit")
	if h.failExit {
		return model.StatusError
	}
	return model.StatusOK
}

func (h *scriptHost) DoStep(t, dt float64, _ bool) model.Status {
	h.record(fmt.Sprintf("step@%g", t))
	h.stepped = append(h.stepped, t)
	h.sizes = append(h.sizes, dt)
	if h.step != nil {
		return h.step(h, t, dt)
	}
	return model.StatusOK
}

func (h *scriptHost) Resolve(name string) (unit.Ref, model.Kind, bool) {
	i := h.idx(name)
	if i < 0 {
		return 0, model.KindReal, false
	}
	return unit.Ref(i), model.KindReal, true
}

func (h *scriptHost) Get(ref unit.Ref, _ model.Kind) (model.Value, model.Status) {
	return model.Real(h.vals[ref]), model.StatusOK
}

func (h *scriptHost) Set(ref unit.Ref, v model.Value) model.Status {
	h.vals[ref] = v.Real
	return model.StatusOK
}

func (h *scriptHost) Terminate() model.Status {
	h.record("terminate")
	return model.StatusOK
}

func (h *scriptHost) Free()                 { h.record("free") }
func (h *scriptHost) Version() string       { return "2.0" }
func (h *scriptHost) TypesPlatform() string { return "default" }
