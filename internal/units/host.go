// Package units provides in-process unit hosts so that scenarios can run
// without packaged binaries. Each kind keeps its state in a flat variable
// table and exposes it through the unit.Host contract.
package units

import (
	"math"
	"sort"

	"github.com/signalsfoundry/vehicle-cosim/internal/unit"
	"github.com/signalsfoundry/vehicle-cosim/model"
)

// Signal describes one variable a built-in kind exposes.
type Signal struct {
	Name    string
	Kind    model.Kind
	Default model.Value
}

type signals struct {
	names  []string
	values []model.Value
	index  map[string]unit.Ref
}

func (s *signals) declare(name string, v model.Value) unit.Ref {
	if s.index == nil {
		s.index = make(map[string]unit.Ref)
	}
	if ref, ok := s.index[name]; ok {
		return ref
	}
	ref := unit.Ref(len(s.values))
	s.names = append(s.names, name)
	s.values = append(s.values, v)
	s.index[name] = ref
	return ref
}

func (s *signals) real(name string, v float64) unit.Ref { return s.declare(name, model.Real(v)) }
func (s *signals) integer(name string) unit.Ref         { return s.declare(name, model.Integer(0)) }

func (s *signals) vec3(prefix string) [3]unit.Ref {
	return [3]unit.Ref{s.real(prefix+".x", 0), s.real(prefix+".y", 0), s.real(prefix+".z", 0)}
}

// quat declares an identity quaternion.
func (s *signals) quat(prefix string) [4]unit.Ref {
	return [4]unit.Ref{s.real(prefix+".e0", 1), s.real(prefix+".e1", 0), s.real(prefix+".e2", 0), s.real(prefix+".e3", 0)}
}

func (s *signals) f(ref unit.Ref) float64       { return s.values[ref].Float() }
func (s *signals) setF(ref unit.Ref, v float64) { s.values[ref] = model.Real(v) }
func (s *signals) i(ref unit.Ref) int32         { return s.values[ref].Int }
func (s *signals) setI(ref unit.Ref, v int32)   { s.values[ref] = model.Integer(v) }

func (s *signals) readVec(refs [3]unit.Ref) vec {
	return vec{s.f(refs[0]), s.f(refs[1]), s.f(refs[2])}
}

func (s *signals) writeVec(refs [3]unit.Ref, v vec) {
	s.setF(refs[0], v.X)
	s.setF(refs[1], v.Y)
	s.setF(refs[2], v.Z)
}

func (s *signals) readQuat(refs [4]unit.Ref) [4]float64 {
	return [4]float64{s.f(refs[0]), s.f(refs[1]), s.f(refs[2]), s.f(refs[3])}
}

func (s *signals) writeQuat(refs [4]unit.Ref, q [4]float64) {
	for i, ref := range refs {
		s.setF(ref, q[i])
	}
}

func (s *signals) list() []Signal {
	out := make([]Signal, len(s.names))
	for i, name := range s.names {
		out[i] = Signal{Name: name, Kind: s.values[i].Kind, Default: s.values[i]}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// dynamics is the behaviour of one built-in kind.
type dynamics interface {
	declare(s *signals)
	// start runs when initialization mode is left; outputs must be valid
	// afterwards.
	start(s *signals, t float64) model.Status
	step(s *signals, t, h float64) model.Status
}

// host adapts a dynamics implementation to unit.Host.
type host struct {
	kind     string
	instance string
	sig      signals
	dyn      dynamics

	start, stop float64
	stepSize    unit.Ref
}

func newHost(kind string, dyn dynamics) *host {
	h := &host{kind: kind, dyn: dyn}
	h.stepSize = h.sig.real("step_size", 0)
	dyn.declare(&h.sig)
	return h
}

func (h *host) Instantiate(name string, _, _ bool) model.Status {
	h.instance = name
	return model.StatusOK
}

func (h *host) SetupExperiment(start, stop, _ float64) model.Status {
	if stop > 0 && stop < start {
		return model.StatusError
	}
	h.start, h.stop = start, stop
	return model.StatusOK
}

func (h *host) EnterInitializationMode() model.Status { return model.StatusOK }

func (h *host) ExitInitializationMode() model.Status { return h.dyn.start(&h.sig, h.start) }

func (h *host) DoStep(t, step float64, _ bool) model.Status {
	if step <= 0 || math.IsNaN(step) {
		return model.StatusError
	}
	return h.dyn.step(&h.sig, t, step)
}

func (h *host) Resolve(name string) (unit.Ref, model.Kind, bool) {
	ref, ok := h.sig.index[name]
	if !ok {
		return 0, model.KindReal, false
	}
	return ref, h.sig.values[ref].Kind, true
}

func (h *host) Get(ref unit.Ref, kind model.Kind) (model.Value, model.Status) {
	if int(ref) >= len(h.sig.values) {
		return model.Value{}, model.StatusError
	}
	v := h.sig.values[ref]
	if v.Kind != kind {
		return model.Value{}, model.StatusError
	}
	return v, model.StatusOK
}

func (h *host) Set(ref unit.Ref, v model.Value) model.Status {
	if int(ref) >= len(h.sig.values) {
		return model.StatusError
	}
	in, ok := v.Convert(h.sig.values[ref].Kind)
	if !ok {
		return model.StatusError
	}
	h.sig.values[ref] = in
	return model.StatusOK
}

func (h *host) Terminate() model.Status { return model.StatusOK }
func (h *host) Free()                   {}
func (h *host) Version() string         { return "2.0" }
func (h *host) TypesPlatform() string   { return "builtin/" + h.kind }

// Signals lists the variables of the host, sorted by name.
func (h *host) Signals() []Signal { return h.sig.list() }

// vec is a small 3-vector used by the chassis models.
type vec struct{ X, Y, Z float64 }

func (v vec) add(o vec) vec       { return vec{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v vec) scale(k float64) vec { return vec{v.X * k, v.Y * k, v.Z * k} }
func (v vec) norm() float64       { return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z) }

func rotateZ(v vec, yaw float64) vec {
	c, s := math.Cos(yaw), math.Sin(yaw)
	return vec{c*v.X - s*v.Y, s*v.X + c*v.Y, v.Z}
}

// yawQuat returns the quaternion (e0..e3) of a pure rotation about z.
func yawQuat(yaw float64) [4]float64 {
	return [4]float64{math.Cos(yaw / 2), 0, 0, math.Sin(yaw / 2)}
}

// quatYaw extracts the heading from a quaternion.
func quatYaw(q [4]float64) float64 {
	return math.Atan2(2*(q[0]*q[3]+q[1]*q[2]), 1-2*(q[2]*q[2]+q[3]*q[3]))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
