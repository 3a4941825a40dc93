package units

import (
	"github.com/signalsfoundry/vehicle-cosim/internal/unit"
	"github.com/signalsfoundry/vehicle-cosim/model"
)

// counter adds increment to out on every step. Its in signal is only
// stored, which makes it a convenient coupling partner.
type counter struct {
	out, in, increment, initial unit.Ref
}

func (c *counter) declare(s *signals) {
	c.out = s.real("out", 0)
	c.in = s.real("in", 0)
	c.increment = s.real("increment", 1)
	c.initial = s.real("initial", 0)
}

func (c *counter) start(s *signals, _ float64) model.Status {
	s.setF(c.out, s.f(c.initial))
	return model.StatusOK
}

func (c *counter) step(s *signals, _, _ float64) model.Status {
	s.setF(c.out, s.f(c.out)+s.f(c.increment))
	return model.StatusOK
}

// echo copies gain*in to out when stepped.
type echo struct {
	out, in, gain unit.Ref
}

func (e *echo) declare(s *signals) {
	e.out = s.real("out", 0)
	e.in = s.real("in", 0)
	e.gain = s.real("gain", 1)
}

func (e *echo) start(*signals, float64) model.Status { return model.StatusOK }

func (e *echo) step(s *signals, _, _ float64) model.Status {
	s.setF(e.out, s.f(e.gain)*s.f(e.in))
	return model.StatusOK
}
