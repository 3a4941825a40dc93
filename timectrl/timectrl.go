package timectrl

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// SimClock is the read-only view of simulation time handed to components that
// must not advance it (recorders, progress printers, status endpoints).
type SimClock interface {
	// Now returns the current simulation time in seconds.
	Now() float64
}

// Mode describes how the scheduler paces macro-steps against wall-clock time.
type Mode int

const (
	// Accelerated advances as quickly as the units can be stepped.
	Accelerated Mode = iota
	// RealTime holds each macro-step until wall-clock time catches up.
	RealTime
)

func (m Mode) String() string {
	if m == RealTime {
		return "realtime"
	}
	return "accelerated"
}

// doneTolerance is the fraction of a step below which the remaining horizon
// is treated as float representation error rather than another step.
const doneTolerance = 1e-9

// Clock tracks macro time for one co-simulation run. It is mutated only by
// the scheduler; readers use Now/Steps which are safe for concurrent use.
type Clock struct {
	mu sync.RWMutex

	Start    float64
	End      float64
	Step     float64
	SubSteps int

	steps int64
	now   float64

	listeners []func(float64)
}

// NewClock validates the horizon and returns a clock positioned at start.
// A subSteps value below 1 is clamped to 1.
func NewClock(start, end, step float64, subSteps int) (*Clock, error) {
	if step <= 0 || math.IsNaN(step) || math.IsInf(step, 0) {
		return nil, fmt.Errorf("timectrl: step size must be positive, got %v", step)
	}
	if end < start {
		return nil, fmt.Errorf("timectrl: end time %v before start time %v", end, start)
	}
	if subSteps < 1 {
		subSteps = 1
	}
	return &Clock{
		Start:    start,
		End:      end,
		Step:     step,
		SubSteps: subSteps,
		now:      start,
	}, nil
}

// Now returns the current macro time. Implements SimClock.
func (c *Clock) Now() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Steps returns the number of completed macro-steps.
func (c *Clock) Steps() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.steps
}

// TimeAt returns Start + k*Step. Time is always derived from the step count so
// that repeated additions never drift.
func (c *Clock) TimeAt(k int64) float64 {
	return c.Start + float64(k)*c.Step
}

// Advance moves the clock forward by exactly one macro-step and notifies
// listeners with the new time.
func (c *Clock) Advance() float64 {
	c.mu.Lock()
	c.steps++
	c.now = c.TimeAt(c.steps)
	now := c.now
	listeners := append([]func(float64){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
	return now
}

// Done reports whether the configured end time has been reached.
func (c *Clock) Done() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now >= c.End-c.Step*doneTolerance
}

// TotalSteps is the number of macro-steps a complete run performs.
func (c *Clock) TotalSteps() int64 {
	span := (c.End - c.Start) / c.Step
	n := int64(math.Ceil(span - doneTolerance))
	if n < 0 {
		return 0
	}
	return n
}

// AddListener registers a callback invoked after every Advance.
func (c *Clock) AddListener(fn func(float64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Sub returns a fresh sub-step clock seeded from the current macro time.
func (c *Clock) Sub() *SubClock {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &SubClock{origin: c.now, span: c.Step, n: c.SubSteps}
}

// SubClock drives the fine-grained group through one macro-step. It is
// discarded at the end of the macro-step; only its total displacement, which
// always equals the macro step, is visible to the macro clock.
type SubClock struct {
	origin float64
	span   float64
	n      int
	i      int
}

// Count is the number of sub-steps in the macro-step.
func (s *SubClock) Count() int { return s.n }

// Index is the number of completed sub-steps.
func (s *SubClock) Index() int { return s.i }

// boundary is the offset of sub-step boundary i from the origin. The last
// boundary is the macro step itself so the sub-steps tile it exactly.
func (s *SubClock) boundary(i int) float64 {
	if i >= s.n {
		return s.span
	}
	return s.span * float64(i) / float64(s.n)
}

// Now is the start time of the current sub-step.
func (s *SubClock) Now() float64 { return s.origin + s.boundary(s.i) }

// Size is the length of the current sub-step.
func (s *SubClock) Size() float64 { return s.boundary(s.i+1) - s.boundary(s.i) }

// Done reports whether every sub-step has been taken.
func (s *SubClock) Done() bool { return s.i >= s.n }

// Advance completes the current sub-step.
func (s *SubClock) Advance() {
	if s.i < s.n {
		s.i++
	}
}

// Displacement is the time covered by the completed sub-steps.
func (s *SubClock) Displacement() float64 { return s.boundary(s.i) }

// Pacer holds the scheduler back so that simulation time does not run ahead
// of wall-clock time in RealTime mode. In Accelerated mode Wait returns
// immediately.
type Pacer struct {
	Mode Mode

	started time.Time
	origin  float64
	now     func() time.Time
}

// NewPacer starts pacing from the given simulation time.
func NewPacer(mode Mode, origin float64) *Pacer {
	return &Pacer{Mode: mode, started: time.Now(), origin: origin, now: time.Now}
}

// Wait blocks until wall-clock time reaches simTime, or ctx is done.
func (p *Pacer) Wait(ctx context.Context, simTime float64) error {
	if p == nil || p.Mode != RealTime {
		return nil
	}
	target := p.started.Add(time.Duration((simTime - p.origin) * float64(time.Second)))
	d := target.Sub(p.now())
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
