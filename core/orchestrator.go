// Package core drives a co-simulation: it walks every unit through its
// lifecycle, runs the exchange passes and steps the units in a fixed order
// each macro-step.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/vehicle-cosim/ensemble"
	"github.com/signalsfoundry/vehicle-cosim/internal/logging"
	"github.com/signalsfoundry/vehicle-cosim/internal/unit"
	"github.com/signalsfoundry/vehicle-cosim/internal/wiring"
	"github.com/signalsfoundry/vehicle-cosim/model"
	"github.com/signalsfoundry/vehicle-cosim/timectrl"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/vehicle-cosim/core"

// Settings is the time horizon of a run.
type Settings struct {
	Start     float64
	End       float64
	Step      float64
	SubSteps  int
	Tolerance float64
	Mode      timectrl.Mode
}

// Tables are the exchange passes of a run. Init runs once during
// initialization, Step once per macro-step and Fine before every sub-step.
// Any of them may be nil.
type Tables struct {
	Init *wiring.Table
	Step *wiring.Table
	Fine *wiring.Table
}

// Generations is implemented by message memories whose buffers expire with
// the macro-step counter.
type Generations interface {
	Begin(step int64)
}

// Metrics receives per-step measurements.
type Metrics interface {
	ObserveMacroStep(d time.Duration)
	ObserveExchange(rep wiring.Report)
	IncStepFailure(unit string)
	SetSimTime(t float64)
	SetRunState(s model.RunState)
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

func WithMetrics(m Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithBridge ties the message memory's buffer lifetime to the macro-step.
func WithBridge(g Generations) Option { return func(o *Orchestrator) { o.gen = g } }

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

// WithRunID labels the run in logs, traces and status snapshots.
func WithRunID(id string) Option { return func(o *Orchestrator) { o.runID = id } }

// Orchestrator is the scheduler. Initialize and Run are called from one
// goroutine; Status and Halt may be called from any.
type Orchestrator struct {
	ens      *ensemble.Ensemble
	clock    *timectrl.Clock
	settings Settings
	tables   Tables
	resolver wiring.Resolver

	log       logging.Logger
	metrics   Metrics
	gen       Generations
	observers []Observer
	tracer    trace.Tracer
	runID     string

	haltRequested atomic.Bool
	warned        map[string]bool

	mu    sync.RWMutex
	state model.RunState
	err   error
}

// New validates the settings and returns an orchestrator in RunSetup.
func New(ens *ensemble.Ensemble, s Settings, tables Tables, opts ...Option) (*Orchestrator, error) {
	if ens == nil {
		return nil, errors.New("core: nil ensemble")
	}
	clock, err := timectrl.NewClock(s.Start, s.End, s.Step, s.SubSteps)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		ens:      ens,
		clock:    clock,
		settings: s,
		tables:   tables,
		resolver: NewResolver(ens),
		log:      logging.Noop(),
		tracer:   otel.Tracer(tracerName),
		warned:   make(map[string]bool),
		state:    model.RunSetup,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.runID != "" {
		o.log = o.log.With(logging.String("run_id", o.runID))
	}
	return o, nil
}

// Clock exposes simulation time read-only.
func (o *Orchestrator) Clock() timectrl.SimClock { return o.clock }

// Ensemble returns the units being driven.
func (o *Orchestrator) Ensemble() *ensemble.Ensemble { return o.ens }

// Resolver returns the signal resolver over the ensemble.
func (o *Orchestrator) Resolver() wiring.Resolver { return o.resolver }

// State returns the current run state.
func (o *Orchestrator) State() model.RunState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s model.RunState, err error) {
	o.mu.Lock()
	o.state = s
	if err != nil {
		o.err = err
	}
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.SetRunState(s)
	}
}

// Status returns a snapshot of the run.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	st := Status{RunID: o.runID, State: o.state}
	if o.err != nil {
		st.Err = o.err.Error()
	}
	o.mu.RUnlock()

	st.Time = o.clock.Now()
	st.Steps = o.clock.Steps()
	st.TotalSteps = o.clock.TotalSteps()
	for _, m := range o.ens.List() {
		st.Units = append(st.Units, UnitStatus{
			Name:  m.Proxy.Name(),
			Group: m.Group,
			State: m.Proxy.State(),
			Steps: m.Proxy.Steps(),
		})
	}
	return st
}

// Halt asks a live run to stop before its next macro-step.
func (o *Orchestrator) Halt() error {
	if o.State().Terminal() {
		return ErrNotRunning
	}
	o.haltRequested.Store(true)
	o.log.Info(context.Background(), "halt requested", logging.SimTime(o.clock.Now()))
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, err error) error {
	o.setState(model.RunFailed, err)
	o.log.Error(ctx, "run failed", logging.SimTime(o.clock.Now()), logging.Err(err))
	return err
}

// Initialize instantiates every unit, applies parameters and brings all of
// them into step mode. Units flagged for early initialization complete their
// initialization first so that the init table can read their outputs.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if s := o.State(); s != model.RunSetup {
		return fmt.Errorf("%w: initialize in %s", ErrRunState, s)
	}
	o.setState(model.RunInitializing, nil)
	ctx, span := o.tracer.Start(ctx, "cosim.initialize")
	defer span.End()

	s := o.settings
	members := o.ens.List()
	for _, m := range members {
		if err := m.Proxy.Instantiate(); err != nil {
			return o.fail(ctx, err)
		}
	}
	for _, m := range members {
		if len(m.Params) == 0 {
			continue
		}
		if err := m.Proxy.ApplyParams(m.Params); err != nil {
			o.log.Warn(ctx, "some parameters were not applied", logging.Unit(m.Proxy.Name()), logging.Err(err))
		}
	}

	if o.gen != nil {
		o.gen.Begin(0)
	}
	for _, p := range o.ens.Early() {
		if err := initialize(p, s, true); err != nil {
			return o.fail(ctx, err)
		}
	}
	late := o.ens.Late()
	for _, p := range late {
		if err := initialize(p, s, false); err != nil {
			return o.fail(ctx, err)
		}
	}

	o.report(ctx, o.tables.Init.Exchange(ctx, o.resolver))

	for _, p := range late {
		if err := p.ExitInitializationMode(); err != nil {
			return o.fail(ctx, err)
		}
	}

	o.log.Info(ctx, "ensemble initialised",
		logging.Int("units", len(members)),
		logging.Int("fine_units", len(o.ens.Fine())),
		logging.Float("start", s.Start),
		logging.Float("end", s.End),
		logging.Float("step", s.Step),
		logging.Int("substeps", o.clock.SubSteps),
	)
	return nil
}

func initialize(p *unit.Proxy, s Settings, exit bool) error {
	if err := p.SetupExperiment(s.Start, s.End, s.Tolerance); err != nil {
		return err
	}
	if err := p.EnterInitializationMode(); err != nil {
		return err
	}
	if exit {
		return p.ExitInitializationMode()
	}
	return nil
}

// Run advances the ensemble until the end time, a unit step failure, a Halt
// request or ctx cancellation. Halt and cancellation are only honoured
// between macro-steps. Run initializes the ensemble first if needed.
func (o *Orchestrator) Run(ctx context.Context) Result {
	if o.State() == model.RunSetup {
		if err := o.Initialize(ctx); err != nil {
			return o.finish(ctx, err)
		}
	}
	if s := o.State(); s != model.RunInitializing {
		return Result{State: s, FinalTime: o.clock.Now(), Steps: o.clock.Steps(), Err: fmt.Errorf("%w: run in %s", ErrRunState, s)}
	}

	ctx, span := o.tracer.Start(ctx, "cosim.run", trace.WithAttributes(
		attribute.String("run_id", o.runID),
		attribute.Float64("start", o.settings.Start),
		attribute.Float64("end", o.settings.End),
		attribute.Float64("step", o.settings.Step),
		attribute.Int("substeps", o.clock.SubSteps),
	))
	defer span.End()

	o.setState(model.RunRunning, nil)
	pacer := timectrl.NewPacer(o.settings.Mode, o.clock.Now())
	coarse, fine := o.ens.Coarse(), o.ens.Fine()

	for !o.clock.Done() {
		if o.haltRequested.Load() {
			return o.finish(ctx, ErrHalted)
		}
		if err := ctx.Err(); err != nil {
			return o.finish(ctx, fmt.Errorf("%w: %w", ErrHalted, err))
		}

		if err := o.macroStep(ctx, coarse, fine); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return o.finish(ctx, err)
		}

		for _, obs := range o.observers {
			obs.OnStep(ctx, o.clock.Steps(), o.clock.Now())
		}
		if err := pacer.Wait(ctx, o.clock.Now()); err != nil {
			return o.finish(ctx, fmt.Errorf("%w: %w", ErrHalted, err))
		}
	}
	return o.finish(ctx, nil)
}

// macroStep runs one macro-step: exchange, coarse units, sub-stepped fine
// units, clock advance. On a step failure it returns immediately and the
// clock stays at the failed step's start time.
func (o *Orchestrator) macroStep(ctx context.Context, coarse, fine []*unit.Proxy) error {
	started := time.Now()
	k := o.clock.Steps()
	t := o.clock.Now()
	h := o.clock.Step

	ctx, span := o.tracer.Start(ctx, "cosim.macro_step", trace.WithAttributes(
		attribute.Int64("step", k+1),
		attribute.Float64("time", t),
	))
	defer span.End()

	if o.gen != nil {
		o.gen.Begin(k + 1)
	}

	o.report(ctx, o.tables.Step.Exchange(ctx, o.resolver))
	for _, p := range coarse {
		if _, err := p.Step(t, h, true); err != nil {
			return o.stepFailed(span, p, err)
		}
	}

	if len(fine) > 0 {
		sub := o.clock.Sub()
		for !sub.Done() {
			o.report(ctx, o.tables.Fine.Exchange(ctx, o.resolver))
			for _, p := range fine {
				if _, err := p.Step(sub.Now(), sub.Size(), true); err != nil {
					return o.stepFailed(span, p, err)
				}
			}
			sub.Advance()
		}
	}

	now := o.clock.Advance()
	if o.metrics != nil {
		o.metrics.ObserveMacroStep(time.Since(started))
		o.metrics.SetSimTime(now)
	}
	return nil
}

func (o *Orchestrator) stepFailed(span trace.Span, p *unit.Proxy, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if o.metrics != nil {
		o.metrics.IncStepFailure(p.Name())
	}
	return err
}

// report hands a pass report to metrics and logs each failing entry, at warn
// level the first time and at debug afterwards.
func (o *Orchestrator) report(ctx context.Context, rep wiring.Report) {
	if o.metrics != nil && rep.Entries > 0 {
		o.metrics.ObserveExchange(rep)
	}
	for _, s := range rep.Skipped {
		fields := []logging.Field{
			logging.String("table", rep.Table),
			logging.String("entry", s.Entry),
			logging.SimTime(o.clock.Now()),
			logging.Err(s.Err),
		}
		if o.warned[s.Entry] {
			o.log.Debug(ctx, "exchange entry skipped", fields...)
			continue
		}
		o.warned[s.Entry] = true
		o.log.Warn(ctx, "exchange entry skipped", fields...)
	}
}

func (o *Orchestrator) finish(ctx context.Context, err error) Result {
	state := model.RunFinished
	if err != nil {
		state = model.RunFailed
		if o.State() != model.RunFailed {
			_ = o.fail(ctx, err)
		}
	} else {
		o.setState(state, nil)
		o.log.Info(ctx, "run finished",
			logging.SimTime(o.clock.Now()),
			logging.Int64("steps", o.clock.Steps()),
		)
	}
	res := Result{State: state, FinalTime: o.clock.Now(), Steps: o.clock.Steps(), Err: err}
	for _, obs := range o.observers {
		obs.OnFinish(ctx, res)
	}
	return res
}

// Close releases every unit.
func (o *Orchestrator) Close() error { return o.ens.Close() }

// NewResolver exposes the ensemble's proxies as wiring ports.
func NewResolver(ens *ensemble.Ensemble) wiring.Resolver { return portResolver{ens} }

type portResolver struct{ ens *ensemble.Ensemble }

func (r portResolver) Port(name string) (wiring.Port, bool) {
	p := r.ens.Get(name)
	if p == nil {
		return nil, false
	}
	return p, true
}
