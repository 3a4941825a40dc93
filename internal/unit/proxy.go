package unit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/vehicle-cosim/internal/logging"
	"github.com/signalsfoundry/vehicle-cosim/model"
)

type resolved struct {
	ref  Ref
	kind model.Kind
}

// TransitionFunc observes lifecycle changes of a proxy.
type TransitionFunc func(unit string, from, to model.LifecycleState)

// Option customises a Proxy.
type Option func(*Proxy)

// WithLogger attaches a logger; the default drops everything.
func WithLogger(l logging.Logger) Option {
	return func(p *Proxy) {
		if l != nil {
			p.log = l
		}
	}
}

// WithTransitionHook registers fn to be called after every state change.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(p *Proxy) { p.onTransition = fn }
}

// WithVisible and WithLoggingOn forward the matching instantiate flags.
func WithVisible(v bool) Option   { return func(p *Proxy) { p.visible = v } }
func WithLoggingOn(v bool) Option { return func(p *Proxy) { p.loggingOn = v } }

// Proxy owns exactly one Host. It is driven by a single scheduler goroutine;
// the mutex only makes State and Steps safe for concurrent readers.
type Proxy struct {
	name string
	host Host
	log  logging.Logger

	visible   bool
	loggingOn bool

	onTransition TransitionFunc

	mu       sync.Mutex
	state    model.LifecycleState
	setup    bool
	closed   bool
	steps    int64
	lastTime float64

	refs map[string]resolved
}

// NewProxy wraps host under the given instance name. The proxy starts in
// StateLoaded.
func NewProxy(name string, host Host, opts ...Option) *Proxy {
	p := &Proxy{
		name:  name,
		host:  host,
		log:   logging.Noop(),
		state: model.StateLoaded,
		refs:  make(map[string]resolved),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With(logging.Unit(name))
	return p
}

// Load resolves spec through loader and wraps the result.
func Load(ctx context.Context, loader Loader, spec Spec, opts ...Option) (*Proxy, error) {
	if loader == nil {
		return nil, fmt.Errorf("unit %q: no loader configured", spec.Name)
	}
	host, err := loader.Load(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("load unit %q from %q: %w", spec.Name, spec.Path, err)
	}
	return NewProxy(spec.Name, host, opts...), nil
}

// Name returns the instance name.
func (p *Proxy) Name() string { return p.name }

// State returns the current lifecycle state.
func (p *Proxy) State() model.LifecycleState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Steps returns the number of successful DoStep calls.
func (p *Proxy) Steps() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.steps
}

// LastTime is the end time of the most recent successful step.
func (p *Proxy) LastTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTime
}

// Version reports the host's interface version and types platform.
func (p *Proxy) Version() (version, platform string) {
	return p.host.Version(), p.host.TypesPlatform()
}

func (p *Proxy) transition(to model.LifecycleState) {
	p.mu.Lock()
	from := p.state
	p.state = to
	p.mu.Unlock()

	p.log.Debug(context.Background(), "unit state changed",
		logging.String("from", from.String()),
		logging.String("to", to.String()),
	)
	if p.onTransition != nil {
		p.onTransition(p.name, from, to)
	}
}

func (p *Proxy) require(op string, allowed ...model.LifecycleState) error {
	cur := p.State()
	for _, s := range allowed {
		if cur == s {
			return nil
		}
	}
	return fmt.Errorf("%w: unit %q cannot %s in state %s", ErrInvalidState, p.name, op, cur)
}

// Instantiate allocates the unit's runtime state.
func (p *Proxy) Instantiate() error {
	if err := p.require("instantiate", model.StateLoaded); err != nil {
		return err
	}
	if st := p.host.Instantiate(p.name, p.visible, p.loggingOn); !st.OK() {
		return fmt.Errorf("%w: unit %q returned %s", ErrInstantiation, p.name, st)
	}
	p.transition(model.StateInstantiated)
	return nil
}

// SetupExperiment declares the time horizon. It may be called once.
func (p *Proxy) SetupExperiment(start, end, tolerance float64) error {
	if err := p.require("setup experiment", model.StateInstantiated); err != nil {
		return err
	}
	p.mu.Lock()
	done := p.setup
	p.mu.Unlock()
	if done {
		return fmt.Errorf("%w: unit %q experiment already set up", ErrInvalidState, p.name)
	}
	if st := p.host.SetupExperiment(start, end, tolerance); !st.OK() {
		return fmt.Errorf("%w: unit %q setup experiment returned %s", ErrModeTransition, p.name, st)
	}
	p.mu.Lock()
	p.setup = true
	p.mu.Unlock()
	return nil
}

// EnterInitializationMode opens the window for initial values.
func (p *Proxy) EnterInitializationMode() error {
	if err := p.require("enter initialization mode", model.StateInstantiated); err != nil {
		return err
	}
	if st := p.host.EnterInitializationMode(); !st.OK() {
		return fmt.Errorf("%w: unit %q enter initialization mode returned %s", ErrModeTransition, p.name, st)
	}
	p.transition(model.StateInitializationMode)
	return nil
}

// ExitInitializationMode moves the unit into step mode.
func (p *Proxy) ExitInitializationMode() error {
	if err := p.require("exit initialization mode", model.StateInitializationMode); err != nil {
		return err
	}
	if st := p.host.ExitInitializationMode(); !st.OK() {
		return fmt.Errorf("%w: unit %q exit initialization mode returned %s", ErrModeTransition, p.name, st)
	}
	p.transition(model.StateStepMode)
	return nil
}

// Step advances the unit from t by h. A non-ok status is returned together
// with a *StepFailure.
func (p *Proxy) Step(t, h float64, reuseStateHint bool) (model.Status, error) {
	if err := p.require("step", model.StateStepMode); err != nil {
		return model.StatusError, err
	}
	st := p.host.DoStep(t, h, reuseStateHint)
	if !st.OK() {
		return st, &StepFailure{Unit: p.name, Time: t, Size: h, Status: st}
	}
	p.mu.Lock()
	p.steps++
	p.lastTime = t + h
	p.mu.Unlock()
	return st, nil
}

// Terminate ends the simulation in the unit. It does not free it.
func (p *Proxy) Terminate() error {
	if err := p.require("terminate", model.StateInstantiated, model.StateInitializationMode, model.StateStepMode); err != nil {
		return err
	}
	st := p.host.Terminate()
	p.transition(model.StateTerminated)
	if !st.OK() {
		return fmt.Errorf("%w: unit %q terminate returned %s", ErrModeTransition, p.name, st)
	}
	return nil
}

// Close terminates the unit if it is still live and releases it. It is safe
// to call in any state and more than once.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	state := p.state
	p.mu.Unlock()

	if state == model.StateLoaded {
		return nil
	}
	var err error
	if state != model.StateTerminated {
		err = p.Terminate()
	}
	p.host.Free()
	p.mu.Lock()
	p.refs = make(map[string]resolved)
	p.mu.Unlock()
	return err
}

func (p *Proxy) lookup(name string) (resolved, error) {
	if err := p.require("access signal "+name, model.StateInstantiated, model.StateInitializationMode, model.StateStepMode); err != nil {
		return resolved{}, err
	}
	p.mu.Lock()
	r, ok := p.refs[name]
	p.mu.Unlock()
	if ok {
		return r, nil
	}
	ref, kind, found := p.host.Resolve(name)
	if !found {
		return resolved{}, &UnknownSignalError{Unit: p.name, Name: name}
	}
	r = resolved{ref: ref, kind: kind}
	p.mu.Lock()
	p.refs[name] = r
	p.mu.Unlock()
	return r, nil
}

// Kind returns the declared kind of a signal.
func (p *Proxy) Kind(name string) (model.Kind, error) {
	r, err := p.lookup(name)
	if err != nil {
		return model.KindReal, err
	}
	return r.kind, nil
}

// GetSignal reads name and converts it to kind.
func (p *Proxy) GetSignal(name string, kind model.Kind) (model.Value, error) {
	r, err := p.lookup(name)
	if err != nil {
		return model.Value{}, err
	}
	v, st := p.host.Get(r.ref, r.kind)
	if !st.OK() {
		return model.Value{}, fmt.Errorf("%w: get %s.%s returned %s", ErrSignalAccess, p.name, name, st)
	}
	out, ok := v.Convert(kind)
	if !ok {
		return model.Value{}, fmt.Errorf("%w: %s.%s is %s, not %s", ErrSignalAccess, p.name, name, r.kind, kind)
	}
	return out, nil
}

// SetSignal writes v to name, converting it to the signal's declared kind.
func (p *Proxy) SetSignal(name string, v model.Value) error {
	r, err := p.lookup(name)
	if err != nil {
		return err
	}
	in, ok := v.Convert(r.kind)
	if !ok {
		return fmt.Errorf("%w: cannot set %s %s.%s from %q", ErrSignalAccess, r.kind, p.name, name, v.String())
	}
	if st := p.host.Set(r.ref, in); !st.OK() {
		return fmt.Errorf("%w: set %s.%s returned %s", ErrSignalAccess, p.name, name, st)
	}
	return nil
}

func (p *Proxy) GetReal(name string) (float64, error) {
	v, err := p.GetSignal(name, model.KindReal)
	return v.Real, err
}

func (p *Proxy) SetReal(name string, v float64) error {
	return p.SetSignal(name, model.Real(v))
}

func (p *Proxy) GetInteger(name string) (int32, error) {
	v, err := p.GetSignal(name, model.KindInteger)
	return v.Int, err
}

func (p *Proxy) SetInteger(name string, v int32) error {
	return p.SetSignal(name, model.Integer(v))
}

func (p *Proxy) GetBoolean(name string) (bool, error) {
	v, err := p.GetSignal(name, model.KindBoolean)
	return v.Bool, err
}

func (p *Proxy) SetBoolean(name string, v bool) error {
	return p.SetSignal(name, model.Boolean(v))
}

func (p *Proxy) GetString(name string) (string, error) {
	v, err := p.GetSignal(name, model.KindString)
	return v.Str, err
}

func (p *Proxy) SetString(name string, v string) error {
	return p.SetSignal(name, model.String(v))
}

// ApplyParams sets every parameter in name order. Parameters the unit does
// not expose are logged and collected in the returned error; the rest are
// still applied.
func (p *Proxy) ApplyParams(params model.Params) error {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := p.SetSignal(name, params[name]); err != nil {
			p.log.Warn(context.Background(), "parameter not applied",
				logging.String("parameter", name),
				logging.Err(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
