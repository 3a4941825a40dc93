package ensemble

import (
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/vehicle-cosim/internal/unit"
	"github.com/signalsfoundry/vehicle-cosim/model"
)

// ErrDuplicateUnit is returned when a unit name is registered twice.
var ErrDuplicateUnit = errors.New("ensemble: duplicate unit")

// EventType indicates what kind of change happened in the ensemble.
type EventType int

const (
	EventUnitAdded EventType = iota
	EventUnitTransition
	EventUnitClosed
)

func (t EventType) String() string {
	switch t {
	case EventUnitAdded:
		return "added"
	case EventUnitTransition:
		return "transition"
	case EventUnitClosed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type EventType
	Unit string
	From model.LifecycleState
	To   model.LifecycleState
}

// Member is one registered unit with its scheduling attributes and the
// parameters applied to it after instantiation.
type Member struct {
	Proxy     *unit.Proxy
	Group     model.Group
	EarlyInit bool
	Params    model.Params
}

type subscriber struct {
	id int
	fn func(Event)
}

// Ensemble is a thread-safe, declaration-ordered registry of unit proxies.
type Ensemble struct {
	mu sync.RWMutex

	members map[string]*Member
	order   []string

	subs   []subscriber
	nextID int
}

// New constructs an empty ensemble.
func New() *Ensemble {
	return &Ensemble{members: make(map[string]*Member)}
}

// Add registers a member. It returns an error if the name already exists.
func (e *Ensemble) Add(m Member) error {
	if m.Proxy == nil {
		return errors.New("ensemble: member has no proxy")
	}
	e.mu.Lock()
	name := m.Proxy.Name()
	if _, exists := e.members[name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateUnit, name)
	}
	e.members[name] = &m
	e.order = append(e.order, name)
	e.mu.Unlock()

	e.Notify(Event{Type: EventUnitAdded, Unit: name, To: m.Proxy.State()})
	return nil
}

// Get returns the proxy with the given name, or nil if not found.
func (e *Ensemble) Get(name string) *unit.Proxy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if m, ok := e.members[name]; ok {
		return m.Proxy
	}
	return nil
}

// Member returns the registration for name.
func (e *Ensemble) Member(name string) (Member, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.members[name]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Len returns the number of registered units.
func (e *Ensemble) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.order)
}

// List returns a snapshot of all members in declaration order.
func (e *Ensemble) List() []Member {
	e.mu.RLock()
	defer e.mu.RUnlock()

	res := make([]Member, 0, len(e.order))
	for _, name := range e.order {
		res = append(res, *e.members[name])
	}
	return res
}

func (e *Ensemble) filter(keep func(*Member) bool) []*unit.Proxy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var res []*unit.Proxy
	for _, name := range e.order {
		if m := e.members[name]; keep(m) {
			res = append(res, m.Proxy)
		}
	}
	return res
}

// Coarse returns the units stepped once per macro-step, in declaration order.
func (e *Ensemble) Coarse() []*unit.Proxy {
	return e.filter(func(m *Member) bool { return m.Group == model.GroupCoarse })
}

// Fine returns the sub-stepped units, in declaration order.
func (e *Ensemble) Fine() []*unit.Proxy {
	return e.filter(func(m *Member) bool { return m.Group == model.GroupFine })
}

// All returns every proxy in declaration order.
func (e *Ensemble) All() []*unit.Proxy {
	return e.filter(func(*Member) bool { return true })
}

// Early returns the units initialised ahead of the others.
func (e *Ensemble) Early() []*unit.Proxy {
	return e.filter(func(m *Member) bool { return m.EarlyInit })
}

// Late returns the units initialised after the init wiring has run.
func (e *Ensemble) Late() []*unit.Proxy {
	return e.filter(func(m *Member) bool { return !m.EarlyInit })
}

// TransitionHook returns a unit.TransitionFunc that republishes lifecycle
// changes as ensemble events. Pass it to unit.WithTransitionHook.
func (e *Ensemble) TransitionHook() unit.TransitionFunc {
	return func(name string, from, to model.LifecycleState) {
		e.Notify(Event{Type: EventUnitTransition, Unit: name, From: from, To: to})
	}
}

// Notify delivers ev to every subscriber outside the lock.
func (e *Ensemble) Notify(ev Event) {
	e.mu.RLock()
	subs := make([]func(Event), 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s.fn)
	}
	e.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// Subscribe registers a callback for ensemble events. It returns an
// unsubscribe function.
func (e *Ensemble) Subscribe(fn func(Event)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.subs = append(e.subs, subscriber{id: id, fn: fn})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s.id == id {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

// Close closes every proxy in reverse declaration order and returns the
// joined errors.
func (e *Ensemble) Close() error {
	all := e.All()
	var errs []error
	for i := len(all) - 1; i >= 0; i-- {
		p := all[i]
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
		e.Notify(Event{Type: EventUnitClosed, Unit: p.Name(), To: p.State()})
	}
	return errors.Join(errs...)
}
