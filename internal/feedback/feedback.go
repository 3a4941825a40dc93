// Package feedback holds exchange entries that must look inside a
// transiting OSI message: seeding the vehicle pose from the scenario and
// feeding the simulated ego pose back to the scenario engine.
package feedback

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/vehicle-cosim/internal/bridge"
	"github.com/signalsfoundry/vehicle-cosim/internal/logging"
	"github.com/signalsfoundry/vehicle-cosim/internal/osi"
	"github.com/signalsfoundry/vehicle-cosim/internal/wiring"
	"github.com/signalsfoundry/vehicle-cosim/model"
	"github.com/signalsfoundry/vehicle-cosim/timectrl"
)

// Source is a message pointer published by a unit.
type Source struct {
	Endpoint wiring.Endpoint
	Layout   wiring.Layout
}

func readView(r wiring.Resolver, mem bridge.Memory, src Source) (*osi.SensorView, bridge.Pointer, error) {
	p, ok := r.Port(src.Endpoint.Unit)
	if !ok {
		return nil, bridge.Pointer{}, fmt.Errorf("%w: %q", wiring.ErrUnknownUnit, src.Endpoint.Unit)
	}
	ptr, err := wiring.ReadPointer(p, src.Endpoint.Name, src.Layout)
	if err != nil {
		return nil, ptr, err
	}
	if ptr.Empty() {
		return nil, ptr, nil
	}
	buf, err := mem.Borrow(ptr.Addr(), ptr.Size)
	if err != nil {
		return nil, ptr, err
	}
	sv, err := osi.DecodeSensorView(buf)
	return sv, ptr, err
}

// ScenarioInit copies the pose of the scenario's first moving object onto
// the vehicle's initial-location inputs. It belongs in the init table.
type ScenarioInit struct {
	Scenario Source
	// Location is the vector prefix receiving x/y/z, Yaw the scalar
	// receiving the heading.
	Location wiring.Endpoint
	Yaw      wiring.Endpoint

	Memory bridge.Memory
	Log    logging.Logger
}

func (s *ScenarioInit) Label() string {
	return "scenario-init " + s.Scenario.Endpoint.String() + " -> " + s.Location.Unit
}

func (s *ScenarioInit) Exchange(ctx context.Context, r wiring.Resolver) error {
	log := s.Log
	if log == nil {
		log = logging.Noop()
	}
	sv, ptr, err := readView(r, s.Memory, s.Scenario)
	if err != nil {
		return err
	}
	if sv == nil {
		return &osi.DecodeError{Message: "SensorView", Err: fmt.Errorf("initial view from %s is empty", s.Scenario.Endpoint)}
	}
	obj := sv.FirstMovingObject()
	if obj == nil || obj.Base == nil || obj.Base.Position == nil {
		return &osi.DecodeError{Message: "SensorView", Err: fmt.Errorf("initial view from %s has no moving object pose", s.Scenario.Endpoint)}
	}

	pos := obj.Base.Position
	yaw := 0.0
	if obj.Base.Orientation != nil {
		yaw = obj.Base.Orientation.Yaw
	}

	vehicle, ok := r.Port(s.Location.Unit)
	if !ok {
		return fmt.Errorf("%w: %q", wiring.ErrUnknownUnit, s.Location.Unit)
	}
	if err := wiring.PushVector(vehicle, s.Location.Name, wiring.Vec3Suffixes, []float64{pos.X, pos.Y, pos.Z}); err != nil {
		return err
	}
	yawPort, ok := r.Port(s.Yaw.Unit)
	if !ok {
		return fmt.Errorf("%w: %q", wiring.ErrUnknownUnit, s.Yaw.Unit)
	}
	if err := yawPort.SetSignal(s.Yaw.Name, model.Real(yaw)); err != nil {
		return err
	}

	log.Info(ctx, "vehicle initialised from scenario",
		logging.Uint64("object_id", obj.ID),
		logging.Float("x", pos.X),
		logging.Float("y", pos.Y),
		logging.Float("z", pos.Z),
		logging.Float("yaw", yaw),
		logging.Int("view_bytes", int(ptr.Size)),
	)
	return nil
}

// EgoFeedback sends the vehicle's simulated position back to the scenario
// engine as an OSI TrafficUpdate. The ego object is taken once from the
// controller's output view and reused as a template every step.
type EgoFeedback struct {
	Controller Source
	// Position is the vector prefix of the vehicle's reference frame.
	Position wiring.Endpoint
	Target   Source
	Producer string

	Memory bridge.Memory
	Clock  timectrl.SimClock
	Log    logging.Logger

	template *osi.MovingObject
}

func (f *EgoFeedback) Label() string {
	return "ego-feedback " + f.Position.String() + " -> " + f.Target.Endpoint.String()
}

// Template returns the captured ego object, or nil before the controller has
// produced a view.
func (f *EgoFeedback) Template() *osi.MovingObject { return f.template }

func (f *EgoFeedback) Exchange(ctx context.Context, r wiring.Resolver) error {
	log := f.Log
	if log == nil {
		log = logging.Noop()
	}
	if f.template == nil {
		sv, _, err := readView(r, f.Memory, f.Controller)
		if err != nil {
			return err
		}
		ego := sv.HostVehicle()
		if ego == nil {
			// Nothing published yet.
			return nil
		}
		f.template = ego.Clone()
		log.Info(ctx, "ego template captured", logging.Uint64("object_id", ego.ID))
	}

	vehicle, ok := r.Port(f.Position.Unit)
	if !ok {
		return fmt.Errorf("%w: %q", wiring.ErrUnknownUnit, f.Position.Unit)
	}
	pos, err := wiring.PullVector(vehicle, f.Position.Name, wiring.Vec3Suffixes)
	if err != nil {
		return err
	}

	now := 0.0
	if f.Clock != nil {
		now = f.Clock.Now()
	}
	upd := f.template.Clone()
	upd.SetPosition(pos[0], pos[1], pos[2])
	tu := &osi.TrafficUpdate{Timestamp: osi.Timestamp(now), Updates: []*osi.MovingObject{upd}}
	buf, err := tu.Marshal()
	if err != nil {
		return fmt.Errorf("encode traffic update: %w", err)
	}

	h := f.Memory.Publish(f.Producer, buf)
	target, ok := r.Port(f.Target.Endpoint.Unit)
	if !ok {
		return fmt.Errorf("%w: %q", wiring.ErrUnknownUnit, f.Target.Endpoint.Unit)
	}
	return wiring.WritePointer(target, f.Target.Endpoint.Name, f.Target.Layout, h.Pointer())
}
