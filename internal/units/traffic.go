package units

import (
	"math"

	"github.com/signalsfoundry/vehicle-cosim/internal/bridge"
	"github.com/signalsfoundry/vehicle-cosim/internal/osi"
	"github.com/signalsfoundry/vehicle-cosim/internal/unit"
	"github.com/signalsfoundry/vehicle-cosim/internal/wiring"
	"github.com/signalsfoundry/vehicle-cosim/model"
)

type pointerRefs [3]unit.Ref

func declarePointer(s *signals, prefix string, layout wiring.Layout) pointerRefs {
	names := layout.Names(prefix)
	return pointerRefs{s.integer(names[0]), s.integer(names[1]), s.integer(names[2])}
}

func (p pointerRefs) read(s *signals) bridge.Pointer {
	return bridge.Pointer{Lo: s.i(p[0]), Hi: s.i(p[1]), Size: s.i(p[2])}
}

func (p pointerRefs) write(s *signals, ptr bridge.Pointer) {
	s.setI(p[0], ptr.Lo)
	s.setI(p[1], ptr.Hi)
	s.setI(p[2], ptr.Size)
}

// scenario is a minimal traffic engine in the manner of esmini: it owns an
// ego object and an optional lead vehicle, publishes a SensorView every step
// and accepts TrafficUpdates that override object poses.
type scenario struct {
	mem      bridge.Memory
	producer string

	viewOut   pointerRefs
	updatesIn pointerRefs
	applied   unit.Ref

	path                            unit.Ref
	egoID, egoX, egoY, egoZ, egoYaw unit.Ref
	egoSpeed, leadGap, leadSpeed    unit.Ref
	length, width, height           unit.Ref

	hostID  uint64
	objects []*osi.MovingObject
	driven  map[uint64]bool
}

func (sc *scenario) declare(s *signals) {
	sc.viewOut = declarePointer(s, "OSMPSensorViewOut", wiring.LayoutOSMP)
	sc.updatesIn = declarePointer(s, "OSMPTrafficUpdateIn", wiring.LayoutOSMP)
	sc.applied = s.integer("traffic_updates_applied")

	sc.path = s.declare("xosc_path", model.String(""))
	sc.egoID = s.real("ego_id", 0)
	sc.egoX = s.real("ego_x", 0)
	sc.egoY = s.real("ego_y", 0)
	sc.egoZ = s.real("ego_z", 0)
	sc.egoYaw = s.real("ego_yaw", 0)
	sc.egoSpeed = s.real("ego_speed", 0)
	sc.leadGap = s.real("lead_gap", 0)
	sc.leadSpeed = s.real("lead_speed", 8)
	sc.length = s.real("vehicle_length", 4.5)
	sc.width = s.real("vehicle_width", 1.8)
	sc.height = s.real("vehicle_height", 1.5)
}

func (sc *scenario) object(s *signals, id uint64, pos vec, yaw, speed float64) *osi.MovingObject {
	return &osi.MovingObject{
		ID: id,
		Base: &osi.BaseMoving{
			Dimension:   &osi.Dimension3d{Length: s.f(sc.length), Width: s.f(sc.width), Height: s.f(sc.height)},
			Position:    &osi.Vector3d{X: pos.X, Y: pos.Y, Z: pos.Z},
			Orientation: &osi.Orientation3d{Yaw: yaw},
			Velocity:    &osi.Vector3d{X: speed * math.Cos(yaw), Y: speed * math.Sin(yaw)},
		},
	}
}

func (sc *scenario) start(s *signals, t float64) model.Status {
	if sc.mem == nil {
		return model.StatusFatal
	}
	sc.hostID = uint64(s.f(sc.egoID))
	yaw := s.f(sc.egoYaw)
	ego := vec{s.f(sc.egoX), s.f(sc.egoY), s.f(sc.egoZ)}
	sc.objects = []*osi.MovingObject{sc.object(s, sc.hostID, ego, yaw, s.f(sc.egoSpeed))}
	if gap := s.f(sc.leadGap); gap > 0 {
		lead := ego.add(vec{math.Cos(yaw), math.Sin(yaw), 0}.scale(gap))
		sc.objects = append(sc.objects, sc.object(s, sc.hostID+1, lead, yaw, s.f(sc.leadSpeed)))
	}
	sc.driven = make(map[uint64]bool)
	return sc.publish(s, t)
}

func (sc *scenario) step(s *signals, t, h float64) model.Status {
	if ptr := sc.updatesIn.read(s); !ptr.Empty() {
		buf, err := sc.mem.Borrow(ptr.Addr(), ptr.Size)
		if err != nil {
			return model.StatusError
		}
		tu, err := osi.DecodeTrafficUpdate(buf)
		if err != nil {
			return model.StatusError
		}
		for _, upd := range tu.Updates {
			if sc.apply(upd, h) {
				s.setI(sc.applied, s.i(sc.applied)+1)
			}
		}
	}
	for _, obj := range sc.objects {
		if sc.driven[obj.ID] || obj.Base == nil || obj.Base.Position == nil || obj.Base.Velocity == nil {
			continue
		}
		obj.Base.Position.X += obj.Base.Velocity.X * h
		obj.Base.Position.Y += obj.Base.Velocity.Y * h
		obj.Base.Position.Z += obj.Base.Velocity.Z * h
	}
	return sc.publish(s, t+h)
}

// apply copies the position of upd onto the object with the same id and
// derives its velocity and heading from the displacement over h. Objects that
// received an update are no longer advanced by the engine itself.
func (sc *scenario) apply(upd *osi.MovingObject, h float64) bool {
	if upd == nil || upd.Base == nil || upd.Base.Position == nil {
		return false
	}
	for _, obj := range sc.objects {
		if obj.ID != upd.ID {
			continue
		}
		if obj.Base == nil {
			obj.Base = &osi.BaseMoving{}
		}
		next := *upd.Base.Position
		if prev := obj.Base.Position; prev != nil && h > 0 {
			vel := vec{(next.X - prev.X) / h, (next.Y - prev.Y) / h, (next.Z - prev.Z) / h}
			obj.Base.Velocity = &osi.Vector3d{X: vel.X, Y: vel.Y, Z: vel.Z}
			if math.Hypot(vel.X, vel.Y) > 0.1 {
				if obj.Base.Orientation == nil {
					obj.Base.Orientation = &osi.Orientation3d{}
				}
				obj.Base.Orientation.Yaw = math.Atan2(vel.Y, vel.X)
			}
		}
		obj.Base.Position = &next
		sc.driven[obj.ID] = true
		return true
	}
	return false
}

func (sc *scenario) publish(s *signals, t float64) model.Status {
	host := sc.hostID
	sv := &osi.SensorView{
		Timestamp:     osi.Timestamp(t),
		HostVehicleID: &host,
		GlobalGroundTruth: &osi.GroundTruth{
			Timestamp:     osi.Timestamp(t),
			HostVehicleID: &host,
			MovingObjects: sc.objects,
		},
	}
	buf, err := sv.Marshal()
	if err != nil {
		return model.StatusError
	}
	sc.viewOut.write(s, sc.mem.Publish(sc.producer, buf).Pointer())
	return model.StatusOK
}

// driveController reads a SensorView, drives the host vehicle towards a
// target speed while keeping its initial heading, slows down behind a
// leading object, and republishes the view it acted on.
type driveController struct {
	mem      bridge.Memory
	producer string

	viewIn, viewOut           pointerRefs
	throttle, brake, steering unit.Ref

	targetSpeed, speedGain, headingGain, followDistance unit.Ref

	heading    float64
	hasHeading bool
}

func (dc *driveController) declare(s *signals) {
	dc.viewIn = declarePointer(s, "OSI_SensorView_In_", wiring.LayoutFlat)
	dc.viewOut = declarePointer(s, "OSI_SensorView_Out_", wiring.LayoutFlat)
	dc.throttle = s.real("Throttle", 0)
	dc.brake = s.real("Brake", 0)
	dc.steering = s.real("Steering", 0)
	dc.targetSpeed = s.real("target_speed", 10)
	dc.speedGain = s.real("speed_gain", 0.5)
	dc.headingGain = s.real("heading_gain", 1)
	dc.followDistance = s.real("follow_distance", 30)
}

func (dc *driveController) start(s *signals, _ float64) model.Status {
	if dc.mem == nil {
		return model.StatusFatal
	}
	dc.hasHeading = false
	dc.viewOut.write(s, bridge.Pointer{})
	return model.StatusOK
}

func (dc *driveController) step(s *signals, _, _ float64) model.Status {
	ptr := dc.viewIn.read(s)
	if ptr.Empty() {
		s.setF(dc.throttle, 0)
		s.setF(dc.brake, 0)
		s.setF(dc.steering, 0)
		return model.StatusOK
	}
	buf, err := dc.mem.Borrow(ptr.Addr(), ptr.Size)
	if err != nil {
		return model.StatusError
	}
	sv, err := osi.DecodeSensorView(buf)
	if err != nil {
		return model.StatusError
	}
	ego := sv.HostVehicle()
	if ego == nil || ego.Base == nil || ego.Base.Position == nil {
		return model.StatusWarning
	}

	yaw := 0.0
	if ego.Base.Orientation != nil {
		yaw = ego.Base.Orientation.Yaw
	}
	if !dc.hasHeading {
		dc.heading, dc.hasHeading = yaw, true
	}
	speed := 0.0
	if v := ego.Base.Velocity; v != nil {
		speed = vec{v.X, v.Y, v.Z}.norm()
	}

	target := s.f(dc.targetSpeed)
	if lead, gap, ok := leadObject(sv, ego, yaw); ok {
		if follow := s.f(dc.followDistance); follow > 0 && gap < follow {
			leadSpeed := 0.0
			if v := lead.Base.Velocity; v != nil {
				leadSpeed = vec{v.X, v.Y, v.Z}.norm()
			}
			target = math.Min(target, leadSpeed*gap/follow)
		}
	}

	throttle, braking := speedControl(target-speed, s.f(dc.speedGain))
	s.setF(dc.throttle, throttle)
	s.setF(dc.brake, braking)
	s.setF(dc.steering, clamp(s.f(dc.headingGain)*wrapAngle(dc.heading-yaw), -1, 1))

	out, err := sv.Marshal()
	if err != nil {
		return model.StatusError
	}
	dc.viewOut.write(s, dc.mem.Publish(dc.producer, out).Pointer())
	return model.StatusOK
}

// leadObject returns the closest object ahead of ego along yaw.
func leadObject(sv *osi.SensorView, ego *osi.MovingObject, yaw float64) (*osi.MovingObject, float64, bool) {
	if sv.GlobalGroundTruth == nil {
		return nil, 0, false
	}
	dir := vec{math.Cos(yaw), math.Sin(yaw), 0}
	var best *osi.MovingObject
	bestGap := math.Inf(1)
	for _, obj := range sv.GlobalGroundTruth.MovingObjects {
		if obj == ego || obj.ID == ego.ID || obj.Base == nil || obj.Base.Position == nil {
			continue
		}
		d := vec{obj.Base.Position.X - ego.Base.Position.X, obj.Base.Position.Y - ego.Base.Position.Y, 0}
		ahead := d.X*dir.X + d.Y*dir.Y
		if ahead <= 0 || ahead >= bestGap {
			continue
		}
		best, bestGap = obj, ahead
	}
	return best, bestGap, best != nil
}
