package units

import (
	"math"

	"github.com/signalsfoundry/vehicle-cosim/internal/unit"
	"github.com/signalsfoundry/vehicle-cosim/model"
)

const gravity = 9.81

// WheelIDs are the signal prefixes of the four vehicle wheels.
var WheelIDs = [4]string{"wheel_FL", "wheel_FR", "wheel_RL", "wheel_RR"}

type wheelRefs struct {
	pos, linVel, angVel  [3]unit.Ref
	rot                  [4]unit.Ref
	point, force, moment [3]unit.Ref
}

type frameRefs struct {
	pos, posDt [3]unit.Ref
	rot, rotDt [4]unit.Ref
}

func declareFrame(s *signals, prefix string) frameRefs {
	return frameRefs{
		pos:   s.vec3(prefix + ".pos"),
		rot:   s.quat(prefix + ".rot"),
		posDt: s.vec3(prefix + ".pos_dt"),
		rotDt: s.quat(prefix + ".rot_dt"),
	}
}

// vehicle is a planar single-track chassis driven through its rear wheels.
// Tire forces arrive in world coordinates and are projected on the heading.
type vehicle struct {
	steering, throttle, braking, shaftTorque, shaftSpeed unit.Ref
	initLoc                                              [3]unit.Ref
	initYaw                                              unit.Ref
	frame                                                frameRefs
	wheels                                               [4]wheelRefs

	mass, wheelbase, track, radius, inertia, maxSteer, finalDrive, maxBrake, drag unit.Ref

	pos     vec
	yaw     float64
	speed   float64
	yawRate float64
	omega   [4]float64
}

func (v *vehicle) declare(s *signals) {
	v.steering = s.real("steering", 0)
	v.throttle = s.real("throttle", 0)
	v.braking = s.real("braking", 0)
	v.shaftTorque = s.real("driveshaft_torque", 0)
	v.shaftSpeed = s.real("driveshaft_speed", 0)
	v.initLoc = s.vec3("init_loc")
	v.initYaw = s.real("init_yaw", 0)
	v.frame = declareFrame(s, "ref_frame")
	for i, id := range WheelIDs {
		v.wheels[i] = wheelRefs{
			pos:    s.vec3(id + ".pos"),
			rot:    s.quat(id + ".rot"),
			linVel: s.vec3(id + ".lin_vel"),
			angVel: s.vec3(id + ".ang_vel"),
			point:  s.vec3(id + ".point"),
			force:  s.vec3(id + ".force"),
			moment: s.vec3(id + ".moment"),
		}
	}

	v.mass = s.real("mass", 1500)
	v.wheelbase = s.real("wheelbase", 2.8)
	v.track = s.real("track", 1.6)
	v.radius = s.real("wheel_radius", 0.35)
	v.inertia = s.real("wheel_inertia", 1.2)
	v.maxSteer = s.real("max_steering_angle", 0.6)
	v.finalDrive = s.real("final_drive_ratio", 3.5)
	v.maxBrake = s.real("max_brake_torque", 1500)
	v.drag = s.real("drag_coefficient", 0.4)
}

func (v *vehicle) start(s *signals, _ float64) model.Status {
	v.pos = s.readVec(v.initLoc)
	v.yaw = s.f(v.initYaw)
	v.speed, v.yawRate = 0, 0
	v.omega = [4]float64{}
	v.publish(s)
	return model.StatusOK
}

func (v *vehicle) step(s *signals, _, h float64) model.Status {
	mass, r, inertia := s.f(v.mass), s.f(v.radius), s.f(v.inertia)
	if mass <= 0 || r <= 0 || inertia <= 0 {
		return model.StatusError
	}
	heading := vec{math.Cos(v.yaw), math.Sin(v.yaw), 0}
	drive := s.f(v.shaftTorque) * s.f(v.finalDrive) / 2
	brake := clamp(s.f(v.braking), 0, 1) * s.f(v.maxBrake)

	total := 0.0
	for i := range v.wheels {
		f := s.readVec(v.wheels[i].force)
		fx := f.X*heading.X + f.Y*heading.Y + f.Z*heading.Z
		total += fx

		torque := -fx * r
		if i >= 2 {
			torque += drive
		}
		w := v.omega[i]
		if w > 0 {
			torque -= brake
		} else if w < 0 {
			torque += brake
		}
		next := w + h*torque/inertia
		if brake > 0 && w*next < 0 {
			next = 0
		}
		v.omega[i] = next
	}

	v.speed += h * (total - s.f(v.drag)*v.speed*math.Abs(v.speed)) / mass
	if v.speed < 0 {
		v.speed = 0
	}
	angle := clamp(s.f(v.steering), -1, 1) * s.f(v.maxSteer)
	v.yawRate = 0
	if wb := s.f(v.wheelbase); wb > 0 {
		v.yawRate = v.speed * math.Tan(angle) / wb
	}
	v.yaw += v.yawRate * h
	v.pos = v.pos.add(vec{math.Cos(v.yaw), math.Sin(v.yaw), 0}.scale(v.speed * h))
	v.publish(s)
	return model.StatusOK
}

func (v *vehicle) publish(s *signals) {
	q := yawQuat(v.yaw)
	heading := vec{math.Cos(v.yaw), math.Sin(v.yaw), 0}
	vel := heading.scale(v.speed)
	s.writeVec(v.frame.pos, v.pos)
	s.writeQuat(v.frame.rot, q)
	s.writeVec(v.frame.posDt, vel)
	s.writeQuat(v.frame.rotDt, [4]float64{-0.5 * v.yawRate * q[3], 0, 0, 0.5 * v.yawRate * q[0]})
	s.setF(v.shaftSpeed, (v.omega[2]+v.omega[3])/2*s.f(v.finalDrive))

	r := s.f(v.radius)
	halfBase, halfTrack := s.f(v.wheelbase)/2, s.f(v.track)/2
	offsets := [4]vec{{halfBase, halfTrack, r}, {halfBase, -halfTrack, r}, {-halfBase, halfTrack, r}, {-halfBase, -halfTrack, r}}
	steer := clamp(s.f(v.steering), -1, 1) * s.f(v.maxSteer)
	for i, w := range v.wheels {
		yaw := v.yaw
		if i < 2 {
			yaw += steer
		}
		s.writeVec(w.pos, v.pos.add(rotateZ(offsets[i], v.yaw)))
		s.writeQuat(w.rot, yawQuat(yaw))
		s.writeVec(w.linVel, vel)
		s.writeVec(w.angVel, rotateZ(vec{0, v.omega[i], 0}, yaw))
	}
}

// powertrain maps throttle to driveshaft torque with a linear torque
// fall-off towards the maximum shaft speed.
type powertrain struct {
	throttle, shaftSpeed, shaftTorque unit.Ref
	maxTorque, maxSpeed, friction     unit.Ref
}

func (p *powertrain) declare(s *signals) {
	p.throttle = s.real("throttle", 0)
	p.shaftSpeed = s.real("driveshaft_speed", 0)
	p.shaftTorque = s.real("driveshaft_torque", 0)
	p.maxTorque = s.real("max_torque", 400)
	p.maxSpeed = s.real("max_shaft_speed", 600)
	p.friction = s.real("friction_coefficient", 0.05)
}

func (p *powertrain) start(s *signals, _ float64) model.Status {
	s.setF(p.shaftTorque, 0)
	return model.StatusOK
}

func (p *powertrain) step(s *signals, _, _ float64) model.Status {
	speed := s.f(p.shaftSpeed)
	maxSpeed := s.f(p.maxSpeed)
	if maxSpeed <= 0 {
		return model.StatusError
	}
	available := s.f(p.maxTorque) * math.Max(0, 1-math.Abs(speed)/maxSpeed)
	s.setF(p.shaftTorque, clamp(s.f(p.throttle), 0, 1)*available-s.f(p.friction)*speed)
	return model.StatusOK
}

// tire produces a longitudinal contact force from the slip between wheel
// spin and ground speed, plus the normal load along the terrain normal.
type tire struct {
	pos, linVel, angVel  [3]unit.Ref
	rot                  [4]unit.Ref
	height, mu           unit.Ref
	normal               [3]unit.Ref
	point, force, moment [3]unit.Ref
	query                [3]unit.Ref

	radius, load, stiffness unit.Ref
}

func (t *tire) declare(s *signals) {
	t.pos = s.vec3("wheel_state.pos")
	t.rot = s.quat("wheel_state.rot")
	t.linVel = s.vec3("wheel_state.lin_vel")
	t.angVel = s.vec3("wheel_state.ang_vel")
	t.height = s.real("terrain_height", 0)
	t.mu = s.real("terrain_mu", 0.8)
	t.normal = s.vec3("terrain_normal")
	s.setF(t.normal[2], 1)
	t.point = s.vec3("wheel_load.point")
	t.force = s.vec3("wheel_load.force")
	t.moment = s.vec3("wheel_load.moment")
	t.query = s.vec3("query_point")

	t.radius = s.real("wheel_radius", 0.35)
	t.load = s.real("normal_load", 1500*gravity/4)
	t.stiffness = s.real("slip_stiffness", 8)
}

func (t *tire) start(s *signals, _ float64) model.Status {
	t.contact(s, 0)
	return model.StatusOK
}

func (t *tire) step(s *signals, _, _ float64) model.Status {
	yaw := quatYaw(s.readQuat(t.rot))
	dir := vec{math.Cos(yaw), math.Sin(yaw), 0}
	lat := vec{-math.Sin(yaw), math.Cos(yaw), 0}
	v := s.readVec(t.linVel)
	w := s.readVec(t.angVel)
	vx := v.X*dir.X + v.Y*dir.Y
	omega := w.X*lat.X + w.Y*lat.Y
	r := s.f(t.radius)

	fx := 0.0
	center := s.readVec(t.pos)
	if center.Z-r-s.f(t.height) <= 0.05 {
		slip := (omega*r - vx) / math.Max(math.Abs(vx), 1)
		fx = s.f(t.mu) * s.f(t.load) * math.Tanh(s.f(t.stiffness)*slip)
	}
	t.contact(s, fx)
	s.writeVec(t.moment, lat.scale(-fx*r))
	return model.StatusOK
}

func (t *tire) contact(s *signals, fx float64) {
	center := s.readVec(t.pos)
	r := s.f(t.radius)
	yaw := quatYaw(s.readQuat(t.rot))
	dir := vec{math.Cos(yaw), math.Sin(yaw), 0}
	n := s.readVec(t.normal)
	if l := n.norm(); l > 0 {
		n = n.scale(1 / l)
	} else {
		n = vec{0, 0, 1}
	}
	s.writeVec(t.point, vec{center.X, center.Y, s.f(t.height)})
	s.writeVec(t.force, dir.scale(fx).add(n.scale(s.f(t.load))))
	s.writeVec(t.query, vec{center.X, center.Y, center.Z - r})
}

// terrain is a tilted plane with uniform friction.
type terrain struct {
	query, normal                        [3]unit.Ref
	height, mu                           unit.Ref
	baseHeight, friction, slopeX, slopeY unit.Ref
}

func (t *terrain) declare(s *signals) {
	t.query = s.vec3("query_point")
	t.height = s.real("height", 0)
	t.mu = s.real("mu", 0.8)
	t.normal = s.vec3("normal")
	t.baseHeight = s.real("base_height", 0)
	t.friction = s.real("friction", 0.8)
	t.slopeX = s.real("slope_x", 0)
	t.slopeY = s.real("slope_y", 0)
}

func (t *terrain) start(s *signals, _ float64) model.Status {
	t.evaluate(s)
	return model.StatusOK
}

func (t *terrain) step(s *signals, _, _ float64) model.Status {
	t.evaluate(s)
	return model.StatusOK
}

func (t *terrain) evaluate(s *signals) {
	q := s.readVec(t.query)
	sx, sy := s.f(t.slopeX), s.f(t.slopeY)
	s.setF(t.height, s.f(t.baseHeight)+sx*q.X+sy*q.Y)
	s.setF(t.mu, s.f(t.friction))
	n := vec{-sx, -sy, 1}
	s.writeVec(t.normal, n.scale(1/n.norm()))
}

// driver holds a target speed along its initial heading.
type driver struct {
	steering, throttle, braking unit.Ref
	initLoc                     [3]unit.Ref
	initYaw                     unit.Ref
	frame                       frameRefs

	targetSpeed, speedGain, headingGain unit.Ref
}

func (d *driver) declare(s *signals) {
	d.steering = s.real("steering", 0)
	d.throttle = s.real("throttle", 0)
	d.braking = s.real("braking", 0)
	d.initLoc = s.vec3("init_loc")
	d.initYaw = s.real("init_yaw", 0)
	d.frame = declareFrame(s, "ref_frame")
	d.targetSpeed = s.real("target_speed", 10)
	d.speedGain = s.real("speed_gain", 0.5)
	d.headingGain = s.real("heading_gain", 1)
}

func (d *driver) start(s *signals, _ float64) model.Status {
	s.setF(d.throttle, 0)
	s.setF(d.braking, 0)
	s.setF(d.steering, 0)
	return model.StatusOK
}

func (d *driver) step(s *signals, _, _ float64) model.Status {
	speed := s.readVec(d.frame.posDt).norm()
	throttle, braking := speedControl(s.f(d.targetSpeed)-speed, s.f(d.speedGain))
	s.setF(d.throttle, throttle)
	s.setF(d.braking, braking)
	yaw := quatYaw(s.readQuat(d.frame.rot))
	s.setF(d.steering, clamp(s.f(d.headingGain)*wrapAngle(s.f(d.initYaw)-yaw), -1, 1))
	return model.StatusOK
}

// speedControl splits a proportional speed correction into throttle and
// brake commands in [0, 1].
func speedControl(err, gain float64) (throttle, braking float64) {
	u := gain * err
	return clamp(u, 0, 1), clamp(-u, 0, 1)
}

func wrapAngle(a float64) float64 {
	return math.Remainder(a, 2*math.Pi)
}
