// Package osi encodes and decodes the subset of ASAM OSI v3 messages the
// orchestrator inspects or constructs. The encoding is protobuf wire
// compatible; fields outside the subset are carried through untouched.
package osi

import (
	"math"

	"google.golang.org/protobuf/types/known/timestamppb"
)

type Vector3d struct {
	X, Y, Z float64

	unknown []byte
}

type Orientation3d struct {
	Roll, Pitch, Yaw float64

	unknown []byte
}

type Dimension3d struct {
	Length, Width, Height float64

	unknown []byte
}

// BaseMoving is the kinematic state of a moving object.
type BaseMoving struct {
	Dimension   *Dimension3d
	Position    *Vector3d
	Orientation *Orientation3d
	Velocity    *Vector3d

	unknown []byte
}

// MovingObject is one vehicle, pedestrian or animal in the ground truth.
type MovingObject struct {
	ID   uint64
	Base *BaseMoving

	idUnknown []byte
	unknown   []byte
}

// GroundTruth is the simulated world at one instant.
type GroundTruth struct {
	Timestamp     *timestamppb.Timestamp
	HostVehicleID *uint64
	MovingObjects []*MovingObject

	hostIDUnknown []byte
	unknown       []byte
}

// SensorView is what a scenario engine hands to sensor and driver models.
type SensorView struct {
	Timestamp         *timestamppb.Timestamp
	GlobalGroundTruth *GroundTruth
	HostVehicleID     *uint64

	hostIDUnknown []byte
	unknown       []byte
}

// TrafficUpdate feeds externally computed object states back to a scenario
// engine.
type TrafficUpdate struct {
	Timestamp *timestamppb.Timestamp
	Updates   []*MovingObject

	unknown []byte
}

// Timestamp converts simulation seconds to an OSI timestamp.
func Timestamp(t float64) *timestamppb.Timestamp {
	sec := math.Floor(t)
	nanos := int32(math.Round((t - sec) * 1e9))
	if nanos >= 1e9 {
		sec++
		nanos -= 1e9
	}
	return &timestamppb.Timestamp{Seconds: int64(sec), Nanos: nanos}
}

// Seconds converts an OSI timestamp back to simulation seconds. A nil
// timestamp is zero.
func Seconds(ts *timestamppb.Timestamp) float64 {
	if ts == nil {
		return 0
	}
	return float64(ts.GetSeconds()) + float64(ts.GetNanos())/1e9
}

// FirstMovingObject returns the first moving object of the view's ground
// truth, or nil.
func (sv *SensorView) FirstMovingObject() *MovingObject {
	if sv == nil || sv.GlobalGroundTruth == nil || len(sv.GlobalGroundTruth.MovingObjects) == 0 {
		return nil
	}
	return sv.GlobalGroundTruth.MovingObjects[0]
}

// HostVehicle returns the moving object whose id matches the host vehicle id
// of the view or of its ground truth, falling back to the first object.
func (sv *SensorView) HostVehicle() *MovingObject {
	if sv == nil || sv.GlobalGroundTruth == nil {
		return nil
	}
	id := sv.HostVehicleID
	if id == nil {
		id = sv.GlobalGroundTruth.HostVehicleID
	}
	if id != nil {
		if obj := sv.GlobalGroundTruth.Find(*id); obj != nil {
			return obj
		}
	}
	return sv.FirstMovingObject()
}

// Find returns the moving object with the given id, or nil.
func (gt *GroundTruth) Find(id uint64) *MovingObject {
	if gt == nil {
		return nil
	}
	for _, obj := range gt.MovingObjects {
		if obj != nil && obj.ID == id {
			return obj
		}
	}
	return nil
}

// Clone returns a deep copy of the object, including unknown fields.
func (m *MovingObject) Clone() *MovingObject {
	if m == nil {
		return nil
	}
	out := &MovingObject{ID: m.ID, idUnknown: cloneBytes(m.idUnknown), unknown: cloneBytes(m.unknown)}
	if m.Base != nil {
		b := *m.Base
		b.unknown = cloneBytes(m.Base.unknown)
		if m.Base.Dimension != nil {
			d := *m.Base.Dimension
			d.unknown = cloneBytes(d.unknown)
			b.Dimension = &d
		}
		if m.Base.Position != nil {
			p := *m.Base.Position
			p.unknown = cloneBytes(p.unknown)
			b.Position = &p
		}
		if m.Base.Orientation != nil {
			o := *m.Base.Orientation
			o.unknown = cloneBytes(o.unknown)
			b.Orientation = &o
		}
		if m.Base.Velocity != nil {
			v := *m.Base.Velocity
			v.unknown = cloneBytes(v.unknown)
			b.Velocity = &v
		}
		out.Base = &b
	}
	return out
}

// SetPosition overwrites base.position, creating base as needed.
func (m *MovingObject) SetPosition(x, y, z float64) {
	if m.Base == nil {
		m.Base = &BaseMoving{}
	}
	if m.Base.Position == nil {
		m.Base.Position = &Vector3d{}
	}
	m.Base.Position.X, m.Base.Position.Y, m.Base.Position.Z = x, y, z
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
