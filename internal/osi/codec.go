package osi

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ErrDecode marks a buffer that carried no usable message this step.
var ErrDecode = errors.New("osi: message decode failed")

// DecodeError reports which message could not be parsed. It matches ErrDecode
// under errors.Is.
type DecodeError struct {
	Message string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("osi: decode %s", e.Message)
	}
	return fmt.Sprintf("osi: decode %s: %v", e.Message, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

var errEmpty = errors.New("empty buffer")

// field handler: consumes the value of a recognised field from b and returns
// how many bytes it used. ok=false leaves the field to be kept as unknown.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (n int, ok bool, err error)

func walk(b []byte, fn fieldFunc) ([]byte, error) {
	var unknown []byte
	for len(b) > 0 {
		start := b
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		m, ok, err := fn(num, typ, b)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", num, err)
		}
		if !ok {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			unknown = append(unknown, start[:n+m]...)
		}
		b = b[m:]
	}
	return unknown, nil
}

func consumeDouble(typ protowire.Type, b []byte, dst *float64) (int, bool, error) {
	if typ != protowire.Fixed64Type {
		return 0, false, nil
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, false, protowire.ParseError(n)
	}
	*dst = math.Float64frombits(v)
	return n, true, nil
}

func consumeMessage(typ protowire.Type, b []byte, decode func([]byte) error) (int, bool, error) {
	if typ != protowire.BytesType {
		return 0, false, nil
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, false, protowire.ParseError(n)
	}
	if err := decode(v); err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func consumeTimestamp(typ protowire.Type, b []byte, dst **timestamppb.Timestamp) (int, bool, error) {
	return consumeMessage(typ, b, func(v []byte) error {
		ts := &timestamppb.Timestamp{}
		if err := proto.Unmarshal(v, ts); err != nil {
			return err
		}
		*dst = ts
		return nil
	})
}

// Identifier is a message with a single uint64 value. Any other fields it
// carries land in extra.
func consumeIdentifier(typ protowire.Type, b []byte, dst *uint64, extra *[]byte) (int, bool, error) {
	return consumeMessage(typ, b, func(v []byte) error {
		var err error
		*extra, err = walk(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
			if num != 1 || typ != protowire.VarintType {
				return 0, false, nil
			}
			id, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, false, protowire.ParseError(n)
			}
			*dst = id
			return n, true, nil
		})
		return err
	})
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendIdentifier(b []byte, num protowire.Number, id uint64, extra []byte) []byte {
	body := protowire.AppendTag(nil, 1, protowire.VarintType)
	body = protowire.AppendVarint(body, id)
	return appendMessage(b, num, append(body, extra...))
}

func appendTimestamp(b []byte, num protowire.Number, ts *timestamppb.Timestamp) ([]byte, error) {
	if ts == nil {
		return b, nil
	}
	body, err := proto.MarshalOptions{Deterministic: true}.Marshal(ts)
	if err != nil {
		return nil, err
	}
	return appendMessage(b, num, body), nil
}

// ---- leaf messages ----

func (v *Vector3d) decode(b []byte) error {
	var err error
	v.unknown, err = walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		switch num {
		case 1:
			return consumeDouble(typ, b, &v.X)
		case 2:
			return consumeDouble(typ, b, &v.Y)
		case 3:
			return consumeDouble(typ, b, &v.Z)
		}
		return 0, false, nil
	})
	return err
}

func (v *Vector3d) append(b []byte) []byte {
	b = appendDouble(b, 1, v.X)
	b = appendDouble(b, 2, v.Y)
	b = appendDouble(b, 3, v.Z)
	return append(b, v.unknown...)
}

func (o *Orientation3d) decode(b []byte) error {
	var err error
	o.unknown, err = walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		switch num {
		case 1:
			return consumeDouble(typ, b, &o.Roll)
		case 2:
			return consumeDouble(typ, b, &o.Pitch)
		case 3:
			return consumeDouble(typ, b, &o.Yaw)
		}
		return 0, false, nil
	})
	return err
}

func (o *Orientation3d) append(b []byte) []byte {
	b = appendDouble(b, 1, o.Roll)
	b = appendDouble(b, 2, o.Pitch)
	b = appendDouble(b, 3, o.Yaw)
	return append(b, o.unknown...)
}

func (d *Dimension3d) decode(b []byte) error {
	var err error
	d.unknown, err = walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		switch num {
		case 1:
			return consumeDouble(typ, b, &d.Length)
		case 2:
			return consumeDouble(typ, b, &d.Width)
		case 3:
			return consumeDouble(typ, b, &d.Height)
		}
		return 0, false, nil
	})
	return err
}

func (d *Dimension3d) append(b []byte) []byte {
	b = appendDouble(b, 1, d.Length)
	b = appendDouble(b, 2, d.Width)
	b = appendDouble(b, 3, d.Height)
	return append(b, d.unknown...)
}

// ---- objects ----

func (m *BaseMoving) decode(b []byte) error {
	var err error
	m.unknown, err = walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, func(v []byte) error {
				m.Dimension = &Dimension3d{}
				return m.Dimension.decode(v)
			})
		case 2:
			return consumeMessage(typ, b, func(v []byte) error {
				m.Position = &Vector3d{}
				return m.Position.decode(v)
			})
		case 3:
			return consumeMessage(typ, b, func(v []byte) error {
				m.Orientation = &Orientation3d{}
				return m.Orientation.decode(v)
			})
		case 4:
			return consumeMessage(typ, b, func(v []byte) error {
				m.Velocity = &Vector3d{}
				return m.Velocity.decode(v)
			})
		}
		return 0, false, nil
	})
	return err
}

func (m *BaseMoving) append(b []byte) []byte {
	if m.Dimension != nil {
		b = appendMessage(b, 1, m.Dimension.append(nil))
	}
	if m.Position != nil {
		b = appendMessage(b, 2, m.Position.append(nil))
	}
	if m.Orientation != nil {
		b = appendMessage(b, 3, m.Orientation.append(nil))
	}
	if m.Velocity != nil {
		b = appendMessage(b, 4, m.Velocity.append(nil))
	}
	return append(b, m.unknown...)
}

func (m *MovingObject) decode(b []byte) error {
	var err error
	m.unknown, err = walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		switch num {
		case 1:
			return consumeIdentifier(typ, b, &m.ID, &m.idUnknown)
		case 2:
			return consumeMessage(typ, b, func(v []byte) error {
				m.Base = &BaseMoving{}
				return m.Base.decode(v)
			})
		}
		return 0, false, nil
	})
	return err
}

func (m *MovingObject) append(b []byte) []byte {
	b = appendIdentifier(b, 1, m.ID, m.idUnknown)
	if m.Base != nil {
		b = appendMessage(b, 2, m.Base.append(nil))
	}
	return append(b, m.unknown...)
}

func (gt *GroundTruth) decode(b []byte) error {
	var err error
	gt.unknown, err = walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		switch num {
		case 2:
			return consumeTimestamp(typ, b, &gt.Timestamp)
		case 3:
			var id uint64
			n, ok, err := consumeIdentifier(typ, b, &id, &gt.hostIDUnknown)
			if ok {
				gt.HostVehicleID = &id
			}
			return n, ok, err
		case 5:
			return consumeMessage(typ, b, func(v []byte) error {
				obj := &MovingObject{}
				if err := obj.decode(v); err != nil {
					return err
				}
				gt.MovingObjects = append(gt.MovingObjects, obj)
				return nil
			})
		}
		return 0, false, nil
	})
	return err
}

func (gt *GroundTruth) append(b []byte) ([]byte, error) {
	b, err := appendTimestamp(b, 2, gt.Timestamp)
	if err != nil {
		return nil, err
	}
	if gt.HostVehicleID != nil {
		b = appendIdentifier(b, 3, *gt.HostVehicleID, gt.hostIDUnknown)
	}
	for _, obj := range gt.MovingObjects {
		if obj == nil {
			continue
		}
		b = appendMessage(b, 5, obj.append(nil))
	}
	return append(b, gt.unknown...), nil
}

// ---- top-level messages ----

// DecodeSensorView parses a serialized osi3.SensorView.
func DecodeSensorView(b []byte) (*SensorView, error) {
	if len(b) == 0 {
		return nil, &DecodeError{Message: "SensorView", Err: errEmpty}
	}
	sv := &SensorView{}
	var err error
	sv.unknown, err = walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		switch num {
		case 2:
			return consumeTimestamp(typ, b, &sv.Timestamp)
		case 7:
			return consumeMessage(typ, b, func(v []byte) error {
				sv.GlobalGroundTruth = &GroundTruth{}
				return sv.GlobalGroundTruth.decode(v)
			})
		case 8:
			var id uint64
			n, ok, err := consumeIdentifier(typ, b, &id, &sv.hostIDUnknown)
			if ok {
				sv.HostVehicleID = &id
			}
			return n, ok, err
		}
		return 0, false, nil
	})
	if err != nil {
		return nil, &DecodeError{Message: "SensorView", Err: err}
	}
	return sv, nil
}

// Marshal serializes the view. Known fields are written in field-number
// order followed by any preserved unknown fields.
func (sv *SensorView) Marshal() ([]byte, error) {
	b, err := appendTimestamp(nil, 2, sv.Timestamp)
	if err != nil {
		return nil, err
	}
	if sv.GlobalGroundTruth != nil {
		body, err := sv.GlobalGroundTruth.append(nil)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, 7, body)
	}
	if sv.HostVehicleID != nil {
		b = appendIdentifier(b, 8, *sv.HostVehicleID, sv.hostIDUnknown)
	}
	return append(b, sv.unknown...), nil
}

// DecodeTrafficUpdate parses a serialized osi3.TrafficUpdate.
func DecodeTrafficUpdate(b []byte) (*TrafficUpdate, error) {
	if len(b) == 0 {
		return nil, &DecodeError{Message: "TrafficUpdate", Err: errEmpty}
	}
	tu := &TrafficUpdate{}
	var err error
	tu.unknown, err = walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		switch num {
		case 2:
			return consumeTimestamp(typ, b, &tu.Timestamp)
		case 3:
			return consumeMessage(typ, b, func(v []byte) error {
				obj := &MovingObject{}
				if err := obj.decode(v); err != nil {
					return err
				}
				tu.Updates = append(tu.Updates, obj)
				return nil
			})
		}
		return 0, false, nil
	})
	if err != nil {
		return nil, &DecodeError{Message: "TrafficUpdate", Err: err}
	}
	return tu, nil
}

// Marshal serializes the update.
func (tu *TrafficUpdate) Marshal() ([]byte, error) {
	b, err := appendTimestamp(nil, 2, tu.Timestamp)
	if err != nil {
		return nil, err
	}
	for _, obj := range tu.Updates {
		if obj == nil {
			continue
		}
		b = appendMessage(b, 3, obj.append(nil))
	}
	return append(b, tu.unknown...), nil
}
