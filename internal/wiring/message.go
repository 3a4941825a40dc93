package wiring

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/vehicle-cosim/internal/bridge"
	"github.com/signalsfoundry/vehicle-cosim/model"
)

// Layout is how a unit names the three integers of a message pointer.
type Layout int

const (
	// LayoutOSMP uses prefix.base.lo, prefix.base.hi and prefix.size.
	LayoutOSMP Layout = iota
	// LayoutFlat uses prefixBaseLo, prefixBaseHi and prefixSize.
	LayoutFlat
)

func (l Layout) String() string {
	if l == LayoutFlat {
		return "flat"
	}
	return "osmp"
}

// ParseLayout maps a configuration string to a Layout. Empty selects osmp.
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "", "osmp":
		return LayoutOSMP, nil
	case "flat":
		return LayoutFlat, nil
	}
	return LayoutOSMP, fmt.Errorf("wiring: unknown pointer layout %q", s)
}

// Names returns the lo, hi and size signal names for prefix.
func (l Layout) Names(prefix string) [3]string {
	if l == LayoutFlat {
		return [3]string{prefix + "BaseLo", prefix + "BaseHi", prefix + "Size"}
	}
	return [3]string{prefix + ".base.lo", prefix + ".base.hi", prefix + ".size"}
}

// ReadPointer pulls a pointer triple. All three reads must succeed.
func ReadPointer(p Port, prefix string, layout Layout) (bridge.Pointer, error) {
	var parts [3]int32
	for i, name := range layout.Names(prefix) {
		v, err := p.GetSignal(name, model.KindInteger)
		if err != nil {
			return bridge.Pointer{}, err
		}
		parts[i] = v.Int
	}
	return bridge.Pointer{Lo: parts[0], Hi: parts[1], Size: parts[2]}, nil
}

// WritePointer pushes a pointer triple.
func WritePointer(p Port, prefix string, layout Layout, ptr bridge.Pointer) error {
	names := layout.Names(prefix)
	vals := [3]int32{ptr.Lo, ptr.Hi, ptr.Size}
	var first error
	for i, name := range names {
		if err := p.SetSignal(name, model.Integer(vals[i])); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// MessageBinding forwards a serialized message between units by passing its
// pointer triple. The payload itself is not touched.
type MessageBinding struct {
	From       Endpoint
	FromLayout Layout
	To         []Endpoint
	ToLayout   Layout

	// Memory, when set, is used to check that a non-empty pointer still
	// refers to a live buffer before it is forwarded.
	Memory bridge.Memory
}

func (b *MessageBinding) Label() string {
	return fmt.Sprintf("%s[%s] -> %d message sink(s)[%s]", b.From, b.FromLayout, len(b.To), b.ToLayout)
}

func (b *MessageBinding) Exchange(_ context.Context, r Resolver) error {
	src, err := port(r, b.From.Unit)
	if err != nil {
		return err
	}
	ptr, err := ReadPointer(src, b.From.Name, b.FromLayout)
	if err != nil {
		return err
	}
	if b.Memory != nil && !ptr.Empty() {
		if _, err := b.Memory.Borrow(ptr.Addr(), ptr.Size); err != nil {
			return fmt.Errorf("message from %s: %w", b.From, err)
		}
	}
	return pushAll(r, b.To, func(p Port, dst Endpoint) error {
		return WritePointer(p, dst.Name, b.ToLayout, ptr)
	})
}
