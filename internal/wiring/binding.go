// Package wiring moves signal values between units once per exchange pass.
// Every entry pulls from its source and pushes to its destinations before the
// next entry runs; there is no iteration to convergence.
package wiring

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/signalsfoundry/vehicle-cosim/model"
)

// ErrUnknownUnit is returned when a binding names a unit the resolver does
// not know.
var ErrUnknownUnit = errors.New("wiring: unknown unit")

// Port is the signal surface of one unit.
type Port interface {
	GetSignal(name string, kind model.Kind) (model.Value, error)
	SetSignal(name string, v model.Value) error
}

// Resolver finds the Port for a unit name.
type Resolver interface {
	Port(unit string) (Port, bool)
}

// Endpoint addresses one signal of one unit.
type Endpoint struct {
	Unit string
	Name string
}

func (e Endpoint) String() string { return e.Unit + "." + e.Name }

// ParseEndpoint splits "unit.signal" at the first dot. Signal names may
// themselves contain dots.
func ParseEndpoint(s string) (Endpoint, error) {
	unit, name, ok := strings.Cut(s, ".")
	if !ok || unit == "" || name == "" {
		return Endpoint{}, fmt.Errorf("wiring: endpoint %q is not of the form unit.signal", s)
	}
	return Endpoint{Unit: unit, Name: name}, nil
}

// Transfer is one entry of a Table.
type Transfer interface {
	// Label identifies the entry in reports and logs.
	Label() string
	// Exchange performs the entry's pull and push. A returned error means
	// the entry was skipped or only partly delivered; it is never fatal.
	Exchange(ctx context.Context, r Resolver) error
}

func port(r Resolver, unit string) (Port, error) {
	p, ok := r.Port(unit)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownUnit, unit)
	}
	return p, nil
}

// Binding copies one scalar signal to one or more destinations.
type Binding struct {
	From Endpoint
	To   []Endpoint
	Kind model.Kind
}

func (b *Binding) Label() string {
	to := make([]string, len(b.To))
	for i, e := range b.To {
		to[i] = e.String()
	}
	return b.From.String() + " -> " + strings.Join(to, ",")
}

func (b *Binding) Exchange(_ context.Context, r Resolver) error {
	src, err := port(r, b.From.Unit)
	if err != nil {
		return err
	}
	v, err := src.GetSignal(b.From.Name, b.Kind)
	if err != nil {
		return err
	}
	return pushAll(r, b.To, func(p Port, dst Endpoint) error {
		return p.SetSignal(dst.Name, v)
	})
}

// pushAll delivers to every destination, continuing past failures.
func pushAll(r Resolver, to []Endpoint, push func(Port, Endpoint) error) error {
	var errs []error
	for _, dst := range to {
		p, err := port(r, dst.Unit)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := push(p, dst); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
