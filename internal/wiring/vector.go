package wiring

import (
	"context"
	"strings"

	"github.com/signalsfoundry/vehicle-cosim/model"
)

var (
	// Vec3Suffixes name the components of a 3-vector.
	Vec3Suffixes = []string{".x", ".y", ".z"}
	// QuatSuffixes name the components of a unit quaternion.
	QuatSuffixes = []string{".e0", ".e1", ".e2", ".e3"}
)

// VectorBinding transfers all components of a vector signal together. From
// and To hold name prefixes; component names are prefix+suffix.
type VectorBinding struct {
	From     Endpoint
	To       []Endpoint
	Suffixes []string
}

// Vec3 binds a 3-vector from one prefix to the given destinations.
func Vec3(from Endpoint, to ...Endpoint) *VectorBinding {
	return &VectorBinding{From: from, To: to, Suffixes: Vec3Suffixes}
}

// Quat binds a quaternion.
func Quat(from Endpoint, to ...Endpoint) *VectorBinding {
	return &VectorBinding{From: from, To: to, Suffixes: QuatSuffixes}
}

func (b *VectorBinding) Label() string {
	to := make([]string, len(b.To))
	for i, e := range b.To {
		to[i] = e.String()
	}
	return b.From.String() + "{" + strings.Join(b.Suffixes, "") + "} -> " + strings.Join(to, ",")
}

// Exchange pulls every component first. If any pull fails nothing is pushed,
// so destinations never see a mix of old and new components.
func (b *VectorBinding) Exchange(_ context.Context, r Resolver) error {
	src, err := port(r, b.From.Unit)
	if err != nil {
		return err
	}
	vals, err := PullVector(src, b.From.Name, b.Suffixes)
	if err != nil {
		return err
	}
	return pushAll(r, b.To, func(p Port, dst Endpoint) error {
		return PushVector(p, dst.Name, b.Suffixes, vals)
	})
}

// PullVector reads prefix+suffix for every suffix as reals.
func PullVector(p Port, prefix string, suffixes []string) ([]float64, error) {
	vals := make([]float64, len(suffixes))
	for i, s := range suffixes {
		v, err := p.GetSignal(prefix+s, model.KindReal)
		if err != nil {
			return nil, err
		}
		vals[i] = v.Real
	}
	return vals, nil
}

// PushVector writes vals to prefix+suffix. Every component is attempted.
func PushVector(p Port, prefix string, suffixes []string, vals []float64) error {
	var first error
	for i, s := range suffixes {
		if err := p.SetSignal(prefix+s, model.Real(vals[i])); err != nil && first == nil {
			first = err
		}
	}
	return first
}
