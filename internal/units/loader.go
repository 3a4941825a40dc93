package units

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/signalsfoundry/vehicle-cosim/internal/bridge"
	"github.com/signalsfoundry/vehicle-cosim/internal/unit"
)

// Scheme prefixes the source of every built-in unit.
const Scheme = "builtin://"

var (
	// ErrUnsupportedSource is returned for sources no loader can open.
	ErrUnsupportedSource = errors.New("units: unsupported unit source")
	// ErrUnknownKind is returned for builtin:// sources naming no kind.
	ErrUnknownKind = errors.New("units: unknown builtin kind")
)

type factory func(producer string, mem bridge.Memory) dynamics

var kinds = map[string]factory{
	"counter":    func(string, bridge.Memory) dynamics { return &counter{} },
	"echo":       func(string, bridge.Memory) dynamics { return &echo{} },
	"vehicle":    func(string, bridge.Memory) dynamics { return &vehicle{} },
	"powertrain": func(string, bridge.Memory) dynamics { return &powertrain{} },
	"tire":       func(string, bridge.Memory) dynamics { return &tire{} },
	"terrain":    func(string, bridge.Memory) dynamics { return &terrain{} },
	"driver":     func(string, bridge.Memory) dynamics { return &driver{} },
	"scenario": func(producer string, mem bridge.Memory) dynamics {
		return &scenario{producer: producer, mem: mem}
	},
	"drivecontroller": func(producer string, mem bridge.Memory) dynamics {
		return &driveController{producer: producer, mem: mem}
	},
}

// Kinds lists the built-in kinds in name order.
func Kinds() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New creates a host of the given kind. Message-producing kinds publish
// into mem under the producer name.
func New(kind, producer string, mem bridge.Memory) (unit.Host, error) {
	f, ok := kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return newHost(kind, f(producer, mem)), nil
}

// Describe lists the signals a kind exposes.
func Describe(kind string) ([]Signal, error) {
	h, err := New(kind, "", nil)
	if err != nil {
		return nil, err
	}
	return h.(*host).Signals(), nil
}

// Kind extracts the kind from a builtin:// source.
func Kind(source string) (string, bool) {
	return strings.CutPrefix(source, Scheme)
}

// Loader opens builtin:// sources and hands everything else to External.
type Loader struct {
	Memory   bridge.Memory
	External unit.Loader
}

// Load implements unit.Loader.
func (l *Loader) Load(ctx context.Context, spec unit.Spec) (unit.Host, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kind, ok := Kind(spec.Path)
	if !ok {
		if l.External != nil {
			return l.External.Load(ctx, spec)
		}
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, spec.Path)
	}
	return New(kind, spec.Name, l.Memory)
}
