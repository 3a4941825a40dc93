package scenario

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/vehicle-cosim/ensemble"
	"github.com/signalsfoundry/vehicle-cosim/internal/bridge"
	"github.com/signalsfoundry/vehicle-cosim/internal/config"
	"github.com/signalsfoundry/vehicle-cosim/internal/feedback"
	"github.com/signalsfoundry/vehicle-cosim/internal/wiring"
	"github.com/signalsfoundry/vehicle-cosim/model"
)

// BuildTable converts configured wires into an exchange table, keeping
// declaration order.
func BuildTable(name string, wires []config.Wire, mem bridge.Memory) (*wiring.Table, error) {
	t := wiring.NewTable(name)
	for i, w := range wires {
		entry, err := transfer(w, mem)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", name, i, err)
		}
		t.Add(entry)
	}
	return t, nil
}

// ErrNotFine is returned when a sub-step entry touches a coarse unit.
var ErrNotFine = errors.New("unit is not in group fine")

// BuildFineTable builds the sub-step table. Every endpoint naming a unit of
// ens must name a fine one.
func BuildFineTable(wires []config.Wire, mem bridge.Memory, ens *ensemble.Ensemble) (*wiring.Table, error) {
	for i, w := range wires {
		for _, s := range append([]string{w.From}, w.To...) {
			ep, err := wiring.ParseEndpoint(s)
			if err != nil {
				return nil, fmt.Errorf("fine[%d]: %w", i, err)
			}
			if m, ok := ens.Member(ep.Unit); ok && m.Group != model.GroupFine {
				return nil, fmt.Errorf("fine[%d]: %w: %q", i, ErrNotFine, ep.Unit)
			}
		}
	}
	return BuildTable("fine", wires, mem)
}

func transfer(w config.Wire, mem bridge.Memory) (wiring.Transfer, error) {
	from, err := wiring.ParseEndpoint(w.From)
	if err != nil {
		return nil, err
	}
	to := make([]wiring.Endpoint, 0, len(w.To))
	for _, s := range w.To {
		ep, err := wiring.ParseEndpoint(s)
		if err != nil {
			return nil, err
		}
		to = append(to, ep)
	}

	switch w.Type {
	case "", config.WireScalar:
		kind, err := model.ParseKind(w.Kind)
		if err != nil {
			return nil, err
		}
		return &wiring.Binding{From: from, To: to, Kind: kind}, nil
	case config.WireVec3:
		return wiring.Vec3(from, to...), nil
	case config.WireQuat:
		return wiring.Quat(from, to...), nil
	case config.WireMessage:
		fromLayout, err := wiring.ParseLayout(w.FromLayout)
		if err != nil {
			return nil, err
		}
		toLayout, err := wiring.ParseLayout(w.ToLayout)
		if err != nil {
			return nil, err
		}
		return &wiring.MessageBinding{
			From:       from,
			FromLayout: fromLayout,
			To:         to,
			ToLayout:   toLayout,
			Memory:     mem,
		}, nil
	}
	return nil, fmt.Errorf("unknown wire type %q", w.Type)
}

func source(endpoint, layout string) (feedback.Source, error) {
	ep, err := wiring.ParseEndpoint(endpoint)
	if err != nil {
		return feedback.Source{}, err
	}
	l, err := wiring.ParseLayout(layout)
	if err != nil {
		return feedback.Source{}, err
	}
	return feedback.Source{Endpoint: ep, Layout: l}, nil
}
