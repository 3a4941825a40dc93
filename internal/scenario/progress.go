package scenario

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/signalsfoundry/vehicle-cosim/core"
	"github.com/signalsfoundry/vehicle-cosim/internal/config"
	"github.com/signalsfoundry/vehicle-cosim/internal/wiring"
	"github.com/signalsfoundry/vehicle-cosim/model"
)

// Progress prints a one-line vehicle status every Interval simulated
// seconds. Endpoints left empty in the configuration are omitted from the
// line; unreadable ones print as "n/a".
type Progress struct {
	cfg      config.ProgressConfig
	resolver wiring.Resolver
	out      io.Writer
	next     float64
	started  bool
}

func NewProgress(cfg config.ProgressConfig, resolver wiring.Resolver, out io.Writer) *Progress {
	return &Progress{cfg: cfg, resolver: resolver, out: out}
}

func (p *Progress) OnStep(_ context.Context, _ int64, t float64) {
	if p.cfg.Interval <= 0 {
		return
	}
	if !p.started {
		p.next = t
		p.started = true
	}
	// Half a nanosecond of slack absorbs accumulated float error in t.
	if t+5e-10 < p.next {
		return
	}
	for p.next <= t+5e-10 {
		p.next += p.cfg.Interval
	}
	fmt.Fprintln(p.out, p.Line(t))
}

func (p *Progress) OnFinish(_ context.Context, res core.Result) {
	if p.cfg.Interval <= 0 {
		return
	}
	fmt.Fprintf(p.out, "%s after %d steps at t=%.3f\n", res.State, res.Steps, res.FinalTime)
}

// Line renders the status at time t.
func (p *Progress) Line(t float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Time: %7.3f", t)
	if p.cfg.Position != "" {
		if v, err := p.vector(p.cfg.Position); err == nil {
			fmt.Fprintf(&b, "  Pos: (%.2f, %.2f, %.2f)", v[0], v[1], v[2])
		} else {
			b.WriteString("  Pos: n/a")
		}
	}
	if p.cfg.Velocity != "" {
		if v, err := p.vector(p.cfg.Velocity); err == nil {
			fmt.Fprintf(&b, "  Speed: %.2f", math.Sqrt(v[0]*v[0]+v[1]*v[1]+v[2]*v[2]))
		} else {
			b.WriteString("  Speed: n/a")
		}
	}
	for _, f := range []struct{ label, ep string }{
		{"Throttle", p.cfg.Throttle},
		{"Brake", p.cfg.Brake},
		{"Steering", p.cfg.Steering},
	} {
		if f.ep == "" {
			continue
		}
		if v, err := p.scalar(f.ep); err == nil {
			fmt.Fprintf(&b, "  %s: %.3f", f.label, v)
		} else {
			fmt.Fprintf(&b, "  %s: n/a", f.label)
		}
	}
	return b.String()
}

func (p *Progress) port(s string) (wiring.Port, wiring.Endpoint, error) {
	ep, err := wiring.ParseEndpoint(s)
	if err != nil {
		return nil, ep, err
	}
	port, ok := p.resolver.Port(ep.Unit)
	if !ok {
		return nil, ep, fmt.Errorf("%w: %q", wiring.ErrUnknownUnit, ep.Unit)
	}
	return port, ep, nil
}

func (p *Progress) vector(s string) ([]float64, error) {
	port, ep, err := p.port(s)
	if err != nil {
		return nil, err
	}
	return wiring.PullVector(port, ep.Name, wiring.Vec3Suffixes)
}

func (p *Progress) scalar(s string) (float64, error) {
	port, ep, err := p.port(s)
	if err != nil {
		return 0, err
	}
	v, err := port.GetSignal(ep.Name, model.KindReal)
	if err != nil {
		return 0, err
	}
	return v.Float(), nil
}
