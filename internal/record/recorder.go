package record

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/vehicle-cosim/core"
	"github.com/signalsfoundry/vehicle-cosim/internal/logging"
	"github.com/signalsfoundry/vehicle-cosim/internal/wiring"
	"github.com/signalsfoundry/vehicle-cosim/model"
)

// kinded is implemented by ports that can report a signal's declared kind.
type kinded interface {
	Kind(name string) (model.Kind, error)
}

// Recorder samples signals into a Store every Every macro-steps. It is a
// core.Observer.
type Recorder struct {
	store    *Store
	runID    string
	resolver wiring.Resolver
	signals  []wiring.Endpoint
	every    int64
	log      logging.Logger

	warned map[string]bool
}

// NewRecorder parses the signal endpoints and returns a recorder for runID.
// An every below 1 samples every step.
func NewRecorder(store *Store, runID string, resolver wiring.Resolver, signals []string, every int, log logging.Logger) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("record: nil store")
	}
	eps := make([]wiring.Endpoint, 0, len(signals))
	for _, s := range signals {
		ep, err := wiring.ParseEndpoint(s)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	if every < 1 {
		every = 1
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Recorder{
		store:    store,
		runID:    runID,
		resolver: resolver,
		signals:  eps,
		every:    int64(every),
		log:      log,
		warned:   make(map[string]bool),
	}, nil
}

func (r *Recorder) RunID() string { return r.runID }

// Sample reads every signal now and stores the values under step. Signals
// that cannot be read are skipped and logged once.
func (r *Recorder) Sample(ctx context.Context, step int64, t float64) error {
	samples := make([]Sample, 0, len(r.signals))
	for _, ep := range r.signals {
		v, err := r.read(ep)
		if err != nil {
			if !r.warned[ep.String()] {
				r.warned[ep.String()] = true
				r.log.Warn(ctx, "recorded signal unavailable",
					logging.String("signal", ep.String()), logging.Err(err))
			}
			continue
		}
		samples = append(samples, Sample{Signal: ep.String(), Value: v.Float()})
	}
	return r.store.AddSamples(ctx, r.runID, step, t, samples)
}

func (r *Recorder) read(ep wiring.Endpoint) (model.Value, error) {
	p, ok := r.resolver.Port(ep.Unit)
	if !ok {
		return model.Value{}, fmt.Errorf("%w: %q", wiring.ErrUnknownUnit, ep.Unit)
	}
	kind := model.KindReal
	if k, ok := p.(kinded); ok {
		declared, err := k.Kind(ep.Name)
		if err != nil {
			return model.Value{}, err
		}
		kind = declared
	}
	return p.GetSignal(ep.Name, kind)
}

func (r *Recorder) OnStep(ctx context.Context, step int64, t float64) {
	if step%r.every != 0 {
		return
	}
	if err := r.Sample(ctx, step, t); err != nil {
		r.log.Warn(ctx, "failed to record samples", logging.Int64("step", step), logging.Err(err))
	}
}

func (r *Recorder) OnFinish(ctx context.Context, res core.Result) {
	run := Run{
		ID:        r.runID,
		State:     res.State.String(),
		FinalTime: res.FinalTime,
		Steps:     res.Steps,
	}
	if res.Err != nil {
		run.Err = res.Err.Error()
	}
	if err := r.store.FinishRun(ctx, run); err != nil {
		r.log.Warn(ctx, "failed to finish run record", logging.Err(err))
	}
}
