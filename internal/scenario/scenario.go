// Package scenario assembles a runnable co-simulation from a configuration
// document: it loads the units, builds the exchange tables and the
// feedback entries, and hands everything to the orchestrator.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/signalsfoundry/vehicle-cosim/core"
	"github.com/signalsfoundry/vehicle-cosim/ensemble"
	"github.com/signalsfoundry/vehicle-cosim/internal/bridge"
	"github.com/signalsfoundry/vehicle-cosim/internal/config"
	"github.com/signalsfoundry/vehicle-cosim/internal/feedback"
	"github.com/signalsfoundry/vehicle-cosim/internal/logging"
	"github.com/signalsfoundry/vehicle-cosim/internal/record"
	"github.com/signalsfoundry/vehicle-cosim/internal/unit"
	"github.com/signalsfoundry/vehicle-cosim/internal/units"
	"github.com/signalsfoundry/vehicle-cosim/internal/wiring"
	"github.com/signalsfoundry/vehicle-cosim/model"
	"github.com/signalsfoundry/vehicle-cosim/timectrl"
	"gopkg.in/yaml.v3"
)

// FeedbackProducer names the buffers published by the ego feedback entry.
const FeedbackProducer = "feedback"

// Options customises Build. Zero values are usable.
type Options struct {
	Logger  logging.Logger
	Metrics core.Metrics
	RunID   string
	// External loads unit sources that are not builtin://.
	External unit.Loader
	// Progress receives the periodic status line; nil discards it.
	Progress io.Writer
	// Store overrides opening record.path from the configuration.
	Store     *record.Store
	Observers []core.Observer
}

// Run is an assembled co-simulation, ready for Orchestrator.Run.
type Run struct {
	ID           string
	Config       *config.Config
	Ensemble     *ensemble.Ensemble
	Arena        *bridge.Arena
	Tables       core.Tables
	Orchestrator *core.Orchestrator
	Recorder     *record.Recorder
	Feedback     *feedback.EgoFeedback

	store     *record.Store
	ownsStore bool
}

// Build validates cfg and assembles a run. On error every unit loaded so far
// is closed.
func Build(ctx context.Context, cfg *config.Config, opts Options) (_ *Run, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logging.Noop()
	}
	runID := opts.RunID
	if runID == "" {
		runID = logging.NewRunID()
	}
	log = log.With(logging.String("run_id", runID))

	r := &Run{
		ID:       runID,
		Config:   cfg,
		Ensemble: ensemble.New(),
		Arena:    bridge.NewArena(),
	}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	if err := r.loadUnits(ctx, cfg, opts.External, log); err != nil {
		return nil, err
	}
	if err := r.buildTables(cfg, log); err != nil {
		return nil, err
	}

	s := cfg.Simulation
	mode := timectrl.Accelerated
	if s.Realtime {
		mode = timectrl.RealTime
	}
	settings := core.Settings{
		Start:     s.StartTime,
		End:       s.EndTime,
		Step:      s.StepSize,
		SubSteps:  s.SubSteps,
		Tolerance: s.Tolerance,
		Mode:      mode,
	}

	coreOpts := []core.Option{
		core.WithLogger(log),
		core.WithBridge(r.Arena),
		core.WithRunID(runID),
	}
	if opts.Metrics != nil {
		coreOpts = append(coreOpts, core.WithMetrics(opts.Metrics))
	}
	resolver := core.NewResolver(r.Ensemble)
	if cfg.Progress.Interval > 0 && opts.Progress != nil {
		coreOpts = append(coreOpts, core.WithObserver(NewProgress(cfg.Progress, resolver, opts.Progress)))
	}
	if err := r.openRecorder(ctx, cfg, opts.Store, resolver, log); err != nil {
		return nil, err
	}
	if r.Recorder != nil {
		coreOpts = append(coreOpts, core.WithObserver(r.Recorder))
	}
	for _, obs := range opts.Observers {
		coreOpts = append(coreOpts, core.WithObserver(obs))
	}

	r.Orchestrator, err = core.New(r.Ensemble, settings, r.Tables, coreOpts...)
	if err != nil {
		return nil, err
	}
	if r.Feedback != nil {
		r.Feedback.Clock = r.Orchestrator.Clock()
	}

	log.Info(ctx, "scenario assembled",
		logging.Int("units", r.Ensemble.Len()),
		logging.Int("init_entries", r.Tables.Init.Len()),
		logging.Int("step_entries", r.Tables.Step.Len()),
		logging.Int("fine_entries", r.Tables.Fine.Len()),
		logging.Bool("recording", r.Recorder != nil),
	)
	return r, nil
}

func (r *Run) loadUnits(ctx context.Context, cfg *config.Config, external unit.Loader, log logging.Logger) error {
	loader := &units.Loader{Memory: r.Arena, External: external}
	for _, uc := range cfg.Units {
		spec, err := uc.Spec()
		if err != nil {
			return err
		}
		p, err := unit.Load(ctx, loader,
			unit.Spec{Name: spec.Name, Path: spec.Source, UnpackDir: spec.UnpackDir},
			unit.WithLogger(log),
			unit.WithTransitionHook(r.Ensemble.TransitionHook()),
		)
		if err != nil {
			return fmt.Errorf("loading unit %s: %w", uc.Name, err)
		}

		// Every unit gets a step size; fine units default to the sub-step.
		if _, ok := spec.Params["step_size"]; !ok {
			def := cfg.Simulation.StepSize
			if spec.Group == model.GroupFine {
				def /= float64(cfg.Simulation.SubSteps)
			}
			spec.Params["step_size"] = model.Real(def)
		}

		err = r.Ensemble.Add(ensemble.Member{
			Proxy:     p,
			Group:     spec.Group,
			EarlyInit: spec.EarlyInit,
			Params:    spec.Params,
		})
		if err != nil {
			p.Close()
			return err
		}
	}
	return nil
}

func (r *Run) buildTables(cfg *config.Config, log logging.Logger) error {
	var err error
	if r.Tables.Init, err = BuildTable("init", cfg.InitWiring, r.Arena); err != nil {
		return err
	}
	if r.Tables.Step, err = BuildTable("step", cfg.Wiring, r.Arena); err != nil {
		return err
	}
	if r.Tables.Fine, err = BuildFineTable(cfg.FineWiring, r.Arena, r.Ensemble); err != nil {
		return err
	}

	if si := cfg.Feedback.ScenarioInit; si != nil {
		src, err := source(si.Scenario, si.Layout)
		if err != nil {
			return fmt.Errorf("feedback.scenario_init: %w", err)
		}
		loc, yaw, err := endpoints(si.Location, si.Yaw)
		if err != nil {
			return fmt.Errorf("feedback.scenario_init: %w", err)
		}
		r.Tables.Init.Add(&feedback.ScenarioInit{
			Scenario: src,
			Location: loc,
			Yaw:      yaw,
			Memory:   r.Arena,
			Log:      log,
		})
	}
	if ego := cfg.Feedback.Ego; ego != nil {
		ctrl, err := source(ego.Controller, ego.ControllerLayout)
		if err != nil {
			return fmt.Errorf("feedback.ego: %w", err)
		}
		target, err := source(ego.Target, ego.TargetLayout)
		if err != nil {
			return fmt.Errorf("feedback.ego: %w", err)
		}
		pos, err := wiring.ParseEndpoint(ego.Position)
		if err != nil {
			return fmt.Errorf("feedback.ego: %w", err)
		}
		r.Feedback = &feedback.EgoFeedback{
			Controller: ctrl,
			Position:   pos,
			Target:     target,
			Producer:   FeedbackProducer,
			Memory:     r.Arena,
			Log:        log,
		}
		r.Tables.Step.Add(r.Feedback)
	}
	return nil
}

func (r *Run) openRecorder(ctx context.Context, cfg *config.Config, store *record.Store, resolver wiring.Resolver, log logging.Logger) error {
	if store == nil {
		if cfg.Record.Path == "" {
			return nil
		}
		s, err := record.Open(cfg.Record.Path)
		if err != nil {
			return err
		}
		store, r.ownsStore = s, true
	}
	r.store = store

	doc, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding run config: %w", err)
	}
	if err := store.BeginRun(ctx, record.Run{ID: r.ID, Config: string(doc), State: model.RunSetup.String()}); err != nil {
		return err
	}
	r.Recorder, err = record.NewRecorder(store, r.ID, resolver, cfg.Record.Signals, cfg.Record.Every, log)
	return err
}

// Execute initializes and runs to completion.
func (r *Run) Execute(ctx context.Context) core.Result {
	return r.Orchestrator.Run(ctx)
}

// Close releases every unit and the record store if Build opened it.
func (r *Run) Close() error {
	var errs []error
	if err := r.Ensemble.Close(); err != nil {
		errs = append(errs, err)
	}
	if r.ownsStore && r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, err)
		}
		r.store = nil
	}
	return errors.Join(errs...)
}

func endpoints(a, b string) (wiring.Endpoint, wiring.Endpoint, error) {
	first, err := wiring.ParseEndpoint(a)
	if err != nil {
		return first, wiring.Endpoint{}, err
	}
	second, err := wiring.ParseEndpoint(b)
	return first, second, err
}
