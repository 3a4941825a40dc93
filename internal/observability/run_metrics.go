package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/vehicle-cosim/internal/wiring"
	"github.com/signalsfoundry/vehicle-cosim/model"
)

// RunCollector exposes scheduler metrics for one co-simulation process.
type RunCollector struct {
	MacroStepDuration prometheus.Histogram
	SimTime           prometheus.Gauge
	RunState          prometheus.Gauge
	ExchangeEntries   *prometheus.CounterVec
	StepFailures      *prometheus.CounterVec
}

// NewRunCollector registers run metrics on reg, or on the default registry
// when reg is nil.
func NewRunCollector(reg prometheus.Registerer) (*RunCollector, error) {
	reg, _ = registryPair(reg)

	steps, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cosim_macro_step_duration_seconds",
		Help:    "Wall-clock duration of one macro-step including exchange and sub-steps.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	}))
	if err != nil {
		return nil, err
	}
	simTime, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cosim_sim_time_seconds",
		Help: "Current simulation time of the macro clock.",
	}))
	if err != nil {
		return nil, err
	}
	runState, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cosim_run_state",
		Help: "Run state: 0 setup, 1 initializing, 2 running, 3 finished, 4 failed.",
	}))
	if err != nil {
		return nil, err
	}
	entries, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cosim_exchange_entries_total",
		Help: "Exchange entries processed, labeled by table and outcome (applied or skipped).",
	}, []string{"table", "outcome"}))
	if err != nil {
		return nil, err
	}
	failures, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cosim_step_failures_total",
		Help: "Unit steps that returned a non-ok status.",
	}, []string{"unit"}))
	if err != nil {
		return nil, err
	}

	return &RunCollector{
		MacroStepDuration: steps,
		SimTime:           simTime,
		RunState:          runState,
		ExchangeEntries:   entries,
		StepFailures:      failures,
	}, nil
}

// ObserveMacroStep records a macro-step duration measurement.
func (c *RunCollector) ObserveMacroStep(d time.Duration) {
	if c == nil || c.MacroStepDuration == nil {
		return
	}
	c.MacroStepDuration.Observe(d.Seconds())
}

// ObserveExchange counts applied and skipped entries of one pass.
func (c *RunCollector) ObserveExchange(rep wiring.Report) {
	if c == nil || c.ExchangeEntries == nil {
		return
	}
	table := rep.Table
	if table == "" {
		table = "unnamed"
	}
	c.ExchangeEntries.WithLabelValues(table, "applied").Add(float64(rep.Applied()))
	if n := len(rep.Skipped); n > 0 {
		c.ExchangeEntries.WithLabelValues(table, "skipped").Add(float64(n))
	}
}

// IncStepFailure increments the failure counter for unit.
func (c *RunCollector) IncStepFailure(unit string) {
	if c == nil || c.StepFailures == nil {
		return
	}
	c.StepFailures.WithLabelValues(unit).Inc()
}

// SetSimTime updates the simulation time gauge.
func (c *RunCollector) SetSimTime(t float64) {
	if c == nil || c.SimTime == nil {
		return
	}
	c.SimTime.Set(t)
}

// SetRunState updates the run state gauge.
func (c *RunCollector) SetRunState(s model.RunState) {
	if c == nil || c.RunState == nil {
		return
	}
	c.RunState.Set(float64(s))
}
