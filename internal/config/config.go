// Package config loads co-simulation scenario files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/signalsfoundry/vehicle-cosim/internal/wiring"
	"github.com/signalsfoundry/vehicle-cosim/model"
	"gopkg.in/yaml.v3"
)

const (
	DefaultStepSize = 1e-2
	DefaultEndTime  = 20.0
	DefaultSubSteps = 1
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Wire types.
const (
	WireScalar  = "scalar"
	WireVec3    = "vec3"
	WireQuat    = "quat"
	WireMessage = "message"
)

type Config struct {
	Simulation SimulationConfig `yaml:"simulation"`
	Units      []UnitConfig     `yaml:"units"`
	InitWiring []Wire           `yaml:"init_wiring,omitempty"`
	Wiring     []Wire           `yaml:"wiring,omitempty"`
	FineWiring []Wire           `yaml:"fine_wiring,omitempty"`
	Feedback   FeedbackConfig   `yaml:"feedback,omitempty"`
	Record     RecordConfig     `yaml:"record,omitempty"`
	Progress   ProgressConfig   `yaml:"progress,omitempty"`

	raw map[string]any
}

type SimulationConfig struct {
	StartTime float64 `yaml:"start_time"`
	EndTime   float64 `yaml:"end_time"`
	StepSize  float64 `yaml:"step_size"`
	SubSteps  int     `yaml:"substeps"`
	Tolerance float64 `yaml:"tolerance"`
	Realtime  bool    `yaml:"realtime"`
}

// UnitConfig declares one unit instance. Group is "coarse" (default) or
// "fine".
type UnitConfig struct {
	Name       string         `yaml:"name"`
	Source     string         `yaml:"source"`
	UnpackDir  string         `yaml:"unpack_dir,omitempty"`
	Group      string         `yaml:"group,omitempty"`
	EarlyInit  bool           `yaml:"early_init,omitempty"`
	Parameters map[string]any `yaml:"parameters,omitempty"`
}

// Wire is one exchange table entry. From and To are unit.signal endpoints;
// for vec3, quat and message wires they name the signal prefix.
type Wire struct {
	From       string   `yaml:"from"`
	To         []string `yaml:"to"`
	Type       string   `yaml:"type,omitempty"`
	Kind       string   `yaml:"kind,omitempty"`
	FromLayout string   `yaml:"from_layout,omitempty"`
	ToLayout   string   `yaml:"to_layout,omitempty"`
}

type FeedbackConfig struct {
	ScenarioInit *ScenarioInitConfig `yaml:"scenario_init,omitempty"`
	Ego          *EgoConfig          `yaml:"ego,omitempty"`
}

// ScenarioInitConfig seeds the vehicle pose from the scenario's first view.
type ScenarioInitConfig struct {
	Scenario string `yaml:"scenario"`
	Layout   string `yaml:"layout,omitempty"`
	Location string `yaml:"location"`
	Yaw      string `yaml:"yaw"`
}

// EgoConfig feeds the simulated vehicle position back to the scenario.
type EgoConfig struct {
	Controller       string `yaml:"controller"`
	ControllerLayout string `yaml:"controller_layout,omitempty"`
	Position         string `yaml:"position"`
	Target           string `yaml:"target"`
	TargetLayout     string `yaml:"target_layout,omitempty"`
}

// RecordConfig selects signals sampled into the run store. An empty Path
// disables recording.
type RecordConfig struct {
	Path    string   `yaml:"path,omitempty"`
	Every   int      `yaml:"every,omitempty"`
	Signals []string `yaml:"signals,omitempty"`
}

// ProgressConfig drives the periodic status line. Position and Velocity are
// vec3 prefixes; the rest are scalar endpoints. Interval is in simulated
// seconds; zero disables the line.
type ProgressConfig struct {
	Interval float64 `yaml:"interval,omitempty"`
	Position string  `yaml:"position,omitempty"`
	Velocity string  `yaml:"velocity,omitempty"`
	Throttle string  `yaml:"throttle,omitempty"`
	Brake    string  `yaml:"brake,omitempty"`
	Steering string  `yaml:"steering,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Simulation: SimulationConfig{
			StepSize: DefaultStepSize,
			EndTime:  DefaultEndTime,
			SubSteps: DefaultSubSteps,
		},
		Record: RecordConfig{Every: 1},
	}
}

// Load reads a scenario file. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a scenario document on top of DefaultConfig.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.raw = raw
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Provider exposes the document as it was read, for dotted-path lookups.
func (c *Config) Provider() *Provider {
	if c.raw == nil {
		data, err := yaml.Marshal(c)
		if err == nil {
			_ = yaml.Unmarshal(data, &c.raw)
		}
	}
	return &Provider{root: c.raw}
}

// Unit returns the configuration of the named unit.
func (c *Config) Unit(name string) (UnitConfig, bool) {
	for _, u := range c.Units {
		if u.Name == name {
			return u, true
		}
	}
	return UnitConfig{}, false
}

// Spec converts the entry to a model.UnitSpec, converting parameters to
// values in key order.
func (u UnitConfig) Spec() (model.UnitSpec, error) {
	group, err := ParseGroup(u.Group)
	if err != nil {
		return model.UnitSpec{}, err
	}
	params := make(model.Params, len(u.Parameters))
	keys := make([]string, 0, len(u.Parameters))
	for k := range u.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := model.ParamFromAny(u.Parameters[k])
		if err != nil {
			return model.UnitSpec{}, fmt.Errorf("unit %s parameter %s: %w", u.Name, k, err)
		}
		params[k] = v
	}
	return model.UnitSpec{
		Name:      u.Name,
		Source:    u.Source,
		UnpackDir: u.UnpackDir,
		Group:     group,
		EarlyInit: u.EarlyInit,
		Params:    params,
	}, nil
}

func ParseGroup(s string) (model.Group, error) {
	switch s {
	case "", "coarse":
		return model.GroupCoarse, nil
	case "fine":
		return model.GroupFine, nil
	}
	return model.GroupCoarse, fmt.Errorf("unknown group %q; valid: coarse, fine", s)
}

// Validate checks the whole document and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	s := c.Simulation
	if !finite(s.StartTime) || !finite(s.EndTime) {
		add("simulation: start_time and end_time must be finite")
	}
	if !(s.StepSize > 0) || !finite(s.StepSize) {
		add("simulation.step_size must be positive, got %v", s.StepSize)
	}
	if s.EndTime <= s.StartTime {
		add("simulation.end_time %v must be after start_time %v", s.EndTime, s.StartTime)
	}
	if s.SubSteps < 1 {
		add("simulation.substeps must be at least 1, got %d", s.SubSteps)
	}
	if s.Tolerance < 0 {
		add("simulation.tolerance must be non-negative, got %v", s.Tolerance)
	}

	if len(c.Units) == 0 {
		add("at least one unit is required")
	}
	names := make(map[string]bool, len(c.Units))
	fine := make(map[string]bool, len(c.Units))
	for i, u := range c.Units {
		prefix := fmt.Sprintf("units[%d]", i)
		if u.Name == "" {
			add("%s: name is required", prefix)
		} else if names[u.Name] {
			add("%s: duplicate unit name %q", prefix, u.Name)
		}
		names[u.Name] = true
		if g, err := ParseGroup(u.Group); err == nil && g == model.GroupFine {
			fine[u.Name] = true
		}
		if u.Source == "" {
			add("%s (%s): source is required", prefix, u.Name)
		}
		if _, err := u.Spec(); err != nil {
			add("%s (%s): %v", prefix, u.Name, err)
		}
	}

	endpoint := func(where, s string) {
		ep, err := wiring.ParseEndpoint(s)
		if err != nil {
			add("%s: %v", where, err)
			return
		}
		if !names[ep.Unit] {
			add("%s: unknown unit %q", where, ep.Unit)
		}
	}
	// Both ends of a sub-step entry must be fine units.
	fineEndpoint := func(where, s string) {
		ep, err := wiring.ParseEndpoint(s)
		if err != nil || !names[ep.Unit] {
			return
		}
		if !fine[ep.Unit] {
			add("%s: unit %q is not in group fine", where, ep.Unit)
		}
	}
	layout := func(where, s string) {
		if _, err := wiring.ParseLayout(s); err != nil {
			add("%s: %v", where, err)
		}
	}
	for table, wires := range map[string][]Wire{"init_wiring": c.InitWiring, "wiring": c.Wiring, "fine_wiring": c.FineWiring} {
		for i, w := range wires {
			where := fmt.Sprintf("%s[%d]", table, i)
			endpoint(where+".from", w.From)
			if table == "fine_wiring" {
				fineEndpoint(where+".from", w.From)
			}
			if len(w.To) == 0 {
				add("%s: at least one destination is required", where)
			}
			for j, to := range w.To {
				endpoint(fmt.Sprintf("%s.to[%d]", where, j), to)
				if table == "fine_wiring" {
					fineEndpoint(fmt.Sprintf("%s.to[%d]", where, j), to)
				}
			}
			switch w.Type {
			case "", WireScalar, WireVec3, WireQuat, WireMessage:
			default:
				add("%s: unknown type %q; valid: scalar, vec3, quat, message", where, w.Type)
			}
			if w.Kind != "" {
				if _, err := model.ParseKind(w.Kind); err != nil {
					add("%s: %v", where, err)
				}
			}
			layout(where+".from_layout", w.FromLayout)
			layout(where+".to_layout", w.ToLayout)
		}
	}

	if si := c.Feedback.ScenarioInit; si != nil {
		endpoint("feedback.scenario_init.scenario", si.Scenario)
		endpoint("feedback.scenario_init.location", si.Location)
		endpoint("feedback.scenario_init.yaw", si.Yaw)
		layout("feedback.scenario_init.layout", si.Layout)
	}
	if ego := c.Feedback.Ego; ego != nil {
		endpoint("feedback.ego.controller", ego.Controller)
		endpoint("feedback.ego.position", ego.Position)
		endpoint("feedback.ego.target", ego.Target)
		layout("feedback.ego.controller_layout", ego.ControllerLayout)
		layout("feedback.ego.target_layout", ego.TargetLayout)
	}

	if c.Record.Every < 0 {
		add("record.every must be non-negative, got %d", c.Record.Every)
	}
	for i, sig := range c.Record.Signals {
		endpoint(fmt.Sprintf("record.signals[%d]", i), sig)
	}
	if c.Progress.Interval < 0 {
		add("progress.interval must be non-negative, got %v", c.Progress.Interval)
	}
	for where, ep := range map[string]string{
		"progress.position": c.Progress.Position,
		"progress.velocity": c.Progress.Velocity,
		"progress.throttle": c.Progress.Throttle,
		"progress.brake":    c.Progress.Brake,
		"progress.steering": c.Progress.Steering,
	} {
		if ep == "" {
			continue
		}
		// Display only: an unknown unit prints as n/a.
		if _, err := wiring.ParseEndpoint(ep); err != nil {
			add("%s: %v", where, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	sortErrors(errs)
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// sortErrors makes the report independent of map iteration order.
func sortErrors(errs []error) {
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
