package core

import (
	"context"
	"math"

	"github.com/signalsfoundry/vehicle-cosim/model"
)

// Result describes how a run ended.
type Result struct {
	State     model.RunState
	FinalTime float64
	Steps     int64
	Err       error
}

// ExitCode is zero only when the run reached its end time.
func (r Result) ExitCode() int {
	if r.State == model.RunFinished && r.Err == nil {
		return 0
	}
	return 1
}

// Observer is notified after every macro-step and once at the end of a run.
// Observers run on the scheduler goroutine and must not block.
type Observer interface {
	OnStep(ctx context.Context, step int64, t float64)
	OnFinish(ctx context.Context, res Result)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Step   func(ctx context.Context, step int64, t float64)
	Finish func(ctx context.Context, res Result)
}

func (o ObserverFuncs) OnStep(ctx context.Context, step int64, t float64) {
	if o.Step != nil {
		o.Step(ctx, step, t)
	}
}

func (o ObserverFuncs) OnFinish(ctx context.Context, res Result) {
	if o.Finish != nil {
		o.Finish(ctx, res)
	}
}

// UnitStatus is a point-in-time view of one unit.
type UnitStatus struct {
	Name  string
	Group model.Group
	State model.LifecycleState
	Steps int64
}

// Status is a point-in-time view of a run, safe to take from any goroutine.
type Status struct {
	RunID      string
	State      model.RunState
	Time       float64
	Steps      int64
	TotalSteps int64
	Units      []UnitStatus
	Err        string
}

// Progress is the completed fraction of the run in [0, 1].
func (s Status) Progress() float64 {
	if s.TotalSteps <= 0 {
		return 1
	}
	return math.Min(1, float64(s.Steps)/float64(s.TotalSteps))
}
