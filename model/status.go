package model

import "fmt"

// Status is the result code reported by a unit host for lifecycle, step and
// access calls. Anything other than StatusOK is treated as failure.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusDiscard
	StatusError
	StatusFatal
	StatusPending
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusDiscard:
		return "discard"
	case StatusError:
		return "error"
	case StatusFatal:
		return "fatal"
	case StatusPending:
		return "pending"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// OK reports whether the status counts as success.
func (s Status) OK() bool { return s == StatusOK }

// LifecycleState tracks a single unit through its protocol.
type LifecycleState int

const (
	StateLoaded LifecycleState = iota
	StateInstantiated
	StateInitializationMode
	StateStepMode
	StateTerminated
)

func (s LifecycleState) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateInstantiated:
		return "instantiated"
	case StateInitializationMode:
		return "initialization_mode"
	case StateStepMode:
		return "step_mode"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("lifecycle(%d)", int(s))
	}
}

// RunState tracks the whole ensemble.
type RunState int

const (
	RunSetup RunState = iota
	RunInitializing
	RunRunning
	RunFinished
	RunFailed
)

func (s RunState) String() string {
	switch s {
	case RunSetup:
		return "setup"
	case RunInitializing:
		return "initializing"
	case RunRunning:
		return "running"
	case RunFinished:
		return "finished"
	case RunFailed:
		return "failed"
	default:
		return fmt.Sprintf("run(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s RunState) Terminal() bool { return s == RunFinished || s == RunFailed }
