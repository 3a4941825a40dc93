package unit

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/vehicle-cosim/model"
)

var (
	// ErrInstantiation is returned when a host rejects instantiation.
	ErrInstantiation = errors.New("unit: instantiation failed")
	// ErrModeTransition is returned when setup, enter or exit of
	// initialization mode reports a non-ok status.
	ErrModeTransition = errors.New("unit: mode transition failed")
	// ErrInvalidState is returned when an operation is not permitted in the
	// proxy's current lifecycle state.
	ErrInvalidState = errors.New("unit: invalid lifecycle state")
	// ErrUnknownSignal is the sentinel behind UnknownSignalError.
	ErrUnknownSignal = errors.New("unit: unknown signal")
	// ErrSignalAccess is returned when a resolved signal cannot be read or
	// written, or a value cannot be converted to its kind.
	ErrSignalAccess = errors.New("unit: signal access failed")
	// ErrStepFailure is the sentinel behind StepFailure.
	ErrStepFailure = errors.New("unit: step failed")
)

// UnknownSignalError reports a name the unit does not expose. It is local to
// one exchange and never fatal to a run.
type UnknownSignalError struct {
	Unit string
	Name string
}

func (e *UnknownSignalError) Error() string {
	return fmt.Sprintf("unit %q has no signal %q", e.Unit, e.Name)
}

func (e *UnknownSignalError) Unwrap() error { return ErrUnknownSignal }

// StepFailure records a non-ok DoStep.
type StepFailure struct {
	Unit   string
	Time   float64
	Size   float64
	Status model.Status
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("unit %q step at t=%g (h=%g) returned %s", e.Unit, e.Time, e.Size, e.Status)
}

func (e *StepFailure) Unwrap() error { return ErrStepFailure }

// IsSignalError reports whether err is a tolerated, signal-level error.
func IsSignalError(err error) bool {
	return errors.Is(err, ErrUnknownSignal) || errors.Is(err, ErrSignalAccess)
}
