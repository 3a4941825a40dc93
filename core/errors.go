package core

import "errors"

var (
	// ErrHalted is reported when a run stops before its end time because of
	// a Halt request or context cancellation.
	ErrHalted = errors.New("core: run halted")
	// ErrRunState is returned when an operation does not fit the current
	// run state.
	ErrRunState = errors.New("core: invalid run state")
	// ErrNotRunning is returned by Halt when there is no live run.
	ErrNotRunning = errors.New("core: run not in progress")
)
