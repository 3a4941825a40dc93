// Package unit wraps one externally hosted simulation unit behind a Proxy
// that enforces the lifecycle protocol and caches signal handles.
package unit

import (
	"context"

	"github.com/signalsfoundry/vehicle-cosim/model"
)

// Ref is a host-internal signal handle.
type Ref uint32

// Host is the contract a loaded unit instance exposes. Every method returning
// a Status reports failure with anything other than model.StatusOK.
type Host interface {
	Instantiate(name string, visible, loggingOn bool) model.Status
	// SetupExperiment declares the time horizon. A tolerance of zero means
	// the unit should use its own default.
	SetupExperiment(start, stop, tolerance float64) model.Status
	EnterInitializationMode() model.Status
	ExitInitializationMode() model.Status
	DoStep(t, h float64, noSetStatePriorToCurrentPoint bool) model.Status
	// Resolve looks up a signal by name, returning its handle and kind.
	Resolve(name string) (Ref, model.Kind, bool)
	Get(ref Ref, kind model.Kind) (model.Value, model.Status)
	Set(ref Ref, v model.Value) model.Status
	Terminate() model.Status
	Free()
	Version() string
	TypesPlatform() string
}

// Spec locates a packaged unit.
type Spec struct {
	Name      string
	Path      string
	UnpackDir string
}

// Loader turns a Spec into a ready-to-instantiate Host.
type Loader interface {
	Load(ctx context.Context, spec Spec) (Host, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, spec Spec) (Host, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, spec Spec) (Host, error) { return f(ctx, spec) }
