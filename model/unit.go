package model

// Group says how a unit is advanced within a macro-step.
type Group int

const (
	// GroupCoarse units step once per macro-step.
	GroupCoarse Group = iota
	// GroupFine units are sub-stepped SubSteps times per macro-step.
	GroupFine
)

func (g Group) String() string {
	if g == GroupFine {
		return "fine"
	}
	return "coarse"
}

// UnitSpec identifies one unit instance and where its package comes from.
// UnpackDir is passed through to the loader untouched.
type UnitSpec struct {
	Name      string
	Source    string // e.g. "builtin://vehicle" or a packaged unit path
	UnpackDir string
	Group     Group
	EarlyInit bool
	Params    Params
}
