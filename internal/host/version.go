package host

import "github.com/Masterminds/semver/v3"

// Aligned allocation first shipped with host release 16.
var alignedAllocConstraint = mustConstraint(">= 16.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Version returns the emulated host release.
func (rt *Runtime) Version() *semver.Version {
	return rt.version
}
