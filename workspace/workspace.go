// Package workspace checks tool center point targets against the robot's safe envelope.
package workspace

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/rideseat/seatmotion/spatialmath"
	"github.com/rideseat/seatmotion/utils"
)

// Limits is an axis aligned box plus a reach sphere around the robot base, all in millimeters in
// the robot base frame. Limits are static for the life of the process.
type Limits struct {
	Min        r3.Vector
	Max        r3.Vector
	BaseOrigin r3.Vector
	MaxReach   float64
}

// DefaultLimits returns an envelope around the IRB 6600 home position that keeps the seat in
// front of and above the base.
func DefaultLimits() Limits {
	return Limits{
		Min:      r3.Vector{X: 800, Y: -1000, Z: 1200},
		Max:      r3.Vector{X: 2200, Y: 1000, Z: 3000},
		MaxReach: 3000,
	}
}

// NewLimitsFromBox builds limits from a six value box: min x, max x, min y, max y, min z, max z.
func NewLimitsFromBox(box []float64, baseOrigin r3.Vector, maxReach float64) (Limits, error) {
	if len(box) != 6 {
		return Limits{}, errors.Errorf("workspace box needs 6 values, got %d", len(box))
	}
	return Limits{
		Min:        r3.Vector{X: box[0], Y: box[2], Z: box[4]},
		Max:        r3.Vector{X: box[1], Y: box[3], Z: box[5]},
		BaseOrigin: baseOrigin,
		MaxReach:   maxReach,
	}, nil
}

// Box returns the six value box form of the limits.
func (l Limits) Box() []float64 {
	return []float64{l.Min.X, l.Max.X, l.Min.Y, l.Max.Y, l.Min.Z, l.Max.Z}
}

// Validate rejects non-finite or inverted limits.
func (l Limits) Validate(path string) error {
	if !utils.IsFinite(l.Min.X, l.Min.Y, l.Min.Z, l.Max.X, l.Max.Y, l.Max.Z,
		l.BaseOrigin.X, l.BaseOrigin.Y, l.BaseOrigin.Z, l.MaxReach) {
		return errors.Errorf("%s: limits must be finite", path)
	}
	for _, a := range axes {
		if a.get(l.Min) >= a.get(l.Max) {
			return errors.Errorf("%s.workspace_box: %s min (%.1f) must be less than max (%.1f)", path, a.name, a.get(l.Min), a.get(l.Max))
		}
	}
	if l.MaxReach <= 0 {
		return errors.Errorf("%s.max_reach: must be positive", path)
	}
	return nil
}

// Bound names which side of a limit was crossed.
type Bound string

// Bounds reported in a Violation.
const (
	BoundMin Bound = "min"
	BoundMax Bound = "max"
)

// Violation describes the first limit a target failed. Axis is "x", "y", "z", "reach" or
// "finite".
type Violation struct {
	Axis  string
	Bound Bound
	Value float64
	Limit float64
}

func (v *Violation) Error() string {
	if v.Axis == "finite" {
		return "workspace violation: target is not finite"
	}
	return fmt.Sprintf("workspace violation: %s %.2f mm beyond %s %.2f mm", v.Axis, v.Value, v.Bound, v.Limit)
}

var axes = []struct {
	name string
	get  func(r3.Vector) float64
}{
	{"x", func(v r3.Vector) float64 { return v.X }},
	{"y", func(v r3.Vector) float64 { return v.Y }},
	{"z", func(v r3.Vector) float64 { return v.Z }},
}

// Validate returns nil only if the target is finite, inside the box and within reach of the base
// origin. It fails closed: anything it cannot establish as safe is a *Violation.
func Validate(pose spatialmath.Pose, limits Limits) error {
	if !pose.IsFinite() {
		return &Violation{Axis: "finite", Value: math.NaN()}
	}
	p := pose.Point
	for _, a := range axes {
		v := a.get(p)
		if !(v >= a.get(limits.Min)) {
			return &Violation{Axis: a.name, Bound: BoundMin, Value: v, Limit: a.get(limits.Min)}
		}
		if !(v <= a.get(limits.Max)) {
			return &Violation{Axis: a.name, Bound: BoundMax, Value: v, Limit: a.get(limits.Max)}
		}
	}
	reach := p.Sub(limits.BaseOrigin).Norm()
	if !(reach <= limits.MaxReach) {
		return &Violation{Axis: "reach", Bound: BoundMax, Value: reach, Limit: limits.MaxReach}
	}
	return nil
}
