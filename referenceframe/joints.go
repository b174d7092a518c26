// Package referenceframe defines the joint-space types of the manipulator: joint vectors, joint
// states and per-joint limits.
package referenceframe

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/rideseat/seatmotion/utils"
)

// DoF is the number of rotational joints on the manipulator.
const DoF = 6

// Joints is an ordered set of joint values in radians (or rad/s, rad/s² depending on use).
type Joints [DoF]float64

// JointsFromDegrees converts a set of degree values to radians.
func JointsFromDegrees(degrees [DoF]float64) Joints {
	var j Joints
	for i, d := range degrees {
		j[i] = utils.DegToRad(d)
	}
	return j
}

// Degrees returns the joint values converted to degrees.
func (j Joints) Degrees() [DoF]float64 {
	var out [DoF]float64
	for i, r := range j {
		out[i] = utils.RadToDeg(r)
	}
	return out
}

// Add returns j + other.
func (j Joints) Add(other Joints) Joints {
	for i := range j {
		j[i] += other[i]
	}
	return j
}

// Sub returns j - other.
func (j Joints) Sub(other Joints) Joints {
	for i := range j {
		j[i] -= other[i]
	}
	return j
}

// Scale returns j * s.
func (j Joints) Scale(s float64) Joints {
	for i := range j {
		j[i] *= s
	}
	return j
}

// Norm returns the L2 norm.
func (j Joints) Norm() float64 {
	var sum float64
	for _, v := range j {
		sum += v * v
	}
	return math.Sqrt(sum)
}

// MaxAbs returns the infinity norm.
func (j Joints) MaxAbs() float64 {
	var m float64
	for _, v := range j {
		m = math.Max(m, math.Abs(v))
	}
	return m
}

// IsFinite reports whether every joint value is finite.
func (j Joints) IsFinite() bool {
	return utils.IsFinite(j[:]...)
}

// Slice returns a copy of the values as a slice.
func (j Joints) Slice() []float64 {
	out := make([]float64, DoF)
	copy(out, j[:])
	return out
}

// JointsFromSlice converts a slice of exactly DoF values.
func JointsFromSlice(values []float64) (Joints, error) {
	var j Joints
	if len(values) != DoF {
		return j, NewIncorrectDoFError(len(values), DoF)
	}
	copy(j[:], values)
	return j, nil
}

// Distance is the joint-space L2 distance between two configurations. It is the metric used to
// pick among inverse kinematics candidates.
func Distance(a, b Joints) float64 {
	return a.Sub(b).Norm()
}

// InterpolateJoints returns the configuration the fraction by of the way from "from" to "to".
func InterpolateJoints(from, to Joints, by float64) Joints {
	return from.Add(to.Sub(from).Scale(by))
}

func (j Joints) String() string {
	d := j.Degrees()
	return fmt.Sprintf("[%.3f %.3f %.3f %.3f %.3f %.3f]deg", d[0], d[1], d[2], d[3], d[4], d[5])
}

// JointState is the commanded joint positions together with the velocities and accelerations
// implied by the commands that led to it.
type JointState struct {
	Positions     Joints `json:"positions"`
	Velocities    Joints `json:"velocities"`
	Accelerations Joints `json:"accelerations"`
}

// NewJointStateAtRest returns a state at the given positions with zero motion.
func NewJointStateAtRest(positions Joints) JointState {
	return JointState{Positions: positions}
}

// NewIncorrectDoFError returns an error indicating that the number of joint values does not
// match the manipulator.
func NewIncorrectDoFError(actual, expected int) error {
	return errors.Errorf("number of joint values given (%d) does not match the number of degrees of freedom (%d)", actual, expected)
}
