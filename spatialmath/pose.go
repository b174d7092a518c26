package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a position in millimeters plus a unit-quaternion orientation, both expressed in some
// parent frame. The tool center point target handed to the planner is a Pose in the robot base
// frame.
type Pose struct {
	Point       r3.Vector
	Orientation quat.Number
}

// NewPose returns a pose with the given point and orientation.
func NewPose(pt r3.Vector, o quat.Number) Pose {
	return Pose{Point: pt, Orientation: o}
}

// NewPoseFromPoint returns a pose with the given point and no rotation.
func NewPoseFromPoint(pt r3.Vector) Pose {
	return Pose{Point: pt, Orientation: NewZeroOrientation()}
}

// NewZeroPose returns the identity pose.
func NewZeroPose() Pose {
	return NewPoseFromPoint(r3.Vector{})
}

// Compose returns the pose reached by applying other in the frame of p.
func (p Pose) Compose(other Pose) Pose {
	return Pose{
		Point:       p.Point.Add(RotateVector(p.Orientation, other.Point)),
		Orientation: quat.Mul(p.Orientation, other.Orientation),
	}
}

// Inverse returns the pose that undoes p.
func (p Pose) Inverse() Pose {
	inv := quat.Conj(p.Orientation)
	return Pose{Point: RotateVector(inv, p.Point).Mul(-1), Orientation: inv}
}

// IsFinite reports whether every component of the pose is finite.
func (p Pose) IsFinite() bool {
	for _, v := range []float64{p.Point.X, p.Point.Y, p.Point.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return QuatIsFinite(p.Orientation)
}

func (p Pose) String() string {
	ea := QuatToEulerAngles(p.Orientation)
	return fmt.Sprintf("{X:%.2f Y:%.2f Z:%.2f R:%.4f P:%.4f Y:%.4f}", p.Point.X, p.Point.Y, p.Point.Z, ea.Roll, ea.Pitch, ea.Yaw)
}

// PoseDelta returns the translation (mm) and rotation vector (rad) taking from to to, both in the
// parent frame. This is the error term minimized by the numeric IK solver.
func PoseDelta(from, to Pose) (r3.Vector, r3.Vector) {
	return to.Point.Sub(from.Point), OrientationBetween(from.Orientation, to.Orientation)
}

// PoseAlmostEqual reports whether two poses are within mmTol millimeters and radTol radians.
func PoseAlmostEqual(a, b Pose, mmTol, radTol float64) bool {
	dp, dr := PoseDelta(a, b)
	return dp.Norm() <= mmTol && dr.Norm() <= radTol
}
