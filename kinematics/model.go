// Package kinematics holds the Denavit-Hartenberg model of the manipulator along with its
// forward kinematics, geometric Jacobian and both inverse kinematics stages: a closed-form solver
// for spherical-wrist arms and a damped least squares fallback.
package kinematics

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/rideseat/seatmotion/referenceframe"
	"github.com/rideseat/seatmotion/spatialmath"
	"github.com/rideseat/seatmotion/utils"
)

// DHParam is one row of a standard Denavit-Hartenberg table. Lengths are in millimeters and
// angles in radians. The joint angle passed to Transform is offset by Offset before use.
type DHParam struct {
	A      float64 `json:"a"`
	Alpha  float64 `json:"alpha"`
	D      float64 `json:"d"`
	Offset float64 `json:"offset"`
}

// Transform returns Rz(q+offset) * Tz(d) * Tx(a) * Rx(alpha).
func (p DHParam) Transform(q float64) mgl64.Mat4 {
	return mgl64.HomogRotate3DZ(q + p.Offset).
		Mul4(mgl64.Translate3D(p.A, 0, p.D)).
		Mul4(mgl64.HomogRotate3DX(p.Alpha))
}

// Model is a six joint serial manipulator.
type Model struct {
	Name   string
	DH     [referenceframe.DoF]DHParam
	Tool   spatialmath.Pose // flange to tool center point
	Limits referenceframe.JointLimits
	Home   referenceframe.Joints
}

// ModelIRB6600 is the name of the default manipulator.
const ModelIRB6600 = "abb_irb6600_225_255"

// NewIRB6600Model returns the kinematic model of an ABB IRB 6600-225/2.55 with no tool mounted.
// Angles follow the controller's axis conventions so that the home posture is
// (0, 0, 0, 0, -90, 180) degrees, which places the flange at (1462.5, 0, 2255) mm with its axes
// aligned to the base.
func NewIRB6600Model() *Model {
	d := utils.DegToRad
	limit := func(lo, hi, vel, acc float64) referenceframe.JointLimit {
		return referenceframe.JointLimit{Min: d(lo), Max: d(hi), MaxVelocity: d(vel), MaxAcceleration: d(acc)}
	}
	return &Model{
		Name: ModelIRB6600,
		DH: [referenceframe.DoF]DHParam{
			{A: 320, Alpha: -math.Pi / 2, D: 780},
			{A: 1075, Offset: -math.Pi / 2},
			{A: 200, Alpha: -math.Pi / 2},
			{Alpha: math.Pi / 2, D: 1142.5},
			{Alpha: -math.Pi / 2},
			{D: 200},
		},
		Tool: spatialmath.NewZeroPose(),
		Limits: referenceframe.JointLimits{
			limit(-180, 180, 100, 250),
			limit(-65, 85, 90, 250),
			limit(-180, 70, 90, 250),
			limit(-300, 300, 190, 500),
			limit(-120, 120, 140, 500),
			limit(-360, 360, 190, 600),
		},
		Home: referenceframe.Joints{0, 0, 0, 0, -math.Pi / 2, math.Pi},
	}
}

// Validate checks the model for non-finite parameters and a home posture outside the limits.
func (m *Model) Validate(path string) error {
	var err error
	for i, p := range m.DH {
		if !utils.IsFinite(p.A, p.Alpha, p.D, p.Offset) {
			err = multierr.Append(err, errors.Errorf("%s.dh.%d: parameters must be finite", path, i))
		}
	}
	if !m.Tool.IsFinite() {
		err = multierr.Append(err, errors.Errorf("%s.tool_offset: must be finite", path))
	}
	err = multierr.Append(err, m.Limits.Validate(path+".joint_limits"))
	if !m.Limits.Contains(m.Home) {
		err = multierr.Append(err, errors.Errorf("%s.home: %v is outside the joint limits", path, m.Home))
	}
	return err
}

// Frames returns the cumulative transforms from the base to each joint frame. Frames()[0] is the
// base, Frames()[6] the flange, and Frames()[7] the tool center point.
func (m *Model) Frames(q referenceframe.Joints) [referenceframe.DoF + 2]mgl64.Mat4 {
	var frames [referenceframe.DoF + 2]mgl64.Mat4
	frames[0] = mgl64.Ident4()
	for i, p := range m.DH {
		frames[i+1] = frames[i].Mul4(p.Transform(q[i]))
	}
	frames[referenceframe.DoF+1] = frames[referenceframe.DoF].Mul4(PoseToMat4(m.Tool))
	return frames
}

// FK returns the tool center point pose in the base frame.
func (m *Model) FK(q referenceframe.Joints) spatialmath.Pose {
	frames := m.Frames(q)
	return Mat4ToPose(frames[referenceframe.DoF+1])
}

// Flange returns the flange pose in the base frame.
func (m *Model) Flange(q referenceframe.Joints) spatialmath.Pose {
	frames := m.Frames(q)
	return Mat4ToPose(frames[referenceframe.DoF])
}

func (m *Model) String() string {
	return fmt.Sprintf("%s(home=%v)", m.Name, m.Home)
}

// Mat4ToPose converts a homogeneous transform to a pose.
func Mat4ToPose(t mgl64.Mat4) spatialmath.Pose {
	return spatialmath.NewPose(
		r3.Vector{X: t.At(0, 3), Y: t.At(1, 3), Z: t.At(2, 3)},
		mat4Rotation(t).Quaternion(),
	)
}

// PoseToMat4 converts a pose to a homogeneous transform.
func PoseToMat4(p spatialmath.Pose) mgl64.Mat4 {
	rm := spatialmath.QuatToRotationMatrix(p.Orientation)
	t := mgl64.Ident4()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t.Set(i, j, rm.At(i, j))
		}
	}
	t.Set(0, 3, p.Point.X)
	t.Set(1, 3, p.Point.Y)
	t.Set(2, 3, p.Point.Z)
	return t
}

func mat4Rotation(t mgl64.Mat4) spatialmath.RotationMatrix {
	var rm spatialmath.RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rm[3*i+j] = t.At(i, j)
		}
	}
	return rm
}

func mat4Translation(t mgl64.Mat4) r3.Vector {
	return r3.Vector{X: t.At(0, 3), Y: t.At(1, 3), Z: t.At(2, 3)}
}
