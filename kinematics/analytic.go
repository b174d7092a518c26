package kinematics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"

	"github.com/rideseat/seatmotion/referenceframe"
	"github.com/rideseat/seatmotion/spatialmath"
	"github.com/rideseat/seatmotion/utils"
)

const (
	geometryTolerance = 1e-9
	// wrist centers closer than this to the first joint axis (mm) have no defined shoulder angle
	shoulderSingularityTolerance = 1e-6
)

// AnalyticSolver computes closed-form inverse kinematics for six joint arms with a spherical
// wrist, returning up to eight candidates: two shoulder, two elbow and two wrist configurations.
type AnalyticSolver struct {
	model *Model
}

// NewAnalyticSolver returns an error if the model's geometry has no closed-form solution.
func NewAnalyticSolver(m *Model) (*AnalyticSolver, error) {
	if err := checkSphericalWrist(m.DH); err != nil {
		return nil, err
	}
	return &AnalyticSolver{model: m}, nil
}

func checkSphericalWrist(dh [referenceframe.DoF]DHParam) error {
	near := func(a, b float64) bool { return math.Abs(a-b) <= geometryTolerance }
	switch {
	case !near(math.Abs(math.Sin(dh[0].Alpha)), 1):
		return errors.New("joint 2 axis must be perpendicular to joint 1 axis")
	case !near(dh[1].Alpha, 0):
		return errors.New("joint 3 axis must be parallel to joint 2 axis")
	case !near(dh[1].D, 0) || !near(dh[2].D, 0):
		return errors.New("the arm plane must not have a lateral offset")
	case !near(math.Abs(math.Sin(dh[2].Alpha)), 1) || !near(math.Abs(math.Sin(dh[3].Alpha)), 1):
		return errors.New("joint 4 and joint 5 axes must be perpendicular to their predecessors")
	case !near(dh[3].A, 0) || !near(dh[4].A, 0) || !near(dh[4].D, 0) || !near(dh[5].A, 0):
		return errors.New("wrist axes must intersect in a single point")
	case !near(dh[4].Alpha, -dh[3].Alpha) || !near(dh[5].Alpha, 0):
		return errors.New("wrist must be a ZYZ spherical wrist")
	}
	return nil
}

// Solve returns every candidate configuration reaching target, with each angle wrapped to
// (-pi, pi]. Candidates are not checked against joint limits. When no candidate exists the
// reason says why.
func (s *AnalyticSolver) Solve(target spatialmath.Pose) ([]referenceframe.Joints, FailureReason) {
	if !target.IsFinite() {
		return nil, ReasonNonFinite
	}
	dh := s.model.DH
	flange := target.Compose(s.model.Tool.Inverse())
	r06 := spatialmath.QuatToRotationMatrix(flange.Orientation)
	wc := flange.Point.Sub(r06.Col(2).Mul(dh[5].D))
	if math.Hypot(wc.X, wc.Y) < shoulderSingularityTolerance {
		return nil, ReasonNearSingular
	}

	a2, a3, d4 := dh[1].A, dh[2].A, dh[3].D
	link := math.Hypot(a3, d4)
	beta := math.Atan2(-math.Sin(dh[2].Alpha)*d4, a3)
	azimuth := math.Atan2(wc.Y, wc.X)

	var candidates []referenceframe.Joints
	for _, theta1 := range []float64{azimuth, azimuth + math.Pi} {
		q1 := theta1 - dh[0].Offset
		// wrist center in the frame of link 1, where joints 2 and 3 form a planar two link arm
		v := dh[0].Transform(q1).Inv().Mul4x1(mgl64.Vec4{wc.X, wc.Y, wc.Z, 1})
		x, y := v[0], v[1]
		cosGamma := (x*x + y*y - a2*a2 - link*link) / (2 * a2 * link)
		if math.Abs(cosGamma) > 1+1e-12 {
			continue
		}
		cosGamma = utils.Clamp(cosGamma, -1, 1)
		for _, elbow := range []float64{1, -1} {
			gamma := elbow * math.Acos(cosGamma)
			theta2 := math.Atan2(y, x) - math.Atan2(link*math.Sin(gamma), a2+link*math.Cos(gamma))
			theta3 := gamma - beta
			q2 := theta2 - dh[1].Offset
			q3 := theta3 - dh[2].Offset

			t03 := dh[0].Transform(q1).Mul4(dh[1].Transform(q2)).Mul4(dh[2].Transform(q3))
			r36 := mat4Rotation(t03).Transpose().Mul(r06)
			for _, wrist := range solveWrist(r36, -math.Sin(dh[3].Alpha)) {
				candidates = append(candidates, referenceframe.Joints{
					utils.WrapAngle(q1),
					utils.WrapAngle(q2),
					utils.WrapAngle(q3),
					utils.WrapAngle(wrist[0] - dh[3].Offset),
					utils.WrapAngle(wrist[1] - dh[4].Offset),
					utils.WrapAngle(wrist[2] - dh[5].Offset),
				})
			}
		}
	}
	if len(candidates) == 0 {
		return nil, ReasonOutOfReach
	}
	return candidates, ReasonNone
}

// solveWrist decomposes r36 = Rz(t4) * Ry(sign*t5) * Rz(t6) into its two solutions.
func solveWrist(r36 spatialmath.RotationMatrix, sign float64) [2][3]float64 {
	r13, r23, r33 := r36.At(0, 2), r36.At(1, 2), r36.At(2, 2)
	r31, r32 := r36.At(2, 0), r36.At(2, 1)
	var out [2][3]float64
	for i, flip := range []float64{1, -1} {
		b := math.Atan2(flip*math.Hypot(r13, r23), r33)
		a := math.Atan2(flip*r23, flip*r13)
		c := math.Atan2(flip*r32, -flip*r31)
		out[i] = [3]float64{a, b / sign, c}
	}
	return out
}

// Unwrap shifts each joint of q by multiples of 2*pi to the equivalent angle that lies within
// limits and is nearest ref. It returns false if some joint has no equivalent within limits.
func Unwrap(q, ref referenceframe.Joints, limits referenceframe.JointLimits) (referenceframe.Joints, bool) {
	var out referenceframe.Joints
	for i, v := range q {
		best, found := 0.0, false
		for k := -2; k <= 2; k++ {
			c := v + float64(k)*2*math.Pi
			if !limits[i].Contains(c) {
				continue
			}
			if !found || math.Abs(c-ref[i]) < math.Abs(best-ref[i]) {
				best, found = c, true
			}
		}
		if !found {
			return out, false
		}
		out[i] = best
	}
	return out, true
}
