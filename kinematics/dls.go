package kinematics

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/rideseat/seatmotion/referenceframe"
	"github.com/rideseat/seatmotion/spatialmath"
)

// Defaults for the damped least squares solver.
const (
	DefaultDamping              = 0.05
	DefaultMaxIterations        = 300
	DefaultMaxStep              = 0.3
	DefaultPositionTolerance    = 0.1
	DefaultOrientationTolerance = 1e-3
)

// DLSSolver is an iterative inverse kinematics solver using damped least squares,
// dq = J^T (J J^T + lambda^2 I)^-1 e. It stays well behaved near singularities where the
// closed-form solution loses a degree of freedom.
type DLSSolver struct {
	model *Model

	Damping              float64
	MaxIterations        int
	MaxStep              float64 // rad, per iteration, infinity norm
	PositionTolerance    float64 // mm
	OrientationTolerance float64 // rad
}

// NewDLSSolver returns a solver with default settings.
func NewDLSSolver(m *Model) *DLSSolver {
	return &DLSSolver{
		model:                m,
		Damping:              DefaultDamping,
		MaxIterations:        DefaultMaxIterations,
		MaxStep:              DefaultMaxStep,
		PositionTolerance:    DefaultPositionTolerance,
		OrientationTolerance: DefaultOrientationTolerance,
	}
}

// Solve iterates from seed until the tool center point is within tolerance of target. The result
// always lies within limits.
func (s *DLSSolver) Solve(
	target spatialmath.Pose,
	seed referenceframe.Joints,
	limits referenceframe.JointLimits,
) (referenceframe.Joints, FailureReason) {
	if !target.IsFinite() || !seed.IsFinite() {
		return seed, ReasonNonFinite
	}
	q := limits.Clamp(seed)

	lambda2 := s.Damping * s.Damping
	jjt := mat.NewDense(6, 6, nil)
	e := mat.NewVecDense(6, nil)
	var y, dq mat.VecDense

	for i := 0; i < s.MaxIterations; i++ {
		dp, dr := spatialmath.PoseDelta(s.model.FK(q), target)
		if dp.Norm() <= s.PositionTolerance && dr.Norm() <= s.OrientationTolerance {
			return q, ReasonNone
		}
		dp = dp.Mul(0.001)
		for k, v := range []float64{dp.X, dp.Y, dp.Z, dr.X, dr.Y, dr.Z} {
			e.SetVec(k, v)
		}

		jac := s.model.Jacobian(q)
		jjt.Mul(jac, jac.T())
		for k := 0; k < 6; k++ {
			jjt.Set(k, k, jjt.At(k, k)+lambda2)
		}
		if err := y.SolveVec(jjt, e); err != nil {
			return q, ReasonNearSingular
		}
		dq.MulVec(jac.T(), &y)

		scale := 1.0
		if step := mat.Norm(&dq, math.Inf(1)); step > s.MaxStep {
			scale = s.MaxStep / step
		}
		for k := range q {
			q[k] += scale * dq.AtVec(k)
		}
		q = limits.Clamp(q)
		if !q.IsFinite() {
			return seed, ReasonNonFinite
		}
	}
	return q, ReasonNoConvergence
}
