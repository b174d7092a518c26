package kinematics

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/rideseat/seatmotion/referenceframe"
)

// Jacobian returns the 6x6 geometric Jacobian of the tool center point at q. The first three rows
// are linear velocity in meters per radian, the last three angular velocity, both in the base
// frame. Using meters keeps the two halves of the matrix on a comparable scale.
func (m *Model) Jacobian(q referenceframe.Joints) *mat.Dense {
	frames := m.Frames(q)
	p := mat4Translation(frames[referenceframe.DoF+1]).Mul(0.001)

	jac := mat.NewDense(6, referenceframe.DoF, nil)
	for i := 0; i < referenceframe.DoF; i++ {
		z := mat4Rotation(frames[i]).Col(2)
		o := mat4Translation(frames[i]).Mul(0.001)
		linear := z.Cross(p.Sub(o))
		jac.Set(0, i, linear.X)
		jac.Set(1, i, linear.Y)
		jac.Set(2, i, linear.Z)
		jac.Set(3, i, z.X)
		jac.Set(4, i, z.Y)
		jac.Set(5, i, z.Z)
	}
	return jac
}

// Manipulability returns |det J|, which goes to zero as the arm approaches a singular
// configuration.
func (m *Model) Manipulability(q referenceframe.Joints) float64 {
	return math.Abs(mat.Det(m.Jacobian(q)))
}
