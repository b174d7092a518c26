package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

// RotationMatrix is a 3x3 rotation matrix stored in row-major order.
type RotationMatrix [9]float64

// IdentityRotation returns the 3x3 identity.
func IdentityRotation() RotationMatrix {
	return RotationMatrix{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// NewRotationMatrix builds a rotation matrix from rows and checks that it is a proper rotation.
func NewRotationMatrix(rows [][]float64) (RotationMatrix, error) {
	var rm RotationMatrix
	if len(rows) != 3 {
		return rm, errors.Errorf("rotation matrix needs 3 rows, got %d", len(rows))
	}
	for i, row := range rows {
		if len(row) != 3 {
			return rm, errors.Errorf("rotation matrix row %d needs 3 columns, got %d", i, len(row))
		}
		copy(rm[3*i:3*i+3], row)
	}
	if err := rm.Validate(1e-6); err != nil {
		return rm, err
	}
	return rm, nil
}

// At returns the element at the given row and column.
func (rm RotationMatrix) At(row, col int) float64 {
	return rm[3*row+col]
}

// Row returns row i as a vector.
func (rm RotationMatrix) Row(i int) r3.Vector {
	return r3.Vector{X: rm[3*i], Y: rm[3*i+1], Z: rm[3*i+2]}
}

// Col returns column j as a vector.
func (rm RotationMatrix) Col(j int) r3.Vector {
	return r3.Vector{X: rm[j], Y: rm[3+j], Z: rm[6+j]}
}

// Rows returns the matrix as nested slices.
func (rm RotationMatrix) Rows() [][]float64 {
	return [][]float64{rm[0:3:3], rm[3:6:6], rm[6:9:9]}
}

// MulVec returns rm * v.
func (rm RotationMatrix) MulVec(v r3.Vector) r3.Vector {
	return r3.Vector{X: rm.Row(0).Dot(v), Y: rm.Row(1).Dot(v), Z: rm.Row(2).Dot(v)}
}

// Mul returns rm * other.
func (rm RotationMatrix) Mul(other RotationMatrix) RotationMatrix {
	var out RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[3*i+j] = rm.Row(i).Dot(other.Col(j))
		}
	}
	return out
}

// Transpose returns the transpose, which is also the inverse of a rotation.
func (rm RotationMatrix) Transpose() RotationMatrix {
	return RotationMatrix{rm[0], rm[3], rm[6], rm[1], rm[4], rm[7], rm[2], rm[5], rm[8]}
}

// Det returns the determinant.
func (rm RotationMatrix) Det() float64 {
	return rm.Row(0).Dot(rm.Row(1).Cross(rm.Row(2)))
}

// Validate returns an error unless the matrix is finite, orthonormal and right-handed within tol.
func (rm RotationMatrix) Validate(tol float64) error {
	for _, v := range rm {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("rotation matrix is not finite")
		}
	}
	product := rm.Mul(rm.Transpose())
	identity := IdentityRotation()
	for i := range product {
		if math.Abs(product[i]-identity[i]) > tol {
			return errors.New("rotation matrix is not orthonormal")
		}
	}
	if det := rm.Det(); math.Abs(det-1) > tol {
		return errors.Errorf("rotation matrix determinant is %.6f, expected 1", det)
	}
	return nil
}

// Quaternion converts the rotation matrix to a unit quaternion.
func (rm RotationMatrix) Quaternion() quat.Number {
	// Shepperd's method: pick the largest diagonal term for numerical stability.
	m00, m11, m22 := rm.At(0, 0), rm.At(1, 1), rm.At(2, 2)
	trace := m00 + m11 + m22
	var q quat.Number
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		q = quat.Number{
			Real: 0.25 / s,
			Imag: (rm.At(2, 1) - rm.At(1, 2)) * s,
			Jmag: (rm.At(0, 2) - rm.At(2, 0)) * s,
			Kmag: (rm.At(1, 0) - rm.At(0, 1)) * s,
		}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q = quat.Number{
			Real: (rm.At(2, 1) - rm.At(1, 2)) / s,
			Imag: 0.25 * s,
			Jmag: (rm.At(0, 1) + rm.At(1, 0)) / s,
			Kmag: (rm.At(0, 2) + rm.At(2, 0)) / s,
		}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q = quat.Number{
			Real: (rm.At(0, 2) - rm.At(2, 0)) / s,
			Imag: (rm.At(0, 1) + rm.At(1, 0)) / s,
			Jmag: 0.25 * s,
			Kmag: (rm.At(1, 2) + rm.At(2, 1)) / s,
		}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q = quat.Number{
			Real: (rm.At(1, 0) - rm.At(0, 1)) / s,
			Imag: (rm.At(0, 2) + rm.At(2, 0)) / s,
			Jmag: (rm.At(1, 2) + rm.At(2, 1)) / s,
			Kmag: 0.25 * s,
		}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return q
}

// QuatToRotationMatrix converts a unit quaternion to a rotation matrix.
func QuatToRotationMatrix(q quat.Number) RotationMatrix {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return RotationMatrix{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

func (rm RotationMatrix) String() string {
	return fmt.Sprintf("[%.4f %.4f %.4f; %.4f %.4f %.4f; %.4f %.4f %.4f]",
		rm[0], rm[1], rm[2], rm[3], rm[4], rm[5], rm[6], rm[7], rm[8])
}
