// Package spatialmath defines the spatial mathematical operations used by the motion pipeline:
// quaternions, rotation matrices, axis-angle deltas and poses.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

// If a quaternion's norm is below this it carries no orientation information.
const degenerateQuatNorm = 1e-10

// ErrDegenerateQuaternion is returned when a quaternion cannot be normalized.
var ErrDegenerateQuaternion = errors.New("quaternion norm is too small to normalize")

// NewZeroOrientation returns the identity rotation.
func NewZeroOrientation() quat.Number {
	return quat.Number{Real: 1}
}

// QuatIsFinite reports whether all four quaternion components are finite.
func QuatIsFinite(q quat.Number) bool {
	for _, v := range []float64{q.Real, q.Imag, q.Jmag, q.Kmag} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Normalize returns q scaled to unit length.
func Normalize(q quat.Number) (quat.Number, error) {
	if !QuatIsFinite(q) {
		return quat.Number{}, errors.New("quaternion is not finite")
	}
	norm := quat.Abs(q)
	if norm < degenerateQuatNorm {
		return quat.Number{}, ErrDegenerateQuaternion
	}
	return quat.Scale(1/norm, q), nil
}

// QuatFromAxisAngle returns the unit quaternion rotating by angle radians about axis.
// A zero axis yields the identity.
func QuatFromAxisAngle(axis r3.Vector, angle float64) quat.Number {
	norm := axis.Norm()
	if norm == 0 {
		return NewZeroOrientation()
	}
	axis = axis.Mul(1 / norm)
	s := math.Sin(angle / 2)
	return quat.Number{Real: math.Cos(angle / 2), Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s}
}

// RotateVector rotates v by the unit quaternion q.
func RotateVector(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// QuatToR3AA converts a unit quaternion to a rotation vector: the axis scaled by the angle in
// radians. The shorter of the two equivalent rotations is returned.
// https://eigen.tuxfamily.org/dox/AngleAxis_8h_source.html
func QuatToR3AA(q quat.Number) r3.Vector {
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	denom := math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if denom < 1e-12 {
		// small-angle limit of 2*atan2(|v|, w)/|v| is 2/w
		return r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}.Mul(2 / q.Real)
	}
	angle := 2 * math.Atan2(denom, q.Real)
	return r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}.Mul(angle / denom)
}

// R3AAToQuat converts a rotation vector back to a unit quaternion.
func R3AAToQuat(v r3.Vector) quat.Number {
	return QuatFromAxisAngle(v, v.Norm())
}

// QuatAngle returns the rotation angle of a unit quaternion in [0, pi].
func QuatAngle(q quat.Number) float64 {
	return QuatToR3AA(q).Norm()
}

// OrientationBetween returns the rotation vector taking orientation from to orientation to,
// expressed in the base frame.
func OrientationBetween(from, to quat.Number) r3.Vector {
	return QuatToR3AA(quat.Mul(to, quat.Conj(from)))
}

// EulerAngles are roll, pitch and yaw in radians, applied in ZYX order.
type EulerAngles struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// QuatToEulerAngles converts a unit quaternion to ZYX euler angles.
func QuatToEulerAngles(q quat.Number) EulerAngles {
	sinrCosp := 2 * (q.Real*q.Imag + q.Jmag*q.Kmag)
	cosrCosp := 1 - 2*(q.Imag*q.Imag+q.Jmag*q.Jmag)
	roll := math.Atan2(sinrCosp, cosrCosp)

	var pitch float64
	sinp := 2 * (q.Real*q.Jmag - q.Kmag*q.Imag)
	if math.Abs(sinp) >= 1 {
		pitch = math.Copysign(math.Pi/2, sinp)
	} else {
		pitch = math.Asin(sinp)
	}

	sinyCosp := 2 * (q.Real*q.Kmag + q.Imag*q.Jmag)
	cosyCosp := 1 - 2*(q.Jmag*q.Jmag+q.Kmag*q.Kmag)
	yaw := math.Atan2(sinyCosp, cosyCosp)

	return EulerAngles{Roll: roll, Pitch: pitch, Yaw: yaw}
}

// Quaternion converts euler angles back to a unit quaternion.
func (ea EulerAngles) Quaternion() quat.Number {
	cr, sr := math.Cos(ea.Roll/2), math.Sin(ea.Roll/2)
	cp, sp := math.Cos(ea.Pitch/2), math.Sin(ea.Pitch/2)
	cy, sy := math.Cos(ea.Yaw/2), math.Sin(ea.Yaw/2)
	return quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	}
}
