package referenceframe

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func testLimits() JointLimits {
	var jl JointLimits
	for i := range jl {
		jl[i] = JointLimit{Min: -1, Max: 1, MaxVelocity: 2, MaxAcceleration: 10}
	}
	return jl
}

func TestJointsArithmetic(t *testing.T) {
	a := Joints{1, 2, 3, 4, 5, 6}
	b := Joints{1, 1, 1, 1, 1, 1}
	test.That(t, a.Sub(b), test.ShouldResemble, Joints{0, 1, 2, 3, 4, 5})
	test.That(t, a.Add(b)[5], test.ShouldEqual, 7.)
	test.That(t, b.Scale(2).Norm(), test.ShouldAlmostEqual, math.Sqrt(24))
	test.That(t, a.MaxAbs(), test.ShouldEqual, 6.)
	test.That(t, Distance(a, a), test.ShouldEqual, 0.)
	test.That(t, InterpolateJoints(Joints{}, b, 0.5)[0], test.ShouldAlmostEqual, 0.5)

	// arrays are values, the receiver is never mutated
	test.That(t, a[0], test.ShouldEqual, 1.)
}

func TestJointsConversions(t *testing.T) {
	j := JointsFromDegrees([DoF]float64{180, 90, 0, -90, 45, 0})
	test.That(t, j[0], test.ShouldAlmostEqual, math.Pi)
	test.That(t, j.Degrees()[3], test.ShouldAlmostEqual, -90.)

	_, err := JointsFromSlice([]float64{1, 2})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "degrees of freedom")

	j2, err := JointsFromSlice(j.Slice())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, j2, test.ShouldResemble, j)

	test.That(t, Joints{math.NaN()}.IsFinite(), test.ShouldBeFalse)
}

func TestJointLimitValidate(t *testing.T) {
	test.That(t, testLimits().Validate("joint_limits"), test.ShouldBeNil)

	bad := testLimits()
	bad[2].Min = 2
	bad[4].MaxVelocity = 0
	err := bad.Validate("joint_limits")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "joint_limits.2")
	test.That(t, err.Error(), test.ShouldContainSubstring, "joint_limits.4")

	bad = testLimits()
	bad[0].MaxJerk = -1
	test.That(t, bad.Validate("x"), test.ShouldNotBeNil)
}

func TestJointLimitsCheckState(t *testing.T) {
	jl := testLimits()
	test.That(t, jl.Contains(Joints{0.5}), test.ShouldBeTrue)
	test.That(t, jl.Contains(Joints{1.5}), test.ShouldBeFalse)
	clamped := jl.Clamp(Joints{1.5, -3})
	test.That(t, clamped[0], test.ShouldEqual, 1.)
	test.That(t, clamped[1], test.ShouldEqual, -1.)

	test.That(t, jl.CheckState(JointState{Positions: Joints{1}, Velocities: Joints{2}}), test.ShouldBeNil)

	for _, tc := range []struct {
		name     string
		state    JointState
		quantity string
		joint    int
	}{
		{"position", JointState{Positions: Joints{0, 0, 1.2}}, "position", 2},
		{"velocity", JointState{Velocities: Joints{0, -2.5}}, "velocity", 1},
		{"acceleration", JointState{Accelerations: Joints{0, 0, 0, 0, 0, 11}}, "acceleration", 5},
		{"nan", JointState{Positions: Joints{math.NaN()}}, "position", 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := jl.CheckState(tc.state)
			var lv *LimitViolation
			test.That(t, errors.As(err, &lv), test.ShouldBeTrue)
			test.That(t, lv.Quantity, test.ShouldEqual, tc.quantity)
			test.That(t, lv.Joint, test.ShouldEqual, tc.joint)
		})
	}
	test.That(t, jl.MaxStep(0.01)[0], test.ShouldAlmostEqual, 0.02)
}
