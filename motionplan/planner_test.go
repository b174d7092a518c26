package motionplan

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/rideseat/seatmotion/kinematics"
	"github.com/rideseat/seatmotion/logging"
	"github.com/rideseat/seatmotion/referenceframe"
	"github.com/rideseat/seatmotion/spatialmath"
)

func newTestPlanner(t *testing.T) (*Planner, *kinematics.Model) {
	t.Helper()
	m := kinematics.NewIRB6600Model()
	p, err := NewPlanner(m, DefaultOptions(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return p, m
}

func TestPlanReconstructsTarget(t *testing.T) {
	p, m := newTestPlanner(t)
	rnd := rand.New(rand.NewSource(5))
	for trial := 0; trial < 100; trial++ {
		q := m.Home
		for i := range q {
			q[i] += 0.3 * (rnd.Float64()*2 - 1)
		}
		target := m.FK(q)
		seg, err := p.Plan(target, nil, m.Limits)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, seg.Stage, test.ShouldEqual, kinematics.StageAnalytic)
		test.That(t, seg.HasPrevious, test.ShouldBeFalse)
		test.That(t, seg.Previous.Positions, test.ShouldResemble, m.Home)
		test.That(t, spatialmath.PoseAlmostEqual(m.FK(seg.Solution), target, 1, 0.01), test.ShouldBeTrue)
		// the candidate nearest home is the configuration the target came from
		for i := range q {
			test.That(t, seg.Solution[i], test.ShouldAlmostEqual, q[i], 1e-6)
		}
		test.That(t, m.Limits.CheckState(seg.Joints), test.ShouldBeNil)
	}
}

func TestPlanContinuity(t *testing.T) {
	p, m := newTestPlanner(t)
	q0 := referenceframe.Joints{0.1, 0.2, -0.1, 0.3, -1.2, 2.9}
	q1 := q0.Add(referenceframe.Joints{1e-3, 1e-3, 1e-3, 1e-3, 1e-3, 1e-3})
	prev := referenceframe.NewJointStateAtRest(q0)

	seg, err := p.Plan(m.FK(q1), &prev, m.Limits)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, seg.HasPrevious, test.ShouldBeTrue)
	test.That(t, referenceframe.Distance(seg.Solution, q1), test.ShouldBeLessThan, 1e-6)

	dt := p.Period().Seconds()
	maxStep := m.Limits.MaxStep(dt)
	step := seg.Joints.Positions.Sub(q0)
	for i := range step {
		test.That(t, math.Abs(step[i]), test.ShouldBeLessThanOrEqualTo, maxStep[i]+1e-12)
	}
	test.That(t, m.Limits.CheckState(seg.Joints), test.ShouldBeNil)

	// starting from rest the acceleration limit binds, and the whole step shrinks uniformly
	test.That(t, seg.Scale, test.ShouldBeGreaterThan, 0)
	test.That(t, seg.Scale, test.ShouldBeLessThan, 1)
	want := seg.Solution.Sub(q0).Scale(seg.Scale)
	for i := range step {
		test.That(t, step[i], test.ShouldAlmostEqual, want[i], 1e-12)
	}
}

func TestPlanNumericFallback(t *testing.T) {
	p, m := newTestPlanner(t)
	// a straight wrist is singular, so the closed form is rejected
	q := referenceframe.Joints{0.2, 0.1, -0.2, 0.3, 0, 0.5}
	prev := referenceframe.NewJointStateAtRest(referenceframe.Joints{0.21, 0.1, -0.19, 0.3, 0.02, 0.5})
	target := m.FK(q)

	seg, err := p.Plan(target, &prev, m.Limits)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, seg.Stage, test.ShouldEqual, kinematics.StageNumeric)
	test.That(t, spatialmath.PoseAlmostEqual(m.FK(seg.Solution), target, 1, 0.01), test.ShouldBeTrue)
}

func TestPlanUnreachable(t *testing.T) {
	m := kinematics.NewIRB6600Model()
	opts := DefaultOptions()
	opts.MaxIterations = 20
	p, err := NewPlanner(m, opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	_, err = p.Plan(spatialmath.NewPoseFromPoint(r3.Vector{X: 9000}), nil, m.Limits)
	var unreachable *UnreachablePoseError
	test.That(t, errors.As(err, &unreachable), test.ShouldBeTrue)
	test.That(t, unreachable.Analytic, test.ShouldEqual, kinematics.ReasonOutOfReach)
	test.That(t, unreachable.Numeric, test.ShouldNotEqual, kinematics.ReasonNone)
	test.That(t, err.Error(), test.ShouldContainSubstring, "out of reach")

	_, err = p.Plan(spatialmath.NewPoseFromPoint(r3.Vector{X: math.NaN()}), nil, m.Limits)
	test.That(t, errors.As(err, &unreachable), test.ShouldBeTrue)
	test.That(t, unreachable.Numeric, test.ShouldEqual, kinematics.ReasonNonFinite)

	// a pose the arm can only reach outside a narrowed table is rejected by both stages
	narrow := m.Limits
	narrow[0].Min, narrow[0].Max = -0.1, 0.1
	q := m.Home
	q[0] = 1
	_, err = p.Plan(m.FK(q), nil, narrow)
	test.That(t, errors.As(err, &unreachable), test.ShouldBeTrue)
	test.That(t, unreachable.Analytic, test.ShouldEqual, kinematics.ReasonJointLimits)
}

func TestOptionsValidate(t *testing.T) {
	test.That(t, DefaultOptions().Validate("planner"), test.ShouldBeNil)

	opts := DefaultOptions()
	opts.Period = 0
	test.That(t, opts.Validate("planner"), test.ShouldNotBeNil)

	opts = DefaultOptions()
	opts.Damping = math.NaN()
	err := opts.Validate("planner")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "planner.damping")

	_, err = NewPlanner(kinematics.NewIRB6600Model(), opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func uniformLimits(vel, acc, jerk float64) referenceframe.JointLimits {
	var limits referenceframe.JointLimits
	for i := range limits {
		limits[i] = referenceframe.JointLimit{Min: -math.Pi, Max: math.Pi, MaxVelocity: vel, MaxAcceleration: acc, MaxJerk: jerk}
	}
	return limits
}

func TestLimitStep(t *testing.T) {
	const dt = 0.01

	t.Run("within limits", func(t *testing.T) {
		target := referenceframe.Joints{0.0005}
		next, scale := LimitStep(referenceframe.JointState{}, target, uniformLimits(1, 10, 0), dt)
		test.That(t, scale, test.ShouldEqual, 1.)
		test.That(t, next.Positions, test.ShouldResemble, target)
	})

	t.Run("acceleration scales the whole step", func(t *testing.T) {
		next, scale := LimitStep(referenceframe.JointState{}, referenceframe.Joints{0.01, 0.005}, uniformLimits(1, 10, 0), dt)
		test.That(t, scale, test.ShouldAlmostEqual, 0.1)
		test.That(t, next.Positions[0], test.ShouldAlmostEqual, 0.001)
		test.That(t, next.Positions[1], test.ShouldAlmostEqual, 0.0005)
		test.That(t, next.Velocities[0], test.ShouldAlmostEqual, 0.1)
		test.That(t, next.Accelerations[0], test.ShouldAlmostEqual, 10.)
		test.That(t, next.Accelerations[1], test.ShouldAlmostEqual, 5.)
	})

	t.Run("velocity", func(t *testing.T) {
		prev := referenceframe.JointState{Velocities: referenceframe.Joints{1}}
		next, scale := LimitStep(prev, referenceframe.Joints{0.05}, uniformLimits(1, 10, 0), dt)
		test.That(t, scale, test.ShouldAlmostEqual, 0.2)
		test.That(t, next.Velocities[0], test.ShouldAlmostEqual, 1.)
		test.That(t, next.Accelerations[0], test.ShouldAlmostEqual, 0.)
	})

	t.Run("jerk", func(t *testing.T) {
		next, scale := LimitStep(referenceframe.JointState{}, referenceframe.Joints{0.01}, uniformLimits(1, 10, 100), dt)
		test.That(t, scale, test.ShouldAlmostEqual, 0.01)
		test.That(t, next.Accelerations[0], test.ShouldAlmostEqual, 1.)
	})

	t.Run("jerk is relaxed first", func(t *testing.T) {
		// still accelerating forwards, so reversing within the jerk bound is impossible
		prev := referenceframe.JointState{Accelerations: referenceframe.Joints{5}}
		next, scale := LimitStep(prev, referenceframe.Joints{-0.01}, uniformLimits(1, 10, 100), dt)
		test.That(t, scale, test.ShouldAlmostEqual, 0.1)
		test.That(t, next.Velocities[0], test.ShouldAlmostEqual, -0.1)
	})

	t.Run("direction reversal decelerates", func(t *testing.T) {
		limits := uniformLimits(1, 10, 0)
		prev := referenceframe.JointState{Velocities: referenceframe.Joints{1}}
		next, scale := LimitStep(prev, referenceframe.Joints{-0.01}, limits, dt)
		test.That(t, scale, test.ShouldAlmostEqual, 0.05)
		test.That(t, next.Velocities[0], test.ShouldAlmostEqual, 0.9)
		test.That(t, next.Positions[0], test.ShouldAlmostEqual, 0.009)
		test.That(t, next.Accelerations[0], test.ShouldAlmostEqual, -10.)
		test.That(t, limits.CheckState(next), test.ShouldBeNil)
	})
}

func TestStopRamp(t *testing.T) {
	const dt = 0.01
	limits := uniformLimits(2, 10, 0)
	last := referenceframe.JointState{
		Positions:  referenceframe.Joints{0.5, -0.5},
		Velocities: referenceframe.Joints{1, -0.5},
	}

	ramp := StopRamp(last, limits, dt, 100)
	test.That(t, len(ramp), test.ShouldEqual, 10)
	prev := last
	for _, s := range ramp {
		test.That(t, limits.CheckState(s), test.ShouldBeNil)
		// joints keep moving the way they were going until they stop
		test.That(t, s.Positions[0], test.ShouldBeGreaterThanOrEqualTo, prev.Positions[0])
		test.That(t, s.Positions[1], test.ShouldBeLessThanOrEqualTo, prev.Positions[1])
		prev = s
	}
	final := ramp[len(ramp)-1]
	test.That(t, final.Velocities.MaxAbs(), test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, final.Accelerations[0], test.ShouldAlmostEqual, -10., 1e-6)

	short := StopRamp(last, limits, dt, 3)
	test.That(t, len(short), test.ShouldEqual, 3)
	test.That(t, short[2].Velocities[0], test.ShouldAlmostEqual, 0.7, 1e-9)

	test.That(t, StopRamp(referenceframe.NewJointStateAtRest(last.Positions), limits, dt, 100), test.ShouldBeNil)
}
