package motionplan

import (
	"math"

	"github.com/rideseat/seatmotion/referenceframe"
	"github.com/rideseat/seatmotion/utils"
)

// interval is a closed range of admissible scale factors.
type interval struct {
	lo, hi float64
}

func (iv interval) empty() bool {
	return iv.lo > iv.hi
}

// intersectScaled narrows iv to the scales s for which s*c lies within [lo, hi].
func (iv interval) intersectScaled(c, lo, hi float64) interval {
	switch {
	case c > 0:
		iv.lo = math.Max(iv.lo, lo/c)
		iv.hi = math.Min(iv.hi, hi/c)
	case c < 0:
		iv.lo = math.Max(iv.lo, hi/c)
		iv.hi = math.Min(iv.hi, lo/c)
	case lo > 0 || hi < 0:
		// s*c is always zero
		return interval{lo: 1, hi: 0}
	}
	return iv
}

// LimitStep moves from prev towards target by the largest uniform fraction of the step that keeps
// every joint's velocity, acceleration and, when bounded, jerk within limits over one period of
// dt seconds. Scaling the whole step keeps the direction of motion in joint space.
//
// The jerk bound is relaxed first if no fraction satisfies everything. If even velocity and
// acceleration cannot both hold, which happens when the target reverses direction while the
// joints are moving fast, the change in velocity is scaled instead so the joints decelerate at
// their limits. The returned scale is the fraction applied; 1 means target was reached.
func LimitStep(
	prev referenceframe.JointState,
	target referenceframe.Joints,
	limits referenceframe.JointLimits,
	dt float64,
) (referenceframe.JointState, float64) {
	delta := target.Sub(prev.Positions)
	// velocity needed to reach target this period
	reach := delta.Scale(1 / dt)

	withJerk := interval{lo: 0, hi: 1}
	for i, l := range limits {
		v0, a0 := prev.Velocities[i], prev.Accelerations[i]
		withJerk = withJerk.intersectScaled(reach[i], -l.MaxVelocity, l.MaxVelocity)
		withJerk = withJerk.intersectScaled(reach[i], v0-l.MaxAcceleration*dt, v0+l.MaxAcceleration*dt)
		if l.MaxJerk > 0 {
			withJerk = withJerk.intersectScaled(reach[i], v0+dt*(a0-l.MaxJerk*dt), v0+dt*(a0+l.MaxJerk*dt))
		}
	}
	if !withJerk.empty() {
		return stepByScale(prev, delta, withJerk.hi, dt), withJerk.hi
	}

	relaxed := interval{lo: 0, hi: 1}
	for i, l := range limits {
		v0 := prev.Velocities[i]
		relaxed = relaxed.intersectScaled(reach[i], -l.MaxVelocity, l.MaxVelocity)
		relaxed = relaxed.intersectScaled(reach[i], v0-l.MaxAcceleration*dt, v0+l.MaxAcceleration*dt)
	}
	if !relaxed.empty() {
		return stepByScale(prev, delta, relaxed.hi, dt), relaxed.hi
	}

	return stepByVelocityChange(prev, reach, limits, dt)
}

func stepByScale(prev referenceframe.JointState, delta referenceframe.Joints, s, dt float64) referenceframe.JointState {
	var next referenceframe.JointState
	next.Positions = prev.Positions.Add(delta.Scale(s))
	next.Velocities = delta.Scale(s / dt)
	next.Accelerations = next.Velocities.Sub(prev.Velocities).Scale(1 / dt)
	return next
}

// stepByVelocityChange applies v = v0 + k*(reach - v0) with the largest k in [0, 1] that keeps
// velocity and acceleration within limits. k = 0 always qualifies when v0 does.
func stepByVelocityChange(
	prev referenceframe.JointState,
	reach referenceframe.Joints,
	limits referenceframe.JointLimits,
	dt float64,
) (referenceframe.JointState, float64) {
	change := reach.Sub(prev.Velocities)
	k := interval{lo: 0, hi: 1}
	for i, l := range limits {
		v0 := prev.Velocities[i]
		k = k.intersectScaled(change[i], -l.MaxVelocity-v0, l.MaxVelocity-v0)
		k = k.intersectScaled(change[i], -l.MaxAcceleration*dt, l.MaxAcceleration*dt)
	}
	scale := 0.0
	if !k.empty() {
		scale = k.hi
	}

	var next referenceframe.JointState
	velocities := prev.Velocities.Add(change.Scale(scale))
	for i, l := range limits {
		next.Positions[i] = utils.Clamp(prev.Positions[i]+velocities[i]*dt, l.Min, l.Max)
	}
	next.Velocities = next.Positions.Sub(prev.Positions).Scale(1 / dt)
	next.Accelerations = next.Velocities.Sub(prev.Velocities).Scale(1 / dt)
	return next, scale
}
