package motionplan

import (
	"math"

	"github.com/rideseat/seatmotion/referenceframe"
	"github.com/rideseat/seatmotion/utils"
)

// StopRamp returns the states that bring last to rest, one per period of dt seconds, decelerating
// every joint linearly so they all stop on the same tick. The slowest-to-stop joint decelerates at
// its acceleration limit. At most maxSteps states are returned; if that is not enough the final
// state still has velocity and the caller must follow up with a hard stop.
func StopRamp(last referenceframe.JointState, limits referenceframe.JointLimits, dt float64, maxSteps int) []referenceframe.JointState {
	var stopTime float64
	for i, l := range limits {
		stopTime = math.Max(stopTime, math.Abs(last.Velocities[i])/l.MaxAcceleration)
	}
	if stopTime == 0 || maxSteps <= 0 || !last.Velocities.IsFinite() {
		return nil
	}
	steps := int(math.Ceil(stopTime/dt - 1e-9))
	if steps < 1 {
		steps = 1
	}

	ramp := make([]referenceframe.JointState, 0, min(steps, maxSteps))
	prev := last
	for k := 1; k <= steps && k <= maxSteps; k++ {
		var next referenceframe.JointState
		velocities := last.Velocities.Scale(1 - float64(k)/float64(steps))
		for i, l := range limits {
			next.Positions[i] = utils.Clamp(prev.Positions[i]+velocities[i]*dt, l.Min, l.Max)
		}
		next.Velocities = next.Positions.Sub(prev.Positions).Scale(1 / dt)
		next.Accelerations = next.Velocities.Sub(prev.Velocities).Scale(1 / dt)
		ramp = append(ramp, next)
		prev = next
	}
	return ramp
}
