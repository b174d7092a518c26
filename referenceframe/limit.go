package referenceframe

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/rideseat/seatmotion/utils"
)

// JointLimit represents the limits of motion of a single joint. Angles are in radians, rates in
// rad/s, rad/s² and rad/s³. A MaxJerk of zero means jerk is not bounded.
type JointLimit struct {
	Min             float64 `json:"min"`
	Max             float64 `json:"max"`
	MaxVelocity     float64 `json:"max_vel"`
	MaxAcceleration float64 `json:"max_accel"`
	MaxJerk         float64 `json:"max_jerk,omitempty"`
}

// Contains reports whether the angle lies within [Min, Max].
func (l JointLimit) Contains(angle float64) bool {
	return angle >= l.Min && angle <= l.Max
}

// Validate checks that the limit is well formed.
func (l JointLimit) Validate(path string) error {
	if !utils.IsFinite(l.Min, l.Max, l.MaxVelocity, l.MaxAcceleration, l.MaxJerk) {
		return errors.Errorf("%s: limits must be finite", path)
	}
	if l.Min >= l.Max {
		return errors.Errorf("%s: min (%.4f) must be less than max (%.4f)", path, l.Min, l.Max)
	}
	if l.MaxVelocity <= 0 {
		return errors.Errorf("%s: max_vel must be positive", path)
	}
	if l.MaxAcceleration <= 0 {
		return errors.Errorf("%s: max_accel must be positive", path)
	}
	if l.MaxJerk < 0 {
		return errors.Errorf("%s: max_jerk cannot be negative", path)
	}
	return nil
}

// JointLimits is the static limit table for all joints.
type JointLimits [DoF]JointLimit

// Validate checks every joint's limit.
func (jl JointLimits) Validate(path string) error {
	var err error
	for i, l := range jl {
		err = multierr.Append(err, l.Validate(fmt.Sprintf("%s.%d", path, i)))
	}
	return err
}

// Contains reports whether every joint lies within its angle limits.
func (jl JointLimits) Contains(j Joints) bool {
	for i, l := range jl {
		if !l.Contains(j[i]) {
			return false
		}
	}
	return true
}

// Clamp returns j with every joint clamped to its angle limits.
func (jl JointLimits) Clamp(j Joints) Joints {
	for i, l := range jl {
		j[i] = utils.Clamp(j[i], l.Min, l.Max)
	}
	return j
}

// LimitViolation describes a joint exceeding one of its limits.
type LimitViolation struct {
	Joint    int
	Quantity string // "position", "velocity" or "acceleration"
	Value    float64
	Limit    float64
}

func (v *LimitViolation) Error() string {
	return fmt.Sprintf("joint %d %s %.4f exceeds limit %.4f", v.Joint, v.Quantity, v.Value, v.Limit)
}

// tolerance applied to rate checks so a command clamped exactly to a limit still passes
const rateTolerance = 1e-6

// CheckState returns a *LimitViolation for the first joint whose position, velocity or
// acceleration lies outside the table.
func (jl JointLimits) CheckState(s JointState) error {
	for i, l := range jl {
		p := s.Positions[i]
		if math.IsNaN(p) || p < l.Min-rateTolerance || p > l.Max+rateTolerance {
			limit := l.Max
			if p < l.Min {
				limit = l.Min
			}
			return &LimitViolation{Joint: i, Quantity: "position", Value: p, Limit: limit}
		}
		if v := s.Velocities[i]; math.IsNaN(v) || math.Abs(v) > l.MaxVelocity*(1+rateTolerance) {
			return &LimitViolation{Joint: i, Quantity: "velocity", Value: v, Limit: l.MaxVelocity}
		}
		if a := s.Accelerations[i]; math.IsNaN(a) || math.Abs(a) > l.MaxAcceleration*(1+rateTolerance) {
			return &LimitViolation{Joint: i, Quantity: "acceleration", Value: a, Limit: l.MaxAcceleration}
		}
	}
	return nil
}

// MaxStep is the largest displacement each joint may make in one period of length dt seconds
// when moving at its velocity limit.
func (jl JointLimits) MaxStep(dt float64) Joints {
	var step Joints
	for i, l := range jl {
		step[i] = l.MaxVelocity * dt
	}
	return step
}
