package motionplan

import (
	"fmt"

	"github.com/rideseat/seatmotion/kinematics"
	"github.com/rideseat/seatmotion/spatialmath"
)

// UnreachablePoseError is returned when neither inverse kinematics stage produced a usable
// solution. It carries why each stage failed.
type UnreachablePoseError struct {
	Target   spatialmath.Pose
	Analytic kinematics.FailureReason
	Numeric  kinematics.FailureReason
}

func (e *UnreachablePoseError) Error() string {
	return fmt.Sprintf("unable to solve for pose %v: analytic stage: %v, numeric stage: %v", e.Target, e.Analytic, e.Numeric)
}

// NewUnreachablePoseError returns an *UnreachablePoseError.
func NewUnreachablePoseError(target spatialmath.Pose, analytic, numeric kinematics.FailureReason) error {
	return &UnreachablePoseError{Target: target, Analytic: analytic, Numeric: numeric}
}
