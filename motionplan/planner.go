// Package motionplan turns tool center point targets into jerk limited joint trajectory segments.
// Each target goes through a two-stage inverse kinematics pipeline: a closed-form stage that picks
// the candidate nearest the previous configuration, then a damped least squares stage when the
// closed form is near singular or yields nothing usable.
package motionplan

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/rideseat/seatmotion/kinematics"
	"github.com/rideseat/seatmotion/logging"
	"github.com/rideseat/seatmotion/referenceframe"
	"github.com/rideseat/seatmotion/spatialmath"
)

// Segment is one planned control period.
type Segment struct {
	// Joints is the commanded state after jerk limiting.
	Joints referenceframe.JointState
	// Solution is the inverse kinematics result before limiting. FK(Solution) is the target.
	Solution referenceframe.Joints
	// Previous is the state the segment was limited against.
	Previous    referenceframe.JointState
	HasPrevious bool
	Timestamp   time.Duration
	// Scale is the uniform factor applied to the step towards Solution. 1 means unclamped.
	Scale float64
	Stage kinematics.Stage
}

// Options tunes the planner.
type Options struct {
	// Period is the control period the segment spans.
	Period time.Duration
	// SingularityEpsilon is the smallest |det J| accepted from the analytic stage.
	SingularityEpsilon float64
	// Damping, MaxIterations and MaxStep configure the numeric stage.
	Damping       float64
	MaxIterations int
	MaxStep       float64
	// Tolerances on the reconstructed pose, in mm and rad.
	PositionTolerance    float64
	OrientationTolerance float64
}

// DefaultOptions returns options for a 100 Hz control loop.
func DefaultOptions() Options {
	return Options{
		Period:               10 * time.Millisecond,
		SingularityEpsilon:   1e-3,
		Damping:              kinematics.DefaultDamping,
		MaxIterations:        kinematics.DefaultMaxIterations,
		MaxStep:              kinematics.DefaultMaxStep,
		PositionTolerance:    1,
		OrientationTolerance: 0.01,
	}
}

// Validate checks the options.
func (o Options) Validate(path string) error {
	switch {
	case o.Period <= 0:
		return errors.Errorf("%s: period must be positive", path)
	case !(o.SingularityEpsilon >= 0):
		return errors.Errorf("%s.singularity_epsilon: cannot be negative", path)
	case !(o.Damping > 0):
		return errors.Errorf("%s.damping: must be positive", path)
	case o.MaxIterations <= 0:
		return errors.Errorf("%s.max_iterations: must be positive", path)
	case !(o.MaxStep > 0):
		return errors.Errorf("%s.max_step: must be positive", path)
	case !(o.PositionTolerance > 0) || !(o.OrientationTolerance > 0):
		return errors.Errorf("%s: tolerances must be positive", path)
	}
	return nil
}

// Planner plans one segment per accepted target. It holds no per-tick state: the caller owns the
// previous joint state and only replaces it when planning succeeds.
type Planner struct {
	model    *kinematics.Model
	analytic *kinematics.AnalyticSolver
	numeric  *kinematics.DLSSolver
	opts     Options
	logger   logging.Logger
}

// NewPlanner returns a planner for the model. A model whose geometry has no closed-form solution
// is planned with the numeric stage alone.
func NewPlanner(model *kinematics.Model, opts Options, logger logging.Logger) (*Planner, error) {
	if err := opts.Validate("planner"); err != nil {
		return nil, err
	}
	numeric := kinematics.NewDLSSolver(model)
	numeric.Damping = opts.Damping
	numeric.MaxIterations = opts.MaxIterations
	numeric.MaxStep = opts.MaxStep
	// converge tighter than the acceptance tolerance
	numeric.PositionTolerance = math.Min(kinematics.DefaultPositionTolerance, opts.PositionTolerance)
	numeric.OrientationTolerance = math.Min(kinematics.DefaultOrientationTolerance, opts.OrientationTolerance)

	p := &Planner{model: model, numeric: numeric, opts: opts, logger: logger}
	analytic, err := kinematics.NewAnalyticSolver(model)
	if err != nil {
		logger.Warnw("no closed-form inverse kinematics for this arm, using the numeric solver only", "model", model.Name, "reason", err)
	} else {
		p.analytic = analytic
	}
	return p, nil
}

// Model returns the kinematic model being planned for.
func (p *Planner) Model() *kinematics.Model {
	return p.model
}

// Period returns the control period segments are planned for.
func (p *Planner) Period() time.Duration {
	return p.opts.Period
}

// Plan solves inverse kinematics for target and limits the step from previous. When previous is
// nil the arm is assumed to be at rest at the home posture. On error nothing about previous
// changes and it remains the reference for the next tick.
func (p *Planner) Plan(
	target spatialmath.Pose,
	previous *referenceframe.JointState,
	limits referenceframe.JointLimits,
) (*Segment, error) {
	if !target.IsFinite() {
		return nil, NewUnreachablePoseError(target, kinematics.ReasonNonFinite, kinematics.ReasonNonFinite)
	}
	prev := referenceframe.NewJointStateAtRest(p.model.Home)
	if previous != nil {
		prev = *previous
	}

	solution, analyticReason := p.solveAnalytic(target, prev.Positions, limits)
	stage := kinematics.StageAnalytic
	if analyticReason != kinematics.ReasonNone {
		var numericReason kinematics.FailureReason
		solution, numericReason = p.numeric.Solve(target, prev.Positions, limits)
		if numericReason == kinematics.ReasonNone && !limits.Contains(solution) {
			numericReason = kinematics.ReasonJointLimits
		}
		if numericReason != kinematics.ReasonNone {
			return nil, NewUnreachablePoseError(target, analyticReason, numericReason)
		}
		stage = kinematics.StageNumeric
		p.logger.Debugw("analytic inverse kinematics fell back to numeric", "reason", analyticReason)
	}

	if !spatialmath.PoseAlmostEqual(p.model.FK(solution), target, p.opts.PositionTolerance, p.opts.OrientationTolerance) {
		return nil, NewUnreachablePoseError(target, analyticReason, kinematics.ReasonNoConvergence)
	}

	joints, scale := LimitStep(prev, solution, limits, p.opts.Period.Seconds())
	return &Segment{
		Joints:      joints,
		Solution:    solution,
		Previous:    prev,
		HasPrevious: previous != nil,
		Scale:       scale,
		Stage:       stage,
	}, nil
}

// solveAnalytic returns the in-limit closed-form candidate nearest ref.
func (p *Planner) solveAnalytic(
	target spatialmath.Pose,
	ref referenceframe.Joints,
	limits referenceframe.JointLimits,
) (referenceframe.Joints, kinematics.FailureReason) {
	if p.analytic == nil {
		return ref, kinematics.ReasonUnsupportedGeometry
	}
	candidates, reason := p.analytic.Solve(target)
	if reason != kinematics.ReasonNone {
		return ref, reason
	}
	var best referenceframe.Joints
	bestDist := math.Inf(1)
	for _, c := range candidates {
		unwrapped, ok := kinematics.Unwrap(c, ref, limits)
		if !ok {
			continue
		}
		if d := referenceframe.Distance(unwrapped, ref); d < bestDist {
			best, bestDist = unwrapped, d
		}
	}
	if math.IsInf(bestDist, 1) {
		return ref, kinematics.ReasonJointLimits
	}
	if p.model.Manipulability(best) < p.opts.SingularityEpsilon {
		return ref, kinematics.ReasonNearSingular
	}
	return best, kinematics.ReasonNone
}
