package kinematics

// Stage identifies which inverse kinematics stage produced a solution.
type Stage int

// The inverse kinematics stages, in the order they are attempted.
const (
	StageAnalytic Stage = iota
	StageNumeric
)

func (s Stage) String() string {
	switch s {
	case StageAnalytic:
		return "analytic"
	case StageNumeric:
		return "numeric"
	default:
		return "unknown"
	}
}

// FailureReason is why an inverse kinematics stage did not produce a usable solution.
type FailureReason int

// Failure reasons reported by the solvers.
const (
	ReasonNone FailureReason = iota
	ReasonOutOfReach
	ReasonNearSingular
	ReasonJointLimits
	ReasonNoConvergence
	ReasonNonFinite
	ReasonUnsupportedGeometry
)

func (r FailureReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonOutOfReach:
		return "out of reach"
	case ReasonNearSingular:
		return "near singular"
	case ReasonJointLimits:
		return "joint limits"
	case ReasonNoConvergence:
		return "no convergence"
	case ReasonNonFinite:
		return "non-finite"
	case ReasonUnsupportedGeometry:
		return "unsupported geometry"
	default:
		return "unknown"
	}
}
