package safety

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// FaultReason says why the pipeline left normal operation.
type FaultReason uint8

// Fault reasons.
const (
	ReasonNone FaultReason = iota
	ReasonRejectedTargets
	ReasonJointLimit
	ReasonWatchdog
	ReasonLinkLoss
	ReasonHardwareEStop
	ReasonSoftwareEStop
	ReasonRepeatedFaults
)

func (r FaultReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonRejectedTargets:
		return "rejected targets"
	case ReasonJointLimit:
		return "joint limit"
	case ReasonWatchdog:
		return "watchdog timeout"
	case ReasonLinkLoss:
		return "robot link lost"
	case ReasonHardwareEStop:
		return "hardware e-stop"
	case ReasonSoftwareEStop:
		return "software e-stop"
	case ReasonRepeatedFaults:
		return "repeated faults"
	default:
		return "unknown"
	}
}

// MarshalText encodes the reason by name.
func (r FaultReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// FaultInfo describes the fault or e-stop that halted the pipeline.
type FaultInfo struct {
	Reason FaultReason `json:"reason"`
	Detail string      `json:"detail,omitempty"`
	Source string      `json:"source,omitempty"`
	At     time.Time   `json:"at"`
}

func (f FaultInfo) String() string {
	s := f.Reason.String()
	if f.Source != "" {
		s += " from " + f.Source
	}
	if f.Detail != "" {
		s += ": " + f.Detail
	}
	return s
}

// WatchdogTimeoutError is raised when no valid telemetry arrived within the watchdog timeout.
type WatchdogTimeoutError struct {
	LastValid time.Time
	Elapsed   time.Duration
	Timeout   time.Duration
}

func (e *WatchdogTimeoutError) Error() string {
	if e.LastValid.IsZero() {
		return fmt.Sprintf("no valid telemetry received (timeout %v)", e.Timeout)
	}
	return fmt.Sprintf("no valid telemetry for %v (timeout %v)", e.Elapsed, e.Timeout)
}

// ErrHalted is returned by CheckCommand when the pipeline is not running.
var ErrHalted = errors.New("motion is not permitted in the current safety state")

// ErrLinkUnhealthy is the link loss detail used when the robot link reports itself unhealthy
// without a failed send.
var ErrLinkUnhealthy = errors.New("robot link reports unhealthy")

// RefusedError is returned when an operator command is not allowed right now.
type RefusedError struct {
	Command string
	State   State
	Reason  string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("%s refused in state %v: %s", e.Command, e.State, e.Reason)
}
