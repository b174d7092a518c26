package safety

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// State is the safety state of the motion pipeline.
type State uint8

// The safety states. Motion is commanded only in Running.
const (
	Init State = iota
	SafeIdle
	Armed
	Running
	Fault
	EStop
)

// States lists every state.
var States = []State{Init, SafeIdle, Armed, Running, Fault, EStop}

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case SafeIdle:
		return "SAFE_IDLE"
	case Armed:
		return "ARMED"
	case Running:
		return "RUNNING"
	case Fault:
		return "FAULT"
	case EStop:
		return "ESTOP"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Halted reports whether the state requires an operator recovery.
func (s State) Halted() bool {
	return s == Fault || s == EStop
}

// event is anything that can move the state machine. The set is closed: only this package
// defines events, and transition handles every one of them in every state.
type event interface {
	isEvent()
}

type (
	selfCheckPassed struct{}
	armRequested    struct{}
	validPose       struct{}
	faultRaised     struct{ fault FaultInfo }
	estopRequested  struct{ fault FaultInfo }
	recovered       struct{ operator string }
)

func (selfCheckPassed) isEvent() {}
func (armRequested) isEvent()    {}
func (validPose) isEvent()       {}
func (faultRaised) isEvent()     {}
func (estopRequested) isEvent()  {}
func (recovered) isEvent()       {}

// errIllegalTransition is returned for events a state does not accept.
type errIllegalTransition struct {
	from State
	ev   event
}

func (e *errIllegalTransition) Error() string {
	return "cannot handle " + eventName(e.ev) + " in state " + e.from.String()
}

func eventName(ev event) string {
	switch ev.(type) {
	case selfCheckPassed:
		return "self check"
	case armRequested:
		return "arm request"
	case validPose:
		return "valid pose"
	case faultRaised:
		return "fault"
	case estopRequested:
		return "e-stop"
	case recovered:
		return "recovery"
	default:
		return "unknown event"
	}
}

// transition returns the state that follows from after ev. Returning from with a nil error means
// the event was absorbed without a change, such as a second fault while already faulted.
func transition(from State, ev event) (State, error) {
	// e-stop wins over everything, in every state
	if _, ok := ev.(estopRequested); ok {
		return EStop, nil
	}

	illegal := &errIllegalTransition{from: from, ev: ev}
	switch from {
	case Init:
		switch ev.(type) {
		case selfCheckPassed:
			return SafeIdle, nil
		case validPose:
			return from, nil
		case armRequested, faultRaised, recovered:
			return from, illegal
		}
	case SafeIdle:
		switch ev.(type) {
		case armRequested:
			return Armed, nil
		case faultRaised:
			return Fault, nil
		case validPose:
			return from, nil
		case selfCheckPassed, recovered:
			return from, illegal
		}
	case Armed:
		switch ev.(type) {
		case validPose:
			return Running, nil
		case faultRaised:
			return Fault, nil
		case selfCheckPassed, armRequested, recovered:
			return from, illegal
		}
	case Running:
		switch ev.(type) {
		case faultRaised:
			return Fault, nil
		case validPose:
			return from, nil
		case selfCheckPassed, armRequested, recovered:
			return from, illegal
		}
	case Fault, EStop:
		switch ev.(type) {
		case recovered:
			return SafeIdle, nil
		case faultRaised, validPose:
			return from, nil
		case selfCheckPassed, armRequested:
			return from, illegal
		}
	}
	return from, errors.Errorf("unhandled %s in state %v", eventName(ev), from)
}
