// Package safety implements the supervisor that owns the safety state of the motion pipeline. It
// runs the telemetry watchdog, enforces joint limits on every command, debounces rejected targets
// and latches faults and e-stops until an operator recovers.
package safety

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/rideseat/seatmotion/logging"
	"github.com/rideseat/seatmotion/referenceframe"
)

// HealthChecker reports whether the robot link is connected.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Transition records one change of safety state.
type Transition struct {
	From     State      `json:"from"`
	To       State      `json:"to"`
	Fault    *FaultInfo `json:"fault,omitempty"`
	Operator string     `json:"operator,omitempty"`
	At       time.Time  `json:"at"`
}

// Status is a snapshot of the supervisor.
type Status struct {
	State                 State      `json:"state"`
	Since                 time.Time  `json:"since"`
	Fault                 *FaultInfo `json:"fault,omitempty"`
	LastValidTelemetry    time.Time  `json:"last_valid_telemetry"`
	ConsecutiveRejections int        `json:"consecutive_rejections"`
	InvalidSamples        uint64     `json:"invalid_samples"`
	HardwareEStopEngaged  bool       `json:"hardware_estop_engaged"`
}

// Supervisor owns the safety state. All other components read it through Status, State and Gate
// and change it only through the command and observation methods.
type Supervisor struct {
	cfg    Config
	limits referenceframe.JointLimits
	link   HealthChecker
	clock  clock.Clock
	logger logging.Logger

	mu         sync.Mutex
	state      State
	since      time.Time
	fault      *FaultInfo
	lastValid  time.Time
	rejections int
	faultTimes []time.Time
	hwEngaged  map[string]bool

	invalid atomic.Uint64

	subMu       sync.Mutex
	subscribers []func(Transition)
	changed     chan struct{}
}

// NewSupervisor returns a supervisor in the Init state.
func NewSupervisor(
	cfg Config,
	limits referenceframe.JointLimits,
	link HealthChecker,
	clk clock.Clock,
	logger logging.Logger,
) (*Supervisor, error) {
	if err := cfg.Validate("safety"); err != nil {
		return nil, err
	}
	if link == nil {
		return nil, errors.New("safety supervisor requires a robot link")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Supervisor{
		cfg:       cfg,
		limits:    limits,
		link:      link,
		clock:     clk,
		logger:    logger,
		state:     Init,
		since:     clk.Now(),
		hwEngaged: map[string]bool{},
		changed:   make(chan struct{}, 1),
	}, nil
}

// Subscribe registers fn to be called after every state change. fn runs on the goroutine that
// caused the change and must not block.
func (s *Supervisor) Subscribe(fn func(Transition)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Changed returns a channel that receives after state changes. Several changes may coalesce into
// one receive.
func (s *Supervisor) Changed() <-chan struct{} {
	return s.changed
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Gate reports whether motion may be dispatched.
func (s *Supervisor) Gate() bool {
	return s.State() == Running
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:                 s.state,
		Since:                 s.since,
		LastValidTelemetry:    s.lastValid,
		ConsecutiveRejections: s.rejections,
		InvalidSamples:        s.invalid.Load(),
		HardwareEStopEngaged:  len(s.hwEngaged) > 0,
	}
	if s.fault != nil {
		f := *s.fault
		st.Fault = &f
	}
	return st
}

// SelfCheck moves Init to SafeIdle once the limit table is valid and the robot link is reachable.
func (s *Supervisor) SelfCheck(ctx context.Context) error {
	if state := s.State(); state != Init {
		return &RefusedError{Command: "self check", State: state, Reason: "already completed"}
	}
	if err := s.limits.Validate("joint_limits"); err != nil {
		return errors.Wrap(err, "self check failed")
	}
	if !s.link.Healthy(ctx) {
		return &RefusedError{Command: "self check", State: Init, Reason: "robot link is not reachable"}
	}
	_, err := s.apply(selfCheckPassed{}, nil, "")
	return err
}

// Arm moves SafeIdle to Armed. Telemetry must be live and the robot link healthy.
func (s *Supervisor) Arm(ctx context.Context) error {
	if err := s.checkReady(ctx, "arm", SafeIdle); err != nil {
		return err
	}
	_, err := s.apply(armRequested{}, nil, "")
	return err
}

// Recover clears a fault or e-stop and returns to SafeIdle. It re-validates telemetry liveness
// and link health, and refuses while any hardware e-stop is engaged. It never happens on its own.
func (s *Supervisor) Recover(ctx context.Context, operator string) error {
	if operator == "" {
		return &RefusedError{Command: "recover", State: s.State(), Reason: "operator name is required"}
	}
	if err := s.checkReady(ctx, "recover", Fault, EStop); err != nil {
		s.logger.Warnw("recovery refused", "operator", operator, "error", err)
		return err
	}
	changed, err := s.apply(recovered{operator: operator}, nil, operator)
	if err != nil {
		return err
	}
	if changed {
		s.logger.Infow("recovered by operator", "operator", operator)
	}
	return nil
}

func (s *Supervisor) checkReady(ctx context.Context, command string, allowed ...State) error {
	s.mu.Lock()
	state := s.state
	engaged := len(s.hwEngaged) > 0
	live := s.telemetryLiveLocked()
	s.mu.Unlock()

	ok := false
	for _, a := range allowed {
		ok = ok || state == a
	}
	switch {
	case !ok:
		return &RefusedError{Command: command, State: state, Reason: "not allowed in this state"}
	case engaged:
		return &RefusedError{Command: command, State: state, Reason: "hardware e-stop is engaged"}
	case !live:
		return &RefusedError{Command: command, State: state, Reason: "no valid telemetry within " + s.cfg.WatchdogTimeout.String()}
	case !s.link.Healthy(ctx):
		return &RefusedError{Command: command, State: state, Reason: "robot link is not healthy"}
	}
	return nil
}

func (s *Supervisor) telemetryLiveLocked() bool {
	return !s.lastValid.IsZero() && s.clock.Now().Sub(s.lastValid) <= s.cfg.WatchdogTimeout
}

// ObserveValidPose kicks the watchdog. Call it only for samples that passed validation and whose
// target passed the workspace check. The first one after arming starts Running.
func (s *Supervisor) ObserveValidPose() {
	s.mu.Lock()
	s.lastValid = s.clock.Now()
	s.mu.Unlock()
	_, _ = s.apply(validPose{}, nil, "")
}

// ObserveInvalidSample counts a sample that failed validation. It does not kick the watchdog.
func (s *Supervisor) ObserveInvalidSample() {
	s.invalid.Inc()
}

// ObserveRejected counts a target rejected by the workspace check or inverse kinematics while
// running. More than FaultDebounceCount in a row raise a fault.
func (s *Supervisor) ObserveRejected(err error) {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return
	}
	s.rejections++
	exceeded := s.rejections > s.cfg.FaultDebounceCount
	count := s.rejections
	s.mu.Unlock()

	if exceeded {
		detail := "consecutive rejected targets"
		if err != nil {
			detail = err.Error()
		}
		s.raise(ReasonRejectedTargets, "", detail)
		s.logger.Errorw("too many consecutive rejected targets", "count", count, "last", err)
	}
}

// ObserveAccepted resets the rejection debounce after a target was planned successfully.
func (s *Supervisor) ObserveAccepted() {
	s.mu.Lock()
	s.rejections = 0
	s.mu.Unlock()
}

// CheckCommand verifies a command before dispatch. A joint limit violation raises a fault at once.
func (s *Supervisor) CheckCommand(next referenceframe.JointState) error {
	if !s.Gate() {
		return ErrHalted
	}
	if err := s.limits.CheckState(next); err != nil {
		s.raise(ReasonJointLimit, "", err.Error())
		return errors.Wrap(err, "command rejected")
	}
	return nil
}

// ReportLinkError escalates a robot link connection error according to LinkLossAction.
func (s *Supervisor) ReportLinkError(err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	if s.State() == Init {
		s.logger.Warnw("robot link error before self check", "error", err)
		return
	}
	if s.cfg.LinkLossAction == LinkLossEStop {
		s.estop(ReasonLinkLoss, "", detail)
		return
	}
	s.raise(ReasonLinkLoss, "", detail)
}

// HardwareEStop latches an e-stop from a hardware input. Recovery is refused until the same
// source reports release.
func (s *Supervisor) HardwareEStop(source string) {
	s.mu.Lock()
	s.hwEngaged[source] = true
	s.mu.Unlock()
	s.estop(ReasonHardwareEStop, source, "")
}

// HardwareEStopReleased records that a hardware e-stop input was released. The state does not
// change.
func (s *Supervisor) HardwareEStopReleased(source string) {
	s.mu.Lock()
	_, was := s.hwEngaged[source]
	delete(s.hwEngaged, source)
	s.mu.Unlock()
	if was {
		s.logger.Infow("hardware e-stop released", "source", source)
	}
}

// SoftwareEStop requests an e-stop, from the operator or another component.
func (s *Supervisor) SoftwareEStop(source, detail string) {
	s.estop(ReasonSoftwareEStop, source, detail)
}

// Tick runs the watchdog and checks the robot link. It is called once per control period.
func (s *Supervisor) Tick(ctx context.Context) {
	if state := s.State(); state != Armed && state != Running {
		return
	}
	if !s.link.Healthy(ctx) {
		s.ReportLinkError(ErrLinkUnhealthy)
		return
	}

	s.mu.Lock()
	if s.state != Armed && s.state != Running {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	elapsed := now.Sub(s.lastValid)
	if elapsed <= s.cfg.WatchdogTimeout {
		s.mu.Unlock()
		return
	}
	err := &WatchdogTimeoutError{LastValid: s.lastValid, Elapsed: elapsed, Timeout: s.cfg.WatchdogTimeout}
	s.mu.Unlock()
	s.raise(ReasonWatchdog, "", err.Error())
}

func (s *Supervisor) raise(reason FaultReason, source, detail string) {
	f := &FaultInfo{Reason: reason, Source: source, Detail: detail, At: s.clock.Now()}
	_, _ = s.apply(faultRaised{fault: *f}, f, "")
}

func (s *Supervisor) estop(reason FaultReason, source, detail string) {
	f := &FaultInfo{Reason: reason, Source: source, Detail: detail, At: s.clock.Now()}
	_, _ = s.apply(estopRequested{fault: *f}, f, "")
}

// apply runs ev through the state machine and notifies subscribers of any change.
func (s *Supervisor) apply(ev event, fault *FaultInfo, operator string) (bool, error) {
	s.mu.Lock()
	var transitions []Transition
	t, err := s.applyLocked(ev, fault, operator)
	if t != nil {
		transitions = append(transitions, *t)
		if t.To == Fault && s.escalateLocked(t.At) {
			esc := &FaultInfo{
				Reason: ReasonRepeatedFaults,
				Detail: fault.String(),
				At:     t.At,
			}
			if t2, _ := s.applyLocked(estopRequested{fault: *esc}, esc, ""); t2 != nil {
				transitions = append(transitions, *t2)
			}
		}
	}
	s.mu.Unlock()

	s.publish(transitions)
	return len(transitions) > 0, err
}

func (s *Supervisor) applyLocked(ev event, fault *FaultInfo, operator string) (*Transition, error) {
	from := s.state
	to, err := transition(from, ev)
	if err != nil || to == from {
		return nil, err
	}
	now := s.clock.Now()
	s.state = to
	s.since = now
	switch {
	case to.Halted():
		s.fault = fault
	case to == SafeIdle:
		s.fault = nil
		s.rejections = 0
	}
	return &Transition{From: from, To: to, Fault: fault, Operator: operator, At: now}, nil
}

// escalateLocked records a fault and reports whether too many happened within the window.
func (s *Supervisor) escalateLocked(at time.Time) bool {
	if s.cfg.FaultEscalationCount <= 0 {
		return false
	}
	kept := s.faultTimes[:0]
	for _, ft := range s.faultTimes {
		if at.Sub(ft) < s.cfg.FaultEscalationWindow {
			kept = append(kept, ft)
		}
	}
	s.faultTimes = append(kept, at)
	return len(s.faultTimes) >= s.cfg.FaultEscalationCount
}

func (s *Supervisor) publish(transitions []Transition) {
	if len(transitions) == 0 {
		return
	}
	for _, t := range transitions {
		s.logTransition(t)
	}
	select {
	case s.changed <- struct{}{}:
	default:
	}
	s.subMu.Lock()
	subs := append([]func(Transition){}, s.subscribers...)
	s.subMu.Unlock()
	for _, t := range transitions {
		for _, fn := range subs {
			fn(t)
		}
	}
}

func (s *Supervisor) logTransition(t Transition) {
	fields := []interface{}{"from", t.From, "to", t.To}
	if t.Fault != nil {
		fields = append(fields, "reason", t.Fault.Reason, "source", t.Fault.Source, "detail", t.Fault.Detail)
	}
	if t.Operator != "" {
		fields = append(fields, "operator", t.Operator)
	}
	switch t.To {
	case Fault, EStop:
		s.logger.Errorw("safety state changed", fields...)
	case Init, SafeIdle, Armed, Running:
		s.logger.Infow("safety state changed", fields...)
	}
}
