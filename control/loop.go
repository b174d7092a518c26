// Package control runs the fixed rate loop that moves each telemetry sample through the motion
// pipeline and dispatches at most one segment to the robot per tick, under the safety supervisor.
package control

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/rideseat/seatmotion/logging"
	"github.com/rideseat/seatmotion/motionbuffer"
	"github.com/rideseat/seatmotion/motionplan"
	"github.com/rideseat/seatmotion/referenceframe"
	"github.com/rideseat/seatmotion/robotlink"
	"github.com/rideseat/seatmotion/safety"
	"github.com/rideseat/seatmotion/telemetry"
	"github.com/rideseat/seatmotion/transform"
	"github.com/rideseat/seatmotion/utils"
	"github.com/rideseat/seatmotion/workspace"
)

// logInterval rate limits warnings raised every tick.
const logInterval = 5 * time.Second

// Pipeline is the set of stages the loop drives.
type Pipeline struct {
	Mailbox     *telemetry.Mailbox
	Sanity      telemetry.SanityBounds
	Washout     *transform.Washout // nil disables cueing
	Mount       transform.MountConfig
	Workspace   workspace.Limits
	Planner     *motionplan.Planner
	JointLimits referenceframe.JointLimits
	Supervisor  *safety.Supervisor
	Link        robotlink.Link
}

func (p Pipeline) validate() error {
	switch {
	case p.Mailbox == nil:
		return errors.New("control loop requires a telemetry mailbox")
	case p.Planner == nil:
		return errors.New("control loop requires a planner")
	case p.Supervisor == nil:
		return errors.New("control loop requires a safety supervisor")
	case p.Link == nil:
		return errors.New("control loop requires a robot link")
	}
	return nil
}

// Loop is the control loop. Everything other than Stats is owned by the loop goroutine, or by
// the caller of Tick when the loop is not started.
type Loop struct {
	cfg    Config
	p      Pipeline
	period time.Duration
	buffer *motionbuffer.Buffer
	clock  clock.Clock
	logger logging.Logger

	state safety.State
	// planned is the reference the next segment is planned from: the state after the newest
	// buffered segment.
	planned *referenceframe.JointState
	// last is the most recently dispatched state.
	last          *referenceframe.JointState
	lastTimestamp time.Duration
	moving        bool
	ramp          []referenceframe.JointState
	stopPending   bool

	invalidLog  rate.Sometimes
	rejectLog   rate.Sometimes
	overflowLog rate.Sometimes
	overrunLog  rate.Sometimes
	stopLog     rate.Sometimes

	ticks      atomic.Uint64
	dispatched atomic.Uint64
	stops      atomic.Uint64
	flushed    atomic.Uint64
	rejected   atomic.Uint64
	latency    *latencyWindow

	workers utils.StoppableWorkers
}

// NewLoop returns a loop that is not yet running. The planner must plan for the loop's period.
func NewLoop(cfg Config, p Pipeline, clk clock.Clock, logger logging.Logger) (*Loop, error) {
	if err := cfg.Validate("control"); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	period := cfg.Period()
	if p.Planner.Period() != period {
		return nil, errors.Errorf("planner period %v does not match the loop period %v", p.Planner.Period(), period)
	}
	capacity := cfg.BufferCapacity
	if capacity == 0 {
		capacity = motionbuffer.DefaultCapacity(cfg.RateHz)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Loop{
		cfg:         cfg,
		p:           p,
		period:      period,
		buffer:      motionbuffer.New(capacity),
		clock:       clk,
		logger:      logger,
		state:       p.Supervisor.State(),
		invalidLog:  rate.Sometimes{Interval: logInterval},
		rejectLog:   rate.Sometimes{Interval: logInterval},
		overflowLog: rate.Sometimes{Interval: logInterval},
		overrunLog:  rate.Sometimes{Interval: logInterval},
		stopLog:     rate.Sometimes{Interval: logInterval},
		latency:     newLatencyWindow(defaultLatencyWindow),
	}, nil
}

// Period returns the time between ticks.
func (l *Loop) Period() time.Duration {
	return l.period
}

// Start runs the loop until ctx is done or Close is called. State changes made by other
// goroutines, such as an e-stop, are acted on immediately rather than at the next tick.
func (l *Loop) Start(ctx context.Context) {
	l.logger.Infow("running control loop", "rate_hz", l.cfg.RateHz, "period", l.period, "buffer", l.buffer.Cap())
	l.workers = utils.NewStoppableWorkersWithContext(ctx, l.run)
}

func (l *Loop) run(ctx context.Context) {
	ticker := l.clock.Ticker(l.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx)
		case <-l.p.Supervisor.Changed():
			l.wake(ctx)
		}
	}
}

// Close stops the loop. If the robot was last commanded to move, it is sent a stop.
func (l *Loop) Close(ctx context.Context) error {
	if l.workers != nil {
		l.workers.Stop()
	}
	l.buffer.Flush()
	if !l.moving {
		return nil
	}
	l.moving = false
	if err := robotlink.SendWithTimeout(ctx, l.p.Link, robotlink.StopCommand{}, l.cfg.SendTimeout); err != nil {
		return errors.Wrap(err, "stopping robot on shutdown")
	}
	l.stops.Inc()
	return nil
}

// Tick runs one control period.
func (l *Loop) Tick(ctx context.Context) {
	start := time.Now()
	l.ticks.Inc()

	l.p.Supervisor.Tick(ctx)
	l.sync()
	if sample, ok := l.p.Mailbox.TryTake(); ok {
		l.ingest(sample)
	}
	l.react(ctx)

	elapsed := time.Since(start)
	l.latency.add(elapsed)
	if elapsed > l.period {
		l.overrunLog.Do(func() {
			l.logger.Warnw("control tick overran its period", "elapsed", elapsed, "period", l.period)
		})
	}
}

// wake handles a state change signalled between ticks. It flushes the buffer and sends a
// pending stop command at once, but leaves ramp steps and dispatch to the next tick so the robot
// never gets more than one motion step per period.
func (l *Loop) wake(ctx context.Context) {
	l.sync()
	if l.state.Halted() && len(l.ramp) == 0 {
		l.sendStop(ctx)
	}
}

// react brings the loop in line with the supervisor and dispatches what the current state
// allows. It runs once per tick.
func (l *Loop) react(ctx context.Context) {
	l.sync()
	switch l.state {
	case safety.Running:
		l.dispatch(ctx)
	case safety.Fault, safety.EStop:
		l.stop(ctx)
	case safety.Init, safety.SafeIdle, safety.Armed:
	}
}

// sync handles a change of safety state since the loop last looked.
func (l *Loop) sync() {
	state := l.p.Supervisor.State()
	if state != safety.Running && l.buffer.Len() > 0 {
		n := l.buffer.Flush()
		l.flushed.Add(uint64(n))
		l.logger.Debugw("flushed motion buffer", "segments", n, "state", state)
	}
	if state == l.state {
		return
	}
	from := l.state
	l.state = state
	l.logger.Debugw("control loop saw safety state change", "from", from, "to", state)

	switch state {
	case safety.Fault:
		l.ramp = nil
		if l.moving && l.last != nil {
			l.ramp = motionplan.StopRamp(*l.last, l.p.JointLimits, l.period.Seconds(), l.cfg.MaxStopRampSteps)
		}
		l.stopPending = true
	case safety.EStop:
		// stop at once, no ramp
		l.ramp = nil
		l.stopPending = true
	case safety.SafeIdle, safety.Armed:
		l.ramp = nil
		l.stopPending = false
		l.planned = nil
		if l.last != nil {
			rest := referenceframe.NewJointStateAtRest(l.last.Positions)
			l.planned = &rest
		}
		if state == safety.Armed && l.p.Washout != nil {
			l.p.Washout.Reset()
		}
	case safety.Init, safety.Running:
	}
}

// ingest moves one sample through validation, transform and planning into the buffer.
func (l *Loop) ingest(sample telemetry.Sample) {
	sup := l.p.Supervisor
	if err := sample.Validate(l.p.Sanity); err != nil {
		sup.ObserveInvalidSample()
		l.invalidLog.Do(func() { l.logger.Warnw("dropping invalid telemetry sample", "error", err) })
		return
	}
	if l.p.Washout != nil {
		sample = l.p.Washout.Apply(sample)
	}
	pose, err := transform.Transform(sample, l.p.Mount)
	if err != nil {
		sup.ObserveInvalidSample()
		l.invalidLog.Do(func() { l.logger.Warnw("dropping telemetry sample that did not transform", "error", err) })
		return
	}
	if err := workspace.Validate(pose, l.p.Workspace); err != nil {
		l.reject(err)
		return
	}
	sup.ObserveValidPose()
	if !sup.Gate() {
		return
	}

	seg, err := l.p.Planner.Plan(pose, l.planned, l.p.JointLimits)
	if err != nil {
		l.reject(err)
		return
	}
	sup.ObserveAccepted()
	seg.Timestamp = sample.Timestamp
	if l.buffer.Push(seg) {
		l.overflowLog.Do(func() {
			l.logger.Warnw("motion buffer full, dropped oldest segment", "capacity", l.buffer.Cap(), "dropped", l.buffer.Dropped())
		})
	}
	next := seg.Joints
	l.planned = &next
}

func (l *Loop) reject(err error) {
	l.rejected.Inc()
	l.p.Supervisor.ObserveRejected(err)
	l.rejectLog.Do(func() { l.logger.Warnw("rejected motion target", "error", err) })
}

// dispatch sends the oldest buffered segment if the supervisor still allows it.
func (l *Loop) dispatch(ctx context.Context) {
	seg, ok := l.buffer.PopNext()
	if !ok {
		return
	}
	sup := l.p.Supervisor
	if err := sup.CheckCommand(seg.Joints); err != nil {
		l.logger.Warnw("supervisor refused segment", "error", err)
		l.sync()
		return
	}
	// an e-stop may have landed since the check
	if !sup.Gate() {
		l.sync()
		return
	}
	cmd := robotlink.JointCommand{Angles: seg.Joints.Positions, Timestamp: seg.Timestamp}
	if err := robotlink.SendWithTimeout(ctx, l.p.Link, cmd, l.cfg.SendTimeout); err != nil {
		l.logger.Warnw("failed to send joint command", "error", err)
		sup.ReportLinkError(err)
		l.sync()
		return
	}
	state := seg.Joints
	l.last = &state
	l.lastTimestamp = seg.Timestamp
	l.moving = true
	l.dispatched.Inc()
}

// stop sends the next step of the stop ramp, or the final stop command once the ramp is done.
func (l *Loop) stop(ctx context.Context) {
	if len(l.ramp) > 0 {
		next := l.ramp[0]
		l.ramp = l.ramp[1:]
		l.lastTimestamp += l.period
		cmd := robotlink.JointCommand{Angles: next.Positions, Timestamp: l.lastTimestamp}
		if err := robotlink.SendWithTimeout(ctx, l.p.Link, cmd, l.cfg.SendTimeout); err != nil {
			l.logger.Warnw("failed to send stop ramp, stopping immediately", "error", err)
			l.ramp = nil
			l.p.Supervisor.ReportLinkError(err)
		} else {
			l.last = &next
			return
		}
	}
	l.sendStop(ctx)
}

// sendStop sends the stop command if one is pending. A failed send stays pending and is retried
// on the next tick.
func (l *Loop) sendStop(ctx context.Context) {
	if !l.stopPending {
		return
	}
	err := robotlink.SendWithTimeout(ctx, l.p.Link, robotlink.StopCommand{}, l.cfg.SendTimeout)
	if err != nil {
		l.stopLog.Do(func() { l.logger.Errorw("failed to send stop command, will retry", "error", err) })
		l.p.Supervisor.ReportLinkError(err)
		return
	}
	l.stopPending = false
	l.stops.Inc()
	l.moving = false
	if l.last != nil {
		rest := referenceframe.NewJointStateAtRest(l.last.Positions)
		l.last = &rest
	}
	l.logger.Infow("robot stopped", "state", l.state)
}
