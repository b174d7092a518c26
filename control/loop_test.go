package control

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/rideseat/seatmotion/kinematics"
	"github.com/rideseat/seatmotion/logging"
	"github.com/rideseat/seatmotion/motionplan"
	"github.com/rideseat/seatmotion/referenceframe"
	"github.com/rideseat/seatmotion/robotlink/fake"
	"github.com/rideseat/seatmotion/safety"
	"github.com/rideseat/seatmotion/spatialmath"
	"github.com/rideseat/seatmotion/telemetry"
	"github.com/rideseat/seatmotion/transform"
	"github.com/rideseat/seatmotion/workspace"
)

type harness struct {
	loop    *Loop
	sup     *safety.Supervisor
	link    *fake.Link
	mailbox *telemetry.Mailbox
	model   *kinematics.Model
	clk     *clock.Mock
	ts      time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logging.NewTestLogger(t)
	clk := clock.NewMock()
	clk.Add(time.Minute)
	model := kinematics.NewIRB6600Model()
	link := fake.NewLink(logger)

	sup, err := safety.NewSupervisor(safety.DefaultConfig(), model.Limits, link, clk, logger)
	test.That(t, err, test.ShouldBeNil)
	planner, err := motionplan.NewPlanner(model, motionplan.DefaultOptions(), logger)
	test.That(t, err, test.ShouldBeNil)
	mailbox := telemetry.NewMailbox(clk)

	loop, err := NewLoop(DefaultConfig(), Pipeline{
		Mailbox:     mailbox,
		Sanity:      telemetry.DefaultSanityBounds(),
		Mount:       transform.DefaultMountConfig(),
		Workspace:   workspace.DefaultLimits(),
		Planner:     planner,
		JointLimits: model.Limits,
		Supervisor:  sup,
		Link:        link,
	}, clk, logger)
	test.That(t, err, test.ShouldBeNil)
	return &harness{loop: loop, sup: sup, link: link, mailbox: mailbox, model: model, clk: clk}
}

// step delivers a resting sample at pos, advances one period and ticks.
func (h *harness) step(pos r3.Vector) {
	h.ts += h.loop.Period()
	h.mailbox.Put(telemetry.Sample{
		Timestamp:   h.ts,
		Position:    pos,
		Orientation: spatialmath.NewZeroOrientation(),
		GForce:      r3.Vector{Z: 1},
	})
	h.clk.Add(h.loop.Period())
	h.loop.Tick(context.Background())
}

// run brings the harness to Running with the arm at home.
func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	test.That(t, h.sup.SelfCheck(ctx), test.ShouldBeNil)
	h.step(r3.Vector{})
	test.That(t, h.sup.State(), test.ShouldEqual, safety.SafeIdle)
	test.That(t, h.link.Commands(), test.ShouldBeEmpty)

	test.That(t, h.sup.Arm(ctx), test.ShouldBeNil)
	h.step(r3.Vector{})
	test.That(t, h.sup.State(), test.ShouldEqual, safety.Running)
	test.That(t, h.link.Joints(), test.ShouldHaveLength, 1)
}

// move ramps the target along x for n ticks.
func (h *harness) move(n int) {
	for i := 1; i <= n; i++ {
		h.step(r3.Vector{X: 0.05 * float64(i)})
	}
}

func TestNewLoop(t *testing.T) {
	logger := logging.NewTestLogger(t)
	model := kinematics.NewIRB6600Model()
	link := fake.NewLink(logger)
	sup, err := safety.NewSupervisor(safety.DefaultConfig(), model.Limits, link, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	planner, err := motionplan.NewPlanner(model, motionplan.DefaultOptions(), logger)
	test.That(t, err, test.ShouldBeNil)
	p := Pipeline{Mailbox: telemetry.NewMailbox(nil), Planner: planner, Supervisor: sup, Link: link}

	t.Run("rate out of range", func(t *testing.T) {
		for _, hz := range []float64{0, -1, 250, math.NaN()} {
			cfg := DefaultConfig()
			cfg.RateHz = hz
			_, err := NewLoop(cfg, p, nil, logger)
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, "control.rate_hz")
		}
	})

	t.Run("period mismatch", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RateHz = 50
		_, err := NewLoop(cfg, p, nil, logger)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "does not match")
	})

	t.Run("missing link", func(t *testing.T) {
		noLink := p
		noLink.Link = nil
		_, err := NewLoop(DefaultConfig(), noLink, nil, logger)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("default buffer", func(t *testing.T) {
		l, err := NewLoop(DefaultConfig(), p, nil, logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, l.buffer.Cap(), test.ShouldEqual, 5)
		test.That(t, l.Period(), test.ShouldEqual, 10*time.Millisecond)
	})
}

func TestLoopNoMotionBeforeRunning(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 10; i++ {
		h.step(r3.Vector{X: 0.1})
	}
	test.That(t, h.sup.State(), test.ShouldEqual, safety.Init)
	test.That(t, h.link.Commands(), test.ShouldBeEmpty)
	test.That(t, h.loop.buffer.Len(), test.ShouldEqual, 0)
}

func TestLoopDispatchesContinuousMotion(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.move(30)

	joints := h.link.Joints()
	test.That(t, joints, test.ShouldHaveLength, 31)
	maxStep := h.model.Limits.MaxStep(h.loop.Period().Seconds())
	for k := 1; k < len(joints); k++ {
		for i := range joints[k] {
			test.That(t, math.Abs(joints[k][i]-joints[k-1][i]), test.ShouldBeLessThanOrEqualTo, maxStep[i]+1e-9)
		}
	}
	test.That(t, referenceframe.Distance(joints[len(joints)-1], h.model.Home), test.ShouldBeGreaterThan, 0)

	st := h.loop.Stats()
	test.That(t, st.Dispatched, test.ShouldEqual, uint64(31))
	test.That(t, st.Ticks, test.ShouldEqual, uint64(32))
	test.That(t, st.BufferLen, test.ShouldEqual, 0)
	test.That(t, st.StopCommands, test.ShouldEqual, uint64(0))
	test.That(t, st.TickLatencyCount, test.ShouldEqual, 32)
	test.That(t, st.TickLatencyMax, test.ShouldBeGreaterThanOrEqualTo, st.TickLatencyP50)
}

func TestLoopDropsInvalidSample(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	before := h.sup.Status()

	h.step(r3.Vector{X: math.NaN()})

	after := h.sup.Status()
	test.That(t, after.State, test.ShouldEqual, safety.Running)
	test.That(t, after.InvalidSamples, test.ShouldEqual, uint64(1))
	test.That(t, after.LastValidTelemetry, test.ShouldEqual, before.LastValidTelemetry)
	test.That(t, h.link.Joints(), test.ShouldHaveLength, 1)
	test.That(t, h.loop.buffer.Len(), test.ShouldEqual, 0)

	// a valid sample after it is still dispatched
	h.step(r3.Vector{X: 0.01})
	test.That(t, h.link.Joints(), test.ShouldHaveLength, 2)
}

func TestLoopEStopFlushesBuffer(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	for i := 0; i < 5; i++ {
		seg := &motionplan.Segment{Joints: referenceframe.NewJointStateAtRest(h.model.Home)}
		test.That(t, h.loop.buffer.Push(seg), test.ShouldBeFalse)
	}
	test.That(t, h.loop.buffer.Len(), test.ShouldEqual, 5)
	sent := len(h.link.Joints())

	h.sup.HardwareEStop("panel")
	h.step(r3.Vector{})

	test.That(t, h.sup.State(), test.ShouldEqual, safety.EStop)
	test.That(t, h.loop.buffer.Len(), test.ShouldEqual, 0)
	test.That(t, h.link.Joints(), test.ShouldHaveLength, sent)
	test.That(t, h.link.Stops(), test.ShouldEqual, 1)

	for i := 0; i < 5; i++ {
		h.step(r3.Vector{})
	}
	test.That(t, h.link.Stops(), test.ShouldEqual, 1)
	test.That(t, h.link.Joints(), test.ShouldHaveLength, sent)
	test.That(t, h.loop.Stats().Flushed, test.ShouldEqual, uint64(5))
}

func TestLoopFaultRampsToStop(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.move(20)
	sent := len(h.link.Joints())

	// telemetry stops and the watchdog fires
	h.clk.Add(2 * time.Second)
	h.loop.Tick(context.Background())
	test.That(t, h.sup.State(), test.ShouldEqual, safety.Fault)
	test.That(t, h.sup.Status().Fault.Reason, test.ShouldEqual, safety.ReasonWatchdog)
	test.That(t, h.link.Joints(), test.ShouldHaveLength, sent+1)
	test.That(t, h.link.Stops(), test.ShouldEqual, 0)

	for i := 0; i < DefaultConfig().MaxStopRampSteps+1 && h.link.Stops() == 0; i++ {
		h.clk.Add(h.loop.Period())
		h.loop.Tick(context.Background())
	}
	test.That(t, h.link.Stops(), test.ShouldEqual, 1)
	ramp := h.link.Joints()[sent-1:]
	test.That(t, len(ramp), test.ShouldBeGreaterThan, 1)
	maxStep := h.model.Limits.MaxStep(h.loop.Period().Seconds())
	for k := 1; k < len(ramp); k++ {
		for i := range ramp[k] {
			test.That(t, math.Abs(ramp[k][i]-ramp[k-1][i]), test.ShouldBeLessThanOrEqualTo, maxStep[i]+1e-9)
		}
	}

	// nothing more once stopped
	commands := len(h.link.Commands())
	for i := 0; i < 5; i++ {
		h.step(r3.Vector{X: 0.2})
	}
	test.That(t, h.link.Commands(), test.ShouldHaveLength, commands)
}

func TestLoopLinkFailureFaults(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.link.SetSendError(errors.New("connection reset"))

	h.step(r3.Vector{X: 0.01})
	test.That(t, h.sup.State(), test.ShouldEqual, safety.Fault)
	test.That(t, h.sup.Status().Fault.Reason, test.ShouldEqual, safety.ReasonLinkLoss)

	// the first segment may leave a little velocity to ramp out before the stop command
	h.link.SetSendError(nil)
	maxSteps := DefaultConfig().MaxStopRampSteps
	for i := 0; i < maxSteps+1 && h.link.Stops() == 0; i++ {
		h.step(r3.Vector{X: 0.01})
	}
	test.That(t, h.link.Stops(), test.ShouldEqual, 1)
	test.That(t, len(h.link.Joints()), test.ShouldBeBetweenOrEqual, 1, 1+maxSteps)
	test.That(t, h.sup.State(), test.ShouldEqual, safety.Fault)
}

func TestLoopRetriesStopAfterSendError(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.move(5)
	sent := len(h.link.Joints())
	h.link.SetSendError(errors.New("connection reset"))

	for i := 0; i < 30; i++ {
		h.step(r3.Vector{X: 0.25})
	}
	test.That(t, h.sup.State(), test.ShouldEqual, safety.Fault)
	test.That(t, h.link.Stops(), test.ShouldEqual, 0)
	test.That(t, h.loop.stopPending, test.ShouldBeTrue)

	h.link.SetSendError(nil)
	h.step(r3.Vector{X: 0.25})
	test.That(t, h.link.Stops(), test.ShouldEqual, 1)
	test.That(t, h.loop.stopPending, test.ShouldBeFalse)
	test.That(t, h.loop.Stats().StopCommands, test.ShouldEqual, uint64(1))

	for i := 0; i < 30; i++ {
		h.step(r3.Vector{X: 0.25})
	}
	test.That(t, h.link.Stops(), test.ShouldEqual, 1)
	test.That(t, h.link.Joints(), test.ShouldHaveLength, sent)
	test.That(t, h.sup.State(), test.ShouldEqual, safety.Fault)
}

func TestLoopUnhealthyLinkFaults(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.move(5)
	sent := len(h.link.Joints())

	h.link.SetHealthy(false)
	h.step(r3.Vector{X: 0.3})
	test.That(t, h.sup.State(), test.ShouldEqual, safety.Fault)
	test.That(t, h.sup.Status().Fault.Reason, test.ShouldEqual, safety.ReasonLinkLoss)
	// the fault is raised before dispatch so the new sample is never sent
	test.That(t, h.link.Joints(), test.ShouldHaveLength, sent+1)
	test.That(t, h.loop.buffer.Len(), test.ShouldEqual, 0)
}

func TestLoopOneStepPerPeriodOnFault(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.move(20)
	ctx := context.Background()

	outside := r3.Vector{Z: -20}
	for i := 0; i < safety.DefaultConfig().FaultDebounceCount; i++ {
		h.step(outside)
	}
	test.That(t, h.sup.State(), test.ShouldEqual, safety.Running)
	sent := len(h.link.Joints())

	h.step(outside)
	test.That(t, h.sup.State(), test.ShouldEqual, safety.Fault)
	test.That(t, h.link.Joints(), test.ShouldHaveLength, sent+1)

	// the state change signal that follows the tick must not send another ramp step
	h.loop.wake(ctx)
	test.That(t, h.link.Joints(), test.ShouldHaveLength, sent+1)

	for i := 0; i < DefaultConfig().MaxStopRampSteps && h.link.Stops() == 0; i++ {
		before := len(h.link.Joints())
		h.clk.Add(h.loop.Period())
		h.loop.Tick(ctx)
		h.loop.wake(ctx)
		test.That(t, len(h.link.Joints())-before, test.ShouldBeLessThanOrEqualTo, 1)
	}
	test.That(t, h.link.Stops(), test.ShouldEqual, 1)
}

func TestLoopWakeSendsEStopAtOnce(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.move(5)
	sent := len(h.link.Joints())
	ctx := context.Background()

	h.sup.SoftwareEStop("operator", "panel button")
	h.loop.wake(ctx)
	test.That(t, h.link.Stops(), test.ShouldEqual, 1)
	test.That(t, h.link.Joints(), test.ShouldHaveLength, sent)

	h.step(r3.Vector{X: 0.3})
	h.loop.wake(ctx)
	test.That(t, h.link.Stops(), test.ShouldEqual, 1)
	test.That(t, h.link.Joints(), test.ShouldHaveLength, sent)
}

func TestLoopRejectionsDebounce(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	// far outside the workspace box
	outside := r3.Vector{Z: -20}
	for i := 0; i < safety.DefaultConfig().FaultDebounceCount; i++ {
		h.step(outside)
		test.That(t, h.sup.State(), test.ShouldEqual, safety.Running)
	}
	h.step(outside)
	test.That(t, h.sup.State(), test.ShouldEqual, safety.Fault)
	test.That(t, h.sup.Status().Fault.Reason, test.ShouldEqual, safety.ReasonRejectedTargets)
	test.That(t, h.loop.Stats().Rejected, test.ShouldEqual, uint64(safety.DefaultConfig().FaultDebounceCount+1))
}

func TestLoopRecoverAndRearm(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.move(10)
	h.sup.SoftwareEStop("test", "")
	h.step(r3.Vector{X: 0.5})
	test.That(t, h.link.Stops(), test.ShouldEqual, 1)
	last := h.link.Joints()[len(h.link.Joints())-1]

	ctx := context.Background()
	test.That(t, h.sup.Recover(ctx, "alice"), test.ShouldBeNil)
	h.step(r3.Vector{X: 0.5})
	test.That(t, h.sup.Arm(ctx), test.ShouldBeNil)
	h.step(r3.Vector{X: 0.5})
	test.That(t, h.sup.State(), test.ShouldEqual, safety.Running)

	// planning resumes from where the arm stopped, not from home
	joints := h.link.Joints()
	resumed := joints[len(joints)-1]
	maxStep := h.model.Limits.MaxStep(h.loop.Period().Seconds())
	for i := range resumed {
		test.That(t, math.Abs(resumed[i]-last[i]), test.ShouldBeLessThanOrEqualTo, maxStep[i]+1e-9)
	}
}

func TestLoopStartReactsToEStop(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.move(5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.loop.Start(ctx)
	h.sup.HardwareEStop("panel")

	deadline := time.Now().Add(5 * time.Second)
	for h.link.Stops() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	test.That(t, h.link.Stops(), test.ShouldEqual, 1)
	test.That(t, h.loop.Close(context.Background()), test.ShouldBeNil)
	test.That(t, h.link.Stops(), test.ShouldEqual, 1)
}

func TestLoopCloseStopsMovingRobot(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.move(5)
	test.That(t, h.loop.Close(context.Background()), test.ShouldBeNil)
	test.That(t, h.link.Stops(), test.ShouldEqual, 1)
}

func TestConfigValidate(t *testing.T) {
	test.That(t, DefaultConfig().Validate("control"), test.ShouldBeNil)
	cfg := Config{RateHz: 300, SendTimeout: -1, BufferCapacity: -1}
	err := cfg.Validate("control")
	test.That(t, err, test.ShouldNotBeNil)
	for _, field := range []string{"rate_hz", "send_timeout", "buffer_capacity", "max_stop_ramp_steps"} {
		test.That(t, err.Error(), test.ShouldContainSubstring, "control."+field)
	}
}
