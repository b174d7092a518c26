// Package estop watches hardware emergency stop inputs and latches the safety supervisor into
// ESTOP when one is engaged.
package estop

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bep/debounce"
	"go.uber.org/atomic"

	"github.com/rideseat/seatmotion/logging"
	"github.com/rideseat/seatmotion/utils"
)

// DefaultPollInterval is how often inputs are read by default.
const DefaultPollInterval = 5 * time.Millisecond

// Input is a hardware e-stop circuit.
type Input interface {
	// Engaged reports whether the e-stop is pressed. An error is treated as engaged.
	Engaged(ctx context.Context) (bool, error)
}

// Target is told about e-stop edges. safety.Supervisor implements it.
type Target interface {
	HardwareEStop(source string)
	HardwareEStopReleased(source string)
}

// Monitor polls one Input.
type Monitor struct {
	name     string
	input    Input
	target   Target
	interval time.Duration
	clock    clock.Clock
	logger   logging.Logger

	// release delays release reports until the input has stayed released for a while. Nil
	// reports releases at once.
	release func(func())

	engaged atomic.Bool
	polled  atomic.Bool
	workers utils.StoppableWorkers
}

// NewMonitor returns a monitor that is not yet polling.
func NewMonitor(name string, input Input, target Target, interval time.Duration, clk clock.Clock, logger logging.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{name: name, input: input, target: target, interval: interval, clock: clk, logger: logger}
}

// DebounceRelease holds back a release until the input has read released for d without
// re-engaging. Engagement is never delayed. Call it before Start.
func (m *Monitor) DebounceRelease(d time.Duration) {
	if d <= 0 {
		m.release = nil
		return
	}
	m.release = debounce.New(d)
}

// Start begins polling in the background until Close.
func (m *Monitor) Start(ctx context.Context) {
	m.workers = utils.NewStoppableWorkersWithContext(ctx, m.run)
}

func (m *Monitor) run(ctx context.Context) {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()
	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll reads the input once and reports any change to the target. The first poll always reports
// an engaged input.
func (m *Monitor) Poll(ctx context.Context) {
	engaged, err := m.input.Engaged(ctx)
	if err != nil {
		if !m.engaged.Load() {
			m.logger.Errorw("cannot read e-stop input, treating it as engaged", "input", m.name, "error", err)
		}
		engaged = true
	}
	first := !m.polled.Swap(true)
	was := m.engaged.Swap(engaged)
	switch {
	case engaged && (!was || first):
		if m.release != nil {
			// drop any pending release
			m.release(func() {})
		}
		m.logger.Warnw("hardware e-stop engaged", "input", m.name)
		m.target.HardwareEStop(m.name)
	case !engaged && was:
		if m.release == nil {
			m.target.HardwareEStopReleased(m.name)
			return
		}
		m.release(func() {
			if !m.engaged.Load() {
				m.target.HardwareEStopReleased(m.name)
			}
		})
	}
}

// Engaged returns the last polled state.
func (m *Monitor) Engaged() bool {
	return m.engaged.Load()
}

// Close stops polling.
func (m *Monitor) Close() {
	if m.workers != nil {
		m.workers.Stop()
	}
}

// ManualInput is an e-stop input set in software. It stands in for the hardware circuit in
// simulation and tests.
type ManualInput struct {
	engaged atomic.Bool
	err     atomic.Error
}

// Set presses or releases the e-stop.
func (in *ManualInput) Set(engaged bool) {
	in.engaged.Store(engaged)
}

// SetError makes reads fail with err until it is set back to nil.
func (in *ManualInput) SetError(err error) {
	in.err.Store(err)
}

// Engaged implements Input.
func (in *ManualInput) Engaged(ctx context.Context) (bool, error) {
	if err := in.err.Load(); err != nil {
		return false, err
	}
	return in.engaged.Load(), nil
}
