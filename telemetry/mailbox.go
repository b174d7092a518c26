package telemetry

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
)

// Sink receives samples from a telemetry source.
type Sink interface {
	// Put delivers a sample without blocking. It returns true if an undelivered older sample was
	// discarded to make room.
	Put(Sample) bool
}

// Mailbox holds at most one sample: the newest one delivered. The telemetry collaborator puts
// samples in at its own rate and the control loop takes the latest one each tick without ever
// blocking.
type Mailbox struct {
	ch    chan Sample
	clock clock.Clock

	received  atomic.Uint64
	replaced  atomic.Uint64
	lastPutNs atomic.Int64
}

// NewMailbox returns an empty mailbox using clk for liveness.
func NewMailbox(clk clock.Clock) *Mailbox {
	if clk == nil {
		clk = clock.New()
	}
	return &Mailbox{ch: make(chan Sample, 1), clock: clk}
}

// Put stores s, replacing any sample that has not been taken yet.
func (m *Mailbox) Put(s Sample) bool {
	m.lastPutNs.Store(m.clock.Now().UnixNano())
	m.received.Inc()
	replaced := false
	for {
		select {
		case m.ch <- s:
			return replaced
		default:
		}
		select {
		case <-m.ch:
			replaced = true
			m.replaced.Inc()
		default:
		}
	}
}

// TryTake returns the newest sample if one arrived since the last take.
func (m *Mailbox) TryTake() (Sample, bool) {
	select {
	case s := <-m.ch:
		return s, true
	default:
		return Sample{}, false
	}
}

// Live reports whether any sample was delivered within the given window. It says nothing about
// whether the samples were valid.
func (m *Mailbox) Live(within time.Duration) bool {
	if m.received.Load() == 0 {
		return false
	}
	return m.clock.Now().Sub(time.Unix(0, m.lastPutNs.Load())) <= within
}

// Stats returns how many samples were delivered and how many were replaced before being taken.
func (m *Mailbox) Stats() (received, replaced uint64) {
	return m.received.Load(), m.replaced.Load()
}
