// Package motionbuffer queues planned segments between the planner and robot-link dispatch.
package motionbuffer

import (
	"math"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/rideseat/seatmotion/motionplan"
)

// DefaultLatency is how much motion the buffer holds by default.
const DefaultLatency = 50 * time.Millisecond

// DefaultCapacity returns the capacity that holds DefaultLatency worth of segments at rateHz.
func DefaultCapacity(rateHz float64) int {
	c := int(math.Round(DefaultLatency.Seconds() * rateHz))
	if c < 1 {
		return 1
	}
	return c
}

// Buffer is a bounded FIFO of segments. When full, pushing drops the oldest queued segment so the
// producer never blocks and the queued motion never lags by more than the capacity.
type Buffer struct {
	ch chan *motionplan.Segment
	// serializes producers; consumers only ever remove
	pushMu sync.Mutex

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// New returns an empty buffer holding at most capacity segments.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{ch: make(chan *motionplan.Segment, capacity)}
}

// Push queues seg, dropping the oldest queued segment if the buffer is full. It returns true if a
// segment was dropped.
func (b *Buffer) Push(seg *motionplan.Segment) bool {
	b.pushMu.Lock()
	defer b.pushMu.Unlock()
	b.pushed.Inc()
	dropped := false
	for {
		select {
		case b.ch <- seg:
			return dropped
		default:
		}
		select {
		case <-b.ch:
			dropped = true
			b.dropped.Inc()
		default:
		}
	}
}

// PopNext removes and returns the oldest queued segment.
func (b *Buffer) PopNext() (*motionplan.Segment, bool) {
	select {
	case seg := <-b.ch:
		return seg, true
	default:
		return nil, false
	}
}

// Flush discards every queued segment and returns how many there were.
func (b *Buffer) Flush() int {
	n := 0
	for {
		select {
		case <-b.ch:
			n++
		default:
			return n
		}
	}
}

// Len returns the number of queued segments.
func (b *Buffer) Len() int {
	return len(b.ch)
}

// Cap returns the capacity.
func (b *Buffer) Cap() int {
	return cap(b.ch)
}

// Dropped returns how many segments have been dropped on overflow.
func (b *Buffer) Dropped() uint64 {
	return b.dropped.Load()
}

// Pushed returns how many segments have been pushed.
func (b *Buffer) Pushed() uint64 {
	return b.pushed.Load()
}
