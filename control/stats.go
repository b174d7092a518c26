package control

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

const defaultLatencyWindow = 1000

// Stats is a snapshot of the loop counters.
type Stats struct {
	Ticks            uint64        `json:"ticks"`
	Dispatched       uint64        `json:"dispatched"`
	StopCommands     uint64        `json:"stop_commands"`
	Rejected         uint64        `json:"rejected"`
	Flushed          uint64        `json:"flushed"`
	BufferLen        int           `json:"buffer_len"`
	BufferCap        int           `json:"buffer_cap"`
	BufferDropped    uint64        `json:"buffer_dropped"`
	SamplesReceived  uint64        `json:"samples_received"`
	SamplesReplaced  uint64        `json:"samples_replaced"`
	TickLatencyP50   time.Duration `json:"tick_latency_p50"`
	TickLatencyP99   time.Duration `json:"tick_latency_p99"`
	TickLatencyMax   time.Duration `json:"tick_latency_max"`
	TickLatencyCount int           `json:"tick_latency_count"`
}

// Stats returns the loop counters and tick latency percentiles over the recent window. It is
// safe to call from any goroutine.
func (l *Loop) Stats() Stats {
	received, replaced := l.p.Mailbox.Stats()
	st := Stats{
		Ticks:           l.ticks.Load(),
		Dispatched:      l.dispatched.Load(),
		StopCommands:    l.stops.Load(),
		Rejected:        l.rejected.Load(),
		Flushed:         l.flushed.Load(),
		BufferLen:       l.buffer.Len(),
		BufferCap:       l.buffer.Cap(),
		BufferDropped:   l.buffer.Dropped(),
		SamplesReceived: received,
		SamplesReplaced: replaced,
	}
	st.TickLatencyP50, st.TickLatencyP99, st.TickLatencyMax, st.TickLatencyCount = l.latency.summary()
	return st
}

// latencyWindow keeps the most recent tick durations in microseconds.
type latencyWindow struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]float64, size)}
}

func (w *latencyWindow) add(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = float64(d) / float64(time.Microsecond)
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

func (w *latencyWindow) summary() (p50, p99, maximum time.Duration, n int) {
	w.mu.Lock()
	data := w.samples[:w.next]
	if w.full {
		data = w.samples
	}
	data = append(stats.Float64Data(nil), data...)
	w.mu.Unlock()

	if len(data) == 0 {
		return 0, 0, 0, 0
	}
	toDuration := func(us float64) time.Duration { return time.Duration(us * float64(time.Microsecond)) }
	// errors only arise for empty input
	median, _ := stats.Percentile(data, 50)
	tail, _ := stats.Percentile(data, 99)
	most, _ := stats.Max(data)
	return toDuration(median), toDuration(tail), toDuration(most), len(data)
}
