package audit

import (
	"context"
	"sync"
)

// DefaultMemoryLimit is how many events a MemoryRecorder keeps unless told otherwise.
const DefaultMemoryLimit = 1000

// MemoryRecorder keeps the most recent events in memory. The operator surface serves them.
type MemoryRecorder struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

// NewMemoryRecorder returns a recorder holding at most limit events.
func NewMemoryRecorder(limit int) *MemoryRecorder {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &MemoryRecorder{limit: limit}
}

// Record implements Recorder.
func (m *MemoryRecorder) Record(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	if over := len(m.events) - m.limit; over > 0 {
		m.events = append(m.events[:0], m.events[over:]...)
	}
	return nil
}

// Events returns the recorded events, oldest first.
func (m *MemoryRecorder) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event{}, m.events...)
}

// Close implements Recorder.
func (m *MemoryRecorder) Close() error {
	return nil
}
