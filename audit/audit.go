// Package audit keeps a durable trail of safety state changes and operator commands.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/rideseat/seatmotion/logging"
	"github.com/rideseat/seatmotion/safety"
	"github.com/rideseat/seatmotion/utils"
)

// Kinds of audit event.
const (
	KindTransition = "transition"
	KindCommand    = "command"
)

// Event is one audit record.
type Event struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Kind     string    `json:"kind"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Source   string    `json:"source,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Command  string    `json:"command,omitempty"`
	Operator string    `json:"operator,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// TransitionEvent converts a safety transition to an event.
func TransitionEvent(t safety.Transition) Event {
	ev := Event{
		ID:       uuid.NewString(),
		Time:     t.At,
		Kind:     KindTransition,
		From:     t.From.String(),
		To:       t.To.String(),
		Operator: t.Operator,
	}
	if t.Fault != nil {
		ev.Reason = t.Fault.Reason.String()
		ev.Source = t.Fault.Source
		ev.Detail = t.Fault.Detail
	}
	return ev
}

// CommandEvent records an operator command and its outcome.
func CommandEvent(at time.Time, operator, command string, err error) Event {
	ev := Event{
		ID:       uuid.NewString(),
		Time:     at,
		Kind:     KindCommand,
		Command:  command,
		Operator: operator,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// Recorder persists events.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

// DefaultQueueSize is how many events may wait for recorders before new ones are dropped.
const DefaultQueueSize = 256

// Trail fans events out to recorders on a background worker so that callers on the control path
// never wait for storage.
type Trail struct {
	recorders []Recorder
	logger    logging.Logger
	timeout   time.Duration

	queue     chan Event
	workers   utils.StoppableWorkers
	closeOnce sync.Once
	dropWarn  rate.Sometimes
}

// NewTrail returns a trail writing to every recorder. Call Start to begin writing.
func NewTrail(logger logging.Logger, recorders ...Recorder) *Trail {
	return &Trail{
		recorders: recorders,
		logger:    logger,
		timeout:   2 * time.Second,
		queue:     make(chan Event, DefaultQueueSize),
		dropWarn:  rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Start begins writing queued events.
func (t *Trail) Start(ctx context.Context) {
	t.workers = utils.NewStoppableWorkersWithContext(ctx, t.run)
}

// Observe queues a safety transition. It never blocks. Use it with safety.Supervisor.Subscribe.
func (t *Trail) Observe(tr safety.Transition) {
	t.enqueue(TransitionEvent(tr))
}

// Command queues an operator command record. It never blocks.
func (t *Trail) Command(at time.Time, operator, command string, err error) {
	t.enqueue(CommandEvent(at, operator, command, err))
}

func (t *Trail) enqueue(ev Event) {
	select {
	case t.queue <- ev:
	default:
		t.dropWarn.Do(func() {
			t.logger.Warnw("audit queue full, dropping events", "kind", ev.Kind)
		})
	}
}

func (t *Trail) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			t.drain()
			return
		case ev := <-t.queue:
			t.write(ev)
		}
	}
}

func (t *Trail) drain() {
	for {
		select {
		case ev := <-t.queue:
			t.write(ev)
		default:
			return
		}
	}
}

func (t *Trail) write(ev Event) {
	for _, r := range t.recorders {
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		if err := r.Record(ctx, ev); err != nil {
			t.logger.Warnw("failed to record audit event", "id", ev.ID, "kind", ev.Kind, "error", err)
		}
		cancel()
	}
}

// Close writes any queued events, then closes every recorder.
func (t *Trail) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.workers != nil {
			t.workers.Stop()
		} else {
			t.drain()
		}
		for _, r := range t.recorders {
			err = multierr.Append(err, r.Close())
		}
	})
	return err
}
