// Package fake implements an in-memory robot link that records every command it is sent.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/rideseat/seatmotion/logging"
	"github.com/rideseat/seatmotion/referenceframe"
	"github.com/rideseat/seatmotion/robotlink"
)

// Link is a fake robot link. It starts healthy.
type Link struct {
	logger logging.Logger

	healthy atomic.Bool
	delay   atomic.Duration

	mu       sync.Mutex
	commands []robotlink.Command
	sendErr  error
	closed   bool
}

var _ robotlink.Link = (*Link)(nil)

// NewLink returns a healthy fake link.
func NewLink(logger logging.Logger) *Link {
	l := &Link{logger: logger}
	l.healthy.Store(true)
	return l
}

// Send records cmd.
func (l *Link) Send(ctx context.Context, cmd robotlink.Command) error {
	if d := l.delay.Load(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return robotlink.NewConnectionError("send", errors.New("link closed"))
	}
	if l.sendErr != nil {
		return robotlink.NewConnectionError("send", l.sendErr)
	}
	l.commands = append(l.commands, cmd)
	if _, ok := cmd.(robotlink.StopCommand); ok {
		l.logger.Debug("stop received")
	}
	return nil
}

// Healthy returns the health set with SetHealthy.
func (l *Link) Healthy(ctx context.Context) bool {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	return !closed && l.healthy.Load()
}

// Close closes the link. Later sends fail.
func (l *Link) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// SetHealthy sets what Healthy reports.
func (l *Link) SetHealthy(healthy bool) {
	l.healthy.Store(healthy)
}

// SetSendError makes every Send fail with err until it is set back to nil.
func (l *Link) SetSendError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

// SetDelay makes Send take d before answering.
func (l *Link) SetDelay(d time.Duration) {
	l.delay.Store(d)
}

// Commands returns a copy of every command received.
func (l *Link) Commands() []robotlink.Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]robotlink.Command{}, l.commands...)
}

// Joints returns the joint targets received, in order.
func (l *Link) Joints() []referenceframe.Joints {
	var out []referenceframe.Joints
	for _, cmd := range l.Commands() {
		if jc, ok := cmd.(robotlink.JointCommand); ok {
			out = append(out, jc.Angles)
		}
	}
	return out
}

// Stops returns how many StopCommands were received.
func (l *Link) Stops() int {
	n := 0
	for _, cmd := range l.Commands() {
		if _, ok := cmd.(robotlink.StopCommand); ok {
			n++
		}
	}
	return n
}

// Reset forgets the received commands.
func (l *Link) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commands = nil
}
