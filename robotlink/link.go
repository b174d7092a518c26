// Package robotlink defines the boundary between the motion pipeline and the driver that talks to
// the robot controller.
package robotlink

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/rideseat/seatmotion/referenceframe"
)

// Command is something dispatched to the robot. The set is closed: JointCommand or StopCommand.
type Command interface {
	isCommand()
}

// JointCommand moves the arm to the given joint angles, in radians.
type JointCommand struct {
	Angles    referenceframe.Joints
	Timestamp time.Duration
}

// StopCommand halts the arm at once.
type StopCommand struct{}

func (JointCommand) isCommand() {}
func (StopCommand) isCommand()  {}

func (c JointCommand) String() string {
	return fmt.Sprintf("joints %v at %v", c.Angles, c.Timestamp)
}

func (StopCommand) String() string {
	return "stop"
}

// Link is a connection to the robot controller.
type Link interface {
	// Send dispatches a command. Failures are reported as *ConnectionError.
	Send(ctx context.Context, cmd Command) error
	// Healthy reports whether the controller is connected and accepting commands.
	Healthy(ctx context.Context) bool
	Close(ctx context.Context) error
}

// ConnectionError means the robot link failed or timed out.
type ConnectionError struct {
	Op  string
	Err error
}

// NewConnectionError returns a *ConnectionError for a failed op.
func NewConnectionError(op string, err error) error {
	return &ConnectionError{Op: op, Err: err}
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("robot link %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is or wraps a *ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// SendWithTimeout sends cmd and gives up after timeout even if the link ignores its context. Every
// failure, including the timeout, is returned as a *ConnectionError.
func SendWithTimeout(ctx context.Context, link Link, cmd Command, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan error, 1)
	goutils.PanicCapturingGo(func() {
		result <- link.Send(ctx, cmd)
	})
	select {
	case err := <-result:
		if err == nil || IsConnectionError(err) {
			return err
		}
		return NewConnectionError("send", err)
	case <-ctx.Done():
		return NewConnectionError("send", errors.Wrapf(ctx.Err(), "no reply within %v", timeout))
	}
}
