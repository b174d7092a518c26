package safety

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// LinkLossAction is what a robot link connection error escalates to.
type LinkLossAction string

// Link loss actions.
const (
	LinkLossFault LinkLossAction = "fault"
	LinkLossEStop LinkLossAction = "estop"
)

// Config holds the supervisor's static settings.
type Config struct {
	WatchdogTimeout    time.Duration  `json:"watchdog_timeout"`
	FaultDebounceCount int            `json:"fault_debounce_count"`
	LinkLossAction     LinkLossAction `json:"link_loss_action"`
	// FaultEscalationCount faults within FaultEscalationWindow escalate to an e-stop. Zero
	// disables escalation.
	FaultEscalationCount  int           `json:"fault_escalation_count"`
	FaultEscalationWindow time.Duration `json:"fault_escalation_window"`
}

// DefaultConfig returns the default supervisor settings.
func DefaultConfig() Config {
	return Config{
		WatchdogTimeout:       time.Second,
		FaultDebounceCount:    5,
		LinkLossAction:        LinkLossFault,
		FaultEscalationCount:  3,
		FaultEscalationWindow: 5 * time.Minute,
	}
}

// Validate returns an error for each invalid setting.
func (c Config) Validate(path string) error {
	var err error
	if c.WatchdogTimeout <= 0 {
		err = multierr.Append(err, errors.Errorf("%s.watchdog_timeout: must be positive", path))
	}
	if c.FaultDebounceCount < 0 {
		err = multierr.Append(err, errors.Errorf("%s.fault_debounce_count: cannot be negative", path))
	}
	switch c.LinkLossAction {
	case LinkLossFault, LinkLossEStop:
	default:
		err = multierr.Append(err, errors.Errorf("%s.link_loss_action: must be %q or %q, got %q",
			path, LinkLossFault, LinkLossEStop, c.LinkLossAction))
	}
	if c.FaultEscalationCount < 0 {
		err = multierr.Append(err, errors.Errorf("%s.fault_escalation_count: cannot be negative", path))
	}
	if c.FaultEscalationCount > 0 && c.FaultEscalationWindow <= 0 {
		err = multierr.Append(err, errors.Errorf("%s.fault_escalation_window: must be positive", path))
	}
	return err
}
