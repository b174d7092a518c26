package control

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// MaxRateHz is the fastest the loop may run.
const MaxRateHz = 200

// Config holds the loop timing settings.
type Config struct {
	RateHz      float64       `json:"rate_hz"`
	SendTimeout time.Duration `json:"send_timeout"`
	// BufferCapacity is the motion buffer size. Zero sizes it for 50 ms at RateHz.
	BufferCapacity int `json:"buffer_capacity"`
	// MaxStopRampSteps bounds how many ticks a fault stop ramp may take.
	MaxStopRampSteps int `json:"max_stop_ramp_steps"`
}

// DefaultConfig runs at 100 Hz with a send timeout of two periods.
func DefaultConfig() Config {
	return Config{
		RateHz:           100,
		SendTimeout:      20 * time.Millisecond,
		MaxStopRampSteps: 200,
	}
}

// Validate returns an error for each invalid setting.
func (c Config) Validate(path string) error {
	var err error
	if math.IsNaN(c.RateHz) || c.RateHz <= 0 || c.RateHz > MaxRateHz {
		err = multierr.Append(err, errors.Errorf("%s.rate_hz: loop frequency shouldn't be 0 or above %dHz, got %v",
			path, MaxRateHz, c.RateHz))
	}
	if c.SendTimeout <= 0 {
		err = multierr.Append(err, errors.Errorf("%s.send_timeout: must be positive", path))
	}
	if c.BufferCapacity < 0 {
		err = multierr.Append(err, errors.Errorf("%s.buffer_capacity: cannot be negative", path))
	}
	if c.MaxStopRampSteps <= 0 {
		err = multierr.Append(err, errors.Errorf("%s.max_stop_ramp_steps: must be positive", path))
	}
	return err
}

// Period is the time between ticks, or zero for a rate that is not positive.
func (c Config) Period() time.Duration {
	if !(c.RateHz > 0) {
		return 0
	}
	return time.Duration(float64(time.Second) / c.RateHz)
}
