// Package telemetry defines ride telemetry samples, their sanity validation, and the mailbox the
// telemetry collaborator delivers them through.
package telemetry

import (
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"github.com/rideseat/seatmotion/spatialmath"
	"github.com/rideseat/seatmotion/utils"
)

// Sample is the state of the ride vehicle at one instant, in the simulation's right-handed Z-up
// world frame.
type Sample struct {
	Timestamp    time.Duration // monotonic, since the start of the stream
	Position     r3.Vector     // m
	Velocity     r3.Vector     // m/s
	Acceleration r3.Vector     // m/s²
	Orientation  quat.Number   // unit quaternion, vehicle to world
	GForce       r3.Vector     // g
}

// Speed is the magnitude of the velocity.
func (s Sample) Speed() float64 {
	return s.Velocity.Norm()
}

// SanityBounds are the largest magnitudes a sample may report before it is considered corrupt.
type SanityBounds struct {
	MaxPositionAxis float64 `json:"max_position_axis"` // m
	MaxSpeed        float64 `json:"max_speed"`         // m/s
	MaxGForce       float64 `json:"max_g_force"`       // g
}

// DefaultSanityBounds reject samples no ride could produce.
func DefaultSanityBounds() SanityBounds {
	return SanityBounds{MaxPositionAxis: 10000, MaxSpeed: 200, MaxGForce: 50}
}

// Validate checks the bounds themselves.
func (b SanityBounds) Validate(path string) error {
	if !utils.IsFinite(b.MaxPositionAxis, b.MaxSpeed, b.MaxGForce) ||
		b.MaxPositionAxis <= 0 || b.MaxSpeed <= 0 || b.MaxGForce <= 0 {
		return errors.Errorf("%s: sanity bounds must be finite and positive", path)
	}
	return nil
}

// ValidationError reports a sample that is non-finite or outside the sanity bounds. Such samples
// are dropped and never satisfy the watchdog.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid telemetry %s: %s", e.Field, e.Reason)
}

// NewValidationError returns a *ValidationError for the given field.
func NewValidationError(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func vectorFinite(v r3.Vector) bool {
	return utils.IsFinite(v.X, v.Y, v.Z)
}

// Validate returns a *ValidationError if any field is non-finite, the position, speed or g-force
// exceed the bounds, or the orientation cannot be normalized.
func (s Sample) Validate(bounds SanityBounds) error {
	for _, f := range []struct {
		name string
		v    r3.Vector
	}{
		{"position", s.Position},
		{"velocity", s.Velocity},
		{"acceleration", s.Acceleration},
		{"g_force", s.GForce},
	} {
		if !vectorFinite(f.v) {
			return NewValidationError(f.name, "non-finite value %v", f.v)
		}
	}
	if !spatialmath.QuatIsFinite(s.Orientation) {
		return NewValidationError("orientation", "non-finite value %v", s.Orientation)
	}
	if quat.Abs(s.Orientation) < 1e-10 {
		return NewValidationError("orientation", "degenerate quaternion")
	}
	for _, axis := range []float64{s.Position.X, s.Position.Y, s.Position.Z} {
		if math.Abs(axis) > bounds.MaxPositionAxis {
			return NewValidationError("position", "%.1f m exceeds %.1f m", axis, bounds.MaxPositionAxis)
		}
	}
	if speed := s.Speed(); speed > bounds.MaxSpeed {
		return NewValidationError("velocity", "speed %.1f m/s exceeds %.1f m/s", speed, bounds.MaxSpeed)
	}
	if g := s.GForce.Norm(); g > bounds.MaxGForce {
		return NewValidationError("g_force", "%.1f g exceeds %.1f g", g, bounds.MaxGForce)
	}
	return nil
}

// Normalized returns the sample with a unit orientation quaternion.
func (s Sample) Normalized() (Sample, error) {
	q, err := spatialmath.Normalize(s.Orientation)
	if err != nil {
		return s, NewValidationError("orientation", "%v", err)
	}
	s.Orientation = q
	return s, nil
}
