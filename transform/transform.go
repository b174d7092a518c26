// Package transform maps ride telemetry from the simulation's world frame to tool center point
// targets in the robot base frame.
package transform

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/num/quat"

	"github.com/rideseat/seatmotion/spatialmath"
	"github.com/rideseat/seatmotion/telemetry"
	"github.com/rideseat/seatmotion/utils"
)

// SeatCorrection tilts the seat against the vehicle's acceleration: forward acceleration pitches
// the seat back and lateral acceleration rolls it towards the outside of the turn. Gains are in
// radians per m/s².
type SeatCorrection struct {
	PitchGain float64 `json:"pitch_gain"`
	RollGain  float64 `json:"roll_gain"`
	MaxTilt   float64 `json:"max_tilt"` // rad
}

// MountConfig describes how the simulation frame is mounted onto the robot base frame.
type MountConfig struct {
	Scale     float64 // robot mm per simulation m
	AxisRemap spatialmath.RotationMatrix
	TCPOffset r3.Vector // mm, robot base frame
	Seat      SeatCorrection
}

// DefaultMountConfig scales one simulated meter to 100 mm and centers the simulation origin on
// the IRB 6600 home flange position.
func DefaultMountConfig() MountConfig {
	return MountConfig{
		Scale:     100,
		AxisRemap: spatialmath.IdentityRotation(),
		TCPOffset: r3.Vector{X: 1462.5, Y: 0, Z: 2255},
		Seat:      SeatCorrection{PitchGain: 0.02, RollGain: 0.02, MaxTilt: 0.35},
	}
}

// Validate checks the mount configuration. The axis remap must be a proper rotation.
func (cfg MountConfig) Validate(path string) error {
	var err error
	if !utils.IsFinite(cfg.Scale) || cfg.Scale <= 0 {
		err = multierr.Append(err, errors.Errorf("%s.scale: must be finite and positive, got %v", path, cfg.Scale))
	}
	if remapErr := cfg.AxisRemap.Validate(1e-6); remapErr != nil {
		err = multierr.Append(err, errors.Wrapf(remapErr, "%s.axis_remap", path))
	}
	if !utils.IsFinite(cfg.TCPOffset.X, cfg.TCPOffset.Y, cfg.TCPOffset.Z) {
		err = multierr.Append(err, errors.Errorf("%s.tcp_offset: must be finite", path))
	}
	s := cfg.Seat
	if !utils.IsFinite(s.PitchGain, s.RollGain, s.MaxTilt) {
		err = multierr.Append(err, errors.Errorf("%s.seat_correction: must be finite", path))
	} else if s.MaxTilt < 0 || s.MaxTilt >= math.Pi/2 {
		err = multierr.Append(err, errors.Errorf("%s.seat_correction.max_tilt: must be in [0, pi/2)", path))
	}
	return err
}

// Transform maps a sample to a tool center point target:
//
//	position    = R_axis * (sample.position * scale) + tcp_offset
//	orientation = q(R_axis) * sample.orientation * seat_correction
//
// It is a pure function of its arguments. A *telemetry.ValidationError is returned for any
// non-finite input or result.
func Transform(sample telemetry.Sample, cfg MountConfig) (spatialmath.Pose, error) {
	for _, f := range []struct {
		name string
		v    r3.Vector
	}{
		{"position", sample.Position},
		{"acceleration", sample.Acceleration},
	} {
		if !utils.IsFinite(f.v.X, f.v.Y, f.v.Z) {
			return spatialmath.Pose{}, telemetry.NewValidationError(f.name, "non-finite value %v", f.v)
		}
	}
	q, err := spatialmath.Normalize(sample.Orientation)
	if err != nil {
		return spatialmath.Pose{}, telemetry.NewValidationError("orientation", "%v", err)
	}

	position := cfg.AxisRemap.MulVec(sample.Position.Mul(cfg.Scale)).Add(cfg.TCPOffset)
	orientation := quat.Mul(quat.Mul(cfg.AxisRemap.Quaternion(), q), SeatCorrectionQuat(sample.Acceleration, q, cfg.Seat))
	if orientation, err = spatialmath.Normalize(orientation); err != nil {
		return spatialmath.Pose{}, telemetry.NewValidationError("orientation", "%v", err)
	}

	pose := spatialmath.NewPose(position, orientation)
	if !pose.IsFinite() {
		return spatialmath.Pose{}, telemetry.NewValidationError("tcp", "transform produced a non-finite pose %v", pose)
	}
	return pose, nil
}

// SeatTilt returns the roll and pitch, in radians, the seat correction applies for a world frame
// acceleration when the vehicle has the given orientation.
func SeatTilt(acceleration r3.Vector, orientation quat.Number, s SeatCorrection) (roll, pitch float64) {
	// x forward, y left, z up
	body := spatialmath.RotateVector(quat.Conj(orientation), acceleration)
	pitch = utils.Clamp(-s.PitchGain*body.X, -s.MaxTilt, s.MaxTilt)
	roll = utils.Clamp(s.RollGain*body.Y, -s.MaxTilt, s.MaxTilt)
	return roll, pitch
}

// SeatCorrectionQuat is the seat tilt as a rotation in the vehicle frame, roll applied after
// pitch.
func SeatCorrectionQuat(acceleration r3.Vector, orientation quat.Number, s SeatCorrection) quat.Number {
	roll, pitch := SeatTilt(acceleration, orientation, s)
	return quat.Mul(
		spatialmath.QuatFromAxisAngle(r3.Vector{X: 1}, roll),
		spatialmath.QuatFromAxisAngle(r3.Vector{Y: 1}, pitch),
	)
}
