package transform

import (
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"github.com/rideseat/seatmotion/spatialmath"
	"github.com/rideseat/seatmotion/telemetry"
	"github.com/rideseat/seatmotion/utils"
)

// WashoutConfig configures the optional motion cueing stage that runs before Transform.
type WashoutConfig struct {
	Enabled         bool    `json:"enabled"`
	LowPassAlpha    float64 `json:"low_pass_alpha"`
	WashoutAlpha    float64 `json:"washout_alpha"`
	MaxTravel       float64 `json:"max_travel"`    // m, before scaling
	MaxTiltRate     float64 `json:"max_tilt_rate"` // rad/s
	KeepOrientation bool    `json:"keep_orientation"`
}

// DefaultWashoutConfig returns a disabled stage with tuned filter constants.
func DefaultWashoutConfig() WashoutConfig {
	return WashoutConfig{
		LowPassAlpha: 0.95,
		WashoutAlpha: 0.998,
		MaxTravel:    0.25,
		MaxTiltRate:  utils.DegToRad(20),
	}
}

// Validate checks the filter constants.
func (cfg WashoutConfig) Validate(path string) error {
	if !utils.IsFinite(cfg.LowPassAlpha, cfg.WashoutAlpha, cfg.MaxTravel, cfg.MaxTiltRate) {
		return errors.Errorf("%s: values must be finite", path)
	}
	if cfg.LowPassAlpha < 0 || cfg.LowPassAlpha >= 1 {
		return errors.Errorf("%s.low_pass_alpha: must be in [0, 1)", path)
	}
	if cfg.WashoutAlpha <= 0 || cfg.WashoutAlpha >= 1 {
		return errors.Errorf("%s.washout_alpha: must be in (0, 1)", path)
	}
	if cfg.MaxTravel <= 0 {
		return errors.Errorf("%s.max_travel: must be positive", path)
	}
	if cfg.MaxTiltRate <= 0 {
		return errors.Errorf("%s.max_tilt_rate: must be positive", path)
	}
	return nil
}

type filter interface {
	Reset()
	Next(x float64) float64
}

// exponential smoothing, y = alpha*y + (1-alpha)*x
type lowPassFilter struct {
	alpha float64
	y     float64
}

func (f *lowPassFilter) Reset() { f.y = 0 }

func (f *lowPassFilter) Next(x float64) float64 {
	f.y = f.alpha*f.y + (1-f.alpha)*x
	return f.y
}

// removes the slowly varying part of the signal so sustained offsets return to neutral
type washoutFilter struct {
	slow lowPassFilter
}

func (f *washoutFilter) Reset() { f.slow.Reset() }

func (f *washoutFilter) Next(x float64) float64 {
	return x - f.slow.Next(x)
}

type vectorFilter [3]filter

func (vf vectorFilter) Reset() {
	for _, f := range vf {
		f.Reset()
	}
}

func (vf vectorFilter) Next(v r3.Vector) r3.Vector {
	return r3.Vector{X: vf[0].Next(v.X), Y: vf[1].Next(v.Y), Z: vf[2].Next(v.Z)}
}

func newVectorFilter(mk func() filter) vectorFilter {
	return vectorFilter{mk(), mk(), mk()}
}

// Washout keeps the seat inside a small travel envelope around where the ride started. Position
// is taken relative to the first sample, smoothed, and high-passed so sustained displacement
// drifts back to the center; acceleration is smoothed, high-passed and slew limited so the seat
// correction tilts at a bounded rate.
type Washout struct {
	mu   sync.Mutex
	cfg  WashoutConfig
	seat SeatCorrection

	anchor   r3.Vector
	anchored bool

	posSmooth, posWashout vectorFilter
	accSmooth, accWashout vectorFilter

	lastAcc       r3.Vector
	lastTimestamp time.Duration
	haveLast      bool
}

// NewWashout returns a washout stage. The seat correction gains bound the acceleration slew rate
// so the resulting tilt changes no faster than MaxTiltRate.
func NewWashout(cfg WashoutConfig, seat SeatCorrection) *Washout {
	lp := func() filter { return &lowPassFilter{alpha: cfg.LowPassAlpha} }
	wo := func() filter { return &washoutFilter{slow: lowPassFilter{alpha: cfg.WashoutAlpha}} }
	return &Washout{
		cfg:        cfg,
		seat:       seat,
		posSmooth:  newVectorFilter(lp),
		posWashout: newVectorFilter(wo),
		accSmooth:  newVectorFilter(lp),
		accWashout: newVectorFilter(wo),
	}
}

// Reset forgets the anchor and filter state. The next sample becomes the new center.
func (w *Washout) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.anchored = false
	w.haveLast = false
	w.lastAcc = r3.Vector{}
	for _, vf := range []vectorFilter{w.posSmooth, w.posWashout, w.accSmooth, w.accWashout} {
		vf.Reset()
	}
}

// Apply returns the cued sample. The input must already be validated.
func (w *Washout) Apply(s telemetry.Sample) telemetry.Sample {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.anchored {
		w.anchor, w.anchored = s.Position, true
	}
	pos := w.posWashout.Next(w.posSmooth.Next(s.Position.Sub(w.anchor)))
	if n := pos.Norm(); n > w.cfg.MaxTravel && n > 1e-12 {
		pos = pos.Mul(w.cfg.MaxTravel / n)
	}

	orientation := s.Orientation
	acc := s.Acceleration
	if !w.cfg.KeepOrientation {
		// cue from body frame acceleration and hold the seat level otherwise
		acc = spatialmath.RotateVector(quat.Conj(orientation), acc)
		orientation = spatialmath.NewZeroOrientation()
	}
	acc = w.accWashout.Next(w.accSmooth.Next(acc))

	if w.haveLast {
		dt := (s.Timestamp - w.lastTimestamp).Seconds()
		if dt > 0 && dt < 1 {
			acc.X = slew(w.lastAcc.X, acc.X, w.cfg.MaxTiltRate, w.seat.PitchGain, dt)
			acc.Y = slew(w.lastAcc.Y, acc.Y, w.cfg.MaxTiltRate, w.seat.RollGain, dt)
		}
	}
	w.lastAcc, w.lastTimestamp, w.haveLast = acc, s.Timestamp, true

	s.Position = pos
	s.Acceleration = acc
	s.Orientation = orientation
	return s
}

// slew limits the change of an acceleration component so that gain*acceleration changes by at
// most rate*dt.
func slew(prev, next, rate, gain, dt float64) float64 {
	if gain == 0 {
		return next
	}
	maxDelta := rate * dt / math.Abs(gain)
	return prev + utils.Clamp(next-prev, -maxDelta, maxDelta)
}
