// Package fake implements telemetry sources that do not need a running ride simulation: a
// synthetic ride generator and a replay of recorded samples.
package fake

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"github.com/rideseat/seatmotion/spatialmath"
	"github.com/rideseat/seatmotion/telemetry"
)

const gravity = 9.81

// Synthetic generates a smooth periodic ride around the world origin: a figure-eight in the
// horizontal plane with a gentle vertical swell and a small banking roll.
type Synthetic struct {
	Rate      float64       // Hz
	Period    time.Duration // length of one lap
	Amplitude r3.Vector     // m
	MaxBank   float64       // rad
	Clock     clock.Clock

	// Corrupt, if set, is applied to each generated sample before delivery. Tests use it to
	// inject faults.
	Corrupt func(*telemetry.Sample)
}

// NewSynthetic returns a 100 Hz source with a 20 s lap and sub-meter excursions.
func NewSynthetic(clk clock.Clock) *Synthetic {
	if clk == nil {
		clk = clock.New()
	}
	return &Synthetic{
		Rate:      100,
		Period:    20 * time.Second,
		Amplitude: r3.Vector{X: 0.8, Y: 0.6, Z: 0.4},
		MaxBank:   0.15,
		Clock:     clk,
	}
}

// At returns the sample at elapsed time t.
func (s *Synthetic) At(t time.Duration) telemetry.Sample {
	w := 2 * math.Pi / s.Period.Seconds()
	x := t.Seconds() * w
	a := s.Amplitude

	pos := r3.Vector{X: a.X * math.Sin(x), Y: a.Y * math.Sin(2*x) / 2, Z: a.Z * (1 - math.Cos(x))}
	vel := r3.Vector{X: a.X * w * math.Cos(x), Y: a.Y * w * math.Cos(2*x), Z: a.Z * w * math.Sin(x)}
	acc := r3.Vector{X: -a.X * w * w * math.Sin(x), Y: -2 * a.Y * w * w * math.Sin(2*x), Z: a.Z * w * w * math.Cos(x)}
	orientation := spatialmath.QuatFromAxisAngle(r3.Vector{X: 1}, s.MaxBank*math.Sin(2*x))

	// g-force is specific force in the vehicle frame, in units of g
	specific := acc.Add(r3.Vector{Z: gravity})
	g := spatialmath.RotateVector(quat.Conj(orientation), specific).Mul(1 / gravity)

	return telemetry.Sample{
		Timestamp:    t,
		Position:     pos,
		Velocity:     vel,
		Acceleration: acc,
		Orientation:  orientation,
		GForce:       g,
	}
}

// Run delivers samples at Rate until ctx is done.
func (s *Synthetic) Run(ctx context.Context, sink telemetry.Sink) error {
	if s.Rate <= 0 || s.Period <= 0 {
		return errors.New("synthetic telemetry needs a positive rate and period")
	}
	ticker := s.Clock.Ticker(time.Duration(float64(time.Second) / s.Rate))
	defer ticker.Stop()
	start := s.Clock.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			sample := s.At(now.Sub(start))
			if s.Corrupt != nil {
				s.Corrupt(&sample)
			}
			sink.Put(sample)
		}
	}
}
