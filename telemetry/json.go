package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

// Source produces samples into a sink until its context is cancelled or it runs out of data.
type Source interface {
	Run(ctx context.Context, sink Sink) error
}

type vectorJSON struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type quatJSON struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// sampleJSON is the recorded form of a sample, one JSON object per line.
type sampleJSON struct {
	Timestamp    float64    `json:"timestamp"`
	Position     vectorJSON `json:"position"`
	Velocity     vectorJSON `json:"velocity"`
	Acceleration vectorJSON `json:"acceleration"`
	Orientation  quatJSON   `json:"orientation"`
	GForce       vectorJSON `json:"g_force"`
	Speed        float64    `json:"speed,omitempty"`
}

func toVectorJSON(v r3.Vector) vectorJSON {
	return vectorJSON{X: v.X, Y: v.Y, Z: v.Z}
}

func (v vectorJSON) vector() r3.Vector {
	return r3.Vector{X: v.X, Y: v.Y, Z: v.Z}
}

// MarshalJSON encodes the sample with the timestamp in seconds and named vector components.
func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal(sampleJSON{
		Timestamp:    s.Timestamp.Seconds(),
		Position:     toVectorJSON(s.Position),
		Velocity:     toVectorJSON(s.Velocity),
		Acceleration: toVectorJSON(s.Acceleration),
		Orientation:  quatJSON{W: s.Orientation.Real, X: s.Orientation.Imag, Y: s.Orientation.Jmag, Z: s.Orientation.Kmag},
		GForce:       toVectorJSON(s.GForce),
		Speed:        s.Speed(),
	})
}

// UnmarshalJSON decodes a sample written by MarshalJSON. A missing orientation decodes as the
// identity rather than a degenerate quaternion.
func (s *Sample) UnmarshalJSON(data []byte) error {
	raw := sampleJSON{Orientation: quatJSON{W: 1}}
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "cannot decode telemetry sample")
	}
	*s = Sample{
		Timestamp:    time.Duration(raw.Timestamp * float64(time.Second)),
		Position:     raw.Position.vector(),
		Velocity:     raw.Velocity.vector(),
		Acceleration: raw.Acceleration.vector(),
		Orientation:  quat.Number{Real: raw.Orientation.W, Imag: raw.Orientation.X, Jmag: raw.Orientation.Y, Kmag: raw.Orientation.Z},
		GForce:       raw.GForce.vector(),
	}
	return nil
}
