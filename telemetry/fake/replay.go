package fake

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/rideseat/seatmotion/logging"
	"github.com/rideseat/seatmotion/telemetry"
)

// Replay plays back samples recorded one JSON object per line, pacing them by their timestamps.
type Replay struct {
	r      io.Reader
	clock  clock.Clock
	logger logging.Logger

	// Loop restarts from the first sample when the end is reached. Only supported for files.
	Loop bool
	path string
}

// NewReplay replays samples from r.
func NewReplay(r io.Reader, clk clock.Clock, logger logging.Logger) *Replay {
	if clk == nil {
		clk = clock.New()
	}
	return &Replay{r: r, clock: clk, logger: logger}
}

// NewReplayFromFile replays samples from a recording on disk.
func NewReplayFromFile(path string, clk clock.Clock, logger logging.Logger) *Replay {
	rp := NewReplay(nil, clk, logger)
	rp.path = path
	return rp
}

// Run delivers every recorded sample. Lines that fail to decode are logged and skipped.
func (rp *Replay) Run(ctx context.Context, sink telemetry.Sink) error {
	for {
		r := rp.r
		var f *os.File
		if rp.path != "" {
			var err error
			//nolint:gosec
			if f, err = os.Open(rp.path); err != nil {
				return errors.Wrap(err, "cannot open telemetry recording")
			}
			r = f
		}
		err := rp.play(ctx, r, sink)
		if f != nil {
			if closeErr := f.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
		if err != nil || !rp.Loop || rp.path == "" || ctx.Err() != nil {
			return err
		}
	}
}

func (rp *Replay) play(ctx context.Context, r io.Reader, sink telemetry.Sink) error {
	scanner := bufio.NewScanner(r)
	var (
		start     time.Time
		first     time.Duration
		haveFirst bool
		line      int
	)
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var s telemetry.Sample
		if err := json.Unmarshal(scanner.Bytes(), &s); err != nil {
			rp.logger.Warnw("skipping telemetry record", "line", line, "error", err)
			continue
		}
		if !haveFirst {
			start, first, haveFirst = rp.clock.Now(), s.Timestamp, true
		}
		due := start.Add(s.Timestamp - first)
		if wait := due.Sub(rp.clock.Now()); wait > 0 {
			timer := rp.clock.Timer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		sink.Put(s)
	}
	return errors.Wrap(scanner.Err(), "cannot read telemetry recording")
}

// Record writes samples in the format Replay reads.
func Record(w io.Writer, samples ...telemetry.Sample) error {
	enc := json.NewEncoder(w)
	for _, s := range samples {
		if err := enc.Encode(s); err != nil {
			return err
		}
	}
	return nil
}
