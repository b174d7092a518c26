// Package s7 reads a hardware e-stop circuit from a Siemens S7 safety PLC data block.
package s7

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robinson/gos7"
	"go.uber.org/multierr"

	"github.com/rideseat/seatmotion/logging"
)

// Config locates the e-stop bit on the PLC.
type Config struct {
	Address string `json:"address"`
	Rack    int    `json:"rack"`
	Slot    int    `json:"slot"`
	DB      int    `json:"db"`
	Byte    int    `json:"byte"`
	Bit     int    `json:"bit"`
	// ActiveLow means a cleared bit is an engaged e-stop, as with a normally closed circuit.
	ActiveLow bool          `json:"active_low"`
	Timeout   time.Duration `json:"timeout"`
}

// Validate ensures all parts of the config are valid.
func (c Config) Validate(path string) error {
	var err error
	if c.Address == "" {
		err = multierr.Append(err, errors.Errorf("%s.address: required", path))
	}
	if c.DB <= 0 {
		err = multierr.Append(err, errors.Errorf("%s.db: must be positive", path))
	}
	if c.Byte < 0 {
		err = multierr.Append(err, errors.Errorf("%s.byte: cannot be negative", path))
	}
	if c.Bit < 0 || c.Bit > 7 {
		err = multierr.Append(err, errors.Errorf("%s.bit: must be between 0 and 7, got %d", path, c.Bit))
	}
	if c.Timeout < 0 {
		err = multierr.Append(err, errors.Errorf("%s.timeout: cannot be negative", path))
	}
	return err
}

type dbReader interface {
	AGReadDB(dbNumber, start, size int, buffer []byte) error
}

// Input is an estop.Input backed by a PLC bit. It reconnects on the next read after a failure.
type Input struct {
	cfg    Config
	logger logging.Logger

	mu      sync.Mutex
	client  dbReader
	connect func() (dbReader, func() error, error)
	closeFn func() error
}

// NewInput returns an input that connects on first use.
func NewInput(cfg Config, logger logging.Logger) (*Input, error) {
	if err := cfg.Validate("estop.s7"); err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	in := &Input{cfg: cfg, logger: logger}
	in.connect = in.dial
	return in, nil
}

func (in *Input) dial() (dbReader, func() error, error) {
	handler := gos7.NewTCPClientHandler(in.cfg.Address, in.cfg.Rack, in.cfg.Slot)
	handler.Timeout = in.cfg.Timeout
	handler.IdleTimeout = 70 * time.Second
	if err := handler.Connect(); err != nil {
		return nil, nil, errors.Wrapf(err, "connecting to PLC at %s", in.cfg.Address)
	}
	in.logger.Infow("connected to safety PLC", "address", in.cfg.Address, "rack", in.cfg.Rack, "slot", in.cfg.Slot)
	return gos7.NewClient(handler), handler.Close, nil
}

// Engaged reads the e-stop bit.
func (in *Input) Engaged(ctx context.Context) (bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if in.client == nil {
		client, closeFn, err := in.connect()
		if err != nil {
			return false, err
		}
		in.client, in.closeFn = client, closeFn
	}

	buf := make([]byte, 1)
	if err := in.client.AGReadDB(in.cfg.DB, in.cfg.Byte, 1, buf); err != nil {
		in.dropLocked()
		return false, errors.Wrapf(err, "reading DB%d.DBX%d.%d", in.cfg.DB, in.cfg.Byte, in.cfg.Bit)
	}
	return decode(buf[0], in.cfg.Bit, in.cfg.ActiveLow), nil
}

func decode(b byte, bit int, activeLow bool) bool {
	set := b&(1<<uint(bit)) != 0
	return set != activeLow
}

func (in *Input) dropLocked() {
	if in.closeFn != nil {
		if err := in.closeFn(); err != nil {
			in.logger.Debugw("closing PLC connection", "error", err)
		}
	}
	in.client, in.closeFn = nil, nil
}

// Close closes the PLC connection.
func (in *Input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.dropLocked()
	return nil
}
