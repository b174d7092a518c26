// Package config defines the static configuration file of seatd and turns it into the settings
// of each pipeline component. Angles in the file are in degrees; lengths are in millimeters.
package config

import (
	"encoding/json"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/rideseat/seatmotion/audit"
	"github.com/rideseat/seatmotion/control"
	"github.com/rideseat/seatmotion/estop"
	"github.com/rideseat/seatmotion/estop/s7"
	"github.com/rideseat/seatmotion/kinematics"
	"github.com/rideseat/seatmotion/logging"
	"github.com/rideseat/seatmotion/motionplan"
	"github.com/rideseat/seatmotion/operator"
	"github.com/rideseat/seatmotion/referenceframe"
	"github.com/rideseat/seatmotion/safety"
	"github.com/rideseat/seatmotion/spatialmath"
	"github.com/rideseat/seatmotion/telemetry"
	"github.com/rideseat/seatmotion/transform"
	"github.com/rideseat/seatmotion/utils"
	"github.com/rideseat/seatmotion/workspace"
)

// Duration is a time.Duration written as a string such as "1.5s". Plain numbers are read as
// seconds.
type Duration time.Duration

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Telemetry sources.
const (
	TelemetrySynthetic = "synthetic"
	TelemetryReplay    = "replay"
)

// E-stop inputs.
const (
	EStopManual = "manual"
	EStopS7     = "s7"
)

// LogConfig sets the process log level and format.
type LogConfig struct {
	Level logging.Level `json:"level"`
	JSON  bool          `json:"json"`
}

// SeatCorrectionConfig is transform.SeatCorrection in degrees.
type SeatCorrectionConfig struct {
	PitchGain float64 `json:"pitch_gain"` // deg per m/s²
	RollGain  float64 `json:"roll_gain"`  // deg per m/s²
	MaxTilt   float64 `json:"max_tilt"`   // deg
}

// WashoutConfig is transform.WashoutConfig with the tilt rate in degrees per second.
type WashoutConfig struct {
	Enabled         bool    `json:"enabled"`
	LowPassAlpha    float64 `json:"low_pass_alpha"`
	WashoutAlpha    float64 `json:"washout_alpha"`
	MaxTravel       float64 `json:"max_travel"`
	MaxTiltRate     float64 `json:"max_tilt_rate"`
	KeepOrientation bool    `json:"keep_orientation"`
}

// DHConfig is one Denavit-Hartenberg row with angles in degrees.
type DHConfig struct {
	A      float64 `json:"a"`
	Alpha  float64 `json:"alpha"`
	D      float64 `json:"d"`
	Offset float64 `json:"offset"`
}

// JointLimitConfig is one joint's limits in degrees, deg/s, deg/s² and deg/s³.
type JointLimitConfig struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	MaxVel   float64 `json:"max_vel"`
	MaxAccel float64 `json:"max_accel"`
	MaxJerk  float64 `json:"max_jerk,omitempty"`
}

// PlannerConfig tunes inverse kinematics.
type PlannerConfig struct {
	SingularityEpsilon   float64 `json:"singularity_epsilon"`
	Damping              float64 `json:"damping"`
	MaxIterations        int     `json:"max_iterations"`
	MaxStep              float64 `json:"max_step"`
	PositionTolerance    float64 `json:"position_tolerance"`    // mm
	OrientationTolerance float64 `json:"orientation_tolerance"` // rad
}

// TelemetryConfig selects where samples come from.
type TelemetryConfig struct {
	Source     string `json:"source"`
	ReplayFile string `json:"replay_file,omitempty"`
}

// EStopConfig selects the hardware e-stop input.
type EStopConfig struct {
	Input           string     `json:"input"`
	PollInterval    Duration   `json:"poll_interval"`
	ReleaseDebounce Duration   `json:"release_debounce"`
	S7              *s7.Config `json:"s7,omitempty"`
}

// AuditConfig selects where audit events are kept.
type AuditConfig struct {
	MemoryLimit int               `json:"memory_limit"`
	Redis       audit.RedisConfig `json:"redis"`
}

// OperatorConfig configures the operator server.
type OperatorConfig struct {
	Address        string   `json:"address"`
	StatusInterval Duration `json:"status_interval"`
}

// Config is the whole configuration file.
type Config struct {
	Log LogConfig `json:"log"`

	RateHz           float64  `json:"rate_hz"`
	SendTimeout      Duration `json:"send_timeout"`
	BufferCapacity   int      `json:"buffer_capacity"`
	MaxStopRampSteps int      `json:"max_stop_ramp_steps"`

	Scale          float64                `json:"scale"`
	AxisRemap      [][]float64            `json:"axis_remap"`
	TCPOffset      []float64              `json:"tcp_offset"`
	SeatCorrection SeatCorrectionConfig   `json:"seat_correction"`
	Washout        WashoutConfig          `json:"washout"`
	Sanity         telemetry.SanityBounds `json:"sanity"`

	WorkspaceBox []float64 `json:"workspace_box"`
	BaseOrigin   []float64 `json:"base_origin"`
	MaxReach     float64   `json:"max_reach"`

	DH          []DHConfig         `json:"dh"`
	ToolOffset  []float64          `json:"tool_offset"`
	Home        []float64          `json:"home"`
	JointLimits []JointLimitConfig `json:"joint_limits"`
	Planner     PlannerConfig      `json:"planner"`

	WatchdogTimeout       Duration              `json:"watchdog_timeout"`
	FaultDebounceCount    int                   `json:"fault_debounce_count"`
	LinkLossAction        safety.LinkLossAction `json:"link_loss_action"`
	FaultEscalationCount  int                   `json:"fault_escalation_count"`
	FaultEscalationWindow Duration              `json:"fault_escalation_window"`

	Telemetry TelemetryConfig `json:"telemetry"`
	EStop     EStopConfig     `json:"estop"`
	Audit     AuditConfig     `json:"audit"`
	Operator  OperatorConfig  `json:"operator"`
}

func vec3(v r3.Vector) []float64 {
	return []float64{v.X, v.Y, v.Z}
}

// Default returns the configuration for an IRB 6600 running synthetic telemetry.
func Default() *Config {
	deg := utils.RadToDeg
	model := kinematics.NewIRB6600Model()
	mount := transform.DefaultMountConfig()
	washout := transform.DefaultWashoutConfig()
	ws := workspace.DefaultLimits()
	opts := motionplan.DefaultOptions()
	loop := control.DefaultConfig()
	sup := safety.DefaultConfig()
	op := operator.DefaultConfig()

	cfg := &Config{
		Log:              LogConfig{Level: logging.INFO},
		RateHz:           loop.RateHz,
		SendTimeout:      Duration(loop.SendTimeout),
		BufferCapacity:   loop.BufferCapacity,
		MaxStopRampSteps: loop.MaxStopRampSteps,

		Scale:     mount.Scale,
		AxisRemap: [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		TCPOffset: vec3(mount.TCPOffset),
		SeatCorrection: SeatCorrectionConfig{
			PitchGain: deg(mount.Seat.PitchGain),
			RollGain:  deg(mount.Seat.RollGain),
			MaxTilt:   deg(mount.Seat.MaxTilt),
		},
		Washout: WashoutConfig{
			Enabled:         washout.Enabled,
			LowPassAlpha:    washout.LowPassAlpha,
			WashoutAlpha:    washout.WashoutAlpha,
			MaxTravel:       washout.MaxTravel,
			MaxTiltRate:     deg(washout.MaxTiltRate),
			KeepOrientation: washout.KeepOrientation,
		},
		Sanity: telemetry.DefaultSanityBounds(),

		WorkspaceBox: ws.Box(),
		BaseOrigin:   vec3(ws.BaseOrigin),
		MaxReach:     ws.MaxReach,

		ToolOffset: vec3(model.Tool.Point),
		Planner: PlannerConfig{
			SingularityEpsilon:   opts.SingularityEpsilon,
			Damping:              opts.Damping,
			MaxIterations:        opts.MaxIterations,
			MaxStep:              opts.MaxStep,
			PositionTolerance:    opts.PositionTolerance,
			OrientationTolerance: opts.OrientationTolerance,
		},

		WatchdogTimeout:       Duration(sup.WatchdogTimeout),
		FaultDebounceCount:    sup.FaultDebounceCount,
		LinkLossAction:        sup.LinkLossAction,
		FaultEscalationCount:  sup.FaultEscalationCount,
		FaultEscalationWindow: Duration(sup.FaultEscalationWindow),

		Telemetry: TelemetryConfig{Source: TelemetrySynthetic},
		EStop:     EStopConfig{Input: EStopManual, PollInterval: Duration(estop.DefaultPollInterval)},
		Audit: AuditConfig{
			MemoryLimit: audit.DefaultMemoryLimit,
			Redis:       audit.RedisConfig{Address: "localhost:6379", Prefix: "seatd", MaxEntries: 10000},
		},
		Operator: OperatorConfig{Address: op.Address, StatusInterval: Duration(op.StatusInterval)},
	}
	for _, p := range model.DH {
		cfg.DH = append(cfg.DH, DHConfig{A: p.A, Alpha: deg(p.Alpha), D: p.D, Offset: deg(p.Offset)})
	}
	for _, q := range model.Home {
		cfg.Home = append(cfg.Home, deg(q))
	}
	for _, l := range model.Limits {
		cfg.JointLimits = append(cfg.JointLimits, JointLimitConfig{
			Min: deg(l.Min), Max: deg(l.Max), MaxVel: deg(l.MaxVelocity), MaxAccel: deg(l.MaxAcceleration), MaxJerk: deg(l.MaxJerk),
		})
	}
	return cfg
}

// root prefixes the key paths in validation errors.
const root = "config"

func vector(key string, v []float64) (r3.Vector, error) {
	path := root + "." + key
	if len(v) != 3 {
		return r3.Vector{}, errors.Errorf("%s: needs 3 values, got %d", path, len(v))
	}
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}, nil
}

// Control returns the control loop settings.
func (c *Config) Control() control.Config {
	return control.Config{
		RateHz:           c.RateHz,
		SendTimeout:      time.Duration(c.SendTimeout),
		BufferCapacity:   c.BufferCapacity,
		MaxStopRampSteps: c.MaxStopRampSteps,
	}
}

// Mount returns the coordinate transform settings.
func (c *Config) Mount() (transform.MountConfig, error) {
	d := utils.DegToRad
	remap, err := spatialmath.NewRotationMatrix(c.AxisRemap)
	if err != nil {
		return transform.MountConfig{}, errors.Wrap(err, root+".axis_remap")
	}
	offset, err := vector("tcp_offset", c.TCPOffset)
	if err != nil {
		return transform.MountConfig{}, err
	}
	return transform.MountConfig{
		Scale:     c.Scale,
		AxisRemap: remap,
		TCPOffset: offset,
		Seat: transform.SeatCorrection{
			PitchGain: d(c.SeatCorrection.PitchGain),
			RollGain:  d(c.SeatCorrection.RollGain),
			MaxTilt:   d(c.SeatCorrection.MaxTilt),
		},
	}, nil
}

// WashoutStage returns the cueing stage settings.
func (c *Config) WashoutStage() transform.WashoutConfig {
	w := c.Washout
	return transform.WashoutConfig{
		Enabled:         w.Enabled,
		LowPassAlpha:    w.LowPassAlpha,
		WashoutAlpha:    w.WashoutAlpha,
		MaxTravel:       w.MaxTravel,
		MaxTiltRate:     utils.DegToRad(w.MaxTiltRate),
		KeepOrientation: w.KeepOrientation,
	}
}

// Workspace returns the workspace envelope.
func (c *Config) Workspace() (workspace.Limits, error) {
	origin, err := vector("base_origin", c.BaseOrigin)
	if err != nil {
		return workspace.Limits{}, err
	}
	return workspace.NewLimitsFromBox(c.WorkspaceBox, origin, c.MaxReach)
}

// Model returns the manipulator model. Empty dh, home or joint_limits keep the IRB 6600 values.
func (c *Config) Model() (*kinematics.Model, error) {
	m, err := c.model()
	if err != nil {
		return nil, err
	}
	if err := m.Validate(root); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Config) model() (*kinematics.Model, error) {
	d := utils.DegToRad
	m := kinematics.NewIRB6600Model()
	if len(c.DH) > 0 {
		if len(c.DH) != referenceframe.DoF {
			return nil, errors.Errorf("%s.dh: needs %d rows, got %d", root, referenceframe.DoF, len(c.DH))
		}
		for i, p := range c.DH {
			m.DH[i] = kinematics.DHParam{A: p.A, Alpha: d(p.Alpha), D: p.D, Offset: d(p.Offset)}
		}
	}
	if len(c.ToolOffset) > 0 {
		tool, err := vector("tool_offset", c.ToolOffset)
		if err != nil {
			return nil, err
		}
		m.Tool = spatialmath.NewPoseFromPoint(tool)
	}
	if len(c.Home) > 0 {
		if len(c.Home) != referenceframe.DoF {
			return nil, errors.Errorf("%s.home: needs %d angles, got %d", root, referenceframe.DoF, len(c.Home))
		}
		for i, q := range c.Home {
			m.Home[i] = d(q)
		}
	}
	if len(c.JointLimits) > 0 {
		if len(c.JointLimits) != referenceframe.DoF {
			return nil, errors.Errorf("%s.joint_limits: needs %d joints, got %d", root, referenceframe.DoF, len(c.JointLimits))
		}
		for i, l := range c.JointLimits {
			m.Limits[i] = referenceframe.JointLimit{
				Min: d(l.Min), Max: d(l.Max), MaxVelocity: d(l.MaxVel), MaxAcceleration: d(l.MaxAccel), MaxJerk: d(l.MaxJerk),
			}
		}
	}
	return m, nil
}

// PlannerOptions returns the planner settings for the loop period.
func (c *Config) PlannerOptions() motionplan.Options {
	return motionplan.Options{
		Period:               c.Control().Period(),
		SingularityEpsilon:   c.Planner.SingularityEpsilon,
		Damping:              c.Planner.Damping,
		MaxIterations:        c.Planner.MaxIterations,
		MaxStep:              c.Planner.MaxStep,
		PositionTolerance:    c.Planner.PositionTolerance,
		OrientationTolerance: c.Planner.OrientationTolerance,
	}
}

// Safety returns the supervisor settings.
func (c *Config) Safety() safety.Config {
	return safety.Config{
		WatchdogTimeout:       time.Duration(c.WatchdogTimeout),
		FaultDebounceCount:    c.FaultDebounceCount,
		LinkLossAction:        c.LinkLossAction,
		FaultEscalationCount:  c.FaultEscalationCount,
		FaultEscalationWindow: time.Duration(c.FaultEscalationWindow),
	}
}

// OperatorServer returns the operator server settings.
func (c *Config) OperatorServer() operator.Config {
	return operator.Config{Address: c.Operator.Address, StatusInterval: time.Duration(c.Operator.StatusInterval)}
}

// Validate returns every problem with the configuration, each prefixed with the path of the
// offending key.
func (c *Config) Validate() error {
	path := root
	err := c.Control().Validate(path)

	if mount, mountErr := c.Mount(); mountErr != nil {
		err = multierr.Append(err, mountErr)
	} else {
		err = multierr.Append(err, mount.Validate(path))
	}
	if c.Washout.Enabled {
		err = multierr.Append(err, c.WashoutStage().Validate(path+".washout"))
	}
	err = multierr.Append(err, c.Sanity.Validate(path+".sanity"))

	if ws, wsErr := c.Workspace(); wsErr != nil {
		err = multierr.Append(err, wsErr)
	} else {
		err = multierr.Append(err, ws.Validate(path))
	}

	if m, modelErr := c.model(); modelErr != nil {
		err = multierr.Append(err, modelErr)
	} else {
		err = multierr.Append(err, m.Validate(path))
	}
	err = multierr.Append(err, c.PlannerOptions().Validate(path+".planner"))
	err = multierr.Append(err, c.Safety().Validate(path))

	switch c.Telemetry.Source {
	case TelemetrySynthetic:
	case TelemetryReplay:
		if c.Telemetry.ReplayFile == "" {
			err = multierr.Append(err, errors.Errorf("%s.telemetry.replay_file: required for replay", path))
		}
	default:
		err = multierr.Append(err, errors.Errorf("%s.telemetry.source: must be %q or %q, got %q",
			path, TelemetrySynthetic, TelemetryReplay, c.Telemetry.Source))
	}

	switch c.EStop.Input {
	case EStopManual:
	case EStopS7:
		if c.EStop.S7 == nil {
			err = multierr.Append(err, errors.Errorf("%s.estop.s7: required for the s7 input", path))
		} else {
			err = multierr.Append(err, c.EStop.S7.Validate(path+".estop.s7"))
		}
	default:
		err = multierr.Append(err, errors.Errorf("%s.estop.input: must be %q or %q, got %q",
			path, EStopManual, EStopS7, c.EStop.Input))
	}
	if c.EStop.PollInterval < 0 || c.EStop.ReleaseDebounce < 0 {
		err = multierr.Append(err, errors.Errorf("%s.estop: intervals cannot be negative", path))
	}

	if c.Audit.MemoryLimit < 0 {
		err = multierr.Append(err, errors.Errorf("%s.audit.memory_limit: cannot be negative", path))
	}
	err = multierr.Append(err, c.Audit.Redis.Validate(path+".audit.redis"))
	err = multierr.Append(err, c.OperatorServer().Validate(path+".operator"))
	return err
}
