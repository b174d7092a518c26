package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/rideseat/seatmotion/kinematics"
	"github.com/rideseat/seatmotion/logging"
	"github.com/rideseat/seatmotion/safety"
	"github.com/rideseat/seatmotion/transform"
	"github.com/rideseat/seatmotion/workspace"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	test.That(t, cfg.Validate(), test.ShouldBeNil)

	model, err := cfg.Model()
	test.That(t, err, test.ShouldBeNil)
	irb := kinematics.NewIRB6600Model()
	for i := range irb.Home {
		test.That(t, model.Home[i], test.ShouldAlmostEqual, irb.Home[i])
		test.That(t, model.Limits[i].MaxVelocity, test.ShouldAlmostEqual, irb.Limits[i].MaxVelocity)
		test.That(t, model.DH[i].Alpha, test.ShouldAlmostEqual, irb.DH[i].Alpha)
	}

	mount, err := cfg.Mount()
	test.That(t, err, test.ShouldBeNil)
	def := transform.DefaultMountConfig()
	test.That(t, mount.Scale, test.ShouldEqual, def.Scale)
	test.That(t, mount.TCPOffset, test.ShouldResemble, def.TCPOffset)
	test.That(t, mount.Seat.MaxTilt, test.ShouldAlmostEqual, def.Seat.MaxTilt)
	test.That(t, mount.Seat.PitchGain, test.ShouldAlmostEqual, def.Seat.PitchGain)

	ws, err := cfg.Workspace()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ws, test.ShouldResemble, workspace.DefaultLimits())

	test.That(t, cfg.Safety(), test.ShouldResemble, safety.DefaultConfig())
	test.That(t, cfg.PlannerOptions().Period, test.ShouldEqual, 10*time.Millisecond)
}

func TestDefaultRoundTrip(t *testing.T) {
	data, err := json.MarshalIndent(Default(), "", "  ")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldContainSubstring, `"watchdog_timeout": "1s"`)
	test.That(t, string(data), test.ShouldContainSubstring, `"level": "info"`)

	cfg, err := FromBytes(data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg, test.ShouldResemble, Default())
}

func TestFromReader(t *testing.T) {
	cfg, err := FromReader(strings.NewReader(`{
		"log": {"level": "debug", "json": true},
		"rate_hz": 50,
		"send_timeout": "30ms",
		"watchdog_timeout": 2,
		"link_loss_action": "estop",
		"seat_correction": {"max_tilt": 10},
		"estop": {
			"input": "s7",
			"release_debounce": "250ms",
			"s7": {"address": "10.0.0.5", "rack": 0, "slot": 1, "db": 100, "byte": 0, "bit": 3, "timeout": "200ms"}
		}
	}`))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Log.Level, test.ShouldEqual, logging.DEBUG)
	test.That(t, cfg.Log.JSON, test.ShouldBeTrue)
	test.That(t, cfg.Control().Period(), test.ShouldEqual, 20*time.Millisecond)
	test.That(t, cfg.PlannerOptions().Period, test.ShouldEqual, 20*time.Millisecond)
	test.That(t, cfg.Control().SendTimeout, test.ShouldEqual, 30*time.Millisecond)
	test.That(t, cfg.Safety().WatchdogTimeout, test.ShouldEqual, 2*time.Second)
	test.That(t, cfg.Safety().LinkLossAction, test.ShouldEqual, safety.LinkLossEStop)
	test.That(t, time.Duration(cfg.EStop.ReleaseDebounce), test.ShouldEqual, 250*time.Millisecond)
	test.That(t, cfg.EStop.S7, test.ShouldNotBeNil)
	test.That(t, cfg.EStop.S7.DB, test.ShouldEqual, 100)
	test.That(t, cfg.EStop.S7.Bit, test.ShouldEqual, 3)
	test.That(t, cfg.EStop.S7.Timeout, test.ShouldEqual, 200*time.Millisecond)

	mount, err := cfg.Mount()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mount.Seat.MaxTilt, test.ShouldAlmostEqual, 10*3.141592653589793/180)
	// keys left out keep their defaults
	test.That(t, mount.Seat.PitchGain, test.ShouldAlmostEqual, transform.DefaultMountConfig().Seat.PitchGain)
	test.That(t, cfg.Telemetry.Source, test.ShouldEqual, TelemetrySynthetic)
}

func TestFromReaderErrors(t *testing.T) {
	_, err := FromReader(strings.NewReader(`{"rate_hz": `))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "failed to decode config from json")

	_, err = FromReader(strings.NewReader(`{"rate_hertz": 100}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "rate_hertz")

	_, err = FromReader(strings.NewReader(`{"log": {"level": "loud"}}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown log level")

	_, err = FromReader(strings.NewReader(`{"watchdog_timeout": "soon"}`))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.RateHz = 500
	cfg.TCPOffset = []float64{1, 2}
	cfg.WorkspaceBox = []float64{10, 0, -1000, 1000, 1200, 3000}
	cfg.Home = []float64{0, 0, 0, 0, -90, 720}
	cfg.Telemetry = TelemetryConfig{Source: TelemetryReplay}
	cfg.EStop.Input = EStopS7
	cfg.Audit.Redis.Enabled = true
	cfg.Audit.Redis.Address = ""
	cfg.Operator.StatusInterval = 0

	err := cfg.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	for _, key := range []string{
		"config.rate_hz",
		"config.tcp_offset",
		"config.workspace_box",
		"config.home",
		"config.telemetry.replay_file",
		"config.estop.s7",
		"config.audit.redis.address",
		"config.operator.status_interval",
	} {
		test.That(t, err.Error(), test.ShouldContainSubstring, key)
	}

	cfg = Default()
	cfg.JointLimits = cfg.JointLimits[:5]
	_, err = cfg.Model()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "config.joint_limits")

	cfg = Default()
	cfg.AxisRemap = [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, -1}}
	_, err = cfg.Mount()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "config.axis_remap")
}

func TestRead(t *testing.T) {
	t.Setenv("SEATD_TEST_OPERATOR_ADDRESS", "0.0.0.0:9000")
	path := filepath.Join(t.TempDir(), "seatd.json")
	test.That(t, os.WriteFile(path, []byte(`{"operator": {"address": "${SEATD_TEST_OPERATOR_ADDRESS}"}}`), 0o600), test.ShouldBeNil)

	cfg, err := Read(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.OperatorServer().Address, test.ShouldEqual, "0.0.0.0:9000")
	test.That(t, cfg.OperatorServer().StatusInterval, test.ShouldEqual, 500*time.Millisecond)

	_, err = Read(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}
