package main

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/rideseat/seatmotion/audit"
	"github.com/rideseat/seatmotion/config"
	"github.com/rideseat/seatmotion/control"
	"github.com/rideseat/seatmotion/estop"
	"github.com/rideseat/seatmotion/estop/s7"
	"github.com/rideseat/seatmotion/logging"
	"github.com/rideseat/seatmotion/motionplan"
	"github.com/rideseat/seatmotion/operator"
	"github.com/rideseat/seatmotion/robotlink"
	"github.com/rideseat/seatmotion/robotlink/fake"
	"github.com/rideseat/seatmotion/safety"
	"github.com/rideseat/seatmotion/telemetry"
	telemetryfake "github.com/rideseat/seatmotion/telemetry/fake"
	"github.com/rideseat/seatmotion/transform"
	"github.com/rideseat/seatmotion/utils"
)

// daemon owns every component of a running motion pipeline.
type daemon struct {
	cfg    *config.Config
	clock  clock.Clock
	logger logging.Logger

	mailbox    *telemetry.Mailbox
	source     telemetry.Source
	link       robotlink.Link
	supervisor *safety.Supervisor
	events     *audit.MemoryRecorder
	trail      *audit.Trail
	loop       *control.Loop
	server     *operator.Server
	monitor    *estop.Monitor
	plc        *s7.Input

	telemetryWorkers utils.StoppableWorkers
}

func newDaemon(ctx context.Context, cfg *config.Config, clk clock.Clock, logger logging.Logger) (_ *daemon, err error) {
	if clk == nil {
		clk = clock.New()
	}
	d := &daemon{cfg: cfg, clock: clk, logger: logger, mailbox: telemetry.NewMailbox(clk)}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, d.closeRecorders())
		}
	}()

	switch cfg.Telemetry.Source {
	case config.TelemetryReplay:
		replay := telemetryfake.NewReplayFromFile(cfg.Telemetry.ReplayFile, clk, logger.Sublogger("telemetry"))
		replay.Loop = true
		d.source = replay
	default:
		d.source = telemetryfake.NewSynthetic(clk)
	}

	// TODO(seatd): replace with the controller's streaming interface once its wire protocol is pinned down.
	d.link = fake.NewLink(logger.Sublogger("link"))

	model, err := cfg.Model()
	if err != nil {
		return nil, err
	}
	mount, err := cfg.Mount()
	if err != nil {
		return nil, err
	}
	ws, err := cfg.Workspace()
	if err != nil {
		return nil, err
	}

	d.supervisor, err = safety.NewSupervisor(cfg.Safety(), model.Limits, d.link, clk, logger.Sublogger("safety"))
	if err != nil {
		return nil, err
	}

	d.events = audit.NewMemoryRecorder(cfg.Audit.MemoryLimit)
	recorders := []audit.Recorder{d.events}
	if cfg.Audit.Redis.Enabled {
		redisRecorder, err := audit.NewRedisRecorder(ctx, cfg.Audit.Redis, logger.Sublogger("audit"))
		if err != nil {
			return nil, err
		}
		recorders = append(recorders, redisRecorder)
	}
	d.trail = audit.NewTrail(logger.Sublogger("audit"), recorders...)
	d.supervisor.Subscribe(d.trail.Observe)

	planner, err := motionplan.NewPlanner(model, cfg.PlannerOptions(), logger.Sublogger("planner"))
	if err != nil {
		return nil, err
	}
	var washout *transform.Washout
	if stage := cfg.WashoutStage(); stage.Enabled {
		washout = transform.NewWashout(stage, mount.Seat)
	}
	d.loop, err = control.NewLoop(cfg.Control(), control.Pipeline{
		Mailbox:     d.mailbox,
		Sanity:      cfg.Sanity,
		Washout:     washout,
		Mount:       mount,
		Workspace:   ws,
		Planner:     planner,
		JointLimits: model.Limits,
		Supervisor:  d.supervisor,
		Link:        d.link,
	}, clk, logger.Sublogger("control"))
	if err != nil {
		return nil, err
	}

	d.server, err = operator.NewServer(cfg.OperatorServer(), operator.Deps{
		Supervisor: d.supervisor,
		Loop:       d.loop,
		Trail:      d.trail,
		Events:     d.events,
	}, clk, logger.Sublogger("operator"))
	if err != nil {
		return nil, err
	}

	if cfg.EStop.Input == config.EStopS7 {
		d.plc, err = s7.NewInput(*cfg.EStop.S7, logger.Sublogger("estop"))
		if err != nil {
			return nil, err
		}
		d.monitor = estop.NewMonitor("plc", d.plc, d.supervisor, time.Duration(cfg.EStop.PollInterval), clk, logger.Sublogger("estop"))
		d.monitor.DebounceRelease(time.Duration(cfg.EStop.ReleaseDebounce))
	}
	return d, nil
}

// start brings the pipeline up to SafeIdle. Arming is left to the operator.
func (d *daemon) start(ctx context.Context) error {
	d.trail.Start(ctx)
	if d.monitor != nil {
		d.monitor.Start(ctx)
	} else {
		d.logger.Warnw("no hardware e-stop input configured, only operator e-stops are available")
	}
	d.telemetryWorkers = utils.NewStoppableWorkersWithContext(ctx, func(ctx context.Context) {
		if err := d.source.Run(ctx, d.mailbox); err != nil {
			d.logger.Errorw("telemetry source stopped", "error", err)
		}
	})
	d.loop.Start(ctx)
	if err := d.supervisor.SelfCheck(ctx); err != nil {
		return errors.Wrap(err, "startup self check")
	}
	if err := d.server.Start(ctx); err != nil {
		return err
	}
	d.logger.Infow("seatd started",
		"rate_hz", d.cfg.RateHz,
		"telemetry", d.cfg.Telemetry.Source,
		"estop", d.cfg.EStop.Input,
		"state", d.supervisor.State())
	return nil
}

// close shuts the operator surface, stops the robot, then tears down the rest.
func (d *daemon) close(ctx context.Context) error {
	var err error
	if d.server != nil {
		err = multierr.Append(err, d.server.Close(ctx))
	}
	if d.monitor != nil {
		d.monitor.Close()
	}
	if d.loop != nil {
		err = multierr.Append(err, d.loop.Close(ctx))
	}
	if d.telemetryWorkers != nil {
		d.telemetryWorkers.Stop()
	}
	err = multierr.Append(err, d.closeRecorders())
	if d.plc != nil {
		err = multierr.Append(err, d.plc.Close())
	}
	if d.link != nil {
		err = multierr.Append(err, d.link.Close(ctx))
	}
	return err
}

func (d *daemon) closeRecorders() error {
	if d.trail == nil {
		return nil
	}
	return d.trail.Close()
}
