// Package main is seatd, the daemon that drives a ride seat on an industrial robot from ride
// telemetry.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/rideseat/seatmotion/config"
	"github.com/rideseat/seatmotion/logging"
)

const (
	flagConfig = "config"
	flagDebug  = "debug"

	shutdownTimeout = 5 * time.Second
)

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:            "seatd",
		Usage:           "drive a ride seat on an industrial robot from ride telemetry",
		HideHelpCommand: true,
		Writer:          out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`, defaults are used when unset",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the motion pipeline until interrupted",
				Action: RunAction,
			},
			{
				Name:   "validate-config",
				Usage:  "check a configuration file and exit",
				Action: ValidateConfigAction,
			},
			{
				Name:   "default-config",
				Usage:  "print the default configuration",
				Action: DefaultConfigAction,
			},
		},
	}
}

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func readConfig(c *cli.Context) (*config.Config, error) {
	path := c.String(flagConfig)
	if path == "" {
		return config.Default(), nil
	}
	return config.Read(path)
}

func newLogger(cfg *config.Config, debug bool) logging.Logger {
	var logger logging.Logger
	if cfg.Log.JSON {
		logger = logging.NewJSONLogger("seatd")
	} else {
		logger = logging.NewLogger("seatd")
	}
	level := cfg.Log.Level
	if debug {
		level = logging.DEBUG
	}
	logger.SetLevel(level)
	return logger
}

// RunAction runs the pipeline until SIGINT or SIGTERM.
func RunAction(c *cli.Context) error {
	cfg, err := readConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, c.Bool(flagDebug))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	startErr := d.start(ctx)
	if startErr == nil {
		<-ctx.Done()
		logger.Infow("shutting down")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.close(closeCtx); err != nil {
		logger.Warnw("error during shutdown", "error", err)
	}
	return startErr
}

// ValidateConfigAction reads the configuration given with --config, or as the first argument.
func ValidateConfigAction(c *cli.Context) error {
	path := c.String(flagConfig)
	if c.Args().Present() {
		path = c.Args().First()
	}
	if path == "" {
		return errors.New("a configuration file is required")
	}
	if _, err := config.Read(path); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s is valid\n", path)
	return nil
}

// DefaultConfigAction prints the default configuration as JSON.
func DefaultConfigAction(c *cli.Context) error {
	data, err := json.MarshalIndent(config.Default(), "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, string(data))
	return err
}
