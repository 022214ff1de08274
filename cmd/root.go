package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fluxmedia/warden/config"
	"github.com/fluxmedia/warden/internal/shell"
	"github.com/fluxmedia/warden/util/conf"
	"github.com/fluxmedia/warden/util/logging"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var (
	appName  = "warden"
	appUsage = `Spawns a long-lived worker process, exchanges typed messages
with it over its stdin/stdout, and keeps it alive across crashes.`
	rootApp = &cli.App{
		Name:            appName,
		Usage:           appUsage,
		HideHelpCommand: true,
		Args:            true,
		Flags: []cli.Flag{
			// general flags
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "set the log level. Options: debug, info, warn, error, panic, fatal.",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "set the log format. Options: production, development.",
				EnvVars: []string{"LOG_FORMAT"},
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a json configuration file.",
				EnvVars: []string{"WARDEN_CONFIG"},
			},
			// worker flags
			&cli.StringFlag{
				Name:     "worker-cmd",
				Usage:    "the command to invoke in order to start the worker process. Defaults to re-invoking this binary with the worker command.",
				Aliases:  []string{"c"},
				Category: "worker",
				EnvVars:  []string{"WORKER_CMD"},
			},
			&cli.StringSliceFlag{
				Name:     "worker-arg",
				Usage:    "additional arguments to pass to the worker process.",
				Aliases:  []string{"a"},
				Category: "worker",
				EnvVars:  []string{"WORKER_ARGS"},
			},
			&cli.StringFlag{
				Name:     "handler",
				Usage:    "the name of the worker-side handler to instantiate.",
				Category: "worker",
				EnvVars:  []string{"WORKER_HANDLER"},
			},
			&cli.DurationFlag{
				Name:     "shutdown-timeout",
				Usage:    "grace period for a clean worker exit before force-terminating it.",
				Value:    time.Second,
				Category: "worker",
				EnvVars:  []string{"SHUTDOWN_TIMEOUT"},
			},
		},
		Before: func(ctx *cli.Context) error {
			// create the logger
			log, err := createLogger(ctx)
			if err != nil {
				return err
			}

			// inject logger into cli context
			ctx.Context = logging.ContextWithLogger(ctx.Context, log)

			// parse config using defaults, file, env and cli flags
			cfg, err := conf.Parse[config.Config](conf.ParseOptions{
				Cli: ctx,
				CliMap: map[string]string{
					"worker-cmd":       "worker.cmd",
					"worker-arg":       "worker.args",
					"handler":          "handler",
					"shutdown-timeout": "shutdown.timeout",
				},
				Defaults:   config.DefaultConfig,
				EnvPrefix:  "WARDEN",
				FileName:   ctx.String("config"),
				DotEnvFile: ".env",
				Log:        log,
			})
			if err != nil {
				return err
			}

			// inject the config into the cli context
			ctx.Context = conf.ContextWithConfig(ctx.Context, cfg)

			return nil
		},
		After: func(ctx *cli.Context) error {
			log, err := logging.LoggerFromContext(ctx.Context)
			if err != nil {
				return err
			}

			log.Sync()

			return nil
		},
	}
)

func init() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:               "version",
		Usage:              "print the version",
		DisableDefaultText: true,
	}
}

type ExecuteParams struct {
	Version  string
	Compiled time.Time
}

func Execute(params ExecuteParams) {
	rootApp.Version = params.Version
	rootApp.Compiled = params.Compiled

	run(context.Background(), os.Args)
}

func run(ctx context.Context, args []string) {
	err := rootApp.RunContext(ctx, args)

	// if app exited without error, return
	if err == nil {
		return
	}

	// a shell exit carries the code to propagate
	if code, ok := shell.ExitCode(err); ok {
		os.Exit(code)
	}

	fmt.Printf("exit error: %s\n", err.Error())

	os.Exit(1)
}

func createLogger(ctx *cli.Context) (*zap.Logger, error) {
	level := getLogLevelFromCLI(ctx)
	format := getLogFormatFromCLI(ctx)

	var config zap.Config
	if format == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}

	config.InitialFields = map[string]any{
		"app": appName,
	}

	config.Level = level

	return config.Build()
}

func getLogFormatFromCLI(ctx *cli.Context) string {
	format := ctx.String("log-format")
	if format != "" {
		return format
	}

	return "production"
}

func getLogLevelFromCLI(ctx *cli.Context) zap.AtomicLevel {
	lvl := ctx.String("log-level")

	if atom, err := zap.ParseAtomicLevel(lvl); err == nil {
		return atom
	}

	return zap.NewAtomicLevelAt(zap.InfoLevel)
}
