package cmd

import (
	"github.com/fluxmedia/warden/app"
	"github.com/fluxmedia/warden/config"
	"github.com/fluxmedia/warden/daemon"
	"github.com/fluxmedia/warden/util/conf"
	"github.com/urfave/cli/v2"
)

var (
	runCmdDescription = `The run command spawns the configured worker process and
	supervises it: typed messages are exchanged over the worker's
	stdin/stdout, crashes are detected and the worker is restarted
	transparently. A status http server reports the worker's state.

	The command blocks until the process receives an exit signal,
	then shuts the worker down cleanly.`
	runCmd = &cli.Command{
		Name:        "run",
		Usage:       "Spawn and supervise the worker process.",
		Description: runCmdDescription,
		Action:      runAction,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "host",
				Aliases:  []string{"H"},
				Usage:    "The host for the status server to listen on.",
				Value:    "localhost",
				Category: "http",
				EnvVars:  []string{"HTTP_HOST"},
			},
			&cli.IntFlag{
				Name:     "port",
				Aliases:  []string{"P"},
				Usage:    "The port for the status server to listen on.",
				Value:    8090,
				Category: "http",
				EnvVars:  []string{"HTTP_PORT"},
			},
			&cli.BoolFlag{
				Name:     "h2c",
				Usage:    "Enable HTTP/2 cleartext upgrade on the status server.",
				Value:    false,
				Category: "http",
				EnvVars:  []string{"HTTP_H2C"},
			},
		},
	}
)

func runAction(ctx *cli.Context) error {
	application, err := app.New(ctx)
	if err != nil {
		return err
	}

	cfg, err := conf.GetConfigFromContext[config.Config](ctx.Context)
	if err != nil {
		return err
	}

	cfg.Server.Host = ctx.String("host")
	cfg.Server.Port = ctx.Int("port")
	cfg.Server.H2c = ctx.Bool("h2c")

	return application.Run(ctx.Context, daemon.Module(cfg))
}

func init() {
	rootApp.Commands = append(rootApp.Commands, runCmd)
}
