package cmd

import (
	"os"

	"github.com/fluxmedia/warden/internal/echo"
	"github.com/fluxmedia/warden/internal/helper"
	"github.com/fluxmedia/warden/internal/wire"
	"github.com/fluxmedia/warden/util/logging"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	workerCmdDescription = `The worker command is the entrypoint for the spawned worker
	process. It reads length-prefixed messages from stdin, hands
	them to the handler named in the startup handshake, and writes
	responses to stdout. It is not meant to be invoked by hand.`
	workerCmd = &cli.Command{
		Name:        "worker",
		Usage:       "Run the worker-side message loop on stdin/stdout.",
		Description: workerCmdDescription,
		Hidden:      true,
		Action:      workerAction,
	}
)

func workerAction(ctx *cli.Context) error {
	// stdout belongs to the protocol; all logging goes to stderr
	log, err := createWorkerLogger(ctx)
	if err != nil {
		return err
	}
	defer log.Sync()

	messages := wire.NewRegistry()
	echo.RegisterMessages(messages)

	handlers := helper.NewHandlerRegistry()
	echo.RegisterHandler(handlers)

	return helper.Run(helper.Params{
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Messages: messages,
		Handlers: handlers,
		Log:      log,
	})
}

func createWorkerLogger(ctx *cli.Context) (*zap.Logger, error) {
	// the parent already built a logger in Before, but it may write
	// to stdout; rebuild one pinned to stderr
	if log, err := logging.LoggerFromContext(ctx.Context); err == nil {
		log.Sync()
	}

	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.Level = getLogLevelFromCLI(ctx)
	config.InitialFields = map[string]any{
		"app": appName,
		"pid": os.Getpid(),
	}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return config.Build()
}

func init() {
	rootApp.Commands = append(rootApp.Commands, workerCmd)
}
