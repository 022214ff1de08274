package app

import (
	"github.com/fluxmedia/warden/config"
	"github.com/fluxmedia/warden/internal/shell"
	"github.com/fluxmedia/warden/util/conf"
	"github.com/fluxmedia/warden/util/logging"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
)

func New(ctx *cli.Context) (*shell.Shell, error) {
	log, err := logging.LoggerFromContext(ctx.Context)
	if err != nil {
		return nil, err
	}

	config, err := conf.GetConfigFromContext[config.Config](ctx.Context)
	if err != nil {
		return nil, err
	}

	sharedModule := fx.Module(
		"shared",
		// provide global config
		fx.Supply(config),
	)

	return shell.New(log, sharedModule), nil
}
