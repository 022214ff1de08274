package server

import (
	"github.com/fluxmedia/warden/util/logging"
	"go.uber.org/fx"
)

func Module(config HttpConfig) fx.Option {
	return fx.Module("server",
		logging.DecorateLogger("http"),
		// provide config
		fx.Supply(config),
		// provide status handlers
		fx.Provide(func(source StatusSource) HttpHandlerResult {
			return AsHttpHandler("/status", NewStatusHandler(source))
		}),
		fx.Provide(func() HttpHandlerResult {
			return AsHttpHandler("/healthz", NewHealthHandler())
		}),
		// provide server
		fx.Provide(NewLifecycleServer),
		// invoke server
		fx.Invoke(func(*HttpServer) {}),
	)
}
