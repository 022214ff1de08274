// Package daemon wires the supervise mode: a control loop, a
// supervisor for the configured worker, and the status http server.
package daemon

import (
	"context"
	"os"

	"github.com/fluxmedia/warden/config"
	"github.com/fluxmedia/warden/internal/echo"
	"github.com/fluxmedia/warden/internal/eventloop"
	"github.com/fluxmedia/warden/internal/server"
	"github.com/fluxmedia/warden/internal/supervisor"
	"github.com/fluxmedia/warden/internal/wire"
	"github.com/fluxmedia/warden/util/logging"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module(cfg config.Config) fx.Option {
	return fx.Module(
		"daemon",

		logging.DecorateLogger("daemon"),

		// provide the control loop
		fx.Provide(NewLifecycleLoop),

		// provide the message registry
		fx.Provide(NewMessages),

		// provide the responder
		fx.Provide(func(log *zap.Logger) supervisor.Responder {
			return echo.NewResponder(log)
		}),

		// provide the supervisor
		fx.Provide(NewLifecycleSupervisor),

		// expose the supervisor to the status server
		fx.Provide(func(sup *supervisor.Supervisor) server.StatusSource {
			return sup
		}),

		// provide the status server
		server.Module(cfg.Server),

		// invoke the supervisor
		fx.Invoke(func(*supervisor.Supervisor) {}),
	)
}

// NewLifecycleLoop provides the control loop, running for the lifetime
// of the fx app.
func NewLifecycleLoop(log *zap.Logger, lc fx.Lifecycle) *eventloop.Loop {
	loop := eventloop.New(log)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go loop.Run()
			return nil
		},
		OnStop: func(context.Context) error {
			loop.Stop()
			return nil
		},
	})

	return loop
}

// NewMessages builds the wire registry with the built-in message set.
func NewMessages() *wire.Registry {
	registry := wire.NewRegistry()
	echo.RegisterMessages(registry)
	return registry
}

// SupervisorParams defines the dependencies for the supervisor.
type SupervisorParams struct {
	fx.In

	Config    config.Config
	Loop      *eventloop.Loop
	Messages  *wire.Registry
	Responder supervisor.Responder
	Log       *zap.Logger
}

// NewLifecycleSupervisor provides a supervisor bound to the control
// loop, started and shut down with the fx app.
func NewLifecycleSupervisor(params SupervisorParams, lc fx.Lifecycle) (*supervisor.Supervisor, error) {
	start := params.Config.Worker

	// default to re-invoking this binary as the worker
	if start.Cmd == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, err
		}
		start.Cmd = self
		start.Args = []string{"worker"}
	}

	sup, err := supervisor.New(supervisor.Params{
		Start:     start,
		Stop:      params.Config.Shutdown,
		Messages:  params.Messages,
		Responder: params.Responder,
		Scheduler: params.Loop,
		Handler:   params.Config.Handler,
		Log:       params.Log,
	})
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return do(params.Loop, sup.Start)
		},
		OnStop: func(context.Context) error {
			return do(params.Loop, func() error {
				sup.Shutdown()
				return nil
			})
		},
	})

	return sup, nil
}

// do runs fn on the loop and waits for it.
func do(loop *eventloop.Loop, fn func() error) error {
	errc := make(chan error, 1)

	loop.Post(func() {
		errc <- fn()
	})

	return <-errc
}
