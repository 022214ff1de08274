package supervisor

import (
	"github.com/fluxmedia/warden/internal/wire"
	"go.uber.org/zap"
)

// Responder receives inbound messages and lifecycle events from a
// supervised worker. All callbacks run on the supervisor's control
// loop, never on the reader goroutine.
type Responder interface {
	// OnStart is called after a worker has been spawned and handed
	// its startup handshake.
	OnStart()

	// OnStop is called when Shutdown begins, before the quit sentinel
	// is written.
	OnStop()

	// OnRestart is called after a crashed worker has been replaced
	// and the new process has been handed its startup handshake.
	OnRestart()

	// Handle receives one worker message. WorkerError messages are
	// routed separately; see WorkerErrorHandler.
	Handle(msg wire.Message)
}

// WorkerErrorHandler may be implemented by a Responder that wants to
// override the default WorkerError handling (log recoverable errors,
// escalate the rest).
type WorkerErrorHandler interface {
	HandleWorkerError(we *wire.WorkerError)
}

// BaseResponder provides no-op lifecycle callbacks so responders only
// implement what they care about.
type BaseResponder struct{}

func (BaseResponder) OnStart()   {}
func (BaseResponder) OnStop()    {}
func (BaseResponder) OnRestart() {}

// safeCall invokes a responder callback, trapping panics so a broken
// responder cannot take the control loop down with it.
func safeCall(name string, fn func(), log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in responder callback",
				zap.String("callback", name),
				zap.Any("panic", r),
			)
		}
	}()

	fn()
}
