// Package supervisor manages the lifecycle of a single worker process:
// spawning it, handing it the startup handshake, forwarding outbound
// messages, classifying how it exited, and restarting it after a
// crash. At most one worker process is live per Supervisor at a time.
//
// A Supervisor is confined to its control loop: Start, Send and
// Shutdown must be called on the Scheduler's goroutine, and all
// responder callbacks are delivered there. The only other goroutine
// involved is the reader, which blocks on the worker's output stream
// and posts work back to the loop.
package supervisor

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/fluxmedia/warden/internal/wire"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// DefaultStopTimeout is the shutdown grace period used when StopConfig
// leaves it unset.
const DefaultStopTimeout = time.Second

// killTimeout bounds how long a force-terminate waits for the process
// to be reaped.
const killTimeout = 5 * time.Second

// Scheduler posts a callback to run later on the supervisor's single
// control goroutine. Callbacks run eventually, in FIFO order. An
// event loop's run-later primitive satisfies this.
type Scheduler interface {
	Post(fn func())
}

// Params configures a Supervisor.
type Params struct {
	// Start describes how to spawn the worker process.
	Start StartConfig

	// Stop describes the shutdown grace period.
	Stop StopConfig

	// Messages decodes the worker's responses. It must include every
	// kind the worker may emit.
	Messages *wire.Registry

	// Responder receives inbound messages and lifecycle events.
	Responder Responder

	// Scheduler is the control loop the supervisor is confined to.
	Scheduler Scheduler

	// Config is the opaque configuration payload carried by
	// StartupInfo.
	Config map[string]string

	// Handler names the worker-side handler factory, with its
	// serialized constructor arguments.
	Handler     string
	HandlerArgs json.RawMessage

	// Log is the logger to use for the supervisor
	Log *zap.Logger
}

// Supervisor owns one worker process and its reader.
type Supervisor struct {
	startConfig StartConfig
	stopConfig  StopConfig

	codec     *wire.Codec
	responder Responder
	scheduler Scheduler

	config      map[string]string
	handler     string
	handlerArgs json.RawMessage

	// mutated only on the control loop
	running bool
	process *proc
	reader  *reader

	// snapshots readable off-loop, for status reporting
	state    atomic.Int32
	restarts atomic.Int64
	pid      atomic.Int64

	log *zap.Logger
}

func New(params Params) (*Supervisor, error) {
	if params.Start.Cmd == "" {
		return nil, errors.New("supervisor: no worker command")
	}
	if params.Responder == nil {
		return nil, errors.New("supervisor: no responder")
	}
	if params.Scheduler == nil {
		return nil, errors.New("supervisor: no scheduler")
	}
	if params.Messages == nil {
		return nil, errors.New("supervisor: no message registry")
	}
	if params.Handler == "" {
		return nil, errors.New("supervisor: no handler name")
	}

	if params.Stop.Timeout <= 0 {
		params.Stop.Timeout = DefaultStopTimeout
	}

	return &Supervisor{
		startConfig: params.Start,
		stopConfig:  params.Stop,
		codec:       wire.NewCodec(params.Messages),
		responder:   params.Responder,
		scheduler:   params.Scheduler,
		config:      params.Config,
		handler:     params.Handler,
		handlerArgs: params.HandlerArgs,
		log:         params.Log.Named("supervisor"),
	}, nil
}

// State returns a snapshot of the lifecycle state. Safe to call from
// any goroutine.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Restarts returns how many times the worker has been restarted after
// a crash. Safe to call from any goroutine.
func (s *Supervisor) Restarts() int64 {
	return s.restarts.Load()
}

// Pid returns the pid of the current worker process, or 0 if none is
// running. Safe to call from any goroutine.
func (s *Supervisor) Pid() int {
	return int(s.pid.Load())
}

// Start spawns the worker, attaches the reader, sends the startup
// handshake, and invokes the responder's OnStart. Calling Start on a
// running supervisor is a no-op.
func (s *Supervisor) Start() error {
	if s.running {
		return nil
	}
	return s.startWorker()
}

func (s *Supervisor) startWorker() error {
	process, err := startProc(s.startConfig, s.log)
	if err != nil {
		return err
	}

	s.process = process
	s.pid.Store(int64(process.pid))

	// the reader owns the worker's output stream from here on
	s.reader = newReader(
		s.codec,
		process.stdout,
		s.scheduler,
		s.deliver,
		s.readerFinished,
		s.log,
	)
	s.reader.start()

	s.running = true
	s.state.Store(int32(Running))

	s.sendStartupInfo()

	safeCall("OnStart", s.responder.OnStart, s.log)

	return nil
}

func (s *Supervisor) sendStartupInfo() {
	s.write(&wire.StartupInfo{Config: s.config})
	s.write(&wire.HandlerInfo{Handler: s.handler, Args: s.handlerArgs})
}

// Send forwards a message to the worker. It returns ErrNotRunning if
// no worker is live. A write onto a broken pipe is logged and
// swallowed: the reader's imminent termination is the authoritative
// signal that recovery is needed.
func (s *Supervisor) Send(msg wire.Message) error {
	if !s.running {
		return ErrNotRunning
	}
	if msg == nil {
		return errors.New("supervisor: nil message; shutdown writes the sentinel")
	}

	s.write(msg)

	return nil
}

func (s *Supervisor) write(msg wire.Message) {
	if err := s.codec.Write(s.process.stdin, msg); err != nil {
		// no proactive restart here; the reader will notice the break
		s.log.Warn("broken pipe writing to worker", zap.Error(err))
	}
}

// Shutdown stops the worker: it invokes the responder's OnStop, writes
// the quit sentinel, waits up to the configured grace period for the
// worker to acknowledge with its own sentinel, and force-terminates
// the process if it has not exited by then. The supervisor always ends
// up Stopped with its process and reader released. Calling Shutdown on
// a stopped supervisor is a no-op.
func (s *Supervisor) Shutdown() {
	if !s.running {
		return
	}

	safeCall("OnStop", s.responder.OnStop, s.log)

	// politely ask the worker to quit
	s.write(nil)

	// if things go right the worker sends its sentinel back and the
	// reader finishes normally; give it the grace period
	select {
	case <-s.reader.Done():
	case <-time.After(s.stopConfig.Timeout):
		s.log.Warn("worker did not quit in time, force-terminating")
	}

	if !s.process.Exited() {
		if err := s.process.Kill(killTimeout); err != nil {
			s.log.Error("failed to kill worker", zap.Error(err))
		}
	}

	s.cleanup()
}

// deliver runs on the control loop, once per message the reader
// decoded, in arrival order.
func (s *Supervisor) deliver(msg wire.Message) {
	if we, ok := msg.(*wire.WorkerError); ok {
		s.deliverWorkerError(we)
		return
	}

	safeCall("Handle", func() { s.responder.Handle(msg) }, s.log)
}

func (s *Supervisor) deliverWorkerError(we *wire.WorkerError) {
	if h, ok := s.responder.(WorkerErrorHandler); ok {
		safeCall("HandleWorkerError", func() { h.HandleWorkerError(we) }, s.log)
		return
	}

	if we.Recoverable {
		s.log.Warn("error in worker", zap.String("report", we.Report))
		return
	}

	// a non-recoverable worker error is an operator-visible failure,
	// but it does not stop the supervisor
	s.log.Error("hard failure in worker", zap.String("report", we.Report))
	sentry.CaptureMessage(we.Report)
}

// readerFinished runs on the control loop after the reader stopped.
// It is the sole trigger for the clean-stop-vs-restart decision.
func (s *Supervisor) readerFinished(reason QuitReason) {
	// queued while Shutdown was tearing things down; nothing to do
	if !s.running {
		return
	}

	if reason == QuitNormal {
		// the worker quit voluntarily and completely
		s.cleanup()
		return
	}

	s.log.Warn("restarting failed worker", zap.String("reason", string(reason)))
	s.restart()
}

func (s *Supervisor) restart() {
	s.state.Store(int32(Restarting))
	s.restarts.Add(1)

	// close our stream in case the process is still technically alive
	// but the channel is wedged
	s.process.CloseStdin()

	s.running = false
	if err := s.startWorker(); err != nil {
		s.log.Error("failed to restart worker", zap.Error(err))
		s.cleanup()
		return
	}

	safeCall("OnRestart", s.responder.OnRestart, s.log)
}

func (s *Supervisor) cleanup() {
	s.process = nil
	s.reader = nil
	s.running = false
	s.state.Store(int32(Stopped))
	s.pid.Store(0)
}
